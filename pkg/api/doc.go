// Package api serves the proposal lifecycle as a JSON API over chi.
//
// Routes:
//
//	GET    /health
//	GET    /metrics
//	GET    /barclamps                       catalog with proposals and resolved statuses
//	GET    /barclamps/versions
//	GET    /barclamps/{barclamp}            proposals of a module
//	GET    /barclamps/{barclamp}/members
//	GET    /barclamps/{barclamp}/proposals  proposal names
//	POST   /proposals                       create
//	GET    /proposals/status?id=            display statuses
//	GET    /proposals/{id}
//	PUT    /proposals/{id}                  edit
//	POST   /proposals/{id}?action=          save, commit, dequeue or delete
//	DELETE /proposals/{id}
//	POST   /proposals/{id}/commit
//	POST   /proposals/{id}/dequeue
//	GET    /active/{id}
//	PUT    /active/{id}?target=
//	DELETE /active/{id}
//	GET    /transitions/{target}            latest state per node
//	POST   /transitions/{target}            {"name": node, "state": token}
//	GET    /transitions/{target}/history
//	GET    /queue
//
// Errors are returned as {"error", "kind", "class", "code", "fields"} with the
// HTTP status of the error kind. Commit answers carry the result code of the commit:
// 200 accepted, 202 queued, 4xx or 5xx rejected.
package api
