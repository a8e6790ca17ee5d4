// Package backend provides the deployment backends that committed proposals are
// submitted to.
//
// HTTPBackend posts proposals to a configuration-management service and maps its
// answers to accepted, busy, rejected or unavailable. Guarded wraps any backend with
// a circuit breaker so that an unreachable service fails commits fast instead of
// holding a running queue entry for the full commit timeout. Detached never accepts
// and is used for modules that are not wired to a service.
package backend
