// Package engine implements the barclamp proposal lifecycle.
//
// # Overview
//
// A proposal is a named configuration bundle for a service module (a barclamp). It
// carries an attribute tree and a deployment tree keyed by the module name, and moves
// through the persisted statuses pending, queued, ready, unready and hold. The engine
// creates, edits, validates and deletes proposals, commits them to the module's
// deployment backend through a commit queue, and resolves the status shown to callers
// against the registry of active deployments.
//
// # Core Types
//
//   - Proposal: the stored document, identified by module + "_" + name
//   - QueueEntry: the single outstanding commit of a proposal (queued or running)
//   - TransitionRecord: a node progress report for a deployment target
//   - CommitResult: the accepted (200), queued (202) or rejected outcome of a commit
//   - EngineError: the classified error every operation returns
//
// # Components
//
// Lifecycle is the facade used by the API server and CLI. It composes:
//
//   - Pipeline: structural checks, module-declared Validators and the
//     single-proposal rule, collecting every violation
//   - CommitQueue: at most one outstanding commit per proposal, backend submission
//     with a bounded wait, dequeue and periodic drain
//   - StatusResolver: display statuses derived from the active set
//   - TransitionTracker: append-only node state reports with latest-per-node queries
//
// Persistence, the active registry, module handlers and locking are interfaces so
// that the SQLite store, the cached registry and the Redis locker can be swapped for
// in-memory versions in tests.
//
// # Display Status
//
// Pending and unready proposals are shown as stored. Any other proposal is shown with
// its stored status while it is active and as hold otherwise:
//
//	status := engine.EffectiveStatus(p, active)
//
// # Commit Queue
//
// A commit creates a running entry under the proposal lock, then calls the backend
// without holding it. A second commit while the entry exists fails with a conflict.
// A busy backend or an expired CommitTimeout parks the entry as queued; Drain or Run
// resubmits queued entries in submission order and Dequeue cancels them.
//
// # Errors
//
// Every operation returns an *EngineError with a Kind (not_found, validation_failed,
// conflict, backend_unavailable, store_unavailable, rejected) and an HTTP-equivalent
// Status:
//
//	if engine.IsConflict(err) {
//	    // another commit is outstanding
//	}
//
// Stores report missing rows, uniqueness violations and stale revisions by wrapping
// ErrNotFound, ErrAlreadyExists and ErrStaleRevision.
package engine
