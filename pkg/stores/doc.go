// Package stores provides persistence layer implementations for the barclamp service.
// It includes a SQLite-based store with WAL mode, connection pooling, embedded
// migrations, and the proposal, commit queue, transition, active role and audit
// persistence used by the lifecycle engine.
package stores
