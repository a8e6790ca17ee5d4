package stores

import (
	"context"

	"github.com/openfroyo/barclamp/pkg/engine"
)

// AuditFilter narrows ListAuditEntries. Empty fields match everything.
type AuditFilter struct {
	Action     string
	ProposalID string
	Limit      int
	Offset     int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Proposal, queue and transition persistence used by the lifecycle engine
	engine.ProposalStore
	engine.QueueStore
	engine.TransitionStore

	// Active role bindings
	engine.RoleBindings

	// Audit operations
	engine.AuditLog
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*engine.AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
