package engine

import (
	"context"
)

// ProposalStore persists proposal documents keyed by (module, name).
// Implementations wrap ErrNotFound, ErrAlreadyExists and ErrStaleRevision.
type ProposalStore interface {
	// GetProposal loads a proposal.
	GetProposal(ctx context.Context, module, name string) (*Proposal, error)

	// ListProposals returns every proposal of a module ordered by name.
	ListProposals(ctx context.Context, module string) ([]*Proposal, error)

	// ListAllProposals returns every proposal ordered by module and name.
	ListAllProposals(ctx context.Context) ([]*Proposal, error)

	// SaveProposal inserts a proposal with Revision 0, or updates one whose stored
	// revision matches. On success the proposal's Revision is incremented.
	SaveProposal(ctx context.Context, p *Proposal) error

	// DeleteProposal removes a proposal.
	DeleteProposal(ctx context.Context, module, name string) error
}

// QueueStore persists commit queue entries. At most one entry exists per proposal id.
type QueueStore interface {
	// InsertQueueEntry creates an entry, failing with ErrAlreadyExists when one exists.
	InsertQueueEntry(ctx context.Context, entry *QueueEntry) error

	// GetQueueEntry loads the entry of a proposal.
	GetQueueEntry(ctx context.Context, proposalID string) (*QueueEntry, error)

	// TransitionQueueEntry moves an entry from one state to another and records the
	// reason. It reports false when the entry is absent or not in the from state.
	TransitionQueueEntry(ctx context.Context, proposalID string, from, to QueueState, reason string) (bool, error)

	// DeleteQueueEntry removes the entry if it is in the given state.
	DeleteQueueEntry(ctx context.Context, proposalID string, state QueueState) (bool, error)

	// ListQueueEntries returns every entry ordered by submission time.
	ListQueueEntries(ctx context.Context) ([]*QueueEntry, error)
}

// TransitionStore persists append-only transition records.
type TransitionStore interface {
	// AppendTransition stores a record and assigns its sequence number.
	AppendTransition(ctx context.Context, record *TransitionRecord) error

	// ListTransitions returns every record of a target in submission order.
	ListTransitions(ctx context.Context, targetID string) ([]*TransitionRecord, error)
}

// ActiveRegistry answers which proposals currently have a live role assignment.
type ActiveRegistry interface {
	// ActiveIDs returns the active proposal ids. A non-empty target scopes the result
	// to bindings of that proposal id or target id.
	ActiveIDs(ctx context.Context, targetID string) (map[string]struct{}, error)
}

// RoleBindings manages active role bindings.
type RoleBindings interface {
	ActiveRegistry

	// Binding returns the active binding of a proposal.
	Binding(ctx context.Context, proposalID string) (*ActiveBinding, error)

	// Activate records a live binding.
	Activate(ctx context.Context, binding *ActiveBinding) error

	// Deactivate removes a live binding.
	Deactivate(ctx context.Context, proposalID string) error
}

// Backend submits committed proposals to the configuration-management backend.
// A refusal is returned as an error classified KindRejected; unreachability as
// KindBackendUnavailable.
type Backend interface {
	Submit(ctx context.Context, p *Proposal) (SubmitStatus, string, error)
}

// ModuleHandler is the capability interface of a registered module.
type ModuleHandler interface {
	// Name returns the module identifier.
	Name() string

	// Description returns the module description.
	Description() string

	// Version returns the module version.
	Version() string

	// Members returns the modules this module is composed of.
	Members() []string

	// AllowsMultipleProposals reports whether more than one proposal may exist.
	AllowsMultipleProposals() bool

	// Defaults returns template attribute and deployment subtrees for new proposals.
	Defaults() (attributes, deployment Subtree)

	// Submit hands a committed proposal to the deployment backend.
	Submit(ctx context.Context, p *Proposal) (SubmitStatus, string, error)
}

// ModuleRegistry maps module identifiers to their handlers.
type ModuleRegistry interface {
	// Handler returns the handler of a module.
	Handler(module string) (ModuleHandler, bool)

	// Handlers returns every registered handler ordered by name.
	Handlers() []ModuleHandler
}

// Validator checks a proposal and reports every violation it finds.
// A non-nil error means the validator itself could not run.
type Validator interface {
	Name() string
	Validate(ctx context.Context, p *Proposal) ([]FieldError, error)
}

// Locker provides mutual exclusion keyed by an arbitrary string.
type Locker interface {
	// Lock blocks until the key is held or ctx is done and returns the release function.
	Lock(ctx context.Context, key string) (func(), error)
}

// AuditLog records lifecycle actions.
type AuditLog interface {
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
}
