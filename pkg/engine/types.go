package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// InternalPrefix marks proposal ids reserved for internal use. Such proposals are
// excluded from status listings.
const InternalPrefix = "bc-"

// Subtree is a module-scoped configuration tree.
type Subtree map[string]interface{}

// Clone returns a deep copy of the subtree.
func (s Subtree) Clone() Subtree {
	if s == nil {
		return nil
	}
	out := make(Subtree, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Subtree(t).Clone())
	case Subtree:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ModuleTrees maps a module identifier to its configuration subtree.
type ModuleTrees map[string]Subtree

// Clone returns a deep copy of every subtree.
func (m ModuleTrees) Clone() ModuleTrees {
	if m == nil {
		return nil
	}
	out := make(ModuleTrees, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// Proposal is an editable, named configuration bundle for a module.
type Proposal struct {
	// Module is the owning service module identifier.
	Module string `json:"barclamp" validate:"required,max=64,module_name"`

	// Name is unique within the module. Empty denotes the module's singleton proposal.
	Name string `json:"name" validate:"max=64,proposal_name"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty" validate:"max=1024"`

	// Status is the persisted status set by the last completed lifecycle action.
	Status ProposalStatus `json:"status" validate:"required"`

	// Attributes holds the module-scoped configuration tree.
	Attributes ModuleTrees `json:"attributes"`

	// Deployment holds the module-scoped role to node assignment tree.
	Deployment ModuleTrees `json:"deployment"`

	// Revision is incremented on every save and used for optimistic locking.
	Revision int64 `json:"revision"`

	// CreatedAt is when the proposal was first saved.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the proposal was last saved.
	UpdatedAt time.Time `json:"updated_at"`
}

// ID returns the proposal identifier (module + "_" + name).
func (p *Proposal) ID() string {
	return ProposalID(p.Module, p.Name)
}

// Clone returns a deep copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	c := *p
	c.Attributes = p.Attributes.Clone()
	c.Deployment = p.Deployment.Clone()
	return &c
}

// MarshalJSON includes the derived id in the JSON form.
func (p *Proposal) MarshalJSON() ([]byte, error) {
	type alias Proposal
	return json.Marshal(struct {
		ID string `json:"id"`
		*alias
	}{ID: p.ID(), alias: (*alias)(p)})
}

// ProposalID builds a proposal identifier from its module and name.
func ProposalID(module, name string) string {
	return module + "_" + name
}

// ParseProposalID splits an identifier on its last underscore into module and name.
func ParseProposalID(id string) (module, name string, err error) {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 {
		return "", "", fmt.Errorf("invalid proposal id: %q", id)
	}
	return id[:idx], id[idx+1:], nil
}

// IsInternalID reports whether the proposal id carries the reserved internal prefix.
func IsInternalID(id string) bool {
	return strings.HasPrefix(id, InternalPrefix)
}

// ProposalSummary is a proposal entry in a listing, with its resolved display status.
type ProposalSummary struct {
	ID            string         `json:"id"`
	Module        string         `json:"barclamp"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        ProposalStatus `json:"status"`
	DisplayStatus ProposalStatus `json:"display_status"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ProposalList is the result of listing the proposals of one module.
type ProposalList struct {
	Module    string            `json:"barclamp"`
	Proposals []ProposalSummary `json:"proposals"`

	// ActiveCount counts proposals whose resolved status is not hold.
	ActiveCount int `json:"count"`
}

// StatusReport maps proposal ids to their display status.
type StatusReport struct {
	Statuses map[string]ProposalStatus `json:"proposals"`

	// Count is the number of reported proposals, -2 when the registry or backend was
	// unreachable and -1 on any other failure.
	Count int `json:"count"`
}

// Distinguished StatusReport counts.
const (
	StatusCountBackendDown = -2
	StatusCountFailed      = -1
)

// QueueEntry tracks one outstanding commit for a proposal.
type QueueEntry struct {
	// ProposalID is the committed proposal.
	ProposalID string `json:"proposal_id"`

	// State is queued or running.
	State QueueState `json:"state"`

	// SubmittedAt is when the commit was first requested.
	SubmittedAt time.Time `json:"submitted_at"`

	// PriorStatus is the proposal's persisted status before it was queued.
	PriorStatus ProposalStatus `json:"prior_status,omitempty"`

	// Reason describes why the entry is queued.
	Reason string `json:"reason,omitempty"`

	// Attempts counts backend submissions for this entry.
	Attempts int `json:"attempts"`

	// Position is the 1-based place among queued entries. Computed, not stored.
	Position int `json:"position,omitempty"`
}

// TransitionRecord is one state report from a node during a rollout.
type TransitionRecord struct {
	// Seq is the store-assigned, strictly increasing sequence number.
	Seq int64 `json:"seq"`

	// TargetID is the provisioner or run identifier.
	TargetID string `json:"target_id"`

	// NodeName is the reporting node.
	NodeName string `json:"node_name"`

	// State is the backend-owned state token, stored verbatim.
	State string `json:"state"`

	// ObservedAt is when the record was received.
	ObservedAt time.Time `json:"observed_at"`
}

// NodeState is the latest reported state of a node.
type NodeState struct {
	NodeName   string    `json:"node_name"`
	State      string    `json:"state"`
	ObservedAt time.Time `json:"observed_at"`
}

// CommitResult is the discriminated outcome of a commit.
type CommitResult struct {
	// Outcome is accepted, queued or rejected.
	Outcome CommitOutcome `json:"outcome"`

	// Code is the HTTP-equivalent result code (200, 202, >=300).
	Code int `json:"code"`

	// Message describes the outcome.
	Message string `json:"message,omitempty"`

	// Entry is the queue entry for a queued outcome.
	Entry *QueueEntry `json:"entry,omitempty"`

	// Err is the classified error for a rejected outcome.
	Err error `json:"-"`
}

// ActiveBinding binds a proposal to a live role assignment.
type ActiveBinding struct {
	ProposalID  string    `json:"proposal_id"`
	TargetID    string    `json:"target_id,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ModuleSummary describes one catalog module in a listing.
type ModuleSummary struct {
	Name                   string            `json:"name"`
	Description            string            `json:"description"`
	Version                string            `json:"version,omitempty"`
	MemberCount            int               `json:"member_count"`
	AllowMultipleProposals bool              `json:"allow_multiple_proposals"`
	Proposals              []ProposalSummary `json:"proposals"`
}

// ModuleListing is the catalog view with resolved proposal statuses.
type ModuleListing struct {
	Modules []ModuleSummary `json:"barclamps"`

	// ActiveCount counts proposals across all modules whose resolved status is not hold.
	ActiveCount int `json:"count"`
}

// AuditEntry records a lifecycle action.
type AuditEntry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	ProposalID string                 `json:"proposal_id"`
	Outcome    string                 `json:"outcome"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func sortSummaries(s []ProposalSummary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Module != s[j].Module {
			return s[i].Module < s[j].Module
		}
		return s[i].Name < s[j].Name
	})
}
