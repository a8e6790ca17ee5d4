package engine

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// ProposalStatus is the persisted status of a proposal.
type ProposalStatus string

const (
	// StatusPending indicates the proposal has been created or edited but not committed.
	StatusPending ProposalStatus = "pending"

	// StatusUnready indicates the proposal is blocked on a precondition.
	StatusUnready ProposalStatus = "unready"

	// StatusReady indicates the proposal was committed and accepted by the backend.
	StatusReady ProposalStatus = "ready"

	// StatusHold indicates a committed proposal that is not currently active.
	StatusHold ProposalStatus = "hold"

	// StatusQueued indicates the proposal is waiting for the backend to accept its commit.
	StatusQueued ProposalStatus = "queued"
)

// Validate checks if the proposal status is valid.
func (s ProposalStatus) Validate() error {
	switch s {
	case StatusPending, StatusUnready, StatusReady, StatusHold, StatusQueued:
		return nil
	default:
		return fmt.Errorf("invalid proposal status: %s", s)
	}
}

// AlwaysVisible returns true for statuses that are displayed regardless of activity.
func (s ProposalStatus) AlwaysVisible() bool {
	return s == StatusPending || s == StatusUnready
}

// QueueState is the state of a commit queue entry.
type QueueState string

const (
	// QueueStateQueued indicates the commit waits for the backend and may be dequeued.
	QueueStateQueued QueueState = "queued"

	// QueueStateRunning indicates the commit is being submitted and cannot be cancelled.
	QueueStateRunning QueueState = "running"
)

// Validate checks if the queue state is valid.
func (s QueueState) Validate() error {
	switch s {
	case QueueStateQueued, QueueStateRunning:
		return nil
	default:
		return fmt.Errorf("invalid queue state: %s", s)
	}
}

// CommitOutcome is the discriminant of a CommitResult.
type CommitOutcome string

const (
	// CommitAccepted indicates the backend accepted the commit (200).
	CommitAccepted CommitOutcome = "accepted"

	// CommitQueued indicates the commit waits in the queue (202).
	CommitQueued CommitOutcome = "queued"

	// CommitRejected indicates the commit was refused (>=300).
	CommitRejected CommitOutcome = "rejected"
)

// SubmitStatus is the answer of a deployment backend that did not fail.
type SubmitStatus string

const (
	// SubmitAccepted indicates the backend started applying the proposal.
	SubmitAccepted SubmitStatus = "accepted"

	// SubmitBusy indicates the backend cannot run the proposal now.
	SubmitBusy SubmitStatus = "busy"
)

// EffectiveStatus computes the display status of a proposal.
// Pending and unready proposals are always shown as stored. Any other proposal keeps its
// stored status only while it is in the active set, and is shown as hold otherwise.
func EffectiveStatus(p *Proposal, active map[string]struct{}) ProposalStatus {
	if p.Status.AlwaysVisible() {
		return p.Status
	}
	if _, ok := active[p.ID()]; ok {
		return p.Status
	}
	return StatusHold
}

// StatusResolver resolves display statuses against the active deployment registry.
type StatusResolver struct {
	store    ProposalStore
	registry ActiveRegistry
}

// NewStatusResolver creates a new status resolver.
func NewStatusResolver(store ProposalStore, registry ActiveRegistry) *StatusResolver {
	return &StatusResolver{store: store, registry: registry}
}

// ActiveSet returns the active proposal ids, optionally scoped to a target.
func (r *StatusResolver) ActiveSet(ctx context.Context, targetID string) (map[string]struct{}, error) {
	active, err := r.registry.ActiveIDs(ctx, targetID)
	if err != nil {
		return nil, NewBackendUnavailableError("active deployment registry unavailable", err).
			WithCode(ErrCodeRegistryDown).
			WithOperation("list_statuses")
	}
	if active == nil {
		active = map[string]struct{}{}
	}
	return active, nil
}

// ListStatuses maps proposal ids to display statuses. With a filter id only that proposal
// is reported; otherwise every non-internal proposal is. On failure the report carries a
// distinguished count and no statuses, alongside the classified error.
func (r *StatusResolver) ListStatuses(ctx context.Context, filterID string) (*StatusReport, error) {
	var proposals []*Proposal
	if filterID != "" {
		module, name, err := ParseProposalID(filterID)
		if err != nil {
			return failedReport(err), NewNotFoundError(err.Error()).WithResource(filterID)
		}
		p, err := r.store.GetProposal(ctx, module, name)
		if err != nil {
			err = storeError("list_statuses", filterID, err)
			return failedReport(err), err
		}
		proposals = []*Proposal{p}
	} else {
		all, err := r.store.ListAllProposals(ctx)
		if err != nil {
			err = storeError("list_statuses", "proposals", err)
			return failedReport(err), err
		}
		for _, p := range all {
			if IsInternalID(p.ID()) {
				continue
			}
			proposals = append(proposals, p)
		}
	}

	active, err := r.ActiveSet(ctx, filterID)
	if err != nil {
		return failedReport(err), err
	}

	report := &StatusReport{Statuses: make(map[string]ProposalStatus, len(proposals))}
	for _, p := range proposals {
		report.Statuses[p.ID()] = EffectiveStatus(p, active)
	}
	report.Count = len(report.Statuses)
	return report, nil
}

func failedReport(err error) *StatusReport {
	count := StatusCountFailed
	if IsBackendUnavailable(err) || errors.Is(err, syscall.ECONNREFUSED) {
		count = StatusCountBackendDown
	}
	return &StatusReport{Statuses: map[string]ProposalStatus{}, Count: count}
}
