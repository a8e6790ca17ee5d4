package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/barclamp/pkg/lock"
	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// DefaultCommitTimeout bounds a synchronous backend submission.
const DefaultCommitTimeout = 30 * time.Second

// QueueConfig wires the commit queue manager.
type QueueConfig struct {
	Queue     QueueStore
	Proposals ProposalStore
	Modules   ModuleRegistry
	Pipeline  *Pipeline
	Locker    Locker
	Audit     AuditLog
	Telemetry *telemetry.Telemetry

	// CommitTimeout bounds the backend call; on expiry the commit is parked as queued.
	CommitTimeout time.Duration
}

// CommitQueue enforces at most one outstanding commit per proposal, submits commits
// to the module's backend and keeps the queue and persisted status consistent.
type CommitQueue struct {
	queue     QueueStore
	proposals ProposalStore
	modules   ModuleRegistry
	pipeline  *Pipeline
	locker    Locker
	audit     *auditor
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	timeout   time.Duration
	now       func() time.Time
}

// NewCommitQueue creates a commit queue manager.
func NewCommitQueue(cfg QueueConfig) *CommitQueue {
	if cfg.Locker == nil {
		cfg.Locker = lock.NewKeyed()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop()
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	logger := cfg.Telemetry.Logger.NewComponentLogger("commit-queue")
	return &CommitQueue{
		queue:     cfg.Queue,
		proposals: cfg.Proposals,
		modules:   cfg.Modules,
		pipeline:  cfg.Pipeline,
		locker:    cfg.Locker,
		audit:     &auditor{log: cfg.Audit, logger: logger},
		tel:       cfg.Telemetry,
		logger:    logger,
		timeout:   cfg.CommitTimeout,
		now:       time.Now,
	}
}

func proposalLockKey(id string) string {
	return "proposal:" + id
}

// Commit submits a proposal to its backend. The result is Accepted (200), Queued (202)
// or Rejected (>=300). A rejected result is also returned as the error.
func (q *CommitQueue) Commit(ctx context.Context, id string) (*CommitResult, error) {
	module, name, err := ParseProposalID(id)
	if err != nil {
		return q.reject(ctx, id, NewNotFoundError(err.Error()).WithResource(id).WithOperation("commit"))
	}
	handler, ok := q.modules.Handler(module)
	if !ok {
		return q.reject(ctx, id, NewNotFoundError(fmt.Sprintf("unknown barclamp %s", module)).
			WithResource(id).WithOperation("commit"))
	}

	p, entry, err := q.claim(ctx, id, module, name)
	if err != nil {
		return q.reject(ctx, id, err)
	}
	return q.submit(ctx, handler, p, entry, false)
}

// claim creates the running entry under the proposal lock after checking that no entry
// exists and that the stored proposal is valid.
func (q *CommitQueue) claim(ctx context.Context, id, module, name string) (*Proposal, *QueueEntry, error) {
	unlock, err := q.locker.Lock(ctx, proposalLockKey(id))
	if err != nil {
		return nil, nil, NewStoreUnavailableError("failed to acquire proposal lock", err).
			WithResource(id).WithOperation("commit")
	}
	defer unlock()

	existing, err := q.queue.GetQueueEntry(ctx, id)
	switch {
	case err == nil:
		return nil, nil, inFlightError(id, existing.State)
	case !errors.Is(err, ErrNotFound):
		return nil, nil, NewStoreUnavailableError("failed to read commit queue", err).
			WithResource(id).WithOperation("commit")
	}

	p, err := q.proposals.GetProposal(ctx, module, name)
	if err != nil {
		return nil, nil, storeError("commit", id, err)
	}

	if err := q.pipeline.ValidateProposal(ctx, p, ValidateOptions{PermitMultiple: true}); err != nil {
		return nil, nil, err
	}

	entry := &QueueEntry{
		ProposalID:  id,
		State:       QueueStateRunning,
		SubmittedAt: q.now().UTC(),
		PriorStatus: p.Status,
		Attempts:    1,
	}
	if err := q.queue.InsertQueueEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, nil, inFlightError(id, QueueStateRunning)
		}
		return nil, nil, NewStoreUnavailableError("failed to create commit queue entry", err).
			WithResource(id).WithOperation("commit")
	}
	return p, entry, nil
}

func inFlightError(id string, state QueueState) *EngineError {
	return NewConflictError(fmt.Sprintf("commit for %s is already %s", id, state), nil).
		WithCode(ErrCodeCommitInFlight).
		WithResource(id).
		WithOperation("commit").
		WithDetail("state", string(state))
}

// submit hands a claimed proposal to the backend and settles the running entry. With
// requeue set, a transient failure puts the entry back in the queue instead of dropping it.
func (q *CommitQueue) submit(ctx context.Context, handler ModuleHandler, p *Proposal, entry *QueueEntry, requeue bool) (*CommitResult, error) {
	id := p.ID()
	// Settling must survive a caller that gave up waiting.
	settleCtx := context.WithoutCancel(ctx)

	subCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	subCtx, span := q.tel.Tracer.StartBackendSpan(subCtx, p.Module, id)
	timer := telemetry.NewTimer()
	status, message, err := handler.Submit(subCtx, p)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetAttributes(span, telemetry.AttrSubmitStatus.String(string(status)))
	}
	span.End()

	timedOut := err != nil && ctx.Err() == nil &&
		(errors.Is(subCtx.Err(), context.DeadlineExceeded) || isTimeout(err))

	switch {
	case err == nil && status == SubmitAccepted:
		q.tel.Metrics.RecordBackendSubmit("accepted", timer.Duration())
		return q.accept(settleCtx, p, message)

	case err == nil && status == SubmitBusy:
		q.tel.Metrics.RecordBackendSubmit("busy", timer.Duration())
		if message == "" {
			message = "deployment backend busy"
		}
		return q.park(settleCtx, entry, message)

	case err == nil:
		q.tel.Metrics.RecordBackendSubmit("error", timer.Duration())
		return q.fail(settleCtx, entry, NewBackendUnavailableError(
			fmt.Sprintf("unexpected backend status %q", status), nil), requeue)

	case timedOut:
		q.tel.Metrics.RecordBackendSubmit("timeout", timer.Duration())
		return q.park(settleCtx, entry, fmt.Sprintf("timeout: backend did not answer within %s", q.timeout))

	case IsRejected(err):
		q.tel.Metrics.RecordBackendSubmit("rejected", timer.Duration())
		q.drop(settleCtx, entry)
		return q.reject(settleCtx, id, err)

	default:
		q.tel.Metrics.RecordBackendSubmit("error", timer.Duration())
		if _, ok := AsEngineError(err); !ok {
			err = NewBackendUnavailableError("deployment backend unavailable", err)
		}
		return q.fail(settleCtx, entry, err, requeue)
	}
}

// isTimeout reports a transport that gave up waiting on its own deadline.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// fail settles a running entry after a submission that reached no verdict.
func (q *CommitQueue) fail(ctx context.Context, entry *QueueEntry, err error, requeue bool) (*CommitResult, error) {
	id := entry.ProposalID
	if e, ok := AsEngineError(err); ok && e.Resource == "" {
		e.WithResource(id).WithOperation("commit")
	}
	if requeue && IsTransient(err) {
		q.requeue(ctx, entry, err)
		return nil, err
	}
	q.drop(ctx, entry)
	return q.reject(ctx, id, err)
}

// requeue moves a resubmitted entry from running back to queued. The stored status is
// already queued and stays that way.
func (q *CommitQueue) requeue(ctx context.Context, entry *QueueEntry, cause error) {
	id := entry.ProposalID
	reason := "retry pending: " + cause.Error()
	moved, err := q.queue.TransitionQueueEntry(ctx, id, QueueStateRunning, QueueStateQueued, reason)
	if err != nil || !moved {
		q.logger.WithProposalID(id).WithError(err).Error("failed to return commit to queue")
		return
	}
	q.audit.record(ctx, "requeue", id, "ok", map[string]interface{}{"reason": cause.Error()})
	q.logger.WithProposalID(id).WithError(cause).Warn("resubmission failed, commit left queued")
}

// accept removes the running entry and persists the ready status.
func (q *CommitQueue) accept(ctx context.Context, p *Proposal, message string) (*CommitResult, error) {
	id := p.ID()
	if _, err := q.queue.DeleteQueueEntry(ctx, id, QueueStateRunning); err != nil {
		q.logger.WithProposalID(id).WithError(err).Error("failed to remove accepted commit from queue")
	}
	if err := q.setStatus(ctx, id, StatusReady); err != nil {
		q.logger.WithProposalID(id).WithError(err).Error("commit accepted but status could not be persisted")
	}
	if message == "" {
		message = "commit accepted"
	}

	q.tel.Metrics.RecordCommitOutcome(string(CommitAccepted))
	_ = q.tel.Events.PublishCommitAccepted(id)
	telemetry.AddProposalEvent(telemetry.SpanFromContext(ctx), id, "commit.accepted", message)
	q.audit.record(ctx, "commit", id, string(CommitAccepted), nil)
	q.logger.WithProposalID(id).WithModule(p.Module).Info("commit accepted")
	q.refreshDepth(ctx)

	return &CommitResult{Outcome: CommitAccepted, Code: http.StatusOK, Message: message}, nil
}

// park moves the running entry to queued and persists the queued status.
func (q *CommitQueue) park(ctx context.Context, entry *QueueEntry, reason string) (*CommitResult, error) {
	id := entry.ProposalID
	moved, err := q.queue.TransitionQueueEntry(ctx, id, QueueStateRunning, QueueStateQueued, reason)
	if err != nil || !moved {
		if err == nil {
			err = fmt.Errorf("running entry disappeared")
		}
		q.drop(ctx, entry)
		return q.reject(ctx, id, NewStoreUnavailableError("failed to queue commit", err).
			WithResource(id).WithOperation("commit"))
	}
	if err := q.setStatus(ctx, id, StatusQueued); err != nil {
		q.logger.WithProposalID(id).WithError(err).Warn("commit queued but status could not be persisted")
	}

	queued := *entry
	queued.State = QueueStateQueued
	queued.Reason = reason
	queued.Position = q.position(ctx, id)

	q.tel.Metrics.RecordCommitOutcome(string(CommitQueued))
	_ = q.tel.Events.PublishCommitQueued(id, reason, queued.Position)
	telemetry.AddProposalEvent(telemetry.SpanFromContext(ctx), id, "commit.queued", reason)
	q.audit.record(ctx, "commit", id, string(CommitQueued), map[string]interface{}{"reason": reason})
	q.logger.WithProposalID(id).WithField("reason", reason).Info("commit queued")
	q.refreshDepth(ctx)

	return &CommitResult{
		Outcome: CommitQueued,
		Code:    http.StatusAccepted,
		Message: fmt.Sprintf("commit queued at position %d: %s", queued.Position, reason),
		Entry:   &queued,
	}, nil
}

// drop removes a running entry after a failed submission. A proposal left in the queued
// status by an earlier park gets its prior status back.
func (q *CommitQueue) drop(ctx context.Context, entry *QueueEntry) {
	id := entry.ProposalID
	if _, err := q.queue.DeleteQueueEntry(ctx, id, QueueStateRunning); err != nil {
		q.logger.WithProposalID(id).WithError(err).Error("failed to remove running commit entry")
	}

	unlock, err := q.locker.Lock(ctx, proposalLockKey(id))
	if err != nil {
		return
	}
	defer unlock()
	module, name, err := ParseProposalID(id)
	if err != nil {
		return
	}
	p, err := q.proposals.GetProposal(ctx, module, name)
	if err != nil || p.Status != StatusQueued {
		return
	}
	prior := entry.PriorStatus
	if prior == "" || prior == StatusQueued {
		prior = StatusPending
	}
	if err := q.setStatusLocked(ctx, id, prior); err != nil {
		q.logger.WithProposalID(id).WithError(err).Warn("failed to restore status after dropped commit")
	}
}

func (q *CommitQueue) reject(ctx context.Context, id string, err error) (*CommitResult, error) {
	code := StatusCode(err)
	if code < http.StatusMultipleChoices {
		code = http.StatusInternalServerError
	}

	q.tel.Metrics.RecordCommitOutcome(string(CommitRejected))
	if e, ok := AsEngineError(err); ok {
		q.tel.Metrics.RecordError(string(e.Kind), e.Code)
	}
	_ = q.tel.Events.PublishCommitRejected(id, code, err.Error())
	telemetry.AddProposalEvent(telemetry.SpanFromContext(ctx), id, "commit.rejected", err.Error())
	q.audit.record(ctx, "commit", id, string(CommitRejected), map[string]interface{}{"code": code})
	q.logger.WithProposalID(id).WithError(err).Warn("commit rejected")

	return &CommitResult{Outcome: CommitRejected, Code: code, Message: err.Error(), Err: err}, err
}

// Dequeue removes a queued entry and restores the proposal's prior status. It returns
// false when there is no entry or the entry is already running.
func (q *CommitQueue) Dequeue(ctx context.Context, id string) (bool, error) {
	unlock, err := q.locker.Lock(ctx, proposalLockKey(id))
	if err != nil {
		return false, NewStoreUnavailableError("failed to acquire proposal lock", err).
			WithResource(id).WithOperation("dequeue")
	}
	defer unlock()

	entry, err := q.queue.GetQueueEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, NewStoreUnavailableError("failed to read commit queue", err).
			WithResource(id).WithOperation("dequeue")
	}
	if entry.State != QueueStateQueued {
		return false, nil
	}

	removed, err := q.queue.DeleteQueueEntry(ctx, id, QueueStateQueued)
	if err != nil {
		return false, NewStoreUnavailableError("failed to remove commit queue entry", err).
			WithResource(id).WithOperation("dequeue")
	}
	if !removed {
		return false, nil
	}

	prior := entry.PriorStatus
	if prior == "" || prior == StatusQueued {
		prior = StatusPending
	}
	if err := q.setStatusLocked(ctx, id, prior); err != nil {
		q.logger.WithProposalID(id).WithError(err).Warn("dequeued but prior status could not be restored")
	}

	_ = q.tel.Events.PublishCommitDequeued(id)
	q.audit.record(ctx, "dequeue", id, "ok", nil)
	q.refreshDepth(ctx)
	return true, nil
}

// Entries returns every queue entry with positions assigned to queued ones.
func (q *CommitQueue) Entries(ctx context.Context) ([]*QueueEntry, error) {
	entries, err := q.queue.ListQueueEntries(ctx)
	if err != nil {
		return nil, NewStoreUnavailableError("failed to list commit queue", err).WithOperation("queue")
	}
	pos := 0
	for _, e := range entries {
		if e.State == QueueStateQueued {
			pos++
			e.Position = pos
		}
	}
	q.tel.Metrics.SetQueueDepth(float64(pos))
	return entries, nil
}

func (q *CommitQueue) position(ctx context.Context, id string) int {
	entries, err := q.Entries(ctx)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.ProposalID == id {
			return e.Position
		}
	}
	return 0
}

func (q *CommitQueue) refreshDepth(ctx context.Context) {
	_, _ = q.Entries(ctx)
}

// Drain resubmits queued entries in submission order. It stops at the first entry the
// backend reports busy for or that fails transiently, and returns the number of accepted
// commits. Only a rejection or an invalid proposal removes an entry.
func (q *CommitQueue) Drain(ctx context.Context) (int, error) {
	entries, err := q.queue.ListQueueEntries(ctx)
	if err != nil {
		return 0, NewStoreUnavailableError("failed to list commit queue", err).WithOperation("drain")
	}

	accepted := 0
	for _, e := range entries {
		if e.State != QueueStateQueued {
			continue
		}
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}

		res, err := q.resubmit(ctx, e)
		if err != nil {
			q.logger.WithProposalID(e.ProposalID).WithError(err).Warn("queued commit could not be resubmitted")
			if IsTransient(err) {
				return accepted, nil
			}
			continue
		}
		if res == nil {
			continue
		}
		switch res.Outcome {
		case CommitAccepted:
			accepted++
		case CommitQueued:
			return accepted, nil
		}
	}
	return accepted, nil
}

// resubmit claims a queued entry for another submission. It returns a nil result when
// the entry was claimed by someone else or could be discarded.
func (q *CommitQueue) resubmit(ctx context.Context, e *QueueEntry) (*CommitResult, error) {
	id := e.ProposalID
	module, name, err := ParseProposalID(id)
	if err != nil {
		q.discard(ctx, e, "unparseable proposal id")
		return nil, nil
	}
	handler, ok := q.modules.Handler(module)
	if !ok {
		q.discard(ctx, e, "barclamp no longer registered")
		return nil, nil
	}

	unlock, err := q.locker.Lock(ctx, proposalLockKey(id))
	if err != nil {
		return nil, NewStoreUnavailableError("failed to acquire proposal lock", err).WithResource(id)
	}
	p, err := q.proposals.GetProposal(ctx, module, name)
	if err != nil {
		unlock()
		if errors.Is(err, ErrNotFound) {
			q.discard(ctx, e, "proposal deleted")
			return nil, nil
		}
		return nil, storeError("drain", id, err)
	}
	if verr := q.pipeline.ValidateProposal(ctx, p, ValidateOptions{PermitMultiple: true}); verr != nil {
		unlock()
		if IsValidation(verr) {
			q.discard(ctx, e, "proposal no longer valid")
			if e.PriorStatus != "" {
				_ = q.setStatus(ctx, id, e.PriorStatus)
			}
			return nil, nil
		}
		return nil, verr
	}
	moved, err := q.queue.TransitionQueueEntry(ctx, id, QueueStateQueued, QueueStateRunning, "resubmitting")
	unlock()
	if err != nil {
		return nil, NewStoreUnavailableError("failed to claim queued commit", err).WithResource(id)
	}
	if !moved {
		return nil, nil
	}

	entry := *e
	entry.State = QueueStateRunning
	entry.Attempts++
	spanCtx, span := q.tel.Tracer.StartProposalSpan(ctx, "resubmit", id)
	defer span.End()
	telemetry.SetAttributes(span, telemetry.AttrModule.String(module))
	res, err := q.submit(spanCtx, handler, p, &entry, true)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

func (q *CommitQueue) discard(ctx context.Context, e *QueueEntry, reason string) {
	if _, err := q.queue.DeleteQueueEntry(ctx, e.ProposalID, QueueStateQueued); err != nil {
		q.logger.WithProposalID(e.ProposalID).WithError(err).Error("failed to discard queued commit")
		return
	}
	q.audit.record(ctx, "discard", e.ProposalID, "ok", map[string]interface{}{"reason": reason})
	q.logger.WithProposalID(e.ProposalID).WithField("reason", reason).Info("discarded queued commit")
}

// Run drains the queue every interval until ctx is done.
func (q *CommitQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.WithError(err).Warn("queue drain failed")
			}
			if n > 0 {
				q.logger.WithField("accepted", n).Info("drained queued commits")
			}
		}
	}
}

// setStatus persists a new status under the proposal lock.
func (q *CommitQueue) setStatus(ctx context.Context, id string, status ProposalStatus) error {
	unlock, err := q.locker.Lock(ctx, proposalLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()
	return q.setStatusLocked(ctx, id, status)
}

// setStatusLocked persists a new status. A proposal deleted in the meantime is not recreated.
func (q *CommitQueue) setStatusLocked(ctx context.Context, id string, status ProposalStatus) error {
	module, name, err := ParseProposalID(id)
	if err != nil {
		return err
	}
	p, err := q.proposals.GetProposal(ctx, module, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if p.Status == status {
		return nil
	}
	p.Status = status
	p.UpdatedAt = q.now().UTC()
	return q.proposals.SaveProposal(ctx, p)
}
