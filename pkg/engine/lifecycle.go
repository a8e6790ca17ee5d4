package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/barclamp/pkg/lock"
	"github.com/openfroyo/barclamp/pkg/telemetry"
)

// Options wires a Lifecycle.
type Options struct {
	// Proposals is the proposal store (required).
	Proposals ProposalStore

	// Queue is the commit queue store (required).
	Queue QueueStore

	// Transitions is the transition record store (required).
	Transitions TransitionStore

	// Registry answers which proposals are active (required).
	Registry ActiveRegistry

	// Roles manages active bindings. Optional; enables Activate and Deactivate.
	Roles RoleBindings

	// Modules is the module handler registry (required).
	Modules ModuleRegistry

	// Validators are module-declared checks run by the validation pipeline.
	Validators []Validator

	// Locker provides per-proposal exclusion. Defaults to an in-process keyed mutex.
	Locker Locker

	// Audit records lifecycle actions. Optional.
	Audit AuditLog

	// Telemetry provides logging, tracing, metrics and events. Optional.
	Telemetry *telemetry.Telemetry

	// CommitTimeout bounds a synchronous backend submission.
	CommitTimeout time.Duration
}

// CreateRequest holds the inputs of Create.
type CreateRequest struct {
	Module      string  `json:"barclamp"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Attributes  Subtree `json:"attributes,omitempty"`
	Deployment  Subtree `json:"deployment,omitempty"`
}

// EditRequest holds the inputs of Edit. Nil subtrees leave the stored ones unchanged.
type EditRequest struct {
	Attributes  Subtree `json:"attributes,omitempty"`
	Deployment  Subtree `json:"deployment,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Lifecycle is the entry point for every proposal operation.
type Lifecycle struct {
	store     ProposalStore
	modules   ModuleRegistry
	roles     RoleBindings
	resolver  *StatusResolver
	queue     *CommitQueue
	pipeline  *Pipeline
	tracker   *TransitionTracker
	locker    Locker
	audit     *auditor
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	now       func() time.Time
}

// NewLifecycle creates a lifecycle facade.
func NewLifecycle(opts Options) (*Lifecycle, error) {
	switch {
	case opts.Proposals == nil:
		return nil, fmt.Errorf("proposal store is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue store is required")
	case opts.Transitions == nil:
		return nil, fmt.Errorf("transition store is required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("active registry is required")
	case opts.Modules == nil:
		return nil, fmt.Errorf("module registry is required")
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyed()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}

	logger := opts.Telemetry.Logger.NewComponentLogger("lifecycle")
	pipeline := NewPipeline(opts.Modules, opts.Proposals, opts.Validators...)

	return &Lifecycle{
		store:    opts.Proposals,
		modules:  opts.Modules,
		roles:    opts.Roles,
		resolver: NewStatusResolver(opts.Proposals, opts.Registry),
		queue: NewCommitQueue(QueueConfig{
			Queue:         opts.Queue,
			Proposals:     opts.Proposals,
			Modules:       opts.Modules,
			Pipeline:      pipeline,
			Locker:        opts.Locker,
			Audit:         opts.Audit,
			Telemetry:     opts.Telemetry,
			CommitTimeout: opts.CommitTimeout,
		}),
		pipeline: pipeline,
		tracker:  NewTransitionTracker(opts.Transitions, opts.Telemetry),
		locker:   opts.Locker,
		audit:    &auditor{log: opts.Audit, logger: logger},
		tel:      opts.Telemetry,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Pipeline returns the validation pipeline.
func (l *Lifecycle) Pipeline() *Pipeline {
	return l.pipeline
}

// Queue returns the commit queue manager.
func (l *Lifecycle) Queue() *CommitQueue {
	return l.queue
}

func (l *Lifecycle) start(ctx context.Context, operation, id string) *telemetry.InstrumentedContext {
	return l.tel.StartOperation(ctx, "proposal."+operation, telemetry.AttrProposalID.String(id))
}

func (l *Lifecycle) finish(ic *telemetry.InstrumentedContext, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if e, ok := AsEngineError(err); ok {
			result = string(e.Kind)
			l.tel.Metrics.RecordError(string(e.Kind), e.Code)
			ic.Annotate(telemetry.AttrErrorKind.String(string(e.Kind)), telemetry.AttrErrorCode.String(e.Code))
		}
	}
	ic.EndWithResult(result, err)
}

func (l *Lifecycle) lockKeys(ctx context.Context, keys ...string) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := l.locker.Lock(ctx, key)
		if err != nil {
			release()
			return nil, NewStoreUnavailableError("failed to acquire lock", err).WithDetail("key", key)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (l *Lifecycle) handler(module, id, operation string) (ModuleHandler, error) {
	h, ok := l.modules.Handler(module)
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("unknown barclamp %s", module)).
			WithResource(id).WithOperation(operation)
	}
	return h, nil
}

func (l *Lifecycle) parse(id, operation string) (string, string, error) {
	module, name, err := ParseProposalID(id)
	if err != nil {
		return "", "", NewNotFoundError(err.Error()).WithResource(id).WithOperation(operation)
	}
	return module, name, nil
}

func (l *Lifecycle) validationFailed(p *Proposal, err error) {
	if !IsValidation(err) {
		return
	}
	e, _ := AsEngineError(err)
	l.tel.Metrics.RecordValidationFailure(p.Module)
	_ = l.tel.Events.PublishValidationFailed(p.ID(), len(e.Fields))
}

// Create validates and persists a new proposal with status pending. Missing subtrees
// are taken from the module defaults.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (p *Proposal, err error) {
	id := ProposalID(req.Module, req.Name)
	ic := l.start(ctx, "create", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	handler, err := l.handler(req.Module, id, "create")
	if err != nil {
		return nil, err
	}

	keys := []string{proposalLockKey(id)}
	if !handler.AllowsMultipleProposals() {
		keys = append([]string{"barclamp:" + req.Module}, keys...)
	}
	unlock, err := l.lockKeys(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err = l.store.GetProposal(ctx, req.Module, req.Name); err == nil {
		return nil, NewConflictError(fmt.Sprintf("proposal %s already exists", id), nil).
			WithCode(ErrCodeAlreadyExists).WithResource(id).WithOperation("create")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, storeError("create", id, err)
	}

	defAttrs, defDeploy := handler.Defaults()
	attrs := req.Attributes
	if attrs == nil {
		attrs = defAttrs.Clone()
	}
	if attrs == nil {
		attrs = Subtree{}
	}
	deploy := req.Deployment
	if deploy == nil {
		deploy = defDeploy.Clone()
	}
	if deploy == nil {
		deploy = Subtree{}
	}

	now := l.now().UTC()
	p = &Proposal{
		Module:      req.Module,
		Name:        req.Name,
		Description: req.Description,
		Status:      StatusPending,
		Attributes:  ModuleTrees{req.Module: attrs.Clone()},
		Deployment:  ModuleTrees{req.Module: deploy.Clone()},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err = l.pipeline.ValidateProposal(ctx, p, ValidateOptions{}); err != nil {
		l.validationFailed(p, err)
		if hasFieldCode(err, ErrCodeMultipleProposals) {
			verr, _ := AsEngineError(err)
			conflict := NewConflictError(fmt.Sprintf("barclamp %s does not allow multiple proposals", req.Module), nil).
				WithCode(ErrCodeMultipleProposals).WithResource(id).WithOperation("create")
			conflict.Fields = verr.Fields
			return nil, conflict
		}
		return nil, err
	}

	if err = l.store.SaveProposal(ctx, p); err != nil {
		return nil, storeError("create", id, err)
	}

	_ = l.tel.Events.PublishProposalCreated(id)
	l.audit.record(ctx, "create", id, "ok", nil)
	ic.Logger.WithProposalID(id).WithModule(req.Module).Info("proposal created")
	return p.Clone(), nil
}

// Edit replaces the module subtrees of a proposal, validates the merged document and
// persists it. Nothing is written when validation or the revision check fails.
func (l *Lifecycle) Edit(ctx context.Context, id string, req EditRequest) (p *Proposal, err error) {
	ic := l.start(ctx, "edit", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	return l.edit(ctx, id, req)
}

func (l *Lifecycle) edit(ctx context.Context, id string, req EditRequest) (*Proposal, error) {
	module, name, err := l.parse(id, "edit")
	if err != nil {
		return nil, err
	}
	if _, err := l.handler(module, id, "edit"); err != nil {
		return nil, err
	}

	unlock, err := l.lockKeys(ctx, proposalLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := l.store.GetProposal(ctx, module, name)
	if err != nil {
		return nil, storeError("edit", id, err)
	}

	next := current.Clone()
	if next.Attributes == nil {
		next.Attributes = ModuleTrees{}
	}
	if next.Deployment == nil {
		next.Deployment = ModuleTrees{}
	}
	if req.Attributes != nil {
		next.Attributes[module] = req.Attributes.Clone()
	}
	if req.Deployment != nil {
		next.Deployment[module] = req.Deployment.Clone()
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	next.UpdatedAt = l.now().UTC()

	if err := l.pipeline.ValidateProposal(ctx, next, ValidateOptions{PermitMultiple: true}); err != nil {
		l.validationFailed(next, err)
		return nil, err
	}

	if err := l.store.SaveProposal(ctx, next); err != nil {
		return nil, storeError("edit", id, err)
	}

	_ = l.tel.Events.PublishProposalUpdated(id, next.Revision)
	l.audit.record(ctx, "edit", id, "ok", map[string]interface{}{"revision": next.Revision})
	return next.Clone(), nil
}

// SaveAndCommit edits a proposal and commits it when the edit succeeds.
func (l *Lifecycle) SaveAndCommit(ctx context.Context, id string, req EditRequest) (res *CommitResult, err error) {
	ic := l.start(ctx, "save_and_commit", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	if _, err = l.edit(ctx, id, req); err != nil {
		return &CommitResult{Outcome: CommitRejected, Code: StatusCode(err), Message: err.Error(), Err: err}, err
	}
	return l.queue.Commit(ctx, id)
}

// Commit submits a proposal through the commit queue manager.
func (l *Lifecycle) Commit(ctx context.Context, id string) (res *CommitResult, err error) {
	ic := l.start(ctx, "commit", id)
	defer func() { l.finish(ic, err) }()
	return l.queue.Commit(ic.Ctx, id)
}

// Dequeue cancels a queued commit.
func (l *Lifecycle) Dequeue(ctx context.Context, id string) (removed bool, err error) {
	ic := l.start(ctx, "dequeue", id)
	defer func() { l.finish(ic, err) }()
	return l.queue.Dequeue(ic.Ctx, id)
}

// Delete removes a proposal. An outstanding commit does not block deletion. A queued
// entry is discarded with the proposal; a running one settles on its own.
func (l *Lifecycle) Delete(ctx context.Context, id string) (err error) {
	ic := l.start(ctx, "delete", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	module, name, err := l.parse(id, "delete")
	if err != nil {
		return err
	}

	unlock, err := l.lockKeys(ctx, proposalLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	if err = l.store.DeleteProposal(ctx, module, name); err != nil {
		return storeError("delete", id, err)
	}

	if entry, qerr := l.queue.queue.GetQueueEntry(ctx, id); qerr == nil {
		if entry.State == QueueStateQueued {
			l.queue.discard(ctx, entry, "proposal deleted")
			l.queue.refreshDepth(ctx)
		} else {
			ic.Logger.WithProposalID(id).WithField("state", entry.State).
				Warn("proposal deleted while its commit is running")
		}
	}

	_ = l.tel.Events.PublishProposalDeleted(id)
	l.audit.record(ctx, "delete", id, "ok", nil)
	return nil
}

// Show returns a stored proposal.
func (l *Lifecycle) Show(ctx context.Context, id string) (p *Proposal, err error) {
	ic := l.start(ctx, "show", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	module, name, err := l.parse(id, "show")
	if err != nil {
		return nil, err
	}
	p, err = l.store.GetProposal(ctx, module, name)
	if err != nil {
		return nil, storeError("show", id, err)
	}
	return p, nil
}

// List returns the proposals of a module ordered by name with their display status,
// and the number whose resolved status is not hold.
func (l *Lifecycle) List(ctx context.Context, module string) (list *ProposalList, err error) {
	ic := l.start(ctx, "list", module)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	if _, err = l.handler(module, module, "list"); err != nil {
		return nil, err
	}

	proposals, err := l.store.ListProposals(ctx, module)
	if err != nil {
		return nil, storeError("list", module, err)
	}
	active, err := l.resolver.ActiveSet(ctx, "")
	if err != nil {
		return nil, err
	}

	list = &ProposalList{Module: module, Proposals: make([]ProposalSummary, 0, len(proposals))}
	for _, p := range proposals {
		s := summarize(p, active)
		if s.DisplayStatus != StatusHold {
			list.ActiveCount++
		}
		list.Proposals = append(list.Proposals, s)
	}
	sortSummaries(list.Proposals)
	return list, nil
}

func summarize(p *Proposal, active map[string]struct{}) ProposalSummary {
	return ProposalSummary{
		ID:            p.ID(),
		Module:        p.Module,
		Name:          p.Name,
		Description:   p.Description,
		Status:        p.Status,
		DisplayStatus: EffectiveStatus(p, active),
		UpdatedAt:     p.UpdatedAt,
	}
}

// ListStatuses maps proposal ids to display statuses, optionally for one proposal.
func (l *Lifecycle) ListStatuses(ctx context.Context, filterID string) (report *StatusReport, err error) {
	ic := l.start(ctx, "list_statuses", filterID)
	defer func() { l.finish(ic, err) }()
	return l.resolver.ListStatuses(ic.Ctx, filterID)
}

// Modules lists every registered module with its proposals and resolved statuses.
func (l *Lifecycle) Modules(ctx context.Context) (listing *ModuleListing, err error) {
	ic := l.start(ctx, "modules", "")
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	all, err := l.store.ListAllProposals(ctx)
	if err != nil {
		return nil, storeError("modules", "proposals", err)
	}
	active, err := l.resolver.ActiveSet(ctx, "")
	if err != nil {
		return nil, err
	}

	byModule := make(map[string][]ProposalSummary)
	for _, p := range all {
		if IsInternalID(p.ID()) {
			continue
		}
		byModule[p.Module] = append(byModule[p.Module], summarize(p, active))
	}

	listing = &ModuleListing{}
	for _, h := range l.modules.Handlers() {
		summaries := byModule[h.Name()]
		if summaries == nil {
			summaries = []ProposalSummary{}
		}
		sortSummaries(summaries)
		for _, s := range summaries {
			if s.DisplayStatus != StatusHold {
				listing.ActiveCount++
			}
		}
		listing.Modules = append(listing.Modules, ModuleSummary{
			Name:                   h.Name(),
			Description:            h.Description(),
			Version:                h.Version(),
			MemberCount:            len(h.Members()),
			AllowMultipleProposals: h.AllowsMultipleProposals(),
			Proposals:              summaries,
		})
	}
	return listing, nil
}

// Members describes the members of a suite module. Members missing from the registry
// are listed by name only.
func (l *Lifecycle) Members(ctx context.Context, module string) ([]ModuleSummary, error) {
	h, err := l.handler(module, module, "members")
	if err != nil {
		return nil, err
	}
	out := make([]ModuleSummary, 0, len(h.Members()))
	for _, name := range h.Members() {
		s := ModuleSummary{Name: name, Proposals: []ProposalSummary{}}
		if m, ok := l.modules.Handler(name); ok {
			s.Description = m.Description()
			s.Version = m.Version()
			s.MemberCount = len(m.Members())
			s.AllowMultipleProposals = m.AllowsMultipleProposals()
		}
		out = append(out, s)
	}
	return out, nil
}

// Versions returns the version of every registered module.
func (l *Lifecycle) Versions(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for _, h := range l.modules.Handlers() {
		out[h.Name()] = h.Version()
	}
	return out
}

// ShowActive returns the active binding of a proposal.
func (l *Lifecycle) ShowActive(ctx context.Context, id string) (*ActiveBinding, error) {
	if l.roles != nil {
		b, err := l.roles.Binding(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, NewNotFoundError(fmt.Sprintf("no active role for %s", id)).WithResource(id)
			}
			return nil, NewBackendUnavailableError("active deployment registry unavailable", err).
				WithCode(ErrCodeRegistryDown).WithResource(id)
		}
		return b, nil
	}

	active, err := l.resolver.ActiveSet(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := active[id]; !ok {
		return nil, NewNotFoundError(fmt.Sprintf("no active role for %s", id)).WithResource(id)
	}
	return &ActiveBinding{ProposalID: id}, nil
}

// Activate records a live role binding for a proposal.
func (l *Lifecycle) Activate(ctx context.Context, id, targetID string) (err error) {
	ic := l.start(ctx, "activate", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	if l.roles == nil {
		return NewBackendUnavailableError("role bindings are not configured", nil).WithResource(id)
	}
	if _, err = l.Show(ctx, id); err != nil {
		return err
	}
	binding := &ActiveBinding{ProposalID: id, TargetID: targetID, ActivatedAt: l.now().UTC()}
	if err = l.roles.Activate(ctx, binding); err != nil {
		return NewBackendUnavailableError("failed to activate role", err).WithResource(id)
	}
	_ = l.tel.Events.PublishRoleChanged(id, targetID, true)
	l.audit.record(ctx, "activate", id, "ok", map[string]interface{}{"target_id": targetID})
	return nil
}

// Deactivate removes the live role binding of a proposal.
func (l *Lifecycle) Deactivate(ctx context.Context, id string) (err error) {
	ic := l.start(ctx, "deactivate", id)
	ctx = ic.Ctx
	defer func() { l.finish(ic, err) }()

	if l.roles == nil {
		return NewBackendUnavailableError("role bindings are not configured", nil).WithResource(id)
	}
	if err = l.roles.Deactivate(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewNotFoundError(fmt.Sprintf("no active role for %s", id)).WithResource(id)
		}
		return NewBackendUnavailableError("failed to deactivate role", err).WithResource(id)
	}
	_ = l.tel.Events.PublishRoleChanged(id, "", false)
	l.audit.record(ctx, "deactivate", id, "ok", nil)
	return nil
}

// RecordTransition appends a node transition for a target.
func (l *Lifecycle) RecordTransition(ctx context.Context, targetID, nodeName, state string) (rec *TransitionRecord, err error) {
	ic := l.tel.StartOperation(ctx, "transition.record",
		telemetry.AttrTargetID.String(targetID), telemetry.AttrNodeName.String(nodeName))
	defer func() { l.finish(ic, err) }()
	return l.tracker.Record(ic.Ctx, targetID, nodeName, state)
}

// QueryTransitions returns the latest state per node of a target.
func (l *Lifecycle) QueryTransitions(ctx context.Context, targetID string) (states []NodeState, err error) {
	ic := l.tel.StartOperation(ctx, "transition.query", telemetry.AttrTargetID.String(targetID))
	defer func() { l.finish(ic, err) }()
	return l.tracker.Query(ic.Ctx, targetID)
}

// TransitionHistory returns every transition record of a target in submission order.
func (l *Lifecycle) TransitionHistory(ctx context.Context, targetID string) ([]*TransitionRecord, error) {
	return l.tracker.History(ctx, targetID)
}

// QueueEntries returns the commit queue.
func (l *Lifecycle) QueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	entries, err := l.queue.Entries(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SubmittedAt.Before(entries[j].SubmittedAt)
	})
	return entries, nil
}

// Drain resubmits queued commits once.
func (l *Lifecycle) Drain(ctx context.Context) (int, error) {
	return l.queue.Drain(ctx)
}

type auditor struct {
	log    AuditLog
	logger *telemetry.Logger
}

func (a *auditor) record(ctx context.Context, action, id, outcome string, details map[string]interface{}) {
	if a == nil || a.log == nil {
		return
	}
	entry := &AuditEntry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		ProposalID: id,
		Outcome:    outcome,
		Details:    details,
	}
	if err := a.log.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.WithProposalID(id).WithError(err).Warn("failed to write audit entry")
	}
}
