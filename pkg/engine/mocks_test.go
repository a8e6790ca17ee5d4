package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// mockProposalStore keeps proposals as JSON documents so reads never alias writes.
type mockProposalStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   int
	failOn  map[string]error
	revBump map[string]int64
}

func newMockProposalStore() *mockProposalStore {
	return &mockProposalStore{
		docs:   make(map[string][]byte),
		failOn: make(map[string]error),
	}
}

type storedProposal struct {
	Module      string         `json:"module"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Status      ProposalStatus `json:"status"`
	Attributes  ModuleTrees    `json:"attributes"`
	Deployment  ModuleTrees    `json:"deployment"`
	Revision    int64          `json:"revision"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func encodeProposal(p *Proposal) []byte {
	b, _ := json.Marshal(storedProposal{
		Module: p.Module, Name: p.Name, Description: p.Description, Status: p.Status,
		Attributes: p.Attributes, Deployment: p.Deployment, Revision: p.Revision,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	})
	return b
}

func decodeProposal(b []byte) *Proposal {
	var s storedProposal
	_ = json.Unmarshal(b, &s)
	return &Proposal{
		Module: s.Module, Name: s.Name, Description: s.Description, Status: s.Status,
		Attributes: s.Attributes, Deployment: s.Deployment, Revision: s.Revision,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

func (m *mockProposalStore) fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[op] = err
}

func (m *mockProposalStore) raw(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.docs[id]...)
}

func (m *mockProposalStore) GetProposal(ctx context.Context, module, name string) (*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["get"]; err != nil {
		return nil, err
	}
	b, ok := m.docs[ProposalID(module, name)]
	if !ok {
		return nil, fmt.Errorf("proposal not found: %s: %w", ProposalID(module, name), ErrNotFound)
	}
	return decodeProposal(b), nil
}

func (m *mockProposalStore) ListProposals(ctx context.Context, module string) ([]*Proposal, error) {
	all, err := m.ListAllProposals(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Proposal
	for _, p := range all {
		if p.Module == module {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockProposalStore) ListAllProposals(ctx context.Context) ([]*Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["list"]; err != nil {
		return nil, err
	}
	out := make([]*Proposal, 0, len(m.docs))
	for _, b := range m.docs {
		out = append(out, decodeProposal(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (m *mockProposalStore) SaveProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["save"]; err != nil {
		return err
	}
	id := p.ID()
	existing, ok := m.docs[id]
	switch {
	case p.Revision == 0 && ok:
		return fmt.Errorf("proposal %s: %w", id, ErrAlreadyExists)
	case p.Revision != 0 && !ok:
		return fmt.Errorf("proposal not found: %s: %w", id, ErrNotFound)
	case p.Revision != 0 && decodeProposal(existing).Revision != p.Revision:
		return fmt.Errorf("proposal %s: %w", id, ErrStaleRevision)
	}
	p.Revision++
	m.docs[id] = encodeProposal(p)
	m.saves++
	return nil
}

func (m *mockProposalStore) DeleteProposal(ctx context.Context, module, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ProposalID(module, name)
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("proposal not found: %s: %w", id, ErrNotFound)
	}
	delete(m.docs, id)
	return nil
}

// put stores a proposal directly, bypassing the lifecycle.
func (m *mockProposalStore) put(p *Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Revision == 0 {
		p.Revision = 1
	}
	m.docs[p.ID()] = encodeProposal(p)
}

type mockQueueStore struct {
	mu      sync.Mutex
	entries map[string]QueueEntry
	err     error
}

func newMockQueueStore() *mockQueueStore {
	return &mockQueueStore{entries: make(map[string]QueueEntry)}
}

func (m *mockQueueStore) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.entries[e.ProposalID]; ok {
		return fmt.Errorf("queue entry %s: %w", e.ProposalID, ErrAlreadyExists)
	}
	m.entries[e.ProposalID] = *e
	return nil
}

func (m *mockQueueStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry not found: %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (m *mockQueueStore) TransitionQueueEntry(ctx context.Context, id string, from, to QueueState, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	e, ok := m.entries[id]
	if !ok || e.State != from {
		return false, nil
	}
	e.State = to
	e.Reason = reason
	if to == QueueStateRunning {
		e.Attempts++
	}
	m.entries[id] = e
	return true, nil
}

func (m *mockQueueStore) DeleteQueueEntry(ctx context.Context, id string, state QueueState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	e, ok := m.entries[id]
	if !ok || e.State != state {
		return false, nil
	}
	delete(m.entries, id)
	return true, nil
}

func (m *mockQueueStore) ListQueueEntries(ctx context.Context) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*QueueEntry, 0, len(m.entries))
	for _, e := range m.entries {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ProposalID < out[j].ProposalID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (m *mockQueueStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockTransitionStore struct {
	mu      sync.Mutex
	records []TransitionRecord
	err     error
}

func (m *mockTransitionStore) AppendTransition(ctx context.Context, r *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	r.Seq = int64(len(m.records) + 1)
	m.records = append(m.records, *r)
	return nil
}

func (m *mockTransitionStore) ListTransitions(ctx context.Context, target string) ([]*TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*TransitionRecord
	for _, r := range m.records {
		if r.TargetID == target {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

type mockRegistry struct {
	mu       sync.Mutex
	bindings map[string]ActiveBinding
	err      error
}

func newMockRegistry(ids ...string) *mockRegistry {
	r := &mockRegistry{bindings: make(map[string]ActiveBinding)}
	for _, id := range ids {
		r.bindings[id] = ActiveBinding{ProposalID: id}
	}
	return r
}

func (m *mockRegistry) ActiveIDs(ctx context.Context, target string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]struct{})
	for id, b := range m.bindings {
		if target == "" || id == target || b.TargetID == target {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *mockRegistry) Binding(ctx context.Context, id string) (*ActiveBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *mockRegistry) Activate(ctx context.Context, b *ActiveBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.ProposalID] = *b
	return nil
}

func (m *mockRegistry) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(m.bindings, id)
	return nil
}

// mockBackend answers submissions from a scripted sequence, then from fallback.
type mockBackend struct {
	mu        sync.Mutex
	script    []submitAnswer
	fallback  submitAnswer
	submitted []string
	gate      chan struct{}
}

type submitAnswer struct {
	status  SubmitStatus
	message string
	err     error
}

func newMockBackend(fallback SubmitStatus) *mockBackend {
	return &mockBackend{fallback: submitAnswer{status: fallback}}
}

func (m *mockBackend) then(a ...submitAnswer) *mockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, a...)
	return m
}

func (m *mockBackend) setFallback(a submitAnswer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = a
}

func (m *mockBackend) hold() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	return m.gate
}

func (m *mockBackend) Submit(ctx context.Context, p *Proposal) (SubmitStatus, string, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, p.ID())
	gate := m.gate
	answer := m.fallback
	if len(m.script) > 0 {
		answer = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	return answer.status, answer.message, answer.err
}

func (m *mockBackend) submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

type mockHandler struct {
	name     string
	multiple bool
	members  []string
	defAttrs Subtree
	backend  *mockBackend
}

func (h *mockHandler) Name() string                  { return h.name }
func (h *mockHandler) Description() string           { return h.name + " barclamp" }
func (h *mockHandler) Version() string               { return "1.0" }
func (h *mockHandler) Members() []string             { return h.members }
func (h *mockHandler) AllowsMultipleProposals() bool { return h.multiple }
func (h *mockHandler) Defaults() (Subtree, Subtree) {
	return h.defAttrs, Subtree{"elements": map[string]interface{}{}}
}
func (h *mockHandler) Submit(ctx context.Context, p *Proposal) (SubmitStatus, string, error) {
	return h.backend.Submit(ctx, p)
}

type mockModules struct {
	handlers map[string]*mockHandler
}

func newMockModules(handlers ...*mockHandler) *mockModules {
	m := &mockModules{handlers: make(map[string]*mockHandler)}
	for _, h := range handlers {
		m.handlers[h.name] = h
	}
	return m
}

func (m *mockModules) Handler(name string) (ModuleHandler, bool) {
	h, ok := m.handlers[name]
	if !ok {
		return nil, false
	}
	return h, true
}

func (m *mockModules) Handlers() []ModuleHandler {
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]ModuleHandler, 0, len(names))
	for _, n := range names {
		out = append(out, m.handlers[n])
	}
	return out
}

type mockAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *mockAudit) CreateAuditEntry(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *mockAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action+":"+e.Outcome)
	}
	return out
}

// mockValidator reports a violation whenever attributes.<module>.invalid is set.
type mockValidator struct{}

func (mockValidator) Name() string { return "mock" }

func (mockValidator) Validate(ctx context.Context, p *Proposal) ([]FieldError, error) {
	attrs := p.Attributes[p.Module]
	if v, ok := attrs["invalid"]; ok && v == true {
		return []FieldError{{Field: "attributes." + p.Module + ".invalid", Message: "must not be set", Source: "mock"}}, nil
	}
	return nil, nil
}

// switchValidator fails to run while err is set.
type switchValidator struct {
	mu  sync.Mutex
	err error
}

func (v *switchValidator) Name() string { return "switch" }

func (v *switchValidator) set(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func (v *switchValidator) Validate(ctx context.Context, p *Proposal) ([]FieldError, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return nil, v.err
}

var errStoreDown = errors.New("database is locked")

type fixture struct {
	store     *mockProposalStore
	queue     *mockQueueStore
	trans     *mockTransitionStore
	registry  *mockRegistry
	audit     *mockAudit
	nova      *mockHandler
	single    *mockHandler
	lifecycle *Lifecycle
}

func newFixture(t interface{ Fatalf(string, ...interface{}) }) *fixture {
	f := &fixture{
		store:    newMockProposalStore(),
		queue:    newMockQueueStore(),
		trans:    &mockTransitionStore{},
		registry: newMockRegistry(),
		audit:    &mockAudit{},
		nova:     &mockHandler{name: "nova", multiple: true, backend: newMockBackend(SubmitAccepted)},
		single:   &mockHandler{name: "database", multiple: false, backend: newMockBackend(SubmitAccepted)},
	}
	suite := &mockHandler{name: "openstack", multiple: true, members: []string{"nova", "database", "glance"}, backend: newMockBackend(SubmitAccepted)}

	l, err := NewLifecycle(Options{
		Proposals:     f.store,
		Queue:         f.queue,
		Transitions:   f.trans,
		Registry:      f.registry,
		Roles:         f.registry,
		Modules:       newMockModules(f.nova, f.single, suite),
		Validators:    []Validator{mockValidator{}},
		Audit:         f.audit,
		CommitTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLifecycle() error = %v", err)
	}
	f.lifecycle = l
	return f
}
