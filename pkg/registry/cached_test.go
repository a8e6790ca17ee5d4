package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/barclamp/pkg/engine"
	"github.com/openfroyo/barclamp/pkg/stores"
)

type mockBindings struct {
	mu       sync.Mutex
	bindings map[string]*engine.ActiveBinding
	lookups  int
	err      error
	gate     chan struct{}
}

func newMockBindings() *mockBindings {
	return &mockBindings{bindings: make(map[string]*engine.ActiveBinding)}
}

func (m *mockBindings) ActiveIDs(ctx context.Context, targetID string) (map[string]struct{}, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]struct{})
	for id, b := range m.bindings {
		if targetID == "" || b.TargetID == targetID || id == targetID {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *mockBindings) Binding(ctx context.Context, proposalID string) (*engine.ActiveBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[proposalID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return b, nil
}

func (m *mockBindings) Activate(ctx context.Context, b *engine.ActiveBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.ProposalID] = b
	return nil
}

func (m *mockBindings) Deactivate(ctx context.Context, proposalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[proposalID]; !ok {
		return engine.ErrNotFound
	}
	delete(m.bindings, proposalID)
	return nil
}

func (m *mockBindings) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

func TestCachedActiveIDs(t *testing.T) {
	ctx := context.Background()
	next := newMockBindings()
	_ = next.Activate(ctx, &engine.ActiveBinding{ProposalID: "nova_default", TargetID: "crowbar"})

	c := NewCached(next, time.Minute, nil)

	for i := 0; i < 3; i++ {
		set, err := c.ActiveIDs(ctx, "")
		if err != nil {
			t.Fatalf("ActiveIDs() error = %v", err)
		}
		if _, ok := set["nova_default"]; !ok {
			t.Fatalf("set = %v, want nova_default", set)
		}
	}
	if got := next.lookupCount(); got != 1 {
		t.Errorf("lookups = %d, want 1", got)
	}

	if _, err := c.ActiveIDs(ctx, "crowbar"); err != nil {
		t.Fatalf("ActiveIDs(crowbar) error = %v", err)
	}
	if got := next.lookupCount(); got != 2 {
		t.Errorf("lookups = %d, want 2 for a second target", got)
	}
}

func TestCachedReturnsCopies(t *testing.T) {
	ctx := context.Background()
	next := newMockBindings()
	_ = next.Activate(ctx, &engine.ActiveBinding{ProposalID: "nova_default"})
	c := NewCached(next, time.Minute, nil)

	set, _ := c.ActiveIDs(ctx, "")
	delete(set, "nova_default")

	again, _ := c.ActiveIDs(ctx, "")
	if _, ok := again["nova_default"]; !ok {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestCachedInvalidatesOnChange(t *testing.T) {
	ctx := context.Background()
	next := newMockBindings()
	c := NewCached(next, time.Minute, nil)

	set, _ := c.ActiveIDs(ctx, "")
	if len(set) != 0 {
		t.Fatalf("set = %v, want empty", set)
	}

	if err := c.Activate(ctx, &engine.ActiveBinding{ProposalID: "nova_default"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	set, _ = c.ActiveIDs(ctx, "")
	if _, ok := set["nova_default"]; !ok {
		t.Error("Activate should invalidate the cached set")
	}

	if err := c.Deactivate(ctx, "nova_default"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	set, _ = c.ActiveIDs(ctx, "")
	if len(set) != 0 {
		t.Errorf("set = %v, want empty after Deactivate", set)
	}

	if err := c.Deactivate(ctx, "nova_default"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Deactivate() error = %v, want ErrNotFound", err)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	next := newMockBindings()
	next.err = errors.New("connection refused")
	c := NewCached(next, time.Minute, nil)

	if _, err := c.ActiveIDs(ctx, ""); err == nil {
		t.Fatal("expected error")
	}

	next.mu.Lock()
	next.err = nil
	next.mu.Unlock()

	if _, err := c.ActiveIDs(ctx, ""); err != nil {
		t.Fatalf("ActiveIDs() error = %v after recovery", err)
	}
	if got := next.lookupCount(); got != 2 {
		t.Errorf("lookups = %d, want 2", got)
	}
}

func TestCachedCoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	next := newMockBindings()
	next.gate = make(chan struct{})
	c := NewCached(next, time.Minute, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ActiveIDs(ctx, "")
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(next.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("ActiveIDs() error = %v", err)
		}
	}
	if got := next.lookupCount(); got > 2 {
		t.Errorf("lookups = %d, want concurrent misses coalesced", got)
	}
}

func TestCachedOverSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	c := NewCached(store, time.Minute, nil)
	if err := c.Activate(ctx, &engine.ActiveBinding{ProposalID: "database_default", TargetID: "crowbar"}); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	set, err := c.ActiveIDs(ctx, "crowbar")
	if err != nil {
		t.Fatalf("ActiveIDs() error = %v", err)
	}
	if _, ok := set["database_default"]; !ok {
		t.Errorf("set = %v, want database_default", set)
	}

	b, err := c.Binding(ctx, "database_default")
	if err != nil {
		t.Fatalf("Binding() error = %v", err)
	}
	if b.TargetID != "crowbar" {
		t.Errorf("TargetID = %s", b.TargetID)
	}
}
