package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func createProposal(t *testing.T, f *fixture, module, name string) *Proposal {
	t.Helper()
	p, err := f.lifecycle.Create(context.Background(), CreateRequest{Module: module, Name: name})
	if err != nil {
		t.Fatalf("Create(%s_%s) error = %v", module, name, err)
	}
	return p
}

func storedStatus(t *testing.T, f *fixture, id string) ProposalStatus {
	t.Helper()
	module, name, _ := ParseProposalID(id)
	p, err := f.store.GetProposal(context.Background(), module, name)
	if err != nil {
		t.Fatalf("GetProposal(%s) error = %v", id, err)
	}
	return p.Status
}

func TestCommit_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "default")

	res, err := f.lifecycle.Commit(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Outcome != CommitAccepted || res.Code != http.StatusOK {
		t.Errorf("Commit() = %s/%d, want accepted/200", res.Outcome, res.Code)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusReady {
		t.Errorf("status = %s, want ready", got)
	}
	if f.queue.len() != 0 {
		t.Errorf("queue has %d entries, want 0", f.queue.len())
	}
}

func TestCommit_UnknownProposal(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		id       string
		wantKind ErrorKind
	}{
		{"nova_missing", KindNotFound},
		{"ghost_default", KindNotFound},
		{"novadefault", KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			res, err := f.lifecycle.Commit(context.Background(), tt.id)
			if KindOf(err) != tt.wantKind {
				t.Fatalf("Commit() error = %v, want kind %s", err, tt.wantKind)
			}
			if res.Outcome != CommitRejected || res.Code != http.StatusNotFound {
				t.Errorf("Commit() = %s/%d, want rejected/404", res.Outcome, res.Code)
			}
		})
	}
	if f.nova.backend.submissions() != 0 {
		t.Error("backend should not be called for unknown proposals")
	}
}

func TestCommit_ConcurrentCommitsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.queue.timeout = 5 * time.Second
	createProposal(t, f, "nova", "default")

	gate := f.nova.backend.hold()

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lifecycle.Commit(context.Background(), "nova_default")
			results <- err
		}()
	}

	// Every caller but the one holding the backend returns while the gate is shut.
	var conflicts int
	for i := 0; i < n-1; i++ {
		select {
		case err := <-results:
			if !IsConflict(err) {
				t.Errorf("concurrent Commit() error = %v, want conflict", err)
			}
			if e, ok := AsEngineError(err); ok && e.Code != ErrCodeCommitInFlight {
				t.Errorf("code = %s, want %s", e.Code, ErrCodeCommitInFlight)
			}
			conflicts++
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for conflicting commits")
		}
	}

	close(gate)
	wg.Wait()
	if err := <-results; err != nil {
		t.Errorf("winning Commit() error = %v", err)
	}

	if conflicts != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, n-1)
	}
	if got := f.nova.backend.submissions(); got != 1 {
		t.Errorf("backend submissions = %d, want 1", got)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusReady {
		t.Errorf("status = %s, want ready", got)
	}
}

func TestCommit_BusyQueuesThenDequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "default")
	f.nova.backend.setFallback(submitAnswer{status: SubmitBusy, message: "deployment in progress"})

	res, err := f.lifecycle.Commit(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Outcome != CommitQueued || res.Code != http.StatusAccepted {
		t.Fatalf("Commit() = %s/%d, want queued/202", res.Outcome, res.Code)
	}
	if res.Entry == nil || res.Entry.State != QueueStateQueued || res.Entry.Position != 1 {
		t.Errorf("Entry = %+v, want queued at position 1", res.Entry)
	}
	if res.Entry != nil && res.Entry.Reason != "deployment in progress" {
		t.Errorf("Reason = %q", res.Entry.Reason)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusQueued {
		t.Errorf("status = %s, want queued", got)
	}

	// A queued entry still blocks another commit.
	if _, err := f.lifecycle.Commit(ctx, "nova_default"); !IsConflict(err) {
		t.Errorf("second Commit() error = %v, want conflict", err)
	}

	removed, err := f.lifecycle.Dequeue(ctx, "nova_default")
	if err != nil || !removed {
		t.Fatalf("Dequeue() = %v, %v; want true, nil", removed, err)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusPending {
		t.Errorf("status after dequeue = %s, want pending", got)
	}

	removed, err = f.lifecycle.Dequeue(ctx, "nova_default")
	if err != nil || removed {
		t.Errorf("second Dequeue() = %v, %v; want false, nil", removed, err)
	}

	f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
	res, err = f.lifecycle.Commit(ctx, "nova_default")
	if err != nil || res.Outcome != CommitAccepted {
		t.Fatalf("Commit() after dequeue = %+v, %v", res, err)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusReady {
		t.Errorf("status = %s, want ready", got)
	}
}

func TestCommit_TimeoutParksEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "default")
	gate := f.nova.backend.hold()
	defer close(gate)

	res, err := f.lifecycle.Commit(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Outcome != CommitQueued {
		t.Fatalf("Outcome = %s, want queued", res.Outcome)
	}
	if !strings.HasPrefix(res.Entry.Reason, "timeout") {
		t.Errorf("Reason = %q, want timeout prefix", res.Entry.Reason)
	}
	if got := storedStatus(t, f, "nova_default"); got != StatusQueued {
		t.Errorf("status = %s, want queued", got)
	}
}

type clientTimeout struct{}

func (clientTimeout) Error() string   { return "Client.Timeout exceeded while awaiting headers" }
func (clientTimeout) Timeout() bool   { return true }
func (clientTimeout) Temporary() bool { return true }

func TestCommit_TransportTimeoutParksEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "default")
	f.nova.backend.setFallback(submitAnswer{
		err: NewBackendUnavailableError("deployment backend unreachable", clientTimeout{}),
	})

	res, err := f.lifecycle.Commit(ctx, "nova_default")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if res.Outcome != CommitQueued || res.Code != http.StatusAccepted {
		t.Fatalf("Commit() = %s/%d, want queued/202", res.Outcome, res.Code)
	}
	if !strings.HasPrefix(res.Entry.Reason, "timeout") {
		t.Errorf("Reason = %q, want timeout prefix", res.Entry.Reason)
	}
}

func TestCommit_BackendFailures(t *testing.T) {
	tests := []struct {
		name     string
		answer   submitAnswer
		wantKind ErrorKind
		wantCode int
	}{
		{
			name:     "rejected",
			answer:   submitAnswer{err: NewRejectedError(http.StatusUnprocessableEntity, "role conflict")},
			wantKind: KindRejected,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "unreachable",
			answer:   submitAnswer{err: errors.New("connection refused")},
			wantKind: KindBackendUnavailable,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "unknown status",
			answer:   submitAnswer{status: "exploded"},
			wantKind: KindBackendUnavailable,
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			createProposal(t, f, "nova", "default")
			f.nova.backend.setFallback(tt.answer)

			res, err := f.lifecycle.Commit(ctx, "nova_default")
			if KindOf(err) != tt.wantKind {
				t.Fatalf("Commit() error = %v, want kind %s", err, tt.wantKind)
			}
			if res.Outcome != CommitRejected || res.Code != tt.wantCode {
				t.Errorf("Commit() = %s/%d, want rejected/%d", res.Outcome, res.Code, tt.wantCode)
			}
			if f.queue.len() != 0 {
				t.Errorf("queue has %d entries, want 0", f.queue.len())
			}
			if got := storedStatus(t, f, "nova_default"); got != StatusPending {
				t.Errorf("status = %s, want pending", got)
			}

			// The proposal can be committed again once the backend recovers.
			f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
			if _, err := f.lifecycle.Commit(ctx, "nova_default"); err != nil {
				t.Errorf("retry Commit() error = %v", err)
			}
		})
	}
}

func TestCommit_InvalidProposalNotSubmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.put(&Proposal{
		Module:     "nova",
		Name:       "broken",
		Status:     StatusPending,
		Attributes: ModuleTrees{"nova": {"invalid": true}},
		Deployment: ModuleTrees{"nova": {}},
	})

	res, err := f.lifecycle.Commit(ctx, "nova_broken")
	if !IsValidation(err) {
		t.Fatalf("Commit() error = %v, want validation", err)
	}
	if res.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", res.Code)
	}
	if f.nova.backend.submissions() != 0 {
		t.Error("invalid proposal reached the backend")
	}
	if f.queue.len() != 0 {
		t.Error("invalid proposal left a queue entry")
	}
}

func TestDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "a")
	createProposal(t, f, "nova", "b")
	f.nova.backend.setFallback(submitAnswer{status: SubmitBusy})

	for _, id := range []string{"nova_a", "nova_b"} {
		if res, err := f.lifecycle.Commit(ctx, id); err != nil || res.Outcome != CommitQueued {
			t.Fatalf("Commit(%s) = %+v, %v", id, res, err)
		}
		time.Sleep(time.Millisecond)
	}

	entries, err := f.lifecycle.QueueEntries(ctx)
	if err != nil {
		t.Fatalf("QueueEntries() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ProposalID != "nova_a" || entries[1].Position != 2 {
		t.Fatalf("QueueEntries() = %+v", entries)
	}

	// Still busy: drain stops at the first entry and keeps both.
	n, err := f.lifecycle.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Drain() = %d, %v; want 0, nil", n, err)
	}
	if f.queue.len() != 2 {
		t.Fatalf("queue has %d entries, want 2", f.queue.len())
	}
	if got := f.nova.backend.submissions(); got != 3 {
		t.Errorf("submissions = %d, want 3", got)
	}

	f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
	n, err = f.lifecycle.Drain(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Drain() = %d, %v; want 2, nil", n, err)
	}
	for _, id := range []string{"nova_a", "nova_b"} {
		if got := storedStatus(t, f, id); got != StatusReady {
			t.Errorf("%s status = %s, want ready", id, got)
		}
	}
	if f.queue.len() != 0 {
		t.Errorf("queue has %d entries, want 0", f.queue.len())
	}
}

func TestDrain_DiscardsDeletedAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createProposal(t, f, "nova", "gone")
	createProposal(t, f, "nova", "stale")
	f.nova.backend.setFallback(submitAnswer{status: SubmitBusy})

	for _, id := range []string{"nova_gone", "nova_stale"} {
		if _, err := f.lifecycle.Commit(ctx, id); err != nil {
			t.Fatalf("Commit(%s) error = %v", id, err)
		}
	}

	if err := f.lifecycle.Delete(ctx, "nova_gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Break the stored proposal behind the lifecycle's back.
	module, name, _ := ParseProposalID("nova_stale")
	p, _ := f.store.GetProposal(ctx, module, name)
	p.Attributes["nova"]["invalid"] = true
	if err := f.store.SaveProposal(ctx, p); err != nil {
		t.Fatalf("SaveProposal() error = %v", err)
	}

	f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
	before := f.nova.backend.submissions()
	n, err := f.lifecycle.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Drain() = %d, %v; want 0, nil", n, err)
	}
	if f.queue.len() != 0 {
		t.Errorf("queue has %d entries, want 0", f.queue.len())
	}
	if f.nova.backend.submissions() != before {
		t.Error("discarded entries reached the backend")
	}
	if _, err := f.store.GetProposal(ctx, "nova", "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted proposal was recreated: %v", err)
	}
	if got := storedStatus(t, f, "nova_stale"); got != StatusPending {
		t.Errorf("stale status = %s, want pending", got)
	}
}

func queueBusy(t *testing.T, f *fixture, names ...string) []string {
	t.Helper()
	ctx := context.Background()
	f.nova.backend.setFallback(submitAnswer{status: SubmitBusy})
	ids := make([]string, 0, len(names))
	for _, name := range names {
		p := createProposal(t, f, "nova", name)
		if res, err := f.lifecycle.Commit(ctx, p.ID()); err != nil || res.Outcome != CommitQueued {
			t.Fatalf("Commit(%s) = %+v, %v", p.ID(), res, err)
		}
		ids = append(ids, p.ID())
		time.Sleep(time.Millisecond)
	}
	return ids
}

func TestDrain_KeepsEntriesWhenBackendUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:3000: connection refused")},
		{name: "circuit open", err: NewBackendUnavailableError("circuit breaker open", nil).WithCode("CIRCUIT_OPEN")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			ids := queueBusy(t, f, "a", "b", "c")

			f.nova.backend.setFallback(submitAnswer{err: tt.err})
			for round := 0; round < 3; round++ {
				before := f.nova.backend.submissions()
				n, err := f.lifecycle.Drain(ctx)
				if err != nil || n != 0 {
					t.Fatalf("round %d: Drain() = %d, %v; want 0, nil", round, n, err)
				}
				if got := f.nova.backend.submissions() - before; got != 1 {
					t.Errorf("round %d: submissions = %d, want 1", round, got)
				}
				if f.queue.len() != len(ids) {
					t.Fatalf("round %d: queue has %d entries, want %d", round, f.queue.len(), len(ids))
				}
			}

			entries, err := f.lifecycle.QueueEntries(ctx)
			if err != nil {
				t.Fatalf("QueueEntries() error = %v", err)
			}
			for i, e := range entries {
				if e.ProposalID != ids[i] || e.State != QueueStateQueued || e.Position != i+1 {
					t.Errorf("entries[%d] = %s/%s/%d, want %s/queued/%d", i, e.ProposalID, e.State, e.Position, ids[i], i+1)
				}
			}
			for _, id := range ids {
				if got := storedStatus(t, f, id); got != StatusQueued {
					t.Errorf("%s status = %s, want queued", id, got)
				}
			}

			// Once the backend recovers the whole queue goes through in order.
			f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
			n, err := f.lifecycle.Drain(ctx)
			if err != nil || n != len(ids) {
				t.Fatalf("Drain() = %d, %v; want %d, nil", n, err, len(ids))
			}
			if f.queue.len() != 0 {
				t.Errorf("queue has %d entries, want 0", f.queue.len())
			}
		})
	}
}

func TestDrain_RejectionDropsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := queueBusy(t, f, "a", "b")

	f.nova.backend.then(submitAnswer{err: NewRejectedError(http.StatusUnprocessableEntity, "role conflict")})
	f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})
	n, err := f.lifecycle.Drain(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v; want 1, nil", n, err)
	}
	if got := storedStatus(t, f, ids[0]); got != StatusPending {
		t.Errorf("%s status = %s, want pending", ids[0], got)
	}
	if got := storedStatus(t, f, ids[1]); got != StatusReady {
		t.Errorf("%s status = %s, want ready", ids[1], got)
	}
	if f.queue.len() != 0 {
		t.Errorf("queue has %d entries, want 0", f.queue.len())
	}
}

func TestDrain_KeepsEntryWhenCheckUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := queueBusy(t, f, "a")
	createProposal(t, f, "nova", "b")

	check := &switchValidator{}
	f.lifecycle.Pipeline().AddValidator(check)
	check.set(errors.New("rego evaluation failed"))
	f.nova.backend.setFallback(submitAnswer{status: SubmitAccepted})

	before := f.nova.backend.submissions()
	n, err := f.lifecycle.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Drain() = %d, %v; want 0, nil", n, err)
	}
	if f.nova.backend.submissions() != before {
		t.Error("entry reached the backend while its checks could not run")
	}
	if f.queue.len() != 1 {
		t.Fatalf("queue has %d entries, want 1", f.queue.len())
	}
	if got := storedStatus(t, f, ids[0]); got != StatusQueued {
		t.Errorf("status = %s, want queued", got)
	}

	// A fresh commit reports the outage, not an invalid proposal.
	res, err := f.lifecycle.Commit(ctx, "nova_b")
	if IsValidation(err) || !IsTransient(err) {
		t.Fatalf("Commit() error = %v, want transient", err)
	}
	if res.Code != http.StatusServiceUnavailable {
		t.Errorf("Commit() code = %d, want 503", res.Code)
	}

	check.set(nil)
	if n, err := f.lifecycle.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("Drain() after recovery = %d, %v; want 1, nil", n, err)
	}
	if got := storedStatus(t, f, ids[0]); got != StatusReady {
		t.Errorf("status = %s, want ready", got)
	}
}

func TestCommitQueue_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.lifecycle.Queue().Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
