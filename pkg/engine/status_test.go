package engine

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestEffectiveStatus(t *testing.T) {
	active := map[string]struct{}{"nova_default": {}}

	tests := []struct {
		name   string
		status ProposalStatus
		id     string
		want   ProposalStatus
	}{
		{"pending inactive", StatusPending, "nova_other", StatusPending},
		{"pending active", StatusPending, "nova_default", StatusPending},
		{"unready inactive", StatusUnready, "nova_other", StatusUnready},
		{"ready active", StatusReady, "nova_default", StatusReady},
		{"ready inactive", StatusReady, "nova_other", StatusHold},
		{"queued active", StatusQueued, "nova_default", StatusQueued},
		{"queued inactive", StatusQueued, "nova_other", StatusHold},
		{"hold active", StatusHold, "nova_default", StatusHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			module, name, _ := ParseProposalID(tt.id)
			p := &Proposal{Module: module, Name: name, Status: tt.status}
			if got := EffectiveStatus(p, active); got != tt.want {
				t.Errorf("EffectiveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEffectiveStatus_NilActiveSet(t *testing.T) {
	p := &Proposal{Module: "nova", Name: "default", Status: StatusReady}
	if got := EffectiveStatus(p, nil); got != StatusHold {
		t.Errorf("EffectiveStatus() = %s, want hold", got)
	}
}

func TestProposalStatus_Validate(t *testing.T) {
	for _, s := range []ProposalStatus{StatusPending, StatusUnready, StatusReady, StatusHold, StatusQueued} {
		if err := s.Validate(); err != nil {
			t.Errorf("%s.Validate() error = %v", s, err)
		}
	}
	if err := ProposalStatus("applied").Validate(); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParseProposalID(t *testing.T) {
	tests := []struct {
		id         string
		wantModule string
		wantName   string
		wantErr    bool
	}{
		{"nova_default", "nova", "default", false},
		{"nova_compute_default", "nova_compute", "default", false},
		{"nova_", "nova", "", false},
		{"_default", "", "", true},
		{"nova", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			module, name, err := ParseProposalID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProposalID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if module != tt.wantModule || name != tt.wantName {
				t.Errorf("ParseProposalID() = (%q, %q), want (%q, %q)", module, name, tt.wantModule, tt.wantName)
			}
		})
	}
}

func TestStatusResolver_ListStatuses(t *testing.T) {
	ctx := context.Background()
	store := newMockProposalStore()
	store.put(&Proposal{Module: "nova", Name: "default", Status: StatusReady})
	store.put(&Proposal{Module: "nova", Name: "staging", Status: StatusReady})
	store.put(&Proposal{Module: "database", Name: "default", Status: StatusPending})
	store.put(&Proposal{Module: "bc-template-nova", Name: "default", Status: StatusPending})

	r := NewStatusResolver(store, newMockRegistry("nova_default"))

	report, err := r.ListStatuses(ctx, "")
	if err != nil {
		t.Fatalf("ListStatuses() error = %v", err)
	}
	want := map[string]ProposalStatus{
		"nova_default":     StatusReady,
		"nova_staging":     StatusHold,
		"database_default": StatusPending,
	}
	if report.Count != len(want) {
		t.Errorf("Count = %d, want %d", report.Count, len(want))
	}
	for id, status := range want {
		if report.Statuses[id] != status {
			t.Errorf("Statuses[%s] = %s, want %s", id, report.Statuses[id], status)
		}
	}
	if _, ok := report.Statuses["bc-template-nova_default"]; ok {
		t.Error("internal proposal should not be reported")
	}

	one, err := r.ListStatuses(ctx, "nova_default")
	if err != nil {
		t.Fatalf("ListStatuses(filter) error = %v", err)
	}
	if one.Count != 1 || one.Statuses["nova_default"] != StatusReady {
		t.Errorf("ListStatuses(filter) = %+v", one)
	}
}

func TestStatusResolver_Failures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		storeErr  error
		regErr    error
		filter    string
		wantCount int
		wantKind  ErrorKind
	}{
		{
			name:      "registry down",
			regErr:    errors.New("dial tcp: i/o timeout"),
			wantCount: StatusCountBackendDown,
			wantKind:  KindBackendUnavailable,
		},
		{
			name:      "store connection refused",
			storeErr:  fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			wantCount: StatusCountBackendDown,
			wantKind:  KindStoreUnavailable,
		},
		{
			name:      "store failure",
			storeErr:  errStoreDown,
			wantCount: StatusCountFailed,
			wantKind:  KindStoreUnavailable,
		},
		{
			name:      "unknown filter",
			filter:    "nova_missing",
			wantCount: StatusCountFailed,
			wantKind:  KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockProposalStore()
			store.put(&Proposal{Module: "nova", Name: "default", Status: StatusReady})
			if tt.storeErr != nil {
				store.fail("list", tt.storeErr)
			}
			reg := newMockRegistry()
			reg.err = tt.regErr

			report, err := NewStatusResolver(store, reg).ListStatuses(ctx, tt.filter)
			if err == nil {
				t.Fatal("expected error")
			}
			if report.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", report.Count, tt.wantCount)
			}
			if len(report.Statuses) != 0 {
				t.Errorf("Statuses = %v, want empty", report.Statuses)
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("KindOf() = %s, want %s", KindOf(err), tt.wantKind)
			}
		})
	}
}
