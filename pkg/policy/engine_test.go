package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/barclamp/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func novaProposal(name string, attrs, deploy engine.Subtree) *engine.Proposal {
	return &engine.Proposal{
		Module:     "nova",
		Name:       name,
		Status:     engine.StatusPending,
		Attributes: engine.ModuleTrees{"nova": attrs},
		Deployment: engine.ModuleTrees{"nova": deploy},
	}
}

func elements(e map[string]interface{}) engine.Subtree {
	return engine.Subtree{"elements": e}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"attributes-present", "deployment-elements", "reserved-names"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("policy[%d] = %s, want %s", i, p.Name, expected[i])
		}
	}
	if eng.Name() != "policy" {
		t.Errorf("Name() = %s", eng.Name())
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		proposal     *engine.Proposal
		wantAllowed  bool
		wantFields   []string
		wantWarnings int
	}{
		{
			name: "valid proposal",
			proposal: novaProposal("default",
				engine.Subtree{"port": 8774},
				elements(map[string]interface{}{"nova-controller": []interface{}{"node1"}})),
			wantAllowed: true,
		},
		{
			name:        "reserved name",
			proposal:    novaProposal("template", engine.Subtree{"port": 8774}, elements(map[string]interface{}{})),
			wantAllowed: false,
			wantFields:  []string{"name"},
		},
		{
			name:        "missing elements",
			proposal:    novaProposal("default", engine.Subtree{"port": 8774}, engine.Subtree{}),
			wantAllowed: false,
			wantFields:  []string{"deployment.nova.elements"},
		},
		{
			name:        "role without node list",
			proposal:    novaProposal("default", engine.Subtree{"port": 8774}, elements(map[string]interface{}{"nova-controller": "node1"})),
			wantAllowed: false,
			wantFields:  []string{"deployment.nova.elements.nova-controller"},
		},
		{
			name: "node that is not a name",
			proposal: novaProposal("default", engine.Subtree{"port": 8774},
				elements(map[string]interface{}{"nova-compute": []interface{}{"node1", 42}})),
			wantAllowed: false,
			wantFields:  []string{"deployment.nova.elements.nova-compute"},
		},
		{
			name:         "empty attributes only warns",
			proposal:     novaProposal("default", engine.Subtree{}, elements(map[string]interface{}{})),
			wantAllowed:  true,
			wantWarnings: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), tt.proposal, "create")
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %v)", result.Allowed, tt.wantAllowed, result.Violations)
			}
			if len(result.Violations) != len(tt.wantFields) {
				t.Fatalf("Expected %d violations, got %v", len(tt.wantFields), result.Violations)
			}
			for i, want := range tt.wantFields {
				if result.Violations[i].Field != want {
					t.Errorf("violation[%d].Field = %s, want %s", i, result.Violations[i].Field, want)
				}
				if result.Violations[i].ProposalID != tt.proposal.ID() {
					t.Errorf("violation[%d].ProposalID = %s", i, result.Violations[i].ProposalID)
				}
			}
			if len(result.Warnings) != tt.wantWarnings {
				t.Errorf("Expected %d warnings, got %v", tt.wantWarnings, result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("Expected 3 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestValidate_FieldErrors(t *testing.T) {
	eng := newTestEngine(t)

	p := novaProposal("template", engine.Subtree{}, engine.Subtree{})
	fields, err := eng.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	// Warnings never become field errors.
	if len(fields) != 2 {
		t.Fatalf("Expected 2 field errors, got %v", fields)
	}
	for _, f := range fields {
		if !strings.HasPrefix(f.Source, "policy:") {
			t.Errorf("Source = %q, want policy:<name>", f.Source)
		}
		if f.Code != string(SeverityError) {
			t.Errorf("Code = %q, want error", f.Code)
		}
	}
}

func TestAddPolicy_ModuleScope(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicy(context.Background(), Policy{
		Name: "nova-port",
		Rego: `package barclamp.nova.port

import rego.v1

deny contains violation if {
	input.proposal.attributes.nova.port < 1024
	violation := {
		"field": "attributes.nova.port",
		"message": "nova must not listen on a privileged port",
	}
}`,
		Modules: []string{"nova"},
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	p := novaProposal("default", engine.Subtree{"port": 80}, elements(map[string]interface{}{}))
	result, err := eng.Evaluate(context.Background(), p, "edit")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Policy != "nova-port" {
		t.Fatalf("Unexpected result %+v", result)
	}
	if result.Violations[0].Severity != SeverityError {
		t.Errorf("Severity = %s, want default error", result.Violations[0].Severity)
	}

	// The same tree under another barclamp is not checked by the scoped policy.
	other := &engine.Proposal{
		Module:     "database",
		Name:       "default",
		Attributes: engine.ModuleTrees{"database": {"port": 80}, "nova": {"port": 80}},
		Deployment: engine.ModuleTrees{"database": {"elements": map[string]interface{}{}}},
	}
	result, err = eng.Evaluate(context.Background(), other, "edit")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected database proposal to be allowed, got %v", result.Violations)
	}
}

func TestAddPolicy_Errors(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		policy Policy
	}{
		{"missing name", Policy{Rego: "package x\ndeny[msg] { false; msg := \"x\" }"}},
		{"syntax error", Policy{Name: "broken", Rego: "package x\ndeny contains if {"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(context.Background(), tt.policy); err == nil {
				t.Error("Expected an error")
			}
		})
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Failed policies must not be stored, have %d", len(eng.ListPolicies()))
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	p := novaProposal("template", engine.Subtree{"port": 1}, elements(map[string]interface{}{}))

	if err := eng.DisablePolicy("reserved-names"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, _ := eng.Evaluate(context.Background(), p, "create")
	if !result.Allowed {
		t.Errorf("Expected allowed with reserved-names disabled, got %v", result.Violations)
	}

	if err := eng.EnablePolicy("reserved-names"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, _ = eng.Evaluate(context.Background(), p, "create")
	if result.Allowed {
		t.Error("Expected denial with reserved-names enabled")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "custom-a", Rego: "package custom.a\ndeny[msg] { false; msg := \"x\" }", Enabled: true}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	replacement := []Policy{{Name: "custom-b", Rego: "package custom.b\ndeny[msg] { false; msg := \"x\" }", Enabled: true}}
	if err := eng.ReplacePolicies(ctx, replacement); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("custom-a"); err == nil {
		t.Error("custom-a should have been replaced")
	}
	if _, err := eng.GetPolicy("custom-b"); err != nil {
		t.Errorf("custom-b missing: %v", err)
	}
	if _, err := eng.GetPolicy("reserved-names"); err != nil {
		t.Errorf("built-in policy dropped: %v", err)
	}

	// A broken set leaves the current one in place.
	broken := []Policy{{Name: "custom-c", Rego: "package"}}
	if err := eng.ReplacePolicies(ctx, broken); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("custom-b"); err != nil {
		t.Errorf("custom-b lost after failed replace: %v", err)
	}

	if err := eng.RemovePolicy("custom-b"); err != nil {
		t.Errorf("RemovePolicy() error = %v", err)
	}
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if len(eng.ListPolicies()) != 3 {
		t.Errorf("Expected only built-ins after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writeFile(t, dir+"/glance.rego", `# modules: glance
package barclamp.glance

import rego.v1

deny contains "glance needs a store" if {
	not input.proposal.attributes.glance.store
}`)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p := &engine.Proposal{
		Module:     "glance",
		Name:       "default",
		Attributes: engine.ModuleTrees{"glance": {"debug": true}},
		Deployment: engine.ModuleTrees{"glance": {"elements": map[string]interface{}{}}},
	}
	result, err := eng.Evaluate(context.Background(), p, "commit")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "glance needs a store" {
		t.Errorf("Unexpected violations %v", result.Violations)
	}
}
