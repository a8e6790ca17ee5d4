package engine_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openfroyo/barclamp/pkg/engine"
)

// Example_proposalID shows how proposal identifiers are built and split.
func Example_proposalID() {
	id := engine.ProposalID("nova_compute", "default")
	module, name, _ := engine.ParseProposalID(id)

	fmt.Println(id)
	fmt.Println(module, name)
	fmt.Println(engine.IsInternalID("bc-template-nova_default"))
	// Output:
	// nova_compute_default
	// nova_compute default
	// true
}

// Example_effectiveStatus shows how display statuses follow the active set.
func Example_effectiveStatus() {
	active := map[string]struct{}{"nova_default": {}}

	proposals := []*engine.Proposal{
		{Module: "nova", Name: "default", Status: engine.StatusReady},
		{Module: "nova", Name: "staging", Status: engine.StatusReady},
		{Module: "nova", Name: "draft", Status: engine.StatusPending},
	}
	for _, p := range proposals {
		fmt.Printf("%s: %s\n", p.ID(), engine.EffectiveStatus(p, active))
	}
	// Output:
	// nova_default: ready
	// nova_staging: hold
	// nova_draft: pending
}

// Example_errors demonstrates error classification.
func Example_errors() {
	errs := []error{
		engine.NewValidationError("proposal validation failed", []engine.FieldError{
			{Field: "attributes.nova.port", Message: "must be below 65536"},
		}),
		engine.NewConflictError("commit for nova_default is already running", nil).
			WithCode(engine.ErrCodeCommitInFlight),
		engine.NewBackendUnavailableError("deployment backend unavailable", errors.New("connection refused")),
		engine.NewRejectedError(http.StatusOK, "refused"),
	}

	for _, err := range errs {
		fmt.Printf("%s %d retryable=%v\n", engine.KindOf(err), engine.StatusCode(err), engine.IsRetryable(err))
	}
	// Output:
	// validation_failed 400 retryable=false
	// conflict 409 retryable=false
	// backend_unavailable 503 retryable=true
	// rejected 400 retryable=false
}

// Example_proposalJSON shows the wire form of a proposal.
func Example_proposalJSON() {
	p := &engine.Proposal{
		Module:     "nova",
		Name:       "default",
		Status:     engine.StatusPending,
		Attributes: engine.ModuleTrees{"nova": {"port": 8774}},
		Deployment: engine.ModuleTrees{"nova": {"elements": map[string]interface{}{}}},
		Revision:   1,
	}

	data, _ := json.Marshal(p)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)

	fmt.Println(doc["id"], doc["barclamp"], doc["status"])
	// Output:
	// nova_default nova pending
}
