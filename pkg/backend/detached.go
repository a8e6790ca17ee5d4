package backend

import (
	"context"

	"github.com/openfroyo/barclamp/pkg/engine"
)

// Detached is a backend for modules without a configuration-management service.
// Every commit stays queued until an operator dequeues it or the module is rewired.
type Detached struct {
	Reason string
}

var _ engine.Backend = Detached{}

// Submit always answers busy.
func (d Detached) Submit(_ context.Context, _ *engine.Proposal) (engine.SubmitStatus, string, error) {
	reason := d.Reason
	if reason == "" {
		reason = "no deployment backend attached"
	}
	return engine.SubmitBusy, reason, nil
}
