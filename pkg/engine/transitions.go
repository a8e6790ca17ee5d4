package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/openfroyo/barclamp/pkg/telemetry"
)

var stateTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

const maxNodeNameLength = 255

// TransitionTracker records node progress reports and serves the latest state per node.
type TransitionTracker struct {
	store  TransitionStore
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	now    func() time.Time
}

// NewTransitionTracker creates a transition tracker. A nil tel records nothing.
func NewTransitionTracker(store TransitionStore, tel *telemetry.Telemetry) *TransitionTracker {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &TransitionTracker{
		store:  store,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("transitions"),
		now:    time.Now,
	}
}

// Record appends a transition record. Malformed input is rejected with a validation error.
func (t *TransitionTracker) Record(ctx context.Context, targetID, nodeName, state string) (*TransitionRecord, error) {
	var fields []FieldError
	if targetID == "" {
		fields = append(fields, FieldError{Field: "target_id", Message: "target id is required", Source: "transition"})
	}
	if nodeName == "" || len(nodeName) > maxNodeNameLength {
		fields = append(fields, FieldError{
			Field:   "name",
			Message: fmt.Sprintf("node name must be 1-%d characters", maxNodeNameLength),
			Source:  "transition",
		})
	}
	if !stateTokenPattern.MatchString(state) {
		fields = append(fields, FieldError{
			Field:   "state",
			Message: fmt.Sprintf("malformed state token %q", state),
			Source:  "transition",
		})
	}
	if len(fields) > 0 {
		t.logger.WithTargetID(targetID).WithField("node", nodeName).Debug("malformed transition rejected")
		return nil, NewValidationError("transition rejected", fields).WithResource(targetID).WithOperation("transition")
	}

	record := &TransitionRecord{
		TargetID:   targetID,
		NodeName:   nodeName,
		State:      state,
		ObservedAt: t.now().UTC(),
	}
	if err := t.store.AppendTransition(ctx, record); err != nil {
		t.logger.WithTargetID(targetID).WithError(err).Error("failed to append transition")
		return nil, NewStoreUnavailableError("failed to record transition", err).
			WithResource(targetID).WithOperation("transition")
	}

	t.tel.Metrics.RecordTransition()
	_ = t.tel.Events.PublishTransitionRecorded(targetID, nodeName, state)
	t.logger.WithTargetID(targetID).WithFields(map[string]interface{}{
		"node":  nodeName,
		"state": state,
		"seq":   record.Seq,
	}).Debug("transition recorded")
	return record, nil
}

// Query returns the latest state of every node of a target, ordered by node name.
func (t *TransitionTracker) Query(ctx context.Context, targetID string) ([]NodeState, error) {
	records, err := t.History(ctx, targetID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*TransitionRecord, len(records))
	for _, r := range records {
		if cur, ok := latest[r.NodeName]; !ok || r.Seq > cur.Seq {
			latest[r.NodeName] = r
		}
	}

	states := make([]NodeState, 0, len(latest))
	for _, r := range latest {
		states = append(states, NodeState{NodeName: r.NodeName, State: r.State, ObservedAt: r.ObservedAt})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].NodeName < states[j].NodeName })
	return states, nil
}

// History returns every record of a target in submission order.
func (t *TransitionTracker) History(ctx context.Context, targetID string) ([]*TransitionRecord, error) {
	records, err := t.store.ListTransitions(ctx, targetID)
	if err != nil {
		return nil, NewStoreUnavailableError("failed to read transitions", err).
			WithResource(targetID).WithOperation("transition_query")
	}
	return records, nil
}
