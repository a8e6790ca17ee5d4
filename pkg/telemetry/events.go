package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event in the barclamp service.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ProposalID is the associated proposal ID, if applicable.
	ProposalID string `json:"proposal_id,omitempty"`

	// TargetID is the associated provisioner/run ID, if applicable.
	TargetID string `json:"target_id,omitempty"`

	// NodeName is the reporting node for transition events.
	NodeName string `json:"node_name,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Key returns the partitioning key of the event.
func (e Event) Key() string {
	if e.ProposalID != "" {
		return e.ProposalID
	}
	return e.TargetID
}

// EventType constants for lifecycle event types.
const (
	EventTypeProposalCreated    = "proposal.created"
	EventTypeProposalUpdated    = "proposal.updated"
	EventTypeProposalDeleted    = "proposal.deleted"
	EventTypeValidationFailed   = "proposal.validation_failed"
	EventTypeCommitAccepted     = "commit.accepted"
	EventTypeCommitQueued       = "commit.queued"
	EventTypeCommitRejected     = "commit.rejected"
	EventTypeCommitDequeued     = "commit.dequeued"
	EventTypeTransitionRecorded = "transition.recorded"
	EventTypeRoleActivated      = "role.activated"
	EventTypeRoleDeactivated    = "role.deactivated"
	EventTypeCatalogReloaded    = "catalog.reloaded"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, max(cfg.BufferSize, 0)),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.BufferSize > 0 {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "barclamp"
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.BufferSize > 0 {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishProposalCreated publishes a proposal created event.
func (ep *EventPublisher) PublishProposalCreated(proposalID string) error {
	return ep.Publish(Event{
		Type:       EventTypeProposalCreated,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Proposal %s created", proposalID),
		Level:      EventLevelInfo,
	})
}

// PublishProposalUpdated publishes a proposal updated event.
func (ep *EventPublisher) PublishProposalUpdated(proposalID string, revision int64) error {
	return ep.Publish(Event{
		Type:       EventTypeProposalUpdated,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Proposal %s updated", proposalID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"revision": revision,
		},
	})
}

// PublishProposalDeleted publishes a proposal deleted event.
func (ep *EventPublisher) PublishProposalDeleted(proposalID string) error {
	return ep.Publish(Event{
		Type:       EventTypeProposalDeleted,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Proposal %s deleted", proposalID),
		Level:      EventLevelInfo,
	})
}

// PublishValidationFailed publishes a validation failure event.
func (ep *EventPublisher) PublishValidationFailed(proposalID string, violations int) error {
	return ep.Publish(Event{
		Type:       EventTypeValidationFailed,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Proposal %s failed validation with %d violation(s)", proposalID, violations),
		Level:      EventLevelWarning,
		Data: map[string]interface{}{
			"violations": violations,
		},
	})
}

// PublishCommitAccepted publishes a commit accepted event.
func (ep *EventPublisher) PublishCommitAccepted(proposalID string) error {
	return ep.Publish(Event{
		Type:       EventTypeCommitAccepted,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Commit of %s accepted", proposalID),
		Level:      EventLevelInfo,
	})
}

// PublishCommitQueued publishes a commit queued event.
func (ep *EventPublisher) PublishCommitQueued(proposalID, reason string, position int) error {
	return ep.Publish(Event{
		Type:       EventTypeCommitQueued,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Commit of %s queued: %s", proposalID, reason),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"reason":   reason,
			"position": position,
		},
	})
}

// PublishCommitRejected publishes a commit rejected event.
func (ep *EventPublisher) PublishCommitRejected(proposalID string, code int, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypeCommitRejected,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Commit of %s rejected: %s", proposalID, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"code": code,
		},
	})
}

// PublishCommitDequeued publishes a commit dequeued event.
func (ep *EventPublisher) PublishCommitDequeued(proposalID string) error {
	return ep.Publish(Event{
		Type:       EventTypeCommitDequeued,
		ProposalID: proposalID,
		Message:    fmt.Sprintf("Commit of %s dequeued", proposalID),
		Level:      EventLevelInfo,
	})
}

// PublishTransitionRecorded publishes a node transition event.
func (ep *EventPublisher) PublishTransitionRecorded(targetID, nodeName, state string) error {
	return ep.Publish(Event{
		Type:     EventTypeTransitionRecorded,
		TargetID: targetID,
		NodeName: nodeName,
		Message:  fmt.Sprintf("Node %s reported %s", nodeName, state),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishRoleChanged publishes a role activation or deactivation event.
func (ep *EventPublisher) PublishRoleChanged(proposalID, targetID string, active bool) error {
	eventType, verb := EventTypeRoleActivated, "activated"
	if !active {
		eventType, verb = EventTypeRoleDeactivated, "deactivated"
	}
	return ep.Publish(Event{
		Type:       eventType,
		ProposalID: proposalID,
		TargetID:   targetID,
		Message:    fmt.Sprintf("Role for %s %s", proposalID, verb),
		Level:      EventLevelInfo,
	})
}

// PublishCatalogReloaded publishes a catalog reload event.
func (ep *EventPublisher) PublishCatalogReloaded(modules int) error {
	return ep.Publish(Event{
		Type:    EventTypeCatalogReloaded,
		Message: fmt.Sprintf("Catalog reloaded with %d module(s)", modules),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"modules": modules,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously, flushing on batch size
// and on the configured interval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	maxBatch := defaultEventBatch
	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, maxBatch)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				ep.flushBatch(batch)
				batch = make([]Event, 0, maxBatch)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, maxBatch)
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByProposalID creates a filter that only allows events for a specific proposal.
func FilterByProposalID(proposalID string) EventFilter {
	return func(event Event) bool {
		return event.ProposalID == proposalID
	}
}

// FilterByTargetID creates a filter that only allows events for a specific target.
func FilterByTargetID(targetID string) EventFilter {
	return func(event Event) bool {
		return event.TargetID == targetID
	}
}
