package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during a sync run.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	ActionID  string                 `json:"action_id,omitempty"`
	Subject   string                 `json:"subject,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeActionStarted    = "action.started"
	EventTypeActionCompleted  = "action.completed"
	EventTypeActionFailed     = "action.failed"
	EventTypeActionSkipped    = "action.skipped"
	EventTypeCollectionFailed = "collection.failed"
	EventTypeConflictDetected = "conflict.detected"
	EventTypePolicyDenied     = "policy.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, optionally through a buffer
// drained by a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
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

	if ep.config.EnableAsync {
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

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, scope string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s started for scope %s", runID, scope),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"scope": scope},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed with status %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		RunID:   runID,
		Message: fmt.Sprintf("run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishActionStarted publishes an action started event.
func (ep *EventPublisher) PublishActionStarted(runID, actionID, subject, actionType string) error {
	return ep.Publish(Event{
		Type:     EventTypeActionStarted,
		RunID:    runID,
		ActionID: actionID,
		Subject:  subject,
		Message:  fmt.Sprintf("%s %s", actionType, subject),
		Level:    EventLevelInfo,
	})
}

// PublishActionFinished publishes the terminal event of an action. status is
// one of succeeded, failed, skipped or cancelled.
func (ep *EventPublisher) PublishActionFinished(runID, actionID, subject, status, reason string, duration time.Duration) error {
	ev := Event{
		RunID:    runID,
		ActionID: actionID,
		Subject:  subject,
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	switch status {
	case "failed":
		ev.Type = EventTypeActionFailed
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("%s failed: %s", subject, reason)
		ev.Data["reason"] = reason
	case "skipped", "cancelled":
		ev.Type = EventTypeActionSkipped
		ev.Level = EventLevelWarning
		ev.Message = fmt.Sprintf("%s %s: %s", subject, status, reason)
		ev.Data["reason"] = reason
	default:
		ev.Type = EventTypeActionCompleted
		ev.Message = fmt.Sprintf("%s done", subject)
	}
	return ep.Publish(ev)
}

// PublishCollectionFailed publishes a collection failure for a resource kind.
func (ep *EventPublisher) PublishCollectionFailed(runID, kind, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCollectionFailed,
		RunID:   runID,
		Subject: kind,
		Message: fmt.Sprintf("cannot collect %s state: %s", kind, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishConflictDetected publishes a conflict awaiting policy resolution.
func (ep *EventPublisher) PublishConflictDetected(runID, subject, policy string) error {
	return ep.Publish(Event{
		Type:    EventTypeConflictDetected,
		RunID:   runID,
		Subject: subject,
		Message: fmt.Sprintf("conflict on %s resolved by %s", subject, policy),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"policy": policy},
	})
}

// PublishPolicyDenied publishes an action denied by a guard policy.
func (ep *EventPublisher) PublishPolicyDenied(runID, subject, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		RunID:   runID,
		Subject: subject,
		Message: fmt.Sprintf("%s denied by %s: %s", subject, policyName, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Deliver as soon as the buffer is momentarily empty so a CLI
			// run does not sit on a partial batch.
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
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

// Shutdown drains pending events and stops the publisher.
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

// FilterByLevel creates a filter that only allows events of a level or higher.
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
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
