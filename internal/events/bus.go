// Package events carries run lifecycle and trade notifications between
// the runner, the API layer and anything else that subscribes. Handlers
// run on their own goroutines so a slow subscriber never stalls a run.
package events

import (
	"sync"
	"time"
)

// EventType represents the different kinds of events in the system.
type EventType string

const (
	EventRunCreated      EventType = "RUN_CREATED"
	EventRunStarted      EventType = "RUN_STARTED"
	EventRunProgress     EventType = "RUN_PROGRESS"
	EventRunCheckpointed EventType = "RUN_CHECKPOINTED"
	EventRunPaused       EventType = "RUN_PAUSED"
	EventRunResumed      EventType = "RUN_RESUMED"
	EventRunCompleted    EventType = "RUN_COMPLETED"
	EventRunFailed       EventType = "RUN_FAILED"
	EventRunCancelled    EventType = "RUN_CANCELLED"

	EventTradeExecuted   EventType = "TRADE_EXECUTED"
	EventSignalGenerated EventType = "SIGNAL_GENERATED"

	EventError EventType = "ERROR"
)

// Event is one system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish fans the event out to its type subscribers and every all-event
// subscriber. Handlers see events in no particular order relative to other
// events, so they must key off the payload, not arrival order.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	targets := make([]Subscriber, 0, len(eb.subscribers[event.Type])+len(eb.allSubs))
	targets = append(targets, eb.subscribers[event.Type]...)
	targets = append(targets, eb.allSubs...)
	eb.mu.RUnlock()

	for _, sub := range targets {
		go sub(event)
	}
}

// PublishRunStatus publishes a lifecycle transition for a run.
func (eb *EventBus) PublishRunStatus(eventType EventType, runID, status string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"run_id": runID,
			"status": status,
		},
	})
}

// PublishRunProgress publishes a progress heartbeat for a run.
func (eb *EventBus) PublishRunProgress(runID string, processedBars, totalBars int) {
	eb.Publish(Event{
		Type: EventRunProgress,
		Data: map[string]interface{}{
			"run_id":         runID,
			"processed_bars": processedBars,
			"total_bars":     totalBars,
		},
	})
}

// PublishRunCheckpointed publishes a checkpoint-saved notification.
func (eb *EventBus) PublishRunCheckpointed(runID string, lastProcessedIndex int, checksum string) {
	eb.Publish(Event{
		Type: EventRunCheckpointed,
		Data: map[string]interface{}{
			"run_id":               runID,
			"last_processed_index": lastProcessedIndex,
			"checksum":             checksum,
		},
	})
}

// PublishTradeExecuted publishes a trade executed inside a run.
func (eb *EventBus) PublishTradeExecuted(runID, coinID, side string, quantity, price, totalValue float64) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"run_id":      runID,
			"coin_id":     coinID,
			"side":        side,
			"quantity":    quantity,
			"price":       price,
			"total_value": totalValue,
		},
	})
}

// PublishSignal publishes an algorithm signal event.
func (eb *EventBus) PublishSignal(runID, algorithmID, coinID, signalType, reason string) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"run_id":      runID,
			"algorithm":   algorithmID,
			"coin_id":     coinID,
			"signal_type": signalType,
			"reason":      reason,
		},
	})
}

// PublishError publishes an error event. Errors scoped to one run carry
// its id so per-run stream subscribers receive them; pass an empty runID
// for service-wide errors, which reach every subscriber.
func (eb *EventBus) PublishError(source, runID, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if runID != "" {
		data["run_id"] = runID
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
