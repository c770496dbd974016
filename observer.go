// Package modload implements on-demand feature module loading: a registry of
// module descriptors, a bounded artifact cache with TTL and LRU eviction, an
// exponential-backoff retry coordinator with cooldown, a network-aware
// loading state tracker, and an orchestrator that composes them behind a
// deduplicated load pipeline.
package modload

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is notified of loading events. Observers register with a Subject
// and should handle events quickly to avoid delaying delivery to other
// observers. Events use the CloudEvents specification.
type Observer interface {
	// OnEvent is called when an event the observer subscribed to occurs.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject emits loading events to registered observers.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered by event type.
	// An empty eventTypes list subscribes to all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to all matching observers. Observer
	// errors are logged, never propagated to the emitter.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for debugging and monitoring.
type ObserverInfo struct {
	// ID is the unique identifier of the observer.
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered.
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver wraps a handler function as an Observer, for quick
// observer creation without defining a struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer backed by the provided function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer by invoking the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
