package modload

import (
	"context"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for the loading subsystem.
// Following CloudEvents specification reverse domain notation.
const (
	// Load pipeline events
	EventTypeLoadingStarted   = "com.modload.loading.started"
	EventTypeLoadingCompleted = "com.modload.loading.completed"
	EventTypeLoadingFailed    = "com.modload.loading.failed"
	EventTypeLoadingState     = "com.modload.loading.state"

	// Cache events
	EventTypeCacheHit         = "com.modload.cache.hit"
	EventTypeCacheMiss        = "com.modload.cache.miss"
	EventTypeCacheEvicted     = "com.modload.cache.evicted"
	EventTypeCacheInvalidated = "com.modload.cache.invalidated"

	// Retry events
	EventTypeRetryStarted   = "com.modload.retry.started"
	EventTypeRetryTriggered = "com.modload.retry.triggered"
	EventTypeRetryCompleted = "com.modload.retry.completed"
	EventTypeRetryExhausted = "com.modload.retry.exhausted"

	// Preload and warmup events
	EventTypeModulePreloaded = "com.modload.module.preloaded"
	EventTypeWarmupCompleted = "com.modload.warmup.completed"

	// Network events
	EventTypeNetworkChanged = "com.modload.network.changed"

	// Resource recovery events
	EventTypeAssetRecovered       = "com.modload.recovery.succeeded"
	EventTypeAssetRecoveryFailed  = "com.modload.recovery.failed"
	EventTypeAssetRecoveryStarted = "com.modload.recovery.started"
)

// eventSource is the CloudEvents source attribute for all subsystem events.
const eventSource = "modload"

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// NewLoadingEvent creates a CloudEvent for the given module with the
// standard envelope attributes: a UUIDv7 id, the subsystem source, the
// module id as subject, and actor/session extensions when supplied.
func NewLoadingEvent(eventType, moduleID string, data interface{}, actor, session string) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetSubject(moduleID)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	if actor != "" {
		event.SetExtension("actor", actor)
	}
	if session != "" {
		event.SetExtension("session", session)
	}

	return event
}

// generateEventID returns a UUIDv7 identifier, which carries timestamp
// information and therefore sorts in emission order. Falls back to v4 if v7
// generation fails.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// observerEntry pairs an observer with its event-type filter.
type observerEntry struct {
	observer     Observer
	eventTypes   []string
	registeredAt time.Time
}

func (e *observerEntry) matches(eventType string) bool {
	if len(e.eventTypes) == 0 {
		return true
	}
	return slices.Contains(e.eventTypes, eventType)
}

// EventBus is the in-process Subject implementation shared by the
// orchestrator, tracker, retry coordinator, and recovery watcher. Delivery
// is synchronous under a single mutex, so for any module id observers see
// events in the order they were published. A bounded rolling history of
// recent events is retained for diagnostics.
type EventBus struct {
	mu        sync.Mutex
	observers []*observerEntry
	history   []cloudevents.Event
	maxKept   int
	logger    Logger
}

// defaultEventHistorySize bounds the diagnostic event history.
const defaultEventHistorySize = 100

func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &EventBus{maxKept: defaultEventHistorySize, logger: logger}
}

// RegisterObserver implements Subject.
func (b *EventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.observers {
		if entry.observer.ObserverID() == observer.ObserverID() {
			entry.eventTypes = eventTypes
			return nil
		}
	}
	b.observers = append(b.observers, &observerEntry{
		observer:     observer,
		eventTypes:   eventTypes,
		registeredAt: time.Now(),
	})
	return nil
}

// UnregisterObserver implements Subject.
func (b *EventBus) UnregisterObserver(observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.observers {
		if entry.observer.ObserverID() == observer.ObserverID() {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			return nil
		}
	}
	return nil
}

// NotifyObservers implements Subject. Observer errors are logged and do not
// stop delivery to the remaining observers.
func (b *EventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxKept {
		b.history = b.history[len(b.history)-b.maxKept:]
	}
	entries := make([]*observerEntry, len(b.observers))
	copy(entries, b.observers)
	b.mu.Unlock()

	for _, entry := range entries {
		if !entry.matches(event.Type()) {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			b.logger.Debug("observer rejected event",
				"observer", entry.observer.ObserverID(),
				"eventType", event.Type(),
				"error", err)
		}
	}
	return nil
}

// GetObservers implements Subject.
func (b *EventBus) GetObservers() []ObserverInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]ObserverInfo, 0, len(b.observers))
	for _, entry := range b.observers {
		infos = append(infos, ObserverInfo{
			ID:           entry.observer.ObserverID(),
			EventTypes:   entry.eventTypes,
			RegisteredAt: entry.registeredAt,
		})
	}
	return infos
}

// RecentEvents returns a copy of the bounded diagnostic event history,
// oldest first.
func (b *EventBus) RecentEvents() []cloudevents.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]cloudevents.Event, len(b.history))
	copy(out, b.history)
	return out
}
