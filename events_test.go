package modload

import (
	"context"
	"errors"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingObserver records every delivered event for assertions.
type capturingObserver struct {
	mu     sync.Mutex
	id     string
	events []cloudevents.Event
}

func newCapturingObserver(id string) *capturingObserver {
	return &capturingObserver{id: id}
}

func (o *capturingObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *capturingObserver) ObserverID() string { return o.id }

func (o *capturingObserver) snapshot() []cloudevents.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]cloudevents.Event, len(o.events))
	copy(out, o.events)
	return out
}

func (o *capturingObserver) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, 0, len(o.events))
	for _, e := range o.events {
		types = append(types, e.Type())
	}
	return types
}

func TestNewLoadingEventEnvelope(t *testing.T) {
	event := NewLoadingEvent(EventTypeLoadingStarted, "editor",
		map[string]any{"retryCount": 2}, "user-1", "sess-7")

	assert.Equal(t, EventTypeLoadingStarted, event.Type())
	assert.Equal(t, "modload", event.Source())
	assert.Equal(t, "editor", event.Subject())
	assert.False(t, event.Time().IsZero())
	assert.Equal(t, "user-1", event.Extensions()["actor"])
	assert.Equal(t, "sess-7", event.Extensions()["session"])

	_, err := uuid.Parse(event.ID())
	require.NoError(t, err, "event id should be a valid UUID")
}

func TestNewLoadingEventOmitsEmptyExtensions(t *testing.T) {
	event := NewLoadingEvent(EventTypeCacheHit, "editor", nil, "", "")
	_, hasActor := event.Extensions()["actor"]
	_, hasSession := event.Extensions()["session"]
	assert.False(t, hasActor)
	assert.False(t, hasSession)
}

func TestEventIDsSortInEmissionOrder(t *testing.T) {
	prev := NewLoadingEvent(EventTypeCacheHit, "a", nil, "", "")
	for i := 0; i < 50; i++ {
		next := NewLoadingEvent(EventTypeCacheHit, "a", nil, "", "")
		assert.Less(t, prev.ID(), next.ID(), "UUIDv7 ids sort by emission time")
		prev = next
	}
}

func TestEventBusDelivery(t *testing.T) {
	bus := NewEventBus(nil)
	all := newCapturingObserver("all")
	filtered := newCapturingObserver("filtered")

	require.NoError(t, bus.RegisterObserver(all))
	require.NoError(t, bus.RegisterObserver(filtered, EventTypeRetryStarted))

	ctx := context.Background()
	require.NoError(t, bus.NotifyObservers(ctx, NewLoadingEvent(EventTypeCacheHit, "a", nil, "", "")))
	require.NoError(t, bus.NotifyObservers(ctx, NewLoadingEvent(EventTypeRetryStarted, "a", nil, "", "")))

	assert.Len(t, all.snapshot(), 2)
	require.Len(t, filtered.snapshot(), 1)
	assert.Equal(t, EventTypeRetryStarted, filtered.snapshot()[0].Type())
}

func TestEventBusReregisterUpdatesFilter(t *testing.T) {
	bus := NewEventBus(nil)
	obs := newCapturingObserver("obs")

	require.NoError(t, bus.RegisterObserver(obs, EventTypeCacheHit))
	require.NoError(t, bus.RegisterObserver(obs, EventTypeCacheMiss))

	infos := bus.GetObservers()
	require.Len(t, infos, 1, "re-registration replaces the filter, not the observer")
	assert.Equal(t, []string{EventTypeCacheMiss}, infos[0].EventTypes)
}

func TestEventBusUnregister(t *testing.T) {
	bus := NewEventBus(nil)
	obs := newCapturingObserver("obs")
	require.NoError(t, bus.RegisterObserver(obs))
	require.NoError(t, bus.UnregisterObserver(obs))
	require.NoError(t, bus.UnregisterObserver(obs), "unregister is idempotent")

	require.NoError(t, bus.NotifyObservers(context.Background(),
		NewLoadingEvent(EventTypeCacheHit, "a", nil, "", "")))
	assert.Empty(t, obs.snapshot())
}

func TestEventBusObserverErrorsDoNotStopDelivery(t *testing.T) {
	bus := NewEventBus(nil)

	rejecting := NewFunctionalObserver("rejecting", func(context.Context, cloudevents.Event) error {
		return errors.New("observer exploded")
	})
	healthy := newCapturingObserver("healthy")

	require.NoError(t, bus.RegisterObserver(rejecting))
	require.NoError(t, bus.RegisterObserver(healthy))

	err := bus.NotifyObservers(context.Background(),
		NewLoadingEvent(EventTypeCacheHit, "a", nil, "", ""))
	require.NoError(t, err)
	assert.Len(t, healthy.snapshot(), 1)
}

func TestEventBusHistoryBounded(t *testing.T) {
	bus := NewEventBus(nil)
	for i := 0; i < defaultEventHistorySize+25; i++ {
		_ = bus.NotifyObservers(context.Background(),
			NewLoadingEvent(EventTypeCacheHit, "a", nil, "", ""))
	}
	history := bus.RecentEvents()
	assert.Len(t, history, defaultEventHistorySize)
}
