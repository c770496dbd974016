package modload

import (
	"sync"
	"time"
)

// NetworkCondition is a qualitative bucket describing current connectivity.
// It is derived from observed signals and consumed for timing and threshold
// adaptation only, never for correctness decisions.
type NetworkCondition string

const (
	// NetworkExcellent indicates high bandwidth and low latency.
	NetworkExcellent NetworkCondition = "excellent"
	// NetworkGood indicates typical broadband conditions.
	NetworkGood NetworkCondition = "good"
	// NetworkFair indicates constrained but workable conditions.
	NetworkFair NetworkCondition = "fair"
	// NetworkPoor indicates severely constrained conditions.
	NetworkPoor NetworkCondition = "poor"
	// NetworkOffline indicates no connectivity.
	NetworkOffline NetworkCondition = "offline"
)

// conditionRank orders conditions from best to worst for comparisons.
var conditionRank = map[NetworkCondition]int{
	NetworkExcellent: 0,
	NetworkGood:      1,
	NetworkFair:      2,
	NetworkPoor:      3,
	NetworkOffline:   4,
}

// WorseThan reports whether c is a strictly worse condition than other.
func (c NetworkCondition) WorseThan(other NetworkCondition) bool {
	return conditionRank[c] > conditionRank[other]
}

// TimingMultiplier scales estimated durations for the condition. Offline
// returns 0, which consumers treat as "unbounded" rather than instant.
func (c NetworkCondition) TimingMultiplier() float64 {
	switch c {
	case NetworkExcellent:
		return 0.8
	case NetworkGood:
		return 1.0
	case NetworkFair:
		return 1.5
	case NetworkPoor:
		return 2.5
	default:
		return 0
	}
}

// DeriveCondition classifies raw connectivity signals into a bucket:
// an online flag, effective downlink bandwidth in Mbps, and round-trip time.
func DeriveCondition(online bool, downlinkMbps float64, rtt time.Duration) NetworkCondition {
	if !online {
		return NetworkOffline
	}
	switch {
	case downlinkMbps >= 10 && rtt < 100*time.Millisecond:
		return NetworkExcellent
	case downlinkMbps >= 2 && rtt < 300*time.Millisecond:
		return NetworkGood
	case downlinkMbps >= 0.5 && rtt < 1000*time.Millisecond:
		return NetworkFair
	default:
		return NetworkPoor
	}
}

// NetworkObserver exposes the current network condition and a push-based
// change subscription. Implementations wrap whatever platform signal is
// available; the subsystem never touches a platform API directly.
type NetworkObserver interface {
	// Current returns the most recently observed condition.
	Current() NetworkCondition

	// Subscribe registers a callback invoked on every condition change.
	// The returned function unsubscribes the callback.
	Subscribe(fn func(NetworkCondition)) (unsubscribe func())
}

// StaticNetworkObserver reports a fixed condition and never notifies.
// Useful for tests and for deployments without a connectivity signal.
type StaticNetworkObserver struct {
	Condition NetworkCondition
}

// Current implements NetworkObserver.
func (s StaticNetworkObserver) Current() NetworkCondition {
	if s.Condition == "" {
		return NetworkGood
	}
	return s.Condition
}

// Subscribe implements NetworkObserver. The callback is never invoked.
func (s StaticNetworkObserver) Subscribe(func(NetworkCondition)) func() {
	return func() {}
}

// ManualNetworkObserver is a NetworkObserver whose condition is driven by
// explicit Set calls, typically fed from a platform connectivity signal.
type ManualNetworkObserver struct {
	mu        sync.Mutex
	condition NetworkCondition
	subs      map[int]func(NetworkCondition)
	nextSubID int
}

// NewManualNetworkObserver creates an observer starting at the given
// condition.
func NewManualNetworkObserver(initial NetworkCondition) *ManualNetworkObserver {
	if initial == "" {
		initial = NetworkGood
	}
	return &ManualNetworkObserver{
		condition: initial,
		subs:      make(map[int]func(NetworkCondition)),
	}
}

// Current implements NetworkObserver.
func (m *ManualNetworkObserver) Current() NetworkCondition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.condition
}

// Set updates the condition and notifies subscribers when it changed.
func (m *ManualNetworkObserver) Set(condition NetworkCondition) {
	m.mu.Lock()
	if m.condition == condition {
		m.mu.Unlock()
		return
	}
	m.condition = condition
	subs := make([]func(NetworkCondition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(condition)
	}
}

// Subscribe implements NetworkObserver.
func (m *ManualNetworkObserver) Subscribe(fn func(NetworkCondition)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
