package modload

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"
)

// RetryAttempt records a single retry of a module load.
type RetryAttempt struct {
	Attempt          int              `json:"attempt"`
	Timestamp        time.Time        `json:"timestamp"`
	Delay            time.Duration    `json:"delay"`
	Error            string           `json:"error,omitempty"`
	Success          bool             `json:"success"`
	NetworkCondition NetworkCondition `json:"networkCondition"`
}

// RetryState is the per-module retry bookkeeping. It is created on the
// first failure and destroyed on success, explicit reset, or by the
// periodic sweep once inactive for longer than the state TTL.
type RetryState struct {
	ModuleID     string         `json:"moduleId"`
	Attempts     []RetryAttempt `json:"attempts"`
	Exhausted    bool           `json:"exhausted"`
	InCooldown   bool           `json:"inCooldown"`
	NextRetryAt  time.Time      `json:"nextRetryAt,omitempty"`
	LastActivity time.Time      `json:"lastActivity"`

	timer   *time.Timer
	trigger chan struct{}
}

// RetriedModule pairs a module id with its attempt count for statistics.
type RetriedModule struct {
	ModuleID string `json:"moduleId"`
	Attempts int    `json:"attempts"`
}

// RetryStatistics summarizes coordinator state.
type RetryStatistics struct {
	ModulesWithRetries int             `json:"modulesWithRetries"`
	ModulesInCooldown  int             `json:"modulesInCooldown"`
	ModulesExhausted   int             `json:"modulesExhausted"`
	AverageAttempts    float64         `json:"averageAttempts"`
	TopRetried         []RetriedModule `json:"topRetried"`
}

// topRetriedCount bounds the most-retried list in statistics.
const topRetriedCount = 5

// RetryCoordinator decides whether failed loads retry, computes backoff
// delays, arms retry timers, and enforces the post-exhaustion cooldown.
// When a timer fires it closes the trigger channel handed out by
// ScheduleRetry and publishes a retry-triggered event; the orchestrator
// waits on the channel to re-enter the load pipeline.
type RetryCoordinator struct {
	mu       sync.Mutex
	states   map[string]*RetryState
	config   RetryConfig
	registry *Registry
	network  NetworkObserver
	bus      *EventBus
	logger   Logger

	// offlineWaiters holds triggers deferred until connectivity returns.
	offlineWaiters map[string]chan struct{}
	unsubscribe    func()
}

// NewRetryCoordinator creates a coordinator. The registry supplies
// per-module attempt overrides and may be nil; the network observer defers
// retries of offline failures until connectivity is restored.
func NewRetryCoordinator(config RetryConfig, registry *Registry, network NetworkObserver, logger Logger, bus *EventBus) *RetryCoordinator {
	if logger == nil {
		logger = NoopLogger{}
	}
	if network == nil {
		network = StaticNetworkObserver{Condition: NetworkGood}
	}
	c := &RetryCoordinator{
		states:         make(map[string]*RetryState),
		config:         config,
		registry:       registry,
		network:        network,
		bus:            bus,
		logger:         logger,
		offlineWaiters: make(map[string]chan struct{}),
	}
	c.unsubscribe = network.Subscribe(c.onNetworkChange)
	return c
}

// Close releases the network subscription and stops pending timers.
func (c *RetryCoordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range c.states {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
}

// maxAttemptsFor returns the per-module attempt budget: the descriptor
// override when positive, the coordinator default otherwise.
func (c *RetryCoordinator) maxAttemptsFor(id string) int {
	if c.registry != nil {
		if desc, err := c.registry.Get(id); err == nil && desc.MaxRetries > 0 {
			return desc.MaxRetries
		}
	}
	return c.config.MaxAttempts
}

// ShouldRetry reports whether the given failure should be retried. It is
// false when the category is terminal, when the module is exhausted or in
// cooldown, when the attempt budget is spent, when an unknown error has
// already been retried once, and for network failures while offline.
func (c *RetryCoordinator) ShouldRetry(id string, lerr *LoadError) bool {
	if lerr == nil || !lerr.Category.Retryable() {
		return false
	}
	if lerr.Category == CategoryNetwork && c.network.Current() == NetworkOffline {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.states[id]
	attempts := 0
	if state != nil {
		attempts = len(state.Attempts)
		if state.Exhausted {
			return false
		}
		if state.InCooldown && time.Now().Before(state.NextRetryAt) {
			return false
		}
	}
	if lerr.Category == CategoryUnknown && attempts >= 1 {
		return false
	}
	return attempts < c.maxAttemptsFor(id)
}

// DenialReason explains why ShouldRetry rejected the failure, as a sentinel
// callers can match with errors.Is. It returns nil when a retry would run.
func (c *RetryCoordinator) DenialReason(id string, lerr *LoadError) error {
	if lerr == nil || !lerr.Category.Retryable() {
		return ErrNotRetryable
	}
	if lerr.Category == CategoryNetwork && c.network.Current() == NetworkOffline {
		return ErrNotRetryable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.states[id]
	attempts := 0
	if state != nil {
		attempts = len(state.Attempts)
		if state.InCooldown && time.Now().Before(state.NextRetryAt) {
			return ErrRetryInCooldown
		}
		if state.Exhausted {
			return ErrRetryExhausted
		}
	}
	if lerr.Category == CategoryUnknown && attempts >= 1 {
		return ErrRetryExhausted
	}
	if attempts >= c.maxAttemptsFor(id) {
		return ErrRetryExhausted
	}
	return nil
}

// BudgetSpent reports whether the module has used its full attempt budget.
func (c *RetryCoordinator) BudgetSpent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[id]
	return state != nil && len(state.Attempts) >= c.maxAttemptsFor(id)
}

// ScheduleRetry records a retry attempt, computes the backoff delay, and
// arms the trigger. The returned channel closes when the retry should run.
// Offline failures are not timed: their trigger fires when connectivity is
// restored.
func (c *RetryCoordinator) ScheduleRetry(id string, lerr *LoadError) <-chan struct{} {
	now := time.Now()
	condition := c.network.Current()

	c.mu.Lock()
	state := c.states[id]
	if state == nil {
		state = &RetryState{ModuleID: id}
		c.states[id] = state
	}

	attempt := len(state.Attempts) + 1
	delay := c.backoffDelay(attempt)

	errMsg := ""
	if lerr != nil {
		errMsg = lerr.Error()
	}
	state.Attempts = append(state.Attempts, RetryAttempt{
		Attempt:          attempt,
		Timestamp:        now,
		Delay:            delay,
		Error:            errMsg,
		NetworkCondition: condition,
	})
	state.LastActivity = now
	state.NextRetryAt = now.Add(delay)

	trigger := make(chan struct{})
	state.trigger = trigger

	if lerr != nil && lerr.Category == CategoryOffline {
		// Held until connectivity returns rather than timed.
		c.offlineWaiters[id] = trigger
	} else {
		state.timer = time.AfterFunc(delay, func() { c.fire(id, trigger) })
	}
	c.mu.Unlock()

	c.logger.Debug("scheduled retry",
		"moduleId", id, "attempt", attempt, "delay", delay, "network", condition)
	c.emit(EventTypeRetryStarted, id, map[string]any{
		"attempt": attempt,
		"delayMs": delay.Milliseconds(),
	})
	return trigger
}

// fire releases a trigger and announces it. Stale triggers (replaced or
// cancelled since arming) are ignored.
func (c *RetryCoordinator) fire(id string, trigger chan struct{}) {
	c.mu.Lock()
	state := c.states[id]
	if state == nil || state.trigger != trigger {
		c.mu.Unlock()
		return
	}
	state.trigger = nil
	state.timer = nil
	c.mu.Unlock()

	close(trigger)
	c.emit(EventTypeRetryTriggered, id, nil)
}

// onNetworkChange releases every offline-deferred trigger once connectivity
// is back.
func (c *RetryCoordinator) onNetworkChange(condition NetworkCondition) {
	if condition == NetworkOffline {
		return
	}
	c.mu.Lock()
	waiters := c.offlineWaiters
	c.offlineWaiters = make(map[string]chan struct{})
	for id, trigger := range waiters {
		if state := c.states[id]; state != nil && state.trigger == trigger {
			state.trigger = nil
		}
	}
	c.mu.Unlock()

	for id, trigger := range waiters {
		close(trigger)
		c.emit(EventTypeRetryTriggered, id, map[string]any{"cause": "connectivity-restored"})
	}
}

// MarkRetryExhausted flags the module as out of budget and starts the
// cooldown window. No further retries run until the window elapses and the
// state is explicitly reset.
func (c *RetryCoordinator) MarkRetryExhausted(id string) {
	c.mu.Lock()
	state := c.states[id]
	if state == nil {
		state = &RetryState{ModuleID: id}
		c.states[id] = state
	}
	state.Exhausted = true
	state.InCooldown = true
	state.NextRetryAt = time.Now().Add(c.config.Cooldown)
	state.LastActivity = time.Now()
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	next := state.NextRetryAt
	c.mu.Unlock()

	c.logger.Warn("retry budget exhausted", "moduleId", id, "cooldownUntil", next)
	c.emit(EventTypeRetryExhausted, id, map[string]any{"nextRetryAt": next})
}

// MarkRetrySuccess marks the most recent attempt successful and clears the
// module's retry bookkeeping.
func (c *RetryCoordinator) MarkRetrySuccess(id string) {
	c.mu.Lock()
	state := c.states[id]
	attempts := 0
	if state != nil {
		attempts = len(state.Attempts)
		if attempts > 0 {
			state.Attempts[attempts-1].Success = true
		}
	}
	c.mu.Unlock()

	if state != nil {
		c.emit(EventTypeRetryCompleted, id, map[string]any{"attempts": attempts})
	}
	c.ResetRetryState(id)
}

// ResetRetryState drops all retry bookkeeping for the module, including any
// armed timer. This is also the only way back in after exhaustion.
func (c *RetryCoordinator) ResetRetryState(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state := c.states[id]; state != nil && state.timer != nil {
		state.timer.Stop()
	}
	delete(c.states, id)
	delete(c.offlineWaiters, id)
}

// Attempts returns the number of recorded retry attempts for the module.
func (c *RetryCoordinator) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state := c.states[id]; state != nil {
		return len(state.Attempts)
	}
	return 0
}

// State returns a copy of the module's retry state, or nil.
func (c *RetryCoordinator) State(id string) *RetryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.states[id]
	if state == nil {
		return nil
	}
	clone := *state
	clone.Attempts = append([]RetryAttempt(nil), state.Attempts...)
	clone.timer = nil
	clone.trigger = nil
	return &clone
}

// SweepStale purges retry state inactive beyond the configured TTL and ends
// cooldown windows that have elapsed. Wired to the periodic sweep schedule.
func (c *RetryCoordinator) SweepStale() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, state := range c.states {
		if now.Sub(state.LastActivity) > c.config.StateTTL {
			if state.timer != nil {
				state.timer.Stop()
			}
			delete(c.states, id)
			delete(c.offlineWaiters, id)
			c.logger.Debug("swept stale retry state", "moduleId", id)
			continue
		}
		if state.InCooldown && now.After(state.NextRetryAt) {
			state.InCooldown = false
		}
	}
}

// Statistics summarizes current retry activity.
func (c *RetryCoordinator) Statistics() RetryStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := RetryStatistics{}
	totalAttempts := 0
	for id, state := range c.states {
		if len(state.Attempts) == 0 {
			continue
		}
		stats.ModulesWithRetries++
		totalAttempts += len(state.Attempts)
		if state.InCooldown {
			stats.ModulesInCooldown++
		}
		if state.Exhausted {
			stats.ModulesExhausted++
		}
		stats.TopRetried = append(stats.TopRetried, RetriedModule{
			ModuleID: id,
			Attempts: len(state.Attempts),
		})
	}
	if stats.ModulesWithRetries > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(stats.ModulesWithRetries)
	}
	sort.Slice(stats.TopRetried, func(i, j int) bool {
		if stats.TopRetried[i].Attempts != stats.TopRetried[j].Attempts {
			return stats.TopRetried[i].Attempts > stats.TopRetried[j].Attempts
		}
		return stats.TopRetried[i].ModuleID < stats.TopRetried[j].ModuleID
	})
	if len(stats.TopRetried) > topRetriedCount {
		stats.TopRetried = stats.TopRetried[:topRetriedCount]
	}
	return stats
}

// backoffDelay computes min(base × multiplier^(attempt−1), maxDelay) with
// ±jitter applied. Attempt numbers start at 1.
func (c *RetryCoordinator) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := float64(c.config.BaseDelay) * math.Pow(c.config.Multiplier, float64(attempt-1))
	if backoff > float64(c.config.MaxDelay) {
		backoff = float64(c.config.MaxDelay)
	}

	if c.config.Jitter > 0 {
		randomBig, err := rand.Int(rand.Reader, big.NewInt(1000000))
		if err != nil {
			return time.Duration(backoff)
		}
		random := float64(randomBig.Int64()) / 1000000.0
		jitter := (random*2 - 1) * c.config.Jitter * backoff
		backoff += jitter
	}
	return time.Duration(backoff)
}

func (c *RetryCoordinator) emit(eventType, moduleID string, data map[string]any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.NotifyObservers(context.Background(), NewLoadingEvent(eventType, moduleID, data, "", ""))
}
