package modload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LoadingStatus is the lifecycle state of one module load session.
// Transitions are acyclic except retrying → loading.
type LoadingStatus string

const (
	// StatusIdle means no load session exists.
	StatusIdle LoadingStatus = "idle"
	// StatusLoading means an artifact load is in flight.
	StatusLoading LoadingStatus = "loading"
	// StatusRetrying means a retry has been scheduled and the session is
	// waiting for its trigger.
	StatusRetrying LoadingStatus = "retrying"
	// StatusSuccess is terminal until the next explicit load.
	StatusSuccess LoadingStatus = "success"
	// StatusError is terminal until the next explicit load.
	StatusError LoadingStatus = "error"
)

// LoadingPhase is the named sub-stage of a load, used for progress
// estimation.
type LoadingPhase string

const (
	// PhaseInitializing is the first phase of a load session.
	PhaseInitializing LoadingPhase = "initializing"
	// PhaseImporting covers fetching the artifact.
	PhaseImporting LoadingPhase = "importing"
	// PhaseResolving covers dependency resolution.
	PhaseResolving LoadingPhase = "resolving"
	// PhaseHydrating covers artifact initialization.
	PhaseHydrating LoadingPhase = "hydrating"
	// PhaseComplete means the artifact is ready.
	PhaseComplete LoadingPhase = "complete"
)

// phaseBaseProgress maps each phase onto its baseline progress percentage.
var phaseBaseProgress = map[LoadingPhase]float64{
	PhaseInitializing: 0,
	PhaseImporting:    25,
	PhaseResolving:    50,
	PhaseHydrating:    75,
	PhaseComplete:     100,
}

// LoadingStateRecord is the observable state of one module load session.
// Progress is monotonically non-decreasing within a session.
type LoadingStateRecord struct {
	ModuleID               string        `json:"moduleId"`
	Status                 LoadingStatus `json:"status"`
	Phase                  LoadingPhase  `json:"phase"`
	Progress               float64       `json:"progress"`
	StartTime              time.Time     `json:"startTime"`
	LastUpdate             time.Time     `json:"lastUpdate"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining"`
	Message                string        `json:"message,omitempty"`
	Error                  *LoadError    `json:"error,omitempty"`
	RetryCount             int           `json:"retryCount"`
	CanRetry               bool          `json:"canRetry"`
	CanCancel              bool          `json:"canCancel"`

	slowNotified    bool
	timeoutNotified bool
}

// Elapsed returns the time since the session started.
func (r *LoadingStateRecord) Elapsed() time.Duration {
	return time.Since(r.StartTime)
}

// StateUpdate is a partial update merged into a LoadingStateRecord. Nil
// fields are left unchanged; when Progress is nil it is derived from the
// phase and elapsed time.
type StateUpdate struct {
	Status     *LoadingStatus
	Phase      *LoadingPhase
	Progress   *float64
	Message    *string
	Error      *LoadError
	RetryCount *int
	CanRetry   *bool
	CanCancel  *bool
}

// LoadingStatistics aggregates tracker activity.
type LoadingStatistics struct {
	ActiveLoading       int                      `json:"activeLoading"`
	AverageLoadDuration time.Duration            `json:"averageLoadDuration"`
	SlowLoadCount       int64                    `json:"slowLoadCount"`
	TimeoutWarningCount int64                    `json:"timeoutWarningCount"`
	NetworkDistribution map[NetworkCondition]int `json:"networkDistribution"`
}

// completedDurationsKept bounds the completed-load samples used for the
// average duration statistic.
const completedDurationsKept = 50

// autoAdvanceCap is the highest progress the sweep will push a session to;
// 100 is only ever reported by an actual completion.
const autoAdvanceCap = 95

// LoadingStateTracker maintains per-module loading state, derives progress
// and time estimates from elapsed time and network condition, and delivers
// batched notifications to three independent subscriber channels: general
// state changes, slow-connection warnings, and timeout warnings.
//
// Updates are soft real-time: applying an update and queueing its
// notification must stay within a 100ms budget; overruns are logged and
// never block the caller.
type LoadingStateTracker struct {
	mu       sync.Mutex
	records  map[string]*LoadingStateRecord
	config   TrackerConfig
	registry *Registry
	network  NetworkObserver
	logger   Logger

	stateSubs   map[int]func(LoadingStateRecord)
	slowSubs    map[int]func(LoadingStateRecord)
	timeoutSubs map[int]func(LoadingStateRecord)
	nextSubID   int

	// pending preserves the order updates were applied; flush delivers the
	// latest snapshot per id in that order.
	pending    []string
	pendingSet map[string]bool

	completedDurations []time.Duration
	slowCount          int64
	timeoutCount       int64
	networkCounts      map[NetworkCondition]int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoadingStateTracker creates a tracker. The registry is consulted for
// fallback suggestions and may be nil.
func NewLoadingStateTracker(config TrackerConfig, registry *Registry, network NetworkObserver, logger Logger) *LoadingStateTracker {
	if logger == nil {
		logger = NoopLogger{}
	}
	if network == nil {
		network = StaticNetworkObserver{Condition: NetworkGood}
	}
	return &LoadingStateTracker{
		records:       make(map[string]*LoadingStateRecord),
		config:        config,
		registry:      registry,
		network:       network,
		logger:        logger,
		stateSubs:     make(map[int]func(LoadingStateRecord)),
		slowSubs:      make(map[int]func(LoadingStateRecord)),
		timeoutSubs:   make(map[int]func(LoadingStateRecord)),
		pendingSet:    make(map[string]bool),
		networkCounts: make(map[NetworkCondition]int),
	}
}

// Start launches the notification flush loop and the per-second sweep.
func (t *LoadingStateTracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		flush := time.NewTicker(t.config.RefreshInterval)
		sweep := time.NewTicker(t.config.SweepInterval)
		defer flush.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-flush.C:
				t.flush()
			case <-sweep.C:
				t.Sweep()
			case <-ctx.Done():
				t.flush()
				return
			}
		}
	}()
}

// Stop terminates the flush loop after a final delivery pass.
func (t *LoadingStateTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// UpdateLoadingState merges a partial update into the module's record,
// creating a fresh loading/initializing record when none exists. Derived
// fields (progress, estimated time remaining) are recomputed unless
// explicitly supplied, and progress never regresses within a session.
func (t *LoadingStateTracker) UpdateLoadingState(id string, update StateUpdate) {
	began := time.Now()

	t.mu.Lock()
	rec := t.records[id]
	if rec == nil {
		rec = &LoadingStateRecord{
			ModuleID:  id,
			Status:    StatusLoading,
			Phase:     PhaseInitializing,
			StartTime: began,
			CanCancel: true,
		}
		t.records[id] = rec
		t.networkCounts[t.network.Current()]++
	}

	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Phase != nil {
		rec.Phase = *update.Phase
	}
	if update.Message != nil {
		rec.Message = *update.Message
	}
	if update.Error != nil {
		rec.Error = update.Error
	}
	if update.RetryCount != nil {
		rec.RetryCount = *update.RetryCount
	}
	if update.CanRetry != nil {
		rec.CanRetry = *update.CanRetry
	}
	if update.CanCancel != nil {
		rec.CanCancel = *update.CanCancel
	}

	elapsed := began.Sub(rec.StartTime)
	if update.Progress != nil {
		if *update.Progress > rec.Progress {
			rec.Progress = min(*update.Progress, 100)
		}
	} else {
		derived := t.deriveProgress(rec.Phase, elapsed)
		if derived > rec.Progress {
			rec.Progress = derived
		}
	}
	rec.EstimatedTimeRemaining = t.estimateRemaining(rec.Progress, elapsed)
	rec.LastUpdate = began

	t.enqueueLocked(id)
	t.mu.Unlock()

	if spent := time.Since(began); spent > t.config.SoftBudget {
		t.logger.Warn("loading state update exceeded soft budget",
			"moduleId", id, "spent", spent, "budget", t.config.SoftBudget)
	}
}

// deriveProgress computes phase base progress plus elapsed contribution,
// capped at 25 points beyond the phase base.
func (t *LoadingStateTracker) deriveProgress(phase LoadingPhase, elapsed time.Duration) float64 {
	base := phaseBaseProgress[phase]
	if t.config.ExpectedDuration <= 0 {
		return base
	}
	bonus := float64(elapsed) / float64(t.config.ExpectedDuration) * 100
	return min(base+min(25, bonus), 100)
}

// estimateRemaining extrapolates the remaining time from progress so far,
// scaled by the network timing multiplier. Zero means unknown or unbounded
// (offline).
func (t *LoadingStateTracker) estimateRemaining(progress float64, elapsed time.Duration) time.Duration {
	if progress <= 0 || progress >= 100 {
		return 0
	}
	multiplier := t.network.Current().TimingMultiplier()
	if multiplier == 0 {
		return 0
	}
	raw := float64(elapsed)/progress*100 - float64(elapsed)
	return time.Duration(raw * multiplier)
}

// enqueueLocked schedules the record for the next notification flush while
// preserving first-update ordering.
func (t *LoadingStateTracker) enqueueLocked(id string) {
	if !t.pendingSet[id] {
		t.pendingSet[id] = true
		t.pending = append(t.pending, id)
	}
}

// flush delivers one batched notification cycle. Bursts of updates to the
// same module coalesce into a single delivery of the latest snapshot, in
// the order the modules were first updated.
func (t *LoadingStateTracker) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	ids := t.pending
	t.pending = nil
	t.pendingSet = make(map[string]bool)

	type delivery struct {
		record  LoadingStateRecord
		slow    bool
		timeout bool
	}
	deliveries := make([]delivery, 0, len(ids))
	condition := t.network.Current()
	for _, id := range ids {
		rec := t.records[id]
		if rec == nil {
			continue
		}
		d := delivery{record: *rec}
		if rec.Status == StatusLoading || rec.Status == StatusRetrying {
			elapsed := rec.Elapsed()
			if !rec.slowNotified && elapsed > t.config.SlowThreshold && condition == NetworkPoor {
				rec.slowNotified = true
				t.slowCount++
				d.slow = true
			}
			if !rec.timeoutNotified && elapsed > t.config.TimeoutWarningThreshold {
				rec.timeoutNotified = true
				t.timeoutCount++
				d.timeout = true
			}
		}
		deliveries = append(deliveries, d)
	}
	stateSubs := subscriberList(t.stateSubs)
	slowSubs := subscriberList(t.slowSubs)
	timeoutSubs := subscriberList(t.timeoutSubs)
	t.mu.Unlock()

	for _, d := range deliveries {
		for _, fn := range stateSubs {
			fn(d.record)
		}
		if d.slow {
			for _, fn := range slowSubs {
				fn(d.record)
			}
		}
		if d.timeout {
			for _, fn := range timeoutSubs {
				fn(d.record)
			}
		}
	}
}

func subscriberList(subs map[int]func(LoadingStateRecord)) []func(LoadingStateRecord) {
	out := make([]func(LoadingStateRecord), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

// OnStateChange subscribes to all batched state-change notifications.
// The returned function unsubscribes.
func (t *LoadingStateTracker) OnStateChange(fn func(LoadingStateRecord)) func() {
	return t.subscribe(t.stateSubs, fn)
}

// OnSlowConnection subscribes to slow-connection warnings: sessions running
// longer than the slow threshold under a poor network condition.
func (t *LoadingStateTracker) OnSlowConnection(fn func(LoadingStateRecord)) func() {
	return t.subscribe(t.slowSubs, fn)
}

// OnTimeoutWarning subscribes to timeout warnings: sessions running longer
// than the timeout warning threshold.
func (t *LoadingStateTracker) OnTimeoutWarning(fn func(LoadingStateRecord)) func() {
	return t.subscribe(t.timeoutSubs, fn)
}

func (t *LoadingStateTracker) subscribe(subs map[int]func(LoadingStateRecord), fn func(LoadingStateRecord)) func() {
	t.mu.Lock()
	id := t.nextSubID
	t.nextSubID++
	subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(subs, id)
		t.mu.Unlock()
	}
}

// Get returns a copy of the module's record, or nil when idle.
func (t *LoadingStateTracker) Get(id string) *LoadingStateRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[id]
	if rec == nil {
		return nil
	}
	clone := *rec
	return &clone
}

// States returns copies of every active record, ordered by module id.
func (t *LoadingStateTracker) States() []LoadingStateRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LoadingStateRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// Clear removes the module's record, returning it to idle.
func (t *LoadingStateTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// RecordCompleted folds a finished session into the duration statistics.
func (t *LoadingStateTracker) RecordCompleted(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedDurations = append(t.completedDurations, duration)
	if len(t.completedDurations) > completedDurationsKept {
		t.completedDurations = t.completedDurations[len(t.completedDurations)-completedDurationsKept:]
	}
}

// Sweep auto-advances progress for sessions loading longer than the
// auto-advance delay (capped below 100 so completion is never faked) and
// force-clears, with a warning, sessions stuck beyond the force-clear age.
func (t *LoadingStateTracker) Sweep() {
	now := time.Now()

	t.mu.Lock()
	for id, rec := range t.records {
		if rec.Status != StatusLoading && rec.Status != StatusRetrying {
			continue
		}
		elapsed := now.Sub(rec.StartTime)

		if elapsed > t.config.ForceClearAge {
			t.logger.Warn("force-clearing stuck loading state",
				"moduleId", id, "status", rec.Status, "elapsed", elapsed)
			delete(t.records, id)
			continue
		}

		if rec.Status == StatusLoading && elapsed > t.config.AutoAdvanceDelay && rec.Progress < autoAdvanceCap {
			// Asymptotic creep toward the cap; keeps the bar moving without
			// ever signalling completion.
			advanced := rec.Progress + (autoAdvanceCap-rec.Progress)*0.1
			if advanced > rec.Progress {
				rec.Progress = min(advanced, autoAdvanceCap)
				rec.LastUpdate = now
				t.enqueueLocked(id)
			}
		}
	}
	t.mu.Unlock()
}

// GetAlternativeSuggestions returns an ordered, context-dependent list of
// actions a user can take for a slow or failing module load.
func (t *LoadingStateTracker) GetAlternativeSuggestions(id string) []string {
	condition := t.network.Current()
	var elapsed time.Duration
	if rec := t.Get(id); rec != nil {
		elapsed = rec.Elapsed()
	}

	var suggestions []string
	if condition == NetworkOffline || condition == NetworkPoor {
		suggestions = append(suggestions, "Check your network connection")
	}
	if elapsed > t.config.SlowThreshold {
		suggestions = append(suggestions, "Try refreshing the application")
	}
	suggestions = append(suggestions, "Clear the module cache and retry")
	if elapsed > t.config.TimeoutWarningThreshold {
		suggestions = append(suggestions, "Contact support if the problem persists")
	}
	if t.registry != nil {
		if desc, err := t.registry.Get(id); err == nil && len(desc.FallbackModules) > 0 {
			suggestions = append(suggestions,
				fmt.Sprintf("Use the %s module instead", desc.FallbackModules[0]))
		}
	}
	return suggestions
}

// GetLoadingStatistics summarizes current and historical loading activity.
func (t *LoadingStateTracker) GetLoadingStatistics() LoadingStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := LoadingStatistics{
		SlowLoadCount:       t.slowCount,
		TimeoutWarningCount: t.timeoutCount,
		NetworkDistribution: make(map[NetworkCondition]int, len(t.networkCounts)),
	}
	for cond, count := range t.networkCounts {
		stats.NetworkDistribution[cond] = count
	}
	for _, rec := range t.records {
		if rec.Status == StatusLoading || rec.Status == StatusRetrying {
			stats.ActiveLoading++
		}
	}
	if len(t.completedDurations) > 0 {
		var total time.Duration
		for _, d := range t.completedDurations {
			total += d
		}
		stats.AverageLoadDuration = total / time.Duration(len(t.completedDurations))
	}
	return stats
}
