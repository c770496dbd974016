package modload

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Orchestrator composes the registry, artifact cache, retry coordinator,
// and loading state tracker behind the public loading API. The pipeline for
// one load is: descriptor resolve → permission gate → cache lookup →
// deduplicated loader invocation raced against the descriptor timeout →
// retry escalation → metrics.
//
// Concurrent LoadModule calls for the same id share exactly one loader
// invocation and settle identically; deduplication is what guarantees a
// single logical owner drives a module's state at a time.
type Orchestrator struct {
	config   Config
	registry *Registry
	cache    *ArtifactCache
	retries  *RetryCoordinator
	tracker  *LoadingStateTracker
	loader   ArtifactLoader
	gate     PermissionGate
	network  NetworkObserver
	bus      *EventBus
	metrics  *MetricsRecorder
	logger   Logger
	flight   singleflight.Group

	mu       sync.Mutex
	inflight map[string]*inflightEntry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	cron       *cron.Cron
	netUnsub   func()
	started    bool
}

// inflightEntry identifies one registered flight. Cleanup compares entry
// identity so a finishing flight can never remove the registration of a
// newer flight for the same id.
type inflightEntry struct {
	cancel context.CancelFunc
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator and every component it
// constructs.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPermissionGate sets the permission gate. Defaults to AllowAllGate.
func WithPermissionGate(gate PermissionGate) Option {
	return func(o *Orchestrator) { o.gate = gate }
}

// WithNetworkObserver sets the network condition source. Defaults to a
// static "good" observer.
func WithNetworkObserver(network NetworkObserver) Option {
	return func(o *Orchestrator) { o.network = network }
}

// NewOrchestrator wires up a loading subsystem instance. Each instance owns
// its own cache, retry state, and tracker; nothing is process-global, so
// tests and multi-tenant hosts can run several side by side.
func NewOrchestrator(config Config, registry *Registry, loader ArtifactLoader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   config,
		registry: registry,
		loader:   loader,
		gate:     AllowAllGate{},
		network:  StaticNetworkObserver{Condition: NetworkGood},
		logger:   NoopLogger{},
		inflight: make(map[string]*inflightEntry),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.bus = NewEventBus(o.logger)
	o.cache = NewArtifactCache(config.Cache, o.logger, o.bus)
	o.retries = NewRetryCoordinator(config.Retry, registry, o.network, o.logger, o.bus)
	o.tracker = NewLoadingStateTracker(config.Tracker, registry, o.network, o.logger)
	o.metrics = NewMetricsRecorder()
	o.cache.SetPreloader(func(ctx context.Context, id string) error {
		return o.PreloadModule(ctx, id)
	})
	return o
}

// Start launches the tracker notification loop and the periodic sweeps.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	o.baseCtx, o.baseCancel = context.WithCancel(ctx)
	o.tracker.Start(o.baseCtx)

	o.cron = cron.New()
	if _, err := o.cron.AddFunc("@every "+o.config.Retry.SweepInterval.String(), o.retries.SweepStale); err != nil {
		return fmt.Errorf("failed to schedule retry sweep: %w", err)
	}
	if o.config.Cache.SnapshotPath != "" {
		if _, err := o.cron.AddFunc("@every "+o.config.Cache.SnapshotInterval.String(), func() {
			if err := o.cache.PersistSnapshot(); err != nil {
				o.logger.Warn("cache snapshot persist failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule cache snapshot: %w", err)
		}
	}
	o.cron.Start()

	o.netUnsub = o.network.Subscribe(func(condition NetworkCondition) {
		o.emit(EventTypeNetworkChanged, "", map[string]any{"condition": condition}, nil)
	})

	o.started = true
	o.logger.Info("loading orchestrator started", "modules", len(o.registry.IDs()))
	return nil
}

// Stop shuts down sweeps and background loops and persists the cache
// snapshot. In-flight loads are cancelled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.baseCancel
	cronStop := o.cron
	netUnsub := o.netUnsub
	o.mu.Unlock()

	if netUnsub != nil {
		netUnsub()
	}
	if cronStop != nil {
		<-cronStop.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	o.tracker.Stop()
	o.retries.Close()
	if err := o.cache.Close(ctx); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	o.logger.Info("loading orchestrator stopped")
	return nil
}

// LoadModule loads a feature module by id. Retryable failures are handled
// internally: the call stays pending across retry attempts and only settles
// once the budget is exhausted or the load succeeds. Terminal failures
// reject immediately with a classified *LoadError.
func (o *Orchestrator) LoadModule(ctx context.Context, id string, opts *LoadOptions) (Artifact, error) {
	if opts == nil {
		opts = &LoadOptions{}
	}

	desc, err := o.registry.Get(id)
	if err != nil {
		lerr := NewLoadError(CategoryModuleNotFound, id, err)
		o.emit(EventTypeLoadingFailed, id, map[string]any{"category": lerr.Category}, opts)
		return nil, lerr
	}

	if !o.gate.CanAccess(desc.RequiredPermissions, desc.RequiredRole, opts.User) {
		lerr := NewLoadError(CategoryPermissionDenied, id, ErrPermissionDenied)
		o.emit(EventTypeLoadingFailed, id, map[string]any{"category": lerr.Category}, opts)
		o.logger.Debug("permission denied", "moduleId", id, "user", opts.User.ID)
		return nil, lerr
	}

	// All concurrent callers for one id share this flight; the load runs on
	// the orchestrator's base context so one caller walking away does not
	// fail the rest.
	ch := o.flight.DoChan(id, func() (interface{}, error) {
		return o.executeLoad(desc, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrLoadCancelled, ctx.Err())
	}
}

// executeLoad drives the load pipeline for one deduplicated flight,
// including the internal retry loop.
func (o *Orchestrator) executeLoad(desc *ModuleDescriptor, opts *LoadOptions) (Artifact, error) {
	id := desc.ID

	loadCtx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	entry := &inflightEntry{cancel: cancel}
	o.mu.Lock()
	o.inflight[id] = entry
	o.mu.Unlock()
	defer o.releaseInflight(id, entry)

	for {
		if desc.CacheEnabled && !opts.BypassCache {
			if artifact, ok := o.cache.Get(id); ok {
				o.retries.ResetRetryState(id)
				o.emit(EventTypeCacheHit, id, nil, opts)
				o.metrics.Record(LoadMetric{
					ModuleID:    id,
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
					CacheHit:    true,
					Success:     true,
					Network:     o.network.Current(),
				})
				return artifact, nil
			}
			o.emit(EventTypeCacheMiss, id, nil, opts)
		}

		started := time.Now()
		retryCount := o.retries.Attempts(id)
		o.beginTracking(id, retryCount)
		o.emit(EventTypeLoadingStarted, id, map[string]any{
			"startTime":  started,
			"retryCount": retryCount,
		}, opts)

		timeout := desc.Timeout
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}

		o.setPhase(id, PhaseImporting)
		artifact, err := o.invokeLoader(loadCtx, desc, timeout)

		if loadCtx.Err() != nil {
			// Cancelled mid-flight: discard whatever settled, touch nothing.
			return nil, fmt.Errorf("%w: %s", ErrLoadCancelled, id)
		}

		if err == nil {
			return o.completeLoad(desc, opts, artifact, started, retryCount), nil
		}

		lerr := Classify(err, id)
		lerr.Suggestions = o.tracker.GetAlternativeSuggestions(id)

		if o.retries.ShouldRetry(id, lerr) {
			trigger := o.retries.ScheduleRetry(id, lerr)
			o.markRetrying(id, lerr)
			select {
			case <-trigger:
				continue
			case <-loadCtx.Done():
				return nil, fmt.Errorf("%w: %s", ErrLoadCancelled, id)
			}
		}

		return nil, o.failLoad(desc, opts, lerr, started)
	}
}

// releaseInflight removes the flight's registration, but only while the map
// still holds this flight's own entry. A cancelled flight can finish
// unwinding after a replacement flight for the same id has already
// registered; its cleanup must leave the replacement's cancel func intact.
func (o *Orchestrator) releaseInflight(id string, entry *inflightEntry) {
	o.mu.Lock()
	if o.inflight[id] == entry {
		delete(o.inflight, id)
	}
	o.mu.Unlock()
}

// completeLoad runs the success path: final tracker transition, caching,
// metrics, retry bookkeeping, and the completion event. Loading state is
// cleared so the module returns to idle.
func (o *Orchestrator) completeLoad(desc *ModuleDescriptor, opts *LoadOptions, artifact Artifact, started time.Time, retryCount int) Artifact {
	id := desc.ID
	duration := time.Since(started)
	condition := o.network.Current()

	o.setPhase(id, PhaseHydrating)
	status := StatusSuccess
	phase := PhaseComplete
	progress := 100.0
	o.tracker.UpdateLoadingState(id, StateUpdate{
		Status:   &status,
		Phase:    &phase,
		Progress: &progress,
	})

	if desc.CacheEnabled {
		o.cache.Set(id, artifact, CacheMetadata{
			LoadDuration:     duration,
			NetworkCondition: condition,
			Success:          true,
		})
	}

	o.metrics.Record(LoadMetric{
		ModuleID:    id,
		StartedAt:   started,
		CompletedAt: started.Add(duration),
		Duration:    duration,
		PhaseDurations: map[LoadingPhase]time.Duration{
			PhaseImporting: duration,
		},
		RetryCount: retryCount,
		Success:    true,
		Network:    condition,
	})
	o.tracker.RecordCompleted(duration)

	if retryCount > 0 {
		o.retries.MarkRetrySuccess(id)
	} else {
		o.retries.ResetRetryState(id)
	}

	o.emit(EventTypeLoadingCompleted, id, map[string]any{
		"durationMs": duration.Milliseconds(),
		"retryCount": retryCount,
		"cacheHit":   false,
	}, opts)
	o.logger.Info("module loaded", "moduleId", id, "duration", duration, "retries", retryCount)

	o.tracker.Clear(id)
	return artifact
}

// failLoad runs the terminal failure path.
func (o *Orchestrator) failLoad(desc *ModuleDescriptor, opts *LoadOptions, lerr *LoadError, started time.Time) error {
	id := desc.ID

	// Attach why no further retry runs, so callers can match the sentinel.
	if reason := o.retries.DenialReason(id, lerr); reason != nil {
		if lerr.Err != nil {
			lerr.Err = fmt.Errorf("%w: %w", reason, lerr.Err)
		} else {
			lerr.Err = reason
		}
	}

	if lerr.Category.Retryable() && o.retries.BudgetSpent(id) {
		o.retries.MarkRetryExhausted(id)
	}

	status := StatusError
	canRetry := false
	o.tracker.UpdateLoadingState(id, StateUpdate{
		Status:   &status,
		Error:    lerr,
		CanRetry: &canRetry,
	})

	o.metrics.Record(LoadMetric{
		ModuleID:      id,
		StartedAt:     started,
		CompletedAt:   time.Now(),
		Duration:      time.Since(started),
		RetryCount:    o.retries.Attempts(id),
		Network:       o.network.Current(),
		ErrorCategory: lerr.Category,
	})

	o.emit(EventTypeLoadingFailed, id, map[string]any{
		"category": lerr.Category,
		"message":  lerr.Message,
	}, opts)
	o.logger.Error("module load failed",
		"moduleId", id, "category", lerr.Category, "error", lerr.Message)
	return lerr
}

// invokeLoader races the artifact loader against the attempt timeout. A
// loader that ignores cancellation keeps running; its late result lands in
// the buffered channel and is dropped.
func (o *Orchestrator) invokeLoader(ctx context.Context, desc *ModuleDescriptor, timeout time.Duration) (Artifact, error) {
	if o.loader == nil {
		return nil, ErrLoaderNil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		artifact Artifact
		err      error
	}
	done := make(chan result, 1)
	go func() {
		artifact, err := o.loader.Load(attemptCtx, desc)
		done <- result{artifact, err}
	}()

	select {
	case res := <-done:
		return res.artifact, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLoadCancelled, desc.ID)
		}
		return nil, NewLoadError(CategoryTimeout, desc.ID, ErrLoadTimeout)
	}
}

// beginTracking seeds or refreshes the loading state for a new attempt.
func (o *Orchestrator) beginTracking(id string, retryCount int) {
	status := StatusLoading
	phase := PhaseInitializing
	canCancel := true
	o.tracker.UpdateLoadingState(id, StateUpdate{
		Status:     &status,
		Phase:      &phase,
		RetryCount: &retryCount,
		CanCancel:  &canCancel,
	})
}

func (o *Orchestrator) setPhase(id string, phase LoadingPhase) {
	o.tracker.UpdateLoadingState(id, StateUpdate{Phase: &phase})
}

// markRetrying transitions the session to retrying with the failure
// attached.
func (o *Orchestrator) markRetrying(id string, lerr *LoadError) {
	status := StatusRetrying
	canRetry := true
	retryCount := o.retries.Attempts(id)
	o.tracker.UpdateLoadingState(id, StateUpdate{
		Status:     &status,
		Error:      lerr,
		RetryCount: &retryCount,
		CanRetry:   &canRetry,
	})
}

// PreloadModule loads a module ahead of demand. The artifact lands in the
// cache; the caller only learns whether the preload worked.
func (o *Orchestrator) PreloadModule(ctx context.Context, id string) error {
	_, err := o.LoadModule(ctx, id, nil)
	if err != nil {
		return err
	}
	o.emit(EventTypeModulePreloaded, id, nil, nil)
	return nil
}

// WarmupForUser executes a scored warmup pass through the cache store.
func (o *Orchestrator) WarmupForUser(ctx context.Context, req WarmupRequest) (*WarmupReport, error) {
	if req.Network == "" {
		req.Network = o.network.Current()
	}
	report, err := o.cache.WarmupForUser(ctx, o.registry, req)
	if err != nil {
		return nil, err
	}
	o.emit(EventTypeWarmupCompleted, "", map[string]any{
		"planned": len(report.Planned),
		"loaded":  len(report.Loaded),
		"failed":  len(report.Failed),
	}, &LoadOptions{Actor: req.User})
	return report, nil
}

// CancelLoad cooperatively cancels an in-flight load: tracked state and
// pending retry timers are cleared, and the settled result of any
// already-started loader call is discarded. The loader call itself cannot
// be aborted.
func (o *Orchestrator) CancelLoad(id string) {
	o.mu.Lock()
	entry := o.inflight[id]
	delete(o.inflight, id)
	o.mu.Unlock()

	if entry != nil {
		entry.cancel()
	}
	o.flight.Forget(id)
	o.retries.ResetRetryState(id)
	o.tracker.Clear(id)
	o.logger.Debug("load cancelled", "moduleId", id)
}

// GetLoadingState returns the module's current loading state, or nil when
// idle.
func (o *Orchestrator) GetLoadingState(id string) *LoadingStateRecord {
	return o.tracker.Get(id)
}

// GetLoadingStates returns every module with an active loading session.
func (o *Orchestrator) GetLoadingStates() []LoadingStateRecord {
	return o.tracker.States()
}

// ClearLoadingState resets the module's loading state to idle.
func (o *Orchestrator) ClearLoadingState(id string) {
	o.tracker.Clear(id)
}

// SubscribeToStateChanges registers a callback for batched loading state
// notifications and returns its unsubscribe function.
func (o *Orchestrator) SubscribeToStateChanges(fn func(LoadingStateRecord)) func() {
	return o.tracker.OnStateChange(fn)
}

// OnSlowConnection registers a slow-connection warning subscriber.
func (o *Orchestrator) OnSlowConnection(fn func(LoadingStateRecord)) func() {
	return o.tracker.OnSlowConnection(fn)
}

// OnTimeoutWarning registers a timeout warning subscriber.
func (o *Orchestrator) OnTimeoutWarning(fn func(LoadingStateRecord)) func() {
	return o.tracker.OnTimeoutWarning(fn)
}

// GetCacheStatistics returns a point-in-time cache summary.
func (o *Orchestrator) GetCacheStatistics() CacheStatistics {
	return o.cache.Statistics()
}

// GetRetryStatistics returns a point-in-time retry summary.
func (o *Orchestrator) GetRetryStatistics() RetryStatistics {
	return o.retries.Statistics()
}

// GetLoadingStatistics returns tracker activity statistics.
func (o *Orchestrator) GetLoadingStatistics() LoadingStatistics {
	return o.tracker.GetLoadingStatistics()
}

// GetMetricsSummary aggregates recent load metrics.
func (o *Orchestrator) GetMetricsSummary() MetricsSummary {
	return o.metrics.Summary()
}

// Invalidate removes the module's cached artifact and its dependents.
func (o *Orchestrator) Invalidate(id, reason string) int {
	return o.cache.Invalidate(id, reason)
}

// Cache exposes the artifact cache for advanced integrations such as
// dependency resolvers and external invalidation.
func (o *Orchestrator) Cache() *ArtifactCache {
	return o.cache
}

// Registry exposes the descriptor registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Metrics exposes the per-load metrics recorder.
func (o *Orchestrator) Metrics() *MetricsRecorder {
	return o.metrics
}

// RegisterObserver implements Subject by delegating to the event bus.
func (o *Orchestrator) RegisterObserver(observer Observer, eventTypes ...string) error {
	return o.bus.RegisterObserver(observer, eventTypes...)
}

// UnregisterObserver implements Subject.
func (o *Orchestrator) UnregisterObserver(observer Observer) error {
	return o.bus.UnregisterObserver(observer)
}

// NotifyObservers implements Subject.
func (o *Orchestrator) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	return o.bus.NotifyObservers(ctx, event)
}

// GetObservers implements Subject.
func (o *Orchestrator) GetObservers() []ObserverInfo {
	return o.bus.GetObservers()
}

// RecentEvents returns the bounded diagnostic event history.
func (o *Orchestrator) RecentEvents() []cloudevents.Event {
	return o.bus.RecentEvents()
}

// emit publishes a subsystem event with actor/session attribution.
func (o *Orchestrator) emit(eventType, moduleID string, data map[string]any, opts *LoadOptions) {
	actor, session := "", ""
	if opts != nil {
		actor = opts.Actor
		session = opts.Session
		if actor == "" {
			actor = opts.User.ID
		}
	}
	event := NewLoadingEvent(eventType, moduleID, data, actor, session)
	_ = o.bus.NotifyObservers(context.Background(), event)
}
