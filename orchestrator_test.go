package modload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLoader records invocations and delegates to a per-call function.
type countingLoader struct {
	mu    sync.Mutex
	calls int32
	fn    func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error)
}

func (l *countingLoader) Load(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
	atomic.AddInt32(&l.calls, 1)
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn == nil {
		return "artifact:" + desc.ID, nil
	}
	return fn(ctx, desc)
}

func (l *countingLoader) count() int32 {
	return atomic.LoadInt32(&l.calls)
}

func testOrchestratorConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	cfg.Retry.Jitter = 0.1
	cfg.Retry.MaxAttempts = 3
	cfg.Tracker.RefreshInterval = 10 * time.Millisecond
	return cfg
}

func testRegistry(t *testing.T, descs ...ModuleDescriptor) *Registry {
	t.Helper()
	r := NewRegistry()
	if len(descs) == 0 {
		descs = []ModuleDescriptor{{
			ID:           "editor",
			Timeout:      time.Second,
			CacheEnabled: true,
		}}
	}
	for _, d := range descs {
		require.NoError(t, r.Register(d))
	}
	return r
}

func TestLoadModuleSuccess(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	artifact, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)
	assert.Equal(t, "artifact:editor", artifact)
	assert.Equal(t, int32(1), loader.count())

	// Loading state returns to idle after success.
	assert.Nil(t, o.GetLoadingState("editor"))

	metrics := o.Metrics().Recent()
	require.Len(t, metrics, 1)
	assert.True(t, metrics[0].Success)
	assert.False(t, metrics[0].CacheHit)
	assert.Zero(t, metrics[0].RetryCount)
}

func TestLoadModuleUnknownID(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), &countingLoader{})

	_, err := o.LoadModule(context.Background(), "ghost", nil)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, CategoryModuleNotFound, lerr.Category)
}

func TestLoadModulePermissionDenied(t *testing.T) {
	reg := testRegistry(t, ModuleDescriptor{
		ID:                  "admin-panel",
		Timeout:             time.Second,
		RequiredRole:        "admin",
		RequiredPermissions: []string{"admin:read"},
	})
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader,
		WithPermissionGate(StandardPermissionGate{}))

	_, err := o.LoadModule(context.Background(), "admin-panel", &LoadOptions{
		User: User{ID: "u1", Role: "viewer"},
	})
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, CategoryPermissionDenied, lerr.Category)
	assert.Zero(t, loader.count(), "denied loads never reach the loader")
	assert.Zero(t, o.GetRetryStatistics().ModulesWithRetries, "denied loads never retry")

	// The right user gets through.
	artifact, err := o.LoadModule(context.Background(), "admin-panel", &LoadOptions{
		User: User{ID: "u2", Role: "admin", Permissions: []string{"admin:read"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "artifact:admin-panel", artifact)
}

func TestLoadModuleCacheFastPath(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	artifact, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)
	assert.Equal(t, "artifact:editor", artifact)
	assert.Equal(t, int32(1), loader.count(), "second load is served from cache")

	metrics := o.Metrics().Recent()
	require.Len(t, metrics, 2)
	assert.True(t, metrics[1].CacheHit)

	stats := o.GetCacheStatistics()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestLoadModuleBypassCache(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	_, err = o.LoadModule(context.Background(), "editor", &LoadOptions{BypassCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.count())
}

func TestLoadModuleCacheDisabledDescriptor(t *testing.T) {
	reg := testRegistry(t, ModuleDescriptor{ID: "live-feed", Timeout: time.Second})
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader)

	for i := 0; i < 3; i++ {
		_, err := o.LoadModule(context.Background(), "live-feed", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), loader.count(), "uncached descriptors always hit the loader")
}

func TestLoadModuleDeduplication(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 16)
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		entered <- struct{}{}
		<-release
		return "shared", nil
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	const callers = 8
	results := make(chan Artifact, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			artifact, err := o.LoadModule(context.Background(), "editor", nil)
			results <- artifact
			errs <- err
		}()
	}

	// Wait until the single shared flight is inside the loader.
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("loader never invoked")
	}
	close(release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		assert.Equal(t, "shared", <-results)
	}
	assert.Equal(t, int32(1), loader.count(),
		"concurrent loads of one module share a single loader invocation")
}

func TestLoadModuleRetryThenSuccess(t *testing.T) {
	var failures int32 = 2
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			return nil, NewLoadError(CategoryNetwork, desc.ID, errors.New("connection reset"))
		}
		return "recovered", nil
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	artifact, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", artifact)
	assert.Equal(t, int32(3), loader.count())

	metrics := o.Metrics().Recent()
	require.Len(t, metrics, 1)
	assert.True(t, metrics[0].Success)
	assert.Equal(t, 2, metrics[0].RetryCount)

	// Success clears retry bookkeeping entirely.
	assert.Zero(t, o.GetRetryStatistics().ModulesWithRetries)
}

func TestLoadModuleRetryExhaustion(t *testing.T) {
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		return nil, NewLoadError(CategoryNetwork, desc.ID, errors.New("connection reset"))
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, CategoryNetwork, lerr.Category)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.NotEmpty(t, lerr.Suggestions)

	// Initial attempt plus the budget of 3 retries.
	assert.Equal(t, int32(4), loader.count())

	stats := o.GetRetryStatistics()
	assert.Equal(t, 1, stats.ModulesExhausted)
	assert.Equal(t, 1, stats.ModulesInCooldown)

	state := o.GetLoadingState("editor")
	require.NotNil(t, state)
	assert.Equal(t, StatusError, state.Status)
}

func TestLoadModuleTerminalErrorNoRetry(t *testing.T) {
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		return nil, NewLoadError(CategoryModule, desc.ID, errors.New("syntax error in bundle"))
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, CategoryModule, lerr.Category)
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Equal(t, int32(1), loader.count(), "terminal failures reject immediately")
}

func TestLoadModuleTerminalFailureDoesNotPoisonOthers(t *testing.T) {
	reg := testRegistry(t,
		ModuleDescriptor{ID: "broken", Timeout: time.Second, CacheEnabled: true},
		ModuleDescriptor{ID: "healthy", Timeout: time.Second, CacheEnabled: true},
	)
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		if desc.ID == "broken" {
			return nil, NewLoadError(CategoryModule, desc.ID, errors.New("defective"))
		}
		return "ok", nil
	}}
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader)

	_, err := o.LoadModule(context.Background(), "broken", nil)
	require.Error(t, err)

	artifact, err := o.LoadModule(context.Background(), "healthy", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", artifact)
}

func TestLoadModuleTimeout(t *testing.T) {
	reg := testRegistry(t, ModuleDescriptor{
		ID:           "slowpoke",
		Timeout:      30 * time.Millisecond,
		MaxRetries:   1,
		CacheEnabled: true,
	})
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader)

	started := time.Now()
	_, err := o.LoadModule(context.Background(), "slowpoke", nil)
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, CategoryTimeout, lerr.Category)
	assert.Less(t, time.Since(started), 2*time.Second,
		"timeout must settle long before the loader would")
	// Initial attempt plus the single descriptor-scoped retry.
	assert.Equal(t, int32(2), loader.count())
}

func TestLoadModuleCallerTimeoutOverride(t *testing.T) {
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	reg := testRegistry(t, ModuleDescriptor{
		ID: "editor", Timeout: time.Hour, MaxRetries: 1, CacheEnabled: true,
	})
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader)

	started := time.Now()
	_, err := o.LoadModule(context.Background(), "editor", &LoadOptions{
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestCancelLoad(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		entered <- struct{}{}
		<-release
		return "late", nil
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	done := make(chan error, 1)
	go func() {
		_, err := o.LoadModule(context.Background(), "editor", nil)
		done <- err
	}()

	<-entered
	o.CancelLoad("editor")
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLoadCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled load never settled")
	}

	assert.Nil(t, o.GetLoadingState("editor"), "cancel clears loading state")
	_, cached := o.Cache().Get("editor")
	assert.False(t, cached, "a cancelled load's artifact is discarded")
}

func TestCancelLoadSurvivesStaleFlightCleanup(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	done := make(chan error, 1)
	go func() {
		_, err := o.LoadModule(context.Background(), "editor", nil)
		done <- err
	}()
	<-entered

	// An earlier cancelled flight for the same id may finish unwinding after
	// this flight registered; its cleanup must not strip the live cancel
	// func.
	o.releaseInflight("editor", &inflightEntry{cancel: func() {}})

	o.CancelLoad("editor")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLoadCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("flight never observed the cancellation")
	}
	assert.Nil(t, o.GetLoadingState("editor"))
	_, cached := o.Cache().Get("editor")
	assert.False(t, cached, "a cancelled flight must not cache its artifact")
}

func TestLoadModuleCallerContextCancel(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	loader := &countingLoader{fn: func(ctx context.Context, desc *ModuleDescriptor) (Artifact, error) {
		entered <- struct{}{}
		<-release
		return "slow", nil
	}}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.LoadModule(ctx, "editor", nil)
		done <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLoadCancelled)
	case <-time.After(time.Second):
		t.Fatal("caller never released after context cancel")
	}

	// The shared flight keeps running; a second caller still gets the
	// artifact once the loader settles.
	go close(release)
	artifact, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)
	assert.Equal(t, "slow", artifact)
}

func TestPreloadModule(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	require.NoError(t, o.PreloadModule(context.Background(), "editor"))

	_, cached := o.Cache().Get("editor")
	assert.True(t, cached, "preloaded artifact lands in the cache")
}

func TestOrchestratorEvents(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	observer := newCapturingObserver("test-observer")
	require.NoError(t, o.RegisterObserver(observer))

	_, err := o.LoadModule(context.Background(), "editor", &LoadOptions{
		User:    User{ID: "u1"},
		Session: "sess-9",
	})
	require.NoError(t, err)

	types := observer.eventTypes()
	assert.Contains(t, types, EventTypeCacheMiss)
	assert.Contains(t, types, EventTypeLoadingStarted)
	assert.Contains(t, types, EventTypeLoadingCompleted)

	for _, event := range observer.snapshot() {
		if event.Type() == EventTypeLoadingStarted {
			assert.Equal(t, "editor", event.Subject())
			assert.Equal(t, "u1", event.Extensions()["actor"])
			assert.Equal(t, "sess-9", event.Extensions()["session"])
		}
	}

	assert.NotEmpty(t, o.RecentEvents())
}

func TestOrchestratorEventFiltering(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	observer := newCapturingObserver("filtered")
	require.NoError(t, o.RegisterObserver(observer, EventTypeLoadingCompleted))

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	for _, eventType := range observer.eventTypes() {
		assert.Equal(t, EventTypeLoadingCompleted, eventType)
	}
	assert.Len(t, observer.snapshot(), 1)
}

func TestOrchestratorStartStop(t *testing.T) {
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), loader)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()), "Start is idempotent")

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Stop(context.Background()), "Stop is idempotent")
}

func TestOrchestratorWarmup(t *testing.T) {
	reg := testRegistry(t,
		ModuleDescriptor{ID: "shell", Timeout: time.Second, Priority: PriorityCritical, CacheEnabled: true},
		ModuleDescriptor{ID: "reports", Timeout: time.Second, Priority: PriorityHigh, CacheEnabled: true},
		ModuleDescriptor{ID: "extras", Timeout: time.Second, Priority: PriorityLow, CacheEnabled: true},
	)
	loader := &countingLoader{}
	o := NewOrchestrator(testOrchestratorConfig(), reg, loader)

	report, err := o.WarmupForUser(context.Background(), WarmupRequest{
		User: "u1", Role: "analyst", PriorityIDs: []string{"extras"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"shell", "reports", "extras"}, report.Planned)
	assert.ElementsMatch(t, []string{"shell", "reports", "extras"}, report.Loaded)
	assert.Empty(t, report.Failed)

	for _, id := range report.Loaded {
		_, cached := o.Cache().Get(id)
		assert.True(t, cached, "warmed module %s should be cached", id)
	}
}
