package modload

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// AssetKind classifies a raw asset tracked for recovery.
type AssetKind string

const (
	// AssetScript is an executable code asset.
	AssetScript AssetKind = "script"
	// AssetStylesheet is a presentation asset.
	AssetStylesheet AssetKind = "stylesheet"
	// AssetChunk is a deferred module chunk.
	AssetChunk AssetKind = "chunk"
)

// FailedAsset identifies a raw asset whose load failed.
type FailedAsset struct {
	URL  string    `json:"url"`
	Kind AssetKind `json:"kind"`
}

// AssetFetcher re-issues a raw asset load. The watcher owns this capability
// exclusively and never touches the transport used by other collaborators.
type AssetFetcher interface {
	Fetch(ctx context.Context, assetURL string) error
}

// AssetFetcherFunc adapts a function to AssetFetcher.
type AssetFetcherFunc func(ctx context.Context, assetURL string) error

// Fetch implements AssetFetcher.
func (f AssetFetcherFunc) Fetch(ctx context.Context, assetURL string) error {
	return f(ctx, assetURL)
}

// assetRecord is the per-asset recovery bookkeeping.
type assetRecord struct {
	asset       FailedAsset
	attempts    int
	lastAttempt time.Time
	nextDelay   time.Duration
	persistent  bool
}

// ResourceRecoveryWatcher re-requests raw assets (scripts, stylesheets,
// deferred chunks) that failed to load, independent of the module pipeline.
// Recovery runs when connectivity is restored, when the client regains
// visibility, or on a manual trigger, with a bounded exponential backoff
// per asset and a cache-busting marker on every re-request.
type ResourceRecoveryWatcher struct {
	mu      sync.Mutex
	assets  map[string]*assetRecord
	config  RecoveryConfig
	fetcher AssetFetcher
	network NetworkObserver
	bus     *EventBus
	logger  Logger
	unsub   func()
}

// NewResourceRecoveryWatcher creates a watcher. It does nothing until
// Start is called.
func NewResourceRecoveryWatcher(config RecoveryConfig, fetcher AssetFetcher, network NetworkObserver, logger Logger, bus *EventBus) *ResourceRecoveryWatcher {
	if logger == nil {
		logger = NoopLogger{}
	}
	if network == nil {
		network = StaticNetworkObserver{Condition: NetworkGood}
	}
	return &ResourceRecoveryWatcher{
		assets:  make(map[string]*assetRecord),
		config:  config,
		fetcher: fetcher,
		network: network,
		bus:     bus,
		logger:  logger,
	}
}

// Start subscribes to connectivity changes.
func (w *ResourceRecoveryWatcher) Start() error {
	if w.fetcher == nil {
		return ErrFetcherNil
	}
	w.unsub = w.network.Subscribe(func(condition NetworkCondition) {
		if condition != NetworkOffline {
			w.attemptAll(context.Background(), "connectivity-restored")
		}
	})
	return nil
}

// Stop releases the connectivity subscription.
func (w *ResourceRecoveryWatcher) Stop() {
	if w.unsub != nil {
		w.unsub()
		w.unsub = nil
	}
}

// RecordFailure registers a failed asset for later recovery.
func (w *ResourceRecoveryWatcher) RecordFailure(asset FailedAsset) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, tracked := w.assets[asset.URL]; tracked {
		return
	}
	w.assets[asset.URL] = &assetRecord{
		asset:     asset,
		nextDelay: w.config.BaseDelay,
	}
	w.logger.Debug("tracking failed asset", "url", asset.URL, "kind", asset.Kind)
}

// Forget drops an asset from recovery tracking, for example after its owner
// was removed. It returns ErrAssetNotTracked for an unknown URL.
func (w *ResourceRecoveryWatcher) Forget(assetURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, tracked := w.assets[assetURL]; !tracked {
		return ErrAssetNotTracked
	}
	delete(w.assets, assetURL)
	w.logger.Debug("stopped tracking asset", "url", assetURL)
	return nil
}

// OnVisibilityRegained triggers a recovery pass after the client becomes
// visible again.
func (w *ResourceRecoveryWatcher) OnVisibilityRegained(ctx context.Context) {
	w.attemptAll(ctx, "visibility-regained")
}

// TriggerRecovery runs a manual recovery pass.
func (w *ResourceRecoveryWatcher) TriggerRecovery(ctx context.Context) {
	w.attemptAll(ctx, "manual")
}

// Pending returns the assets still awaiting recovery, including those
// marked persistently failed.
func (w *ResourceRecoveryWatcher) Pending() []FailedAsset {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FailedAsset, 0, len(w.assets))
	for _, rec := range w.assets {
		out = append(out, rec.asset)
	}
	return out
}

// attemptAll retries every eligible tracked asset: not yet persistent,
// within its attempt budget, and past its backoff delay.
func (w *ResourceRecoveryWatcher) attemptAll(ctx context.Context, cause string) {
	if w.network.Current() == NetworkOffline {
		return
	}

	now := time.Now()
	w.mu.Lock()
	var eligible []*assetRecord
	for _, rec := range w.assets {
		if rec.persistent {
			continue
		}
		if !rec.lastAttempt.IsZero() && now.Sub(rec.lastAttempt) < rec.nextDelay {
			continue
		}
		rec.lastAttempt = now
		rec.attempts++
		eligible = append(eligible, rec)
	}
	w.mu.Unlock()

	if len(eligible) == 0 {
		return
	}
	w.emit(EventTypeAssetRecoveryStarted, "", map[string]any{
		"cause":  cause,
		"assets": len(eligible),
	})

	for _, rec := range eligible {
		w.attemptOne(ctx, rec)
	}
}

// attemptOne re-issues a single asset load with a cache-busting marker.
func (w *ResourceRecoveryWatcher) attemptOne(ctx context.Context, rec *assetRecord) {
	err := w.fetcher.Fetch(ctx, cacheBust(rec.asset.URL))
	if err == nil {
		w.mu.Lock()
		delete(w.assets, rec.asset.URL)
		w.mu.Unlock()
		w.logger.Info("asset recovered", "url", rec.asset.URL, "attempts", rec.attempts)
		w.emit(EventTypeAssetRecovered, "", map[string]any{
			"url":      rec.asset.URL,
			"attempts": rec.attempts,
		})
		return
	}

	w.mu.Lock()
	delay := float64(w.config.BaseDelay) * math.Pow(2, float64(rec.attempts))
	if delay > float64(w.config.MaxDelay) {
		delay = float64(w.config.MaxDelay)
	}
	rec.nextDelay = time.Duration(delay)
	exhausted := rec.attempts >= w.config.MaxAttempts
	if exhausted {
		rec.persistent = true
	}
	w.mu.Unlock()

	if exhausted {
		w.logger.Warn("asset recovery failed persistently",
			"url", rec.asset.URL, "attempts", rec.attempts, "error", err)
		w.emit(EventTypeAssetRecoveryFailed, "", map[string]any{
			"url":      rec.asset.URL,
			"attempts": rec.attempts,
		})
		return
	}
	w.logger.Debug("asset recovery attempt failed",
		"url", rec.asset.URL, "attempt", rec.attempts, "error", err)
}

// cacheBust appends a reload marker so intermediaries cannot serve the
// failed response again.
func cacheBust(assetURL string) string {
	parsed, err := url.Parse(assetURL)
	if err != nil {
		return fmt.Sprintf("%s?reload=%d", assetURL, time.Now().UnixNano())
	}
	query := parsed.Query()
	query.Set("reload", strconv.FormatInt(time.Now().UnixNano(), 10))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (w *ResourceRecoveryWatcher) emit(eventType string, moduleID string, data map[string]any) {
	if w.bus == nil {
		return
	}
	_ = w.bus.NotifyObservers(context.Background(), NewLoadingEvent(eventType, moduleID, data, "", ""))
}
