package modload

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}
}

// recordingFetcher captures fetched URLs and fails until told otherwise.
type recordingFetcher struct {
	mu      sync.Mutex
	fetched []string
	err     error
}

func (f *recordingFetcher) Fetch(_ context.Context, assetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, assetURL)
	return f.err
}

func (f *recordingFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *recordingFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.fetched))
	copy(out, f.fetched)
	return out
}

func TestRecoveryStartRequiresFetcher(t *testing.T) {
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), nil, nil, nil, nil)
	assert.ErrorIs(t, w.Start(), ErrFetcherNil)
}

func TestRecoverySuccessRemovesAsset(t *testing.T) {
	fetcher := &recordingFetcher{}
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, nil, nil, nil)

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/app/chunk-17.js", Kind: AssetChunk})
	require.Len(t, w.Pending(), 1)

	w.TriggerRecovery(context.Background())

	assert.Empty(t, w.Pending(), "recovered asset is no longer tracked")
	require.Len(t, fetcher.urls(), 1)
	assert.Contains(t, fetcher.urls()[0], "reload=", "re-request carries a cache-busting marker")
}

func TestRecoveryDuplicateFailuresCollapse(t *testing.T) {
	fetcher := &recordingFetcher{}
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, nil, nil, nil)

	asset := FailedAsset{URL: "https://cdn.example.com/styles.css", Kind: AssetStylesheet}
	w.RecordFailure(asset)
	w.RecordFailure(asset)

	assert.Len(t, w.Pending(), 1)
}

func TestRecoveryForget(t *testing.T) {
	fetcher := &recordingFetcher{}
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, nil, nil, nil)
	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/editor.js", Kind: AssetScript})

	require.NoError(t, w.Forget("https://cdn.example.com/editor.js"))
	assert.Empty(t, w.Pending())

	// Forgotten assets are no longer fetched by recovery passes.
	w.TriggerRecovery(context.Background())
	assert.Empty(t, fetcher.urls())

	assert.ErrorIs(t, w.Forget("https://cdn.example.com/editor.js"), ErrAssetNotTracked)
}

func TestRecoveryPersistentAfterMaxAttempts(t *testing.T) {
	fetcher := &recordingFetcher{}
	fetcher.setErr(errors.New("still 404"))
	cfg := testRecoveryConfig()
	cfg.MaxAttempts = 2
	w := NewResourceRecoveryWatcher(cfg, fetcher, nil, nil, nil)

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/gone.js", Kind: AssetScript})

	for i := 0; i < 5; i++ {
		w.TriggerRecovery(context.Background())
		time.Sleep(15 * time.Millisecond)
	}

	assert.Len(t, fetcher.urls(), 2, "no attempts beyond the budget")
	assert.Len(t, w.Pending(), 1, "persistent failures remain visible")

	// Even a later success window cannot resurrect a persistent asset.
	fetcher.setErr(nil)
	w.TriggerRecovery(context.Background())
	assert.Len(t, fetcher.urls(), 2)
}

func TestRecoveryRespectsBackoffDelay(t *testing.T) {
	fetcher := &recordingFetcher{}
	fetcher.setErr(errors.New("not yet"))
	cfg := testRecoveryConfig()
	cfg.BaseDelay = time.Hour
	w := NewResourceRecoveryWatcher(cfg, fetcher, nil, nil, nil)

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/later.js", Kind: AssetScript})

	w.TriggerRecovery(context.Background())
	w.TriggerRecovery(context.Background())

	assert.Len(t, fetcher.urls(), 1, "second pass is inside the backoff window")
}

func TestRecoverySkippedWhileOffline(t *testing.T) {
	fetcher := &recordingFetcher{}
	obs := NewManualNetworkObserver(NetworkOffline)
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, obs, nil, nil)

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/app.js", Kind: AssetScript})
	w.TriggerRecovery(context.Background())

	assert.Empty(t, fetcher.urls(), "no recovery attempts while offline")
}

func TestRecoveryRunsOnConnectivityRestored(t *testing.T) {
	fetcher := &recordingFetcher{}
	obs := NewManualNetworkObserver(NetworkOffline)
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, obs, nil, nil)
	require.NoError(t, w.Start())
	defer w.Stop()

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/app.js", Kind: AssetScript})

	obs.Set(NetworkGood)

	require.Eventually(t, func() bool {
		return len(fetcher.urls()) == 1
	}, time.Second, 5*time.Millisecond, "connectivity restoration should trigger recovery")
	assert.Empty(t, w.Pending())
}

func TestRecoveryOnVisibilityRegained(t *testing.T) {
	fetcher := &recordingFetcher{}
	w := NewResourceRecoveryWatcher(testRecoveryConfig(), fetcher, nil, nil, nil)

	w.RecordFailure(FailedAsset{URL: "https://cdn.example.com/app.js", Kind: AssetScript})
	w.OnVisibilityRegained(context.Background())

	assert.Len(t, fetcher.urls(), 1)
}

func TestCacheBust(t *testing.T) {
	busted := cacheBust("https://cdn.example.com/app.js?v=3")

	parsed, err := url.Parse(busted)
	require.NoError(t, err)
	assert.Equal(t, "3", parsed.Query().Get("v"), "existing query parameters survive")
	assert.NotEmpty(t, parsed.Query().Get("reload"))

	// Unparseable URLs still get a marker appended.
	raw := cacheBust("::not a url::")
	assert.True(t, strings.Contains(raw, "reload="))
}
