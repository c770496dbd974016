package modload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDebugServer(t *testing.T) (*httptest.Server, *Orchestrator) {
	t.Helper()
	o := NewOrchestrator(testOrchestratorConfig(), testRegistry(t), &countingLoader{})
	server := httptest.NewServer(DebugHandler(o))
	t.Cleanup(server.Close)
	return server, o
}

func getJSON(t *testing.T, url string, target any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
	return resp.StatusCode
}

func TestDebugModules(t *testing.T) {
	server, _ := newDebugServer(t)

	var modules []ModuleDescriptor
	status := getJSON(t, server.URL+"/modules", &modules)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, modules, 1)
	assert.Equal(t, "editor", modules[0].ID)
}

func TestDebugLoadingStates(t *testing.T) {
	server, o := newDebugServer(t)

	var states []LoadingStateRecord
	status := getJSON(t, server.URL+"/loading", &states)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, states)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	var notFound map[string]string
	status = getJSON(t, server.URL+"/loading/editor", &notFound)
	assert.Equal(t, http.StatusNotFound, status, "settled loads are idle again")
	assert.Equal(t, "editor", notFound["moduleId"])
}

func TestDebugStats(t *testing.T) {
	server, o := newDebugServer(t)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)
	_, err = o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	var stats struct {
		Cache   CacheStatistics `json:"cache"`
		Metrics MetricsSummary  `json:"metrics"`
	}
	status := getJSON(t, server.URL+"/stats", &stats)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(1), stats.Cache.Hits)
	assert.Equal(t, 2, stats.Metrics.TotalLoads)
}

func TestDebugEventsAndMetrics(t *testing.T) {
	server, o := newDebugServer(t)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	var events []json.RawMessage
	status := getJSON(t, server.URL+"/events", &events)
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, events)

	var metrics []LoadMetric
	status = getJSON(t, server.URL+"/metrics", &metrics)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, metrics, 1)
	assert.Equal(t, "editor", metrics[0].ModuleID)
	assert.True(t, metrics[0].Success)
}

func TestDebugCacheInvalidate(t *testing.T) {
	server, o := newDebugServer(t)

	_, err := o.LoadModule(context.Background(), "editor", nil)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(),
		http.MethodDelete, server.URL+"/cache/editor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		ModuleID       string `json:"moduleId"`
		EntriesRemoved int    `json:"entriesRemoved"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "editor", payload.ModuleID)
	assert.Equal(t, 1, payload.EntriesRemoved)

	_, cached := o.Cache().Get("editor")
	assert.False(t, cached)
}
