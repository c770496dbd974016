package modload

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DebugHandler exposes the orchestrator's runtime state over HTTP for
// operational inspection. It is read-only except for the invalidate
// endpoint, and carries no authentication; mount it behind whatever access
// control the embedding service already has.
//
// Routes:
//
//	GET    /modules                 registered descriptors
//	GET    /loading                 active loading sessions
//	GET    /loading/{id}            one module's loading state
//	GET    /stats                   cache, retry, loading and metrics summaries
//	GET    /events                  recent event history
//	GET    /metrics                 recent per-load metrics
//	DELETE /cache/{id}              invalidate a cached artifact
func DebugHandler(o *Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/modules", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, o.Registry().List())
	})

	r.Get("/loading", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, o.GetLoadingStates())
	})

	r.Get("/loading/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		state := o.GetLoadingState(id)
		if state == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":    "no active loading session",
				"moduleId": id,
			})
			return
		}
		writeJSON(w, http.StatusOK, state)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"cache":   o.GetCacheStatistics(),
			"retries": o.GetRetryStatistics(),
			"loading": o.GetLoadingStatistics(),
			"metrics": o.GetMetricsSummary(),
		})
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, o.RecentEvents())
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, o.Metrics().Recent())
	})

	r.Delete("/cache/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		removed := o.Invalidate(id, "debug endpoint")
		writeJSON(w, http.StatusOK, map[string]any{
			"moduleId":       id,
			"entriesRemoved": removed,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
