package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/heronchat/heron/internal/pool"
)

// Pinger is the readiness dependency check. Satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ToolPoolStats exposes per-key pool occupancy. Satisfied by
// *pool.Pool[toolserver.Client].
type ToolPoolStats interface {
	StatsByKey() map[string]pool.Stats
}

// health is a liveness probe for Docker/Kubernetes.
func health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness pings the database. Serving traffic without a database would only
// turn every request into a 500.
func readiness(db Pinger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "database pool not configured", http.StatusServiceUnavailable)
			return
		}
		if err := db.Ping(r.Context()); err != nil {
			logger.Error("readiness check failed", "error", err)
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}

// statsHandler reports live occupancy: stream connections, active generation
// tasks, and tool pool utilization per key.
type statsHandler struct {
	streams   Streams
	orch      TaskOrchestrator
	toolStats ToolPoolStats // optional
	logger    *slog.Logger
}

func (h *statsHandler) getStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"connections":  h.streams.StatsSnapshot(),
		"active_tasks": h.orch.ActiveTasks(),
	}
	if h.toolStats != nil {
		resp["tool_pools"] = h.toolStats.StatsByKey()
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
