// Package api is the JSON HTTP surface of the service: session CRUD, message
// submission, interruption, and the per-session SSE stream.
//
// Handlers depend on consumer-defined interfaces (SessionStore,
// TaskOrchestrator, Streams) so tests run against in-memory fakes.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger       *slog.Logger
	Store        SessionStore     // Required
	Orchestrator TaskOrchestrator // Required
	Streams      Streams          // Required
	ToolStats    ToolPoolStats    // Optional: nil omits tool pool stats
	DB           Pinger           // Optional: nil fails the readiness probe
	TrustProxy   bool              // Trust X-Real-IP/X-Forwarded-For (behind reverse proxy)
	RateLimit    RateLimitSettings // Per-IP limiter tunables (zero values pick defaults)
	KeepAlive    time.Duration     // SSE keep-alive interval (0 = default 15s)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Streams == nil {
		return nil, errors.New("connection registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sh := &sessionHandler{store: cfg.Store, logger: logger}
	ch := &chatHandler{
		store:     cfg.Store,
		orch:      cfg.Orchestrator,
		streams:   cfg.Streams,
		keepAlive: cfg.KeepAlive,
		logger:    logger,
	}
	st := &statsHandler{
		streams:   cfg.Streams,
		orch:      cfg.Orchestrator,
		toolStats: cfg.ToolStats,
		logger:    logger,
	}

	mux := http.NewServeMux()

	// Session CRUD and history
	mux.HandleFunc("POST /api/v1/sessions", sh.createSession)
	mux.HandleFunc("GET /api/v1/sessions", sh.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.deleteSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/items", sh.getItems)
	mux.HandleFunc("GET /api/v1/sessions/{id}/transcript", sh.getTranscript)
	mux.HandleFunc("POST /api/v1/sessions/{id}/transcript/rebuild", sh.rebuildTranscript)

	// Chat
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", ch.submit)
	mux.HandleFunc("POST /api/v1/sessions/{id}/interrupt", ch.interrupt)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", ch.stream)

	// Stats
	mux.HandleFunc("GET /api/v1/stats", st.getStats)

	limiter := newIPLimiter(cfg.RateLimit)

	// Middleware stack (outermost first): Recovery → Logging → RateLimit → Routes
	var handler http.Handler = mux
	handler = rateLimitMiddleware(limiter, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Top-level mux keeps health probes out of the middleware stack so
	// rate limiting never starves the orchestration platform's probes.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.DB, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
