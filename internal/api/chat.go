package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heronchat/heron/internal/orchestrator"
	"github.com/heronchat/heron/internal/pool"
	"github.com/heronchat/heron/internal/registry"
	"github.com/heronchat/heron/internal/session"
	"github.com/heronchat/heron/internal/sse"
)

// defaultKeepAlive is the SSE keep-alive probe interval. Probes double as
// liveness checks: a failed write tears the connection down.
const defaultKeepAlive = 15 * time.Second

// maxMessageBytes bounds a single submitted message.
const maxMessageBytes = 64 * 1024

// TaskOrchestrator is the slice of the orchestrator the handlers need.
// Satisfied by *orchestrator.Orchestrator.
type TaskOrchestrator interface {
	Submit(ctx context.Context, sessionID uuid.UUID, message string) error
	Interrupt(sessionID uuid.UUID) bool
	SessionState(sessionID uuid.UUID) orchestrator.State
	ActiveTasks() int
}

// Streams is the slice of the connection registry the handlers need.
// Satisfied by *registry.Registry.
type Streams interface {
	Register(sessionID string, conn registry.Conn) uuid.UUID
	Unregister(sessionID string, id uuid.UUID)
	Touch(sessionID string, id uuid.UUID)
	StatsSnapshot() registry.Stats
}

// chatHandler serves message submission, interruption, and the SSE stream.
type chatHandler struct {
	store     SessionStore
	orch      TaskOrchestrator
	streams   Streams
	keepAlive time.Duration
	logger    *slog.Logger
}

// submit accepts a message for generation. The work is asynchronous: the
// response acknowledges acceptance and the output arrives on the session's
// stream connections.
func (h *chatHandler) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", h.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "empty_message", "message must not be empty", h.logger)
		return
	}

	err := h.orch.Submit(r.Context(), id, req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"session_id": id.String(),
		}, h.logger)

	case errors.Is(err, orchestrator.ErrSessionBusy):
		// A concurrent submit is mid-drain for this session. Transient.
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "session_busy", "another message is being processed, retry shortly", h.logger)

	case errors.Is(err, pool.ErrExhausted):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "resources_exhausted", "all tool server instances are in use, retry later", h.logger)

	default:
		h.logger.Error("submitting message", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to submit message", h.logger)
	}
}

// interrupt cancels the session's active generation task. Interrupting an
// idle session is a no-op, reported in the response rather than an error.
func (h *chatHandler) interrupt(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}

	interrupted := h.orch.Interrupt(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"interrupted": interrupted,
		"state":       h.orch.SessionState(id),
	}, h.logger)
}

// stream registers an SSE connection for the session and blocks until the
// client disconnects or the registry evicts the connection. Multiple
// concurrent streams per session are allowed; each receives every event.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming", h.logger)
		return
	}

	conn := newSSEConn(writer)
	connID := h.streams.Register(id.String(), conn)
	defer h.streams.Unregister(id.String(), connID)
	// Close before unregistering: a fan-out that snapshotted this connection
	// concurrently with our return must observe the closed state instead of
	// writing to a ResponseWriter the server has already reclaimed.
	defer conn.Close()

	// Confirm the subscription before any events arrive.
	if err := writer.WriteEvent("connected", map[string]string{
		"session_id": id.String(),
		"state":      string(h.orch.SessionState(id)),
	}); err != nil {
		return
	}

	keepAlive := h.keepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.closed:
			// Evicted by the registry (idle sweep or shutdown).
			return
		case <-ticker.C:
			if err := writer.WriteComment("keep-alive"); err != nil {
				h.logger.Debug("keep-alive failed, closing stream", "session_id", id, "error", err)
				return
			}
			h.streams.Touch(id.String(), connID)
		}
	}
}

// sessionFromPath parses {id} and verifies the session exists.
func (h *chatHandler) sessionFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "session id must be a UUID", h.logger)
		return uuid.Nil, false
	}

	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist", h.logger)
			return uuid.Nil, false
		}
		h.logger.Error("loading session", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load session", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

// sseConn adapts an sse.Writer to the registry's connection interface. Close
// unblocks the stream handler, which owns the underlying ResponseWriter and
// finishes the HTTP exchange by returning.
//
// The mutex is held across both the closed check and the write: once Close
// returns, no Send can touch the ResponseWriter again. Writing after the
// handler has returned is undefined behavior in net/http, and the stream
// handler closes the connection on its way out for exactly this reason.
type sseConn struct {
	w      *sse.Writer
	closed chan struct{}

	mu   sync.Mutex
	done bool
}

var errConnClosed = errors.New("connection closed")

func newSSEConn(w *sse.Writer) *sseConn {
	return &sseConn{w: w, closed: make(chan struct{})}
}

func (c *sseConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return errConnClosed
	}
	return c.w.WriteEvent(event, payload)
}

// Close marks the connection dead and wakes the stream handler. Idempotent;
// any Send that starts afterwards fails without touching the writer.
func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.closed)
	}
	return nil
}
