package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/heronchat/heron/internal/session"
)

const (
	defaultListLimit int32 = 50
	maxListLimit     int32 = 200
)

// SessionStore is the slice of the session store the handlers need.
// Satisfied by *session.Store.
type SessionStore interface {
	CreateSession(ctx context.Context, title string) (*session.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error)
	ListSessions(ctx context.Context, limit, offset int32) ([]session.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	GetItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]session.Item, error)
	GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]session.TranscriptEntry, error)
	RebuildTranscript(ctx context.Context, sessionID uuid.UUID) error
}

// sessionHandler serves the session CRUD and history endpoints.
type sessionHandler struct {
	store  SessionStore
	logger *slog.Logger
}

type sessionResponse struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type itemResponse struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type transcriptEntryResponse struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

// pathSessionID parses the {id} path segment. A malformed id gets a 400 and
// returns false.
func (h *sessionHandler) pathSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "session id must be a UUID", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *sessionHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", h.logger)
		return
	}

	sess, err := h.store.CreateSession(r.Context(), req.Title)
	if err != nil {
		h.logger.Error("creating session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session", h.logger)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(sess), h.logger)
}

func (h *sessionHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt32(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt32(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.store.ListSessions(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions", h.logger)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, toSessionResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp}, h.logger)
}

func (h *sessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist", h.logger)
			return
		}
		h.logger.Error("getting session", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get session", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess), h.logger)
}

func (h *sessionHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist", h.logger)
			return
		}
		h.logger.Error("deleting session", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete session", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// getItems returns the ordered context log for a session. This is the
// authoritative history; the transcript endpoint serves the display
// projection.
func (h *sessionHandler) getItems(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	limit := queryInt32(r, "limit", session.DefaultItemLimit)
	items, err := h.store.GetItems(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("getting context items", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get items", h.logger)
		return
	}

	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, itemResponse{
			ID: it.ID, Seq: it.Seq, Kind: it.Kind, Payload: it.Payload, CreatedAt: it.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": resp}, h.logger)
}

func (h *sessionHandler) getTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	entries, err := h.store.GetTranscript(r.Context(), id)
	if err != nil {
		h.logger.Error("getting transcript", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get transcript", h.logger)
		return
	}

	resp := make([]transcriptEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, transcriptEntryResponse{
			Seq: e.Seq, Role: e.Role, Content: e.Content, CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcript": resp}, h.logger)
}

// rebuildTranscript replays the context log into the transcript projection,
// reconciling any divergence from failed best-effort writes.
func (h *sessionHandler) rebuildTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathSessionID(w, r)
	if !ok {
		return
	}

	if err := h.store.RebuildTranscript(r.Context(), id); err != nil {
		h.logger.Error("rebuilding transcript", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to rebuild transcript", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"}, h.logger)
}

// queryInt32 parses an int32 query parameter, falling back on absence or
// malformed input.
func queryInt32(r *http.Request, key string, fallback int32) int32 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}
