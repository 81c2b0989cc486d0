package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier defines the database operations the store needs. Interfaces are
// defined by the consumer, not the provider, so tests can substitute an
// in-memory fake for Queries.
type Querier interface {
	CreateSession(ctx context.Context, title string) (Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	ListSessions(ctx context.Context, limit, offset int32) ([]Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	LockSession(ctx context.Context, id uuid.UUID) error
	MaxSeq(ctx context.Context, sessionID uuid.UUID) (int64, error)
	InsertContextItem(ctx context.Context, item Item) error
	GetContextItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]Item, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	InsertTranscriptEntry(ctx context.Context, e TranscriptEntry) error
	GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]TranscriptEntry, error)
	ClearTranscript(ctx context.Context, sessionID uuid.UUID) error
}

// DefaultItemLimit bounds GetItems when the caller passes no limit.
const DefaultItemLimit int32 = 1000

// Store manages the dual-layer conversation state.
//
// Layer 1 appends run in a single transaction per call with a per-session row
// lock, so seq assignment is a serialized writer even if two tasks overlap
// transiently during a drain/replace. Layer 2 writes happen only after Layer 1
// commits and their failure is logged, never propagated and never rolled back
// into Layer 1: availability over consistency, because Layer 2 is a read
// optimization, not the source of truth.
//
// Store is safe for concurrent use.
type Store struct {
	querier Querier
	pool    *pgxpool.Pool // nil in unit tests; enables the transactional path
	logger  *slog.Logger
}

// New creates a Store.
//
// In production pass NewQueries(pool) and the pool itself; in tests pass a
// fake Querier and a nil pool, which selects a non-transactional append path
// that relies on the test's own serialization.
func New(querier Querier, pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{querier: querier, pool: pool, logger: logger}
}

// CreateSession creates a new conversation session.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	sess, err := s.querier.CreateSession(ctx, title)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("created session", "id", sess.ID, "title", sess.Title)
	return &sess, nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.querier.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit, offset int32) ([]Session, error) {
	return s.querier.ListSessions(ctx, limit, offset)
}

// DeleteSession deletes a session and, via cascade, its context log and
// transcript.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	if err := s.querier.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// AppendItems appends items to the Layer 1 context log in a single
// transaction, assigning consecutive seq values after the session's current
// maximum. After the transaction commits, the displayable items are projected
// into Layer 2 best-effort.
func (s *Store) AppendItems(ctx context.Context, sessionID uuid.UUID, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	appended, err := s.appendLayer1(ctx, sessionID, items)
	if err != nil {
		return err
	}

	s.projectTranscript(ctx, appended)

	s.logger.Debug("appended context items", "session_id", sessionID, "count", len(appended))
	return nil
}

func (s *Store) appendLayer1(ctx context.Context, sessionID uuid.UUID, items []Item) ([]Item, error) {
	// Unit tests run without a pool; they provide their own serialization.
	if s.pool == nil {
		return s.appendWith(ctx, s.querier, sessionID, items)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil {
			s.logger.Debug("transaction rollback (may be already committed)", "error", err)
		}
	}()

	q := NewQueries(nil).WithTx(tx)

	// Row-level lock serializes seq assignment per session for the life of
	// the transaction.
	if err := q.LockSession(ctx, sessionID); err != nil {
		return nil, err
	}

	appended, err := s.appendWith(ctx, q, sessionID, items)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return appended, nil
}

func (s *Store) appendWith(ctx context.Context, q Querier, sessionID uuid.UUID, items []Item) ([]Item, error) {
	maxSeq, err := q.MaxSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	appended := make([]Item, 0, len(items))
	for i, item := range items {
		item.SessionID = sessionID
		item.Seq = maxSeq + int64(i) + 1
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if err := q.InsertContextItem(ctx, item); err != nil {
			return nil, fmt.Errorf("insert item %d: %w", i, err)
		}
		appended = append(appended, item)
	}

	if err := q.TouchSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return appended, nil
}

// projectTranscript writes the Layer 2 rows for the given Layer 1 items.
// Failures are logged and swallowed; RebuildTranscript repairs divergence.
func (s *Store) projectTranscript(ctx context.Context, items []Item) {
	for _, item := range items {
		entry, ok := projectItem(item)
		if !ok {
			continue
		}
		entry.ID = uuid.New()
		if err := s.querier.InsertTranscriptEntry(ctx, entry); err != nil {
			s.logger.Warn("transcript projection failed",
				"session_id", item.SessionID, "seq", item.Seq, "error", err)
		}
	}
}

// GetItems returns the Layer 1 context log ordered by seq. This is the only
// data the generation step may treat as authoritative conversation history.
// A non-positive limit applies DefaultItemLimit.
func (s *Store) GetItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]Item, error) {
	if limit <= 0 {
		limit = DefaultItemLimit
	}
	return s.querier.GetContextItems(ctx, sessionID, limit)
}

// GetTranscript returns the Layer 2 projection ordered by seq. May lag
// Layer 1; call RebuildTranscript to reconcile.
func (s *Store) GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]TranscriptEntry, error) {
	return s.querier.GetTranscript(ctx, sessionID)
}

// RebuildTranscript drops the Layer 2 projection for the session and replays
// it from Layer 1. Because Layer 1 is the source of truth, this always
// converges the two layers.
func (s *Store) RebuildTranscript(ctx context.Context, sessionID uuid.UUID) error {
	items, err := s.querier.GetContextItems(ctx, sessionID, DefaultItemLimit)
	if err != nil {
		return err
	}
	if err := s.querier.ClearTranscript(ctx, sessionID); err != nil {
		return err
	}
	for _, item := range items {
		entry, ok := projectItem(item)
		if !ok {
			continue
		}
		entry.ID = uuid.New()
		if err := s.querier.InsertTranscriptEntry(ctx, entry); err != nil {
			return fmt.Errorf("rebuild transcript seq %d: %w", item.Seq, err)
		}
	}
	s.logger.Info("rebuilt transcript", "session_id", sessionID, "items", len(items))
	return nil
}
