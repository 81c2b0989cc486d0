package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx connection behavior the queries need. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so the same query methods run inside
// and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Querier against PostgreSQL.
type Queries struct {
	db DBTX
}

// NewQueries creates a Queries bound to the given connection or pool.
func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to the transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const createSessionSQL = `
INSERT INTO sessions (id, title)
VALUES ($1, $2)
RETURNING id, title, created_at, updated_at`

func (q *Queries) CreateSession(ctx context.Context, title string) (Session, error) {
	var s Session
	row := q.db.QueryRow(ctx, createSessionSQL, uuid.New(), title)
	if err := row.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

const getSessionSQL = `
SELECT id, title, created_at, updated_at
FROM sessions
WHERE id = $1`

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var s Session
	row := q.db.QueryRow(ctx, getSessionSQL, id)
	if err := row.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

const listSessionsSQL = `
SELECT id, title, created_at, updated_at
FROM sessions
ORDER BY updated_at DESC
LIMIT $1 OFFSET $2`

func (q *Queries) ListSessions(ctx context.Context, limit, offset int32) ([]Session, error) {
	rows, err := q.db.Query(ctx, listSessionsSQL, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const deleteSessionSQL = `DELETE FROM sessions WHERE id = $1`

func (q *Queries) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, deleteSessionSQL, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// lockSessionSQL serializes concurrent appenders for one session. Row-level
// FOR UPDATE holds until the surrounding transaction commits, which is what
// makes seq assignment a single serialized writer per session.
const lockSessionSQL = `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`

func (q *Queries) LockSession(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	if err := q.db.QueryRow(ctx, lockSessionSQL, id).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

const maxSeqSQL = `
SELECT COALESCE(MAX(seq), 0)
FROM context_items
WHERE session_id = $1`

func (q *Queries) MaxSeq(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var seq int64
	if err := q.db.QueryRow(ctx, maxSeqSQL, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

const insertContextItemSQL = `
INSERT INTO context_items (id, session_id, seq, kind, payload)
VALUES ($1, $2, $3, $4, $5)`

func (q *Queries) InsertContextItem(ctx context.Context, item Item) error {
	if _, err := q.db.Exec(ctx, insertContextItemSQL,
		item.ID, item.SessionID, item.Seq, item.Kind, item.Payload); err != nil {
		return fmt.Errorf("insert context item: %w", err)
	}
	return nil
}

const getContextItemsSQL = `
SELECT id, session_id, seq, kind, payload, created_at
FROM context_items
WHERE session_id = $1
ORDER BY seq ASC
LIMIT $2`

func (q *Queries) GetContextItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]Item, error) {
	rows, err := q.db.Query(ctx, getContextItemsSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get context items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Seq, &it.Kind, &it.Payload, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

const touchSessionSQL = `UPDATE sessions SET updated_at = now() WHERE id = $1`

func (q *Queries) TouchSession(ctx context.Context, id uuid.UUID) error {
	if _, err := q.db.Exec(ctx, touchSessionSQL, id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

const insertTranscriptEntrySQL = `
INSERT INTO transcript_entries (id, session_id, seq, role, content)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, seq) DO NOTHING`

func (q *Queries) InsertTranscriptEntry(ctx context.Context, e TranscriptEntry) error {
	if _, err := q.db.Exec(ctx, insertTranscriptEntrySQL,
		e.ID, e.SessionID, e.Seq, e.Role, e.Content); err != nil {
		return fmt.Errorf("insert transcript entry: %w", err)
	}
	return nil
}

const getTranscriptSQL = `
SELECT id, session_id, seq, role, content, created_at
FROM transcript_entries
WHERE session_id = $1
ORDER BY seq ASC`

func (q *Queries) GetTranscript(ctx context.Context, sessionID uuid.UUID) ([]TranscriptEntry, error) {
	rows, err := q.db.Query(ctx, getTranscriptSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const clearTranscriptSQL = `DELETE FROM transcript_entries WHERE session_id = $1`

func (q *Queries) ClearTranscript(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := q.db.Exec(ctx, clearTranscriptSQL, sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}
