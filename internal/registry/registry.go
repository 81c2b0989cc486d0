// Package registry tracks live client connections per session and delivers
// streamed output to them.
//
// Many connections may be registered for one session (multiple tabs or
// devices). Connections are exclusively owned by the registry: the
// orchestrator and generation tasks refer to sessions by id only, which keeps
// idle eviction safe. The registry lock guards bookkeeping exclusively; all
// network I/O (sends, closes) happens outside it.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is one client connection capable of receiving stream events.
// Implemented by the SSE connection in internal/api.
type Conn interface {
	// Send delivers one message to the client. An error marks the
	// connection as gone; it is evicted but siblings still receive.
	Send(event string, payload any) error

	// Close releases the underlying transport. Called during idle eviction
	// and registry shutdown.
	Close() error
}

// Stats describes the registry for health endpoints.
type Stats struct {
	ConnectionCount int `json:"connection_count"`
	SessionCount    int `json:"session_count"`
}

type connEntry struct {
	conn         Conn
	sessionID    string
	lastActivity time.Time
}

// Registry maintains the session to connection-set mapping.
// Safe for concurrent use.
type Registry struct {
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time // test seam

	mu       sync.Mutex
	sessions map[string]map[uuid.UUID]*connEntry

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a Registry. Connections inactive for longer than idleTimeout
// are closed by the periodic sweep (see Start).
func New(idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		idleTimeout: idleTimeout,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]map[uuid.UUID]*connEntry),
	}
}

// Register adds a connection for the session and returns its id.
func (r *Registry) Register(sessionID string, conn Conn) uuid.UUID {
	id := uuid.New()

	r.mu.Lock()
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[uuid.UUID]*connEntry)
		r.sessions[sessionID] = set
	}
	set[id] = &connEntry{conn: conn, sessionID: sessionID, lastActivity: r.now()}
	r.mu.Unlock()

	r.logger.Debug("connection registered", "session_id", sessionID, "conn_id", id)
	return id
}

// Unregister removes a connection. Removing an unknown connection is a no-op,
// which tolerates disconnects racing with idle eviction.
func (r *Registry) Unregister(sessionID string, id uuid.UUID) {
	r.mu.Lock()
	if set, ok := r.sessions[sessionID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()
}

// Touch records activity on a connection, deferring its idle eviction.
func (r *Registry) Touch(sessionID string, id uuid.UUID) {
	r.mu.Lock()
	if set, ok := r.sessions[sessionID]; ok {
		if e, ok := set[id]; ok {
			e.lastActivity = r.now()
		}
	}
	r.mu.Unlock()
}

// Send fans a message out to every connection registered for the session,
// best-effort. A failed send evicts that connection but does not affect
// delivery to its siblings. Sending to a session with no connections is not
// an error.
func (r *Registry) Send(sessionID string, event string, payload any) {
	type target struct {
		id   uuid.UUID
		conn Conn
	}

	r.mu.Lock()
	targets := make([]target, 0, len(r.sessions[sessionID]))
	for id, e := range r.sessions[sessionID] {
		targets = append(targets, target{id: id, conn: e.conn})
	}
	r.mu.Unlock()

	for _, tg := range targets {
		if err := tg.conn.Send(event, payload); err != nil {
			r.logger.Debug("connection gone, evicting", "session_id", sessionID, "conn_id", tg.id, "error", err)
			r.Unregister(sessionID, tg.id)
			_ = tg.conn.Close()
		} else {
			r.Touch(sessionID, tg.id)
		}
	}
}

// StatsSnapshot returns current connection and session counts.
func (r *Registry) StatsSnapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, set := range r.sessions {
		total += len(set)
	}
	return Stats{ConnectionCount: total, SessionCount: len(r.sessions)}
}

// SweepInterval returns the cadence of the idle sweep: half the idle timeout,
// capped at one minute so a long timeout still gets timely reclamation.
func (r *Registry) SweepInterval() time.Duration {
	interval := r.idleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Start launches the periodic idle sweep. Call Stop to terminate it.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.sweepStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.sweepStop = stop
	r.sweepDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepIdle()
			case <-stop:
				return
			}
		}
	}()
}

// Stop terminates the idle sweep goroutine and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop, done := r.sweepStop, r.sweepDone
	r.sweepStop, r.sweepDone = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// SweepIdle evicts every connection whose last activity exceeds the idle
// timeout. The candidate set is computed under the lock; the closes happen
// outside it so a stalled client cannot wedge registration.
func (r *Registry) SweepIdle() {
	cutoff := r.now().Add(-r.idleTimeout)

	type stale struct {
		id        uuid.UUID
		sessionID string
		conn      Conn
	}

	r.mu.Lock()
	var victims []stale
	for sessionID, set := range r.sessions {
		for id, e := range set {
			if e.lastActivity.Before(cutoff) {
				victims = append(victims, stale{id: id, sessionID: sessionID, conn: e.conn})
			}
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.Unregister(v.sessionID, v.id)
		if err := v.conn.Close(); err != nil {
			r.logger.Debug("closing idle connection", "conn_id", v.id, "error", err)
		}
		r.logger.Info("evicted idle connection", "session_id", v.sessionID, "conn_id", v.id)
	}
}

// CloseAll evicts and closes every connection. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var conns []Conn
	for _, set := range r.sessions {
		for _, e := range set {
			conns = append(conns, e.conn)
		}
	}
	r.sessions = make(map[string]map[uuid.UUID]*connEntry)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
