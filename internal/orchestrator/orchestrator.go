// Package orchestrator enforces the central invariant of the service: at most
// one active generation task per session.
//
// Submit for a session with a running task drains the predecessor first:
// cancel its token, wait a bounded grace period for it to observe the signal,
// escalate to forced termination if it does not. Only after the predecessor
// reaches a terminal state does the successor start, so two tasks never
// interleave writes to the same session's context log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/heronchat/heron/internal/cancel"
	"github.com/heronchat/heron/internal/session"
)

// ErrSessionBusy indicates another Submit for the same session is currently
// draining its predecessor. Transient: the caller should retry shortly.
var ErrSessionBusy = errors.New("session busy, retry shortly")

// State of a session's task slot.
type State string

const (
	// StateNone means no task exists for the session.
	StateNone State = "none"
	// StateRunning means a generation task is active.
	StateRunning State = "running"
	// StateDraining means cancellation has been requested and the
	// orchestrator is waiting for the task to observe it and exit.
	StateDraining State = "draining"
)

// Status of one generation task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ContextStore is the slice of the session store the orchestrator needs.
type ContextStore interface {
	AppendItems(ctx context.Context, sessionID uuid.UUID, items []session.Item) error
	GetItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]session.Item, error)
}

// Notifier delivers stream events to every connection of a session.
// Implemented by registry.Registry.
type Notifier interface {
	Send(sessionID string, event string, payload any)
}

// Tools is the scoped set of tool-server handles checked out for one task.
// Release returns every handle to the pool and is idempotent.
type Tools interface {
	Invoke(ctx context.Context, key, tool string, args map[string]any) (string, error)
	Release(ctx context.Context)
}

// ToolSource checks out a Tools set for a task. Checkout failures surface the
// pool's sentinel errors (pool.ErrExhausted, pool.ErrUnknownKey).
type ToolSource interface {
	Checkout(ctx context.Context) (Tools, error)
}

// Request carries everything a Generator needs for one task.
type Request struct {
	SessionID uuid.UUID
	Message   string
	History   []session.Item
	Token     *cancel.Token
	Tools     Tools
}

// Generator produces the streamed assistant response. Implementations must
// poll req.Token (Check between chunks and tool calls) so an interrupt is
// observed within a bounded number of steps. The returned items are appended
// to the context log by the task on completion.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(chunk string)) ([]session.Item, error)
}

// Config tunes the orchestrator. Zero values pick defaults.
type Config struct {
	// DrainGrace bounds how long a cancelled task may take to exit before
	// the orchestrator escalates to forced termination.
	DrainGrace time.Duration

	// HistoryLimit caps how much context log is loaded per task.
	HistoryLimit int32
}

// DefaultDrainGrace is the default bounded wait for a draining task.
const DefaultDrainGrace = 5 * time.Second

// Orchestrator owns the per-session task slots. Safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	gen      Generator
	store    ContextStore
	notifier Notifier
	tools    ToolSource
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[uuid.UUID]*task
	// replacing marks sessions whose Submit is mid-drain, so a racing
	// Submit fails fast with ErrSessionBusy instead of stacking up.
	replacing map[uuid.UUID]bool
}

// task is one generation run. At most one non-terminal task exists per
// session at any instant.
type task struct {
	sessionID uuid.UUID
	token     *cancel.Token
	done      chan struct{}
	forceStop context.CancelFunc

	// abandoned is set when drain gives up on the task. An abandoned task
	// has lost its slot to a successor and must not write to the session's
	// context log anymore.
	abandoned atomic.Bool

	mu     sync.Mutex
	status Status
}

func (t *task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *task) terminal() bool {
	switch t.Status() {
	case StatusInterrupted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// New creates an Orchestrator. All collaborators are constructor-injected;
// there are no package-level singletons.
func New(cfg Config, gen Generator, store ContextStore, notifier Notifier, tools ToolSource, logger *slog.Logger) *Orchestrator {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = session.DefaultItemLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		gen:       gen,
		store:     store,
		notifier:  notifier,
		tools:     tools,
		logger:    logger,
		slots:     make(map[uuid.UUID]*task),
		replacing: make(map[uuid.UUID]bool),
	}
}

// SessionState reports the slot state for a session.
func (o *Orchestrator) SessionState(sessionID uuid.UUID) State {
	o.mu.Lock()
	t, ok := o.slots[sessionID]
	o.mu.Unlock()
	if !ok || t.terminal() {
		return StateNone
	}
	if t.token.Cancelled() {
		return StateDraining
	}
	return StateRunning
}

// ActiveTasks returns the number of sessions with a non-terminal task.
func (o *Orchestrator) ActiveTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots)
}

// Submit starts a generation task for the message. If the session already has
// an active task it is drained first; the new task starts only after the old
// one reaches a terminal state. On a start failure (tool pool exhaustion, a
// concurrent Submit mid-drain) the session is left at StateNone — never
// wedged in Draining.
func (o *Orchestrator) Submit(ctx context.Context, sessionID uuid.UUID, message string) error {
	o.mu.Lock()
	if o.replacing[sessionID] {
		o.mu.Unlock()
		return ErrSessionBusy
	}
	prev := o.slots[sessionID]
	o.replacing[sessionID] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.replacing, sessionID)
		o.mu.Unlock()
	}()

	if prev != nil {
		if err := o.drain(ctx, prev, "superseded by new message"); err != nil {
			return err
		}
	}

	// Checkout before the task exists so exhaustion surfaces synchronously
	// to the caller as a retryable error.
	tools, err := o.tools.Checkout(ctx)
	if err != nil {
		return fmt.Errorf("checkout tool servers: %w", err)
	}

	taskCtx, forceStop := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		sessionID: sessionID,
		token:     cancel.New(o.logger),
		done:      make(chan struct{}),
		forceStop: forceStop,
		status:    StatusPending,
	}

	o.mu.Lock()
	o.slots[sessionID] = t
	o.mu.Unlock()

	go o.run(taskCtx, t, message, tools)
	return nil
}

// Interrupt signals cancellation of the session's active task and immediately
// notifies connected clients, independent of how long teardown takes. It
// returns false if no task was active (a no-op, not an error).
func (o *Orchestrator) Interrupt(sessionID uuid.UUID) bool {
	o.mu.Lock()
	t, ok := o.slots[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	// Clients hear about the interrupt before teardown starts so perceived
	// latency stays low.
	o.notifier.Send(sessionID.String(), "interrupted", map[string]string{
		"session_id": sessionID.String(),
	})
	t.token.Cancel("interrupted by user")
	return true
}

// drain cancels a task and waits for it to reach a terminal state. If the
// grace period expires the task's context is cancelled (forced termination);
// if it still does not exit within a second grace period it is abandoned with
// an error log so the session can make progress.
func (o *Orchestrator) drain(ctx context.Context, t *task, reason string) error {
	t.token.Cancel(reason)

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.DrainGrace):
	}

	// DrainTimeout: the generator is not checking its token often enough.
	o.logger.Warn("drain grace period exceeded, forcing termination",
		"session_id", t.sessionID, "grace", o.cfg.DrainGrace)
	t.forceStop()

	select {
	case <-t.done:
		return nil
	case <-time.After(o.cfg.DrainGrace):
		o.logger.Error("task ignored forced termination, abandoning",
			"session_id", t.sessionID)
		t.abandoned.Store(true)
		o.clearSlot(t)
		return nil
	}
}

func (o *Orchestrator) clearSlot(t *task) {
	o.mu.Lock()
	if o.slots[t.sessionID] == t {
		delete(o.slots, t.sessionID)
	}
	o.mu.Unlock()
}

// run executes one generation task. It owns the task's tool leases and
// releases them on every exit path.
func (o *Orchestrator) run(ctx context.Context, t *task, message string, tools Tools) {
	defer close(t.done)
	defer o.clearSlot(t)
	defer tools.Release(context.WithoutCancel(ctx))

	sid := t.sessionID

	userItem := session.NewMessageItem(session.KindUserMessage, "user", message)
	if err := o.store.AppendItems(ctx, sid, []session.Item{userItem}); err != nil {
		o.fail(t, "append user message", err)
		return
	}

	history, err := o.store.GetItems(ctx, sid, o.cfg.HistoryLimit)
	if err != nil {
		o.fail(t, "load history", err)
		return
	}

	t.setStatus(StatusRunning)

	emit := func(chunk string) {
		o.notifier.Send(sid.String(), "chunk", map[string]string{"text": chunk})
	}

	items, err := o.gen.Generate(ctx, Request{
		SessionID: sid,
		Message:   message,
		History:   history,
		Token:     t.token,
		Tools:     tools,
	}, emit)

	switch {
	case err == nil:
		if err := o.store.AppendItems(ctx, sid, items); err != nil {
			o.fail(t, "append response", err)
			return
		}
		t.setStatus(StatusCompleted)
		o.notifier.Send(sid.String(), "done", map[string]string{"session_id": sid.String()})

	case errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled):
		// An abandoned task has already been replaced; its successor may be
		// writing to the context log, so the partial output is discarded
		// rather than interleaved after the successor's items.
		if t.abandoned.Load() {
			o.logger.Warn("abandoned task exited, discarding partial output", "session_id", sid)
			t.setStatus(StatusInterrupted)
			return
		}
		// The task, not the orchestrator, records the partial marker so it
		// lands after everything the task already wrote. The append runs on
		// an uncancelled context: the marker must survive the interrupt.
		marker := session.NewMessageItem(session.KindInterrupted, "assistant", "response interrupted")
		partial := append(items, marker)
		if err := o.store.AppendItems(context.WithoutCancel(ctx), sid, partial); err != nil {
			o.logger.Warn("appending interrupted marker failed", "session_id", sid, "error", err)
		}
		t.setStatus(StatusInterrupted)

	default:
		o.fail(t, "generate", err)
	}
}

func (o *Orchestrator) fail(t *task, stage string, err error) {
	o.logger.Error("generation task failed", "session_id", t.sessionID, "stage", stage, "error", err)
	t.setStatus(StatusFailed)
	o.notifier.Send(t.sessionID.String(), "error", map[string]string{
		"code":    "generation_failed",
		"message": err.Error(),
	})
}

// Shutdown interrupts every active task and waits up to the drain grace for
// each to exit. Called from process shutdown glue.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	tasks := make([]*task, 0, len(o.slots))
	for _, t := range o.slots {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		if err := o.drain(ctx, t, "server shutting down"); err != nil {
			o.logger.Warn("drain during shutdown", "session_id", t.sessionID, "error", err)
		}
	}
}
