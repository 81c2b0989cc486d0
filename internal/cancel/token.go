// Package cancel provides a one-shot cooperative cancellation token.
//
// A Token is created per generation task and shared between the orchestrator
// (which signals it) and the task (which observes it). Unlike context.Context,
// a Token carries a human-readable reason and delivers registered callbacks
// synchronously in registration order, which the orchestrator relies on to
// notify connected clients before teardown begins.
package cancel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCancelled is the sentinel returned by Check on a cancelled token.
// Callers treat it as a first-class control-flow outcome, not an anomaly.
var ErrCancelled = errors.New("cancelled")

// Token is a one-shot cooperative cancellation signal.
//
// The zero value is not useful; use New. Token is safe for concurrent use.
// Once cancelled a token stays cancelled; Reset exists only for token reuse
// in tests and session-deletion cleanup, never on the live orchestration path.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
	reason    string
	callbacks []func(reason string)
	logger    *slog.Logger
}

// New creates a Token. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Token {
	if logger == nil {
		logger = slog.Default()
	}
	return &Token{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Cancel flips the token to cancelled and invokes every registered callback
// synchronously in registration order. The first call wins: subsequent calls
// are no-ops and do not overwrite the reason.
//
// A panicking callback is recovered and logged so one misbehaving observer
// cannot block the rest of the chain.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.reason = reason
	callbacks := t.callbacks
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		t.invoke(cb, reason)
	}
}

func (t *Token) invoke(cb func(reason string), reason string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("cancellation callback panicked", "panic", r, "reason", reason)
		}
	}()
	cb(reason)
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the reason passed to the first Cancel call, or "" if the
// token is not cancelled.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// OnCancel registers a callback to run when the token is cancelled.
// If the token is already cancelled the callback fires immediately on the
// calling goroutine, so there is no missed-signal window.
func (t *Token) OnCancel(cb func(reason string)) {
	t.mu.Lock()
	if t.cancelled {
		reason := t.reason
		t.mu.Unlock()
		t.invoke(cb, reason)
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// Done returns a channel that is closed when the token is cancelled.
// Intended for select loops alongside other channels.
func (t *Token) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Wait blocks until the token is cancelled or the timeout elapses.
// It returns true if cancellation occurred. A non-positive timeout waits
// indefinitely.
func (t *Token) Wait(timeout time.Duration) bool {
	done := t.Done()
	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Check returns an error wrapping ErrCancelled if the token is cancelled,
// nil otherwise. Intended for tight streaming loops that cannot suspend:
// call Check between externally visible steps and bail out on error.
func (t *Token) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return nil
	}
	if t.reason == "" {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %s", ErrCancelled, t.reason)
}

// Reset returns the token to its uncancelled state and drops all registered
// callbacks.
//
// Reset exists for token reuse in tests and for session-deletion cleanup
// flows. Live orchestration always creates a fresh token per task.
func (t *Token) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		t.done = make(chan struct{})
	}
	t.cancelled = false
	t.reason = ""
	t.callbacks = nil
}
