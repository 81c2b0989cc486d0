// Package pool provides a bounded, pre-spawned pool of tool-server handles.
//
// Spawning a tool-server process is expensive, so the pool spawns every handle
// up front (Initialize) and requests only pay checkout cost. Each resource key
// (a tool-server type such as "search" or "fetch") owns an independently sized
// sub-pool. Handles are exclusively owned by the holder of a Lease between
// Acquire and Release; the pool owns only bookkeeping.
//
// Acquisition is as fair as channel receive ordering; under sustained overload
// callers see ErrExhausted, which is a normal retryable condition rather than
// a bug.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrExhausted indicates no idle handle became available within the
	// acquire timeout. Retryable.
	ErrExhausted = errors.New("resource pool exhausted")

	// ErrUnknownKey indicates the resource key was never initialized.
	// A configuration error, fatal to the call but not the process.
	ErrUnknownKey = errors.New("unknown resource key")

	// ErrClosed indicates the pool has been shut down.
	ErrClosed = errors.New("resource pool closed")
)

// Spawner creates and destroys worker handles for a resource key.
// Implementations may fail transiently; Initialize treats a failed spawn as a
// logged omission, not a fatal error.
type Spawner[H any] interface {
	Spawn(ctx context.Context, key string) (H, error)
	Teardown(ctx context.Context, handle H) error
}

// Stats describes one sub-pool for health and readiness endpoints.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

// entry wraps a spawned handle. It lives in exactly one place at a time:
// the sub-pool's idle channel, or the Lease of whoever checked it out.
type entry[H any] struct {
	key    string
	handle H
}

type subpool[H any] struct {
	size int
	idle chan *entry[H]

	mu    sync.Mutex
	total int // idle + checked out; never exceeds size
}

// Pool is a fixed-size pool of pre-spawned worker handles per resource key.
// Safe for concurrent use.
type Pool[H any] struct {
	spawner Spawner[H]
	logger  *slog.Logger

	mu     sync.Mutex
	keys   map[string]*subpool[H]
	closed bool
}

// New creates an empty pool. Call Initialize to populate sub-pools.
func New[H any](spawner Spawner[H], logger *slog.Logger) *Pool[H] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[H]{
		spawner: spawner,
		logger:  logger,
		keys:    make(map[string]*subpool[H]),
	}
}

// Initialize spawns size handles for each key concurrently. A handle that
// fails to spawn is logged and omitted; the sub-pool simply starts smaller.
// Keys that are already initialized are skipped, so Initialize is idempotent.
func (p *Pool[H]) Initialize(ctx context.Context, keys []string, size int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fresh := make([]*subpool[H], 0, len(keys))
	freshKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := p.keys[key]; ok {
			continue
		}
		sp := &subpool[H]{
			size: size,
			idle: make(chan *entry[H], size),
		}
		p.keys[key] = sp
		fresh = append(fresh, sp)
		freshKeys = append(freshKeys, key)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range fresh {
		key := freshKeys[i]
		for range size {
			g.Go(func() error {
				handle, err := p.spawner.Spawn(gctx, key)
				if err != nil {
					// Best effort: the pool runs with fewer entries.
					p.logger.Warn("tool server spawn failed", "key", key, "error", err)
					return nil
				}

				// The insert happens under the pool lock so it cannot race
				// Shutdown's drain: either the entry lands before Shutdown
				// collects the sub-pools, or the spawn observes the closed
				// pool and tears the handle down itself.
				p.mu.Lock()
				if p.closed {
					p.mu.Unlock()
					if err := p.spawner.Teardown(gctx, handle); err != nil {
						p.logger.Warn("tool server teardown failed", "key", key, "error", err)
					}
					return nil
				}
				sp.mu.Lock()
				sp.total++
				sp.mu.Unlock()
				sp.idle <- &entry[H]{key: key, handle: handle}
				p.mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

// Acquire checks out an idle handle for key, blocking until one is available
// or timeout elapses. On timeout it returns ErrExhausted; on an unknown key,
// ErrUnknownKey. The returned Lease must be released exactly once (extra
// releases are no-ops).
func (p *Pool[H]) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lease[H], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	sp, ok := p.keys[key]
	p.mu.Unlock()
	if !ok {
		return nil, ErrUnknownKey
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-sp.idle:
		return &Lease[H]{pool: p, sub: sp, entry: e}, nil
	case <-timer.C:
		return nil, ErrExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcquireMany checks out one handle for each key, in order. If any
// acquisition fails, every handle acquired so far is released before the
// error is returned, so a partial batch can never leak.
func (p *Pool[H]) AcquireMany(ctx context.Context, keys []string, timeout time.Duration) (*LeaseSet[H], error) {
	set := &LeaseSet[H]{leases: make(map[string]*Lease[H], len(keys))}
	for _, key := range keys {
		lease, err := p.Acquire(ctx, key, timeout)
		if err != nil {
			set.Release(ctx)
			return nil, err
		}
		set.leases[key] = lease
	}
	return set, nil
}

// Shutdown tears down every idle handle across every key and marks the pool
// closed. Teardown failures are logged, never propagated: shutdown completes
// regardless. Handles still checked out are torn down when their lease is
// released.
func (p *Pool[H]) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := make([]*subpool[H], 0, len(p.keys))
	for _, sp := range p.keys {
		subs = append(subs, sp)
	}
	p.mu.Unlock()

	for _, sp := range subs {
	drain:
		for {
			select {
			case e := <-sp.idle:
				sp.mu.Lock()
				sp.total--
				sp.mu.Unlock()
				if err := p.spawner.Teardown(ctx, e.handle); err != nil {
					p.logger.Warn("tool server teardown failed", "key", e.key, "error", err)
				}
			default:
				break drain
			}
		}
	}
}

// StatsByKey reports total and available handle counts per resource key.
func (p *Pool[H]) StatsByKey() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Stats, len(p.keys))
	for key, sp := range p.keys {
		sp.mu.Lock()
		out[key] = Stats{Total: sp.total, Available: len(sp.idle)}
		sp.mu.Unlock()
	}
	return out
}

// Lease is an exclusively held pool entry. Modeled after pgxpool.Conn:
// Release returns the handle to the pool and is safe to call more than once,
// which tolerates double-release from overlapping error-handling paths.
type Lease[H any] struct {
	pool     *Pool[H]
	sub      *subpool[H]
	entry    *entry[H]
	released atomic.Bool
}

// Handle returns the underlying worker handle. Valid until Release or Discard.
func (l *Lease[H]) Handle() H {
	return l.entry.handle
}

// Key returns the resource key this lease was acquired for.
func (l *Lease[H]) Key() string {
	return l.entry.key
}

// Release returns the handle to the pool. Idempotent. If the pool has shut
// down in the meantime the handle is torn down instead of returned.
func (l *Lease[H]) Release(ctx context.Context) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}

	l.pool.mu.Lock()
	closed := l.pool.closed
	l.pool.mu.Unlock()

	if closed {
		l.sub.mu.Lock()
		l.sub.total--
		l.sub.mu.Unlock()
		if err := l.pool.spawner.Teardown(ctx, l.entry.handle); err != nil {
			l.pool.logger.Warn("tool server teardown failed", "key", l.entry.key, "error", err)
		}
		return
	}

	l.sub.idle <- l.entry
}

// Discard removes a failed handle from the pool instead of returning it,
// tears it down, and spawns a replacement best-effort so the sub-pool keeps
// its configured size. Idempotent with Release.
func (l *Lease[H]) Discard(ctx context.Context) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}

	key := l.entry.key
	l.sub.mu.Lock()
	l.sub.total--
	l.sub.mu.Unlock()

	if err := l.pool.spawner.Teardown(ctx, l.entry.handle); err != nil {
		l.pool.logger.Warn("tool server teardown failed", "key", key, "error", err)
	}

	l.pool.mu.Lock()
	closed := l.pool.closed
	l.pool.mu.Unlock()
	if closed {
		return
	}

	handle, err := l.pool.spawner.Spawn(ctx, key)
	if err != nil {
		p := l.pool
		p.logger.Warn("tool server respawn failed", "key", key, "error", err)
		return
	}
	l.sub.mu.Lock()
	l.sub.total++
	l.sub.mu.Unlock()
	l.sub.idle <- &entry[H]{key: key, handle: handle}
}

// LeaseSet is a batch of leases acquired together via AcquireMany.
type LeaseSet[H any] struct {
	leases map[string]*Lease[H]
}

// Handle returns the handle acquired for key. The second return is false if
// the key was not part of the batch.
func (s *LeaseSet[H]) Handle(key string) (H, bool) {
	lease, ok := s.leases[key]
	if !ok {
		var zero H
		return zero, false
	}
	return lease.Handle(), true
}

// Release returns every lease in the set to the pool. Idempotent.
func (s *LeaseSet[H]) Release(ctx context.Context) {
	for _, lease := range s.leases {
		lease.Release(ctx)
	}
}
