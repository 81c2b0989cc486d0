package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heronchat/heron/internal/log"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn records sends and can be made to fail.
type fakeConn struct {
	mu     sync.Mutex
	events []string
	failed bool
	closed bool
}

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSend_FansOutToAllSessionConnections(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	tab1, tab2, other := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Register("s1", tab1)
	r.Register("s1", tab2)
	r.Register("s2", other)

	r.Send("s1", "chunk", map[string]string{"text": "hi"})

	if tab1.eventCount() != 1 || tab2.eventCount() != 1 {
		t.Errorf("s1 connections received %d/%d events, want 1/1", tab1.eventCount(), tab2.eventCount())
	}
	if other.eventCount() != 0 {
		t.Errorf("s2 connection received %d events, want 0", other.eventCount())
	}
}

func TestSend_FailureEvictsOnlyThatConnection(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	broken := &fakeConn{failed: true}
	healthy := &fakeConn{}
	r.Register("s1", broken)
	r.Register("s1", healthy)

	r.Send("s1", "chunk", nil)

	if healthy.eventCount() != 1 {
		t.Errorf("healthy sibling received %d events, want 1", healthy.eventCount())
	}
	if !broken.isClosed() {
		t.Error("failed connection was not closed")
	}
	if got := r.StatsSnapshot(); got.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d after eviction, want 1", got.ConnectionCount)
	}
}

func TestSend_NoConnectionsIsNotAnError(t *testing.T) {
	r := New(time.Minute, log.NewNop())
	// Must not panic or block.
	r.Send("ghost", "chunk", nil)
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	id := r.Register("s1", &fakeConn{})
	r.Unregister("s1", id)
	r.Unregister("s1", id)
	r.Unregister("never-existed", id)

	if got := r.StatsSnapshot(); got.ConnectionCount != 0 || got.SessionCount != 0 {
		t.Errorf("stats = %+v, want empty registry", got)
	}
}

func TestSweepIdle_EvictsStaleConnections(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	current := time.Now()
	r.now = func() time.Time { return current }

	stale := &fakeConn{}
	fresh := &fakeConn{}
	r.Register("s1", stale)

	// Advance past the idle timeout, then register a fresh connection.
	current = current.Add(2 * time.Minute)
	freshID := r.Register("s1", fresh)
	_ = freshID

	r.SweepIdle()

	if !stale.isClosed() {
		t.Error("stale connection was not closed by sweep")
	}
	if fresh.isClosed() {
		t.Error("fresh connection was closed by sweep")
	}
	if got := r.StatsSnapshot(); got.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d after sweep, want 1", got.ConnectionCount)
	}

	// Sending to a session whose only connections were stale delivers to
	// zero recipients without raising.
	r2 := New(time.Minute, log.NewNop())
	r2.now = func() time.Time { return current }
	r2.Register("s2", &fakeConn{})
	current = current.Add(2 * time.Minute)
	r2.SweepIdle()
	r2.Send("s2", "chunk", nil)
	if got := r2.StatsSnapshot(); got.ConnectionCount != 0 {
		t.Errorf("ConnectionCount = %d, want 0", got.ConnectionCount)
	}
}

func TestTouch_DefersEviction(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	current := time.Now()
	r.now = func() time.Time { return current }

	conn := &fakeConn{}
	id := r.Register("s1", conn)

	current = current.Add(45 * time.Second)
	r.Touch("s1", id)

	current = current.Add(45 * time.Second)
	r.SweepIdle()

	if conn.isClosed() {
		t.Error("touched connection was evicted, want it kept alive")
	}
}

func TestSweepInterval_CappedAtOneMinute(t *testing.T) {
	tests := []struct {
		name        string
		idleTimeout time.Duration
		want        time.Duration
	}{
		{"short timeout halves", 40 * time.Second, 20 * time.Second},
		{"long timeout capped", 10 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.idleTimeout, log.NewNop())
			if got := r.SweepInterval(); got != tt.want {
				t.Errorf("SweepInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartStop_SweeperLifecycle(t *testing.T) {
	r := New(time.Minute, log.NewNop())
	r.Start()
	r.Start() // second Start is a no-op
	r.Stop()
	r.Stop() // second Stop is a no-op
}

func TestCloseAll(t *testing.T) {
	r := New(time.Minute, log.NewNop())

	conns := []*fakeConn{{}, {}, {}}
	r.Register("s1", conns[0])
	r.Register("s1", conns[1])
	r.Register("s2", conns[2])

	r.CloseAll()

	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conns[%d] not closed by CloseAll", i)
		}
	}
	if got := r.StatsSnapshot(); got.ConnectionCount != 0 {
		t.Errorf("ConnectionCount = %d after CloseAll, want 0", got.ConnectionCount)
	}
}
