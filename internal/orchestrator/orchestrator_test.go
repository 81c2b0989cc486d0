package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/heronchat/heron/internal/log"
	"github.com/heronchat/heron/internal/pool"
	"github.com/heronchat/heron/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore is an in-memory ContextStore that records append order.
type fakeStore struct {
	mu    sync.Mutex
	items map[uuid.UUID][]session.Item
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[uuid.UUID][]session.Item)}
}

func (f *fakeStore) AppendItems(ctx context.Context, sessionID uuid.UUID, items []session.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var maxSeq int64
	if existing := f.items[sessionID]; len(existing) > 0 {
		maxSeq = existing[len(existing)-1].Seq
	}
	for i, item := range items {
		item.SessionID = sessionID
		item.Seq = maxSeq + int64(i) + 1
		f.items[sessionID] = append(f.items[sessionID], item)
	}
	return nil
}

func (f *fakeStore) GetItems(ctx context.Context, sessionID uuid.UUID, limit int32) ([]session.Item, error) {
	return f.snapshot(sessionID), nil
}

func (f *fakeStore) snapshot(sessionID uuid.UUID) []session.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Item, len(f.items[sessionID]))
	copy(out, f.items[sessionID])
	return out
}

// fakeNotifier records events and exposes them on a channel so tests can wait.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	ch     chan string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan string, 256)}
}

func (f *fakeNotifier) Send(sessionID, event string, payload any) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	select {
	case f.ch <- event:
	default:
	}
}

func (f *fakeNotifier) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event; saw %v", want, f.snapshot())
		}
	}
}

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

// fakeTools counts releases so tests can detect leaked leases.
type fakeTools struct {
	released atomic.Int32
}

func (f *fakeTools) Invoke(ctx context.Context, key, tool string, args map[string]any) (string, error) {
	return "", nil
}

func (f *fakeTools) Release(ctx context.Context) { f.released.Add(1) }

type fakeToolSource struct {
	mu        sync.Mutex
	exhausted bool
	sets      []*fakeTools
}

func (f *fakeToolSource) Checkout(ctx context.Context) (Tools, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return nil, pool.ErrExhausted
	}
	ts := &fakeTools{}
	f.sets = append(f.sets, ts)
	return ts, nil
}

func (f *fakeToolSource) allReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ts := range f.sets {
		if ts.released.Load() == 0 {
			return false
		}
	}
	return true
}

// scriptGen streams its configured chunks, polling the token between chunks
// like a well-behaved generator. With hold set it blocks until cancellation
// instead of finishing. It tracks concurrent invocations per session so tests
// can assert the single-active-task invariant.
type scriptGen struct {
	chunks     []string
	chunkDelay time.Duration
	hold       atomic.Bool

	runs atomic.Int32

	mu        sync.Mutex
	active    map[uuid.UUID]int
	maxActive map[uuid.UUID]int
}

func newScriptGen(chunks ...string) *scriptGen {
	return &scriptGen{
		chunks:    chunks,
		active:    make(map[uuid.UUID]int),
		maxActive: make(map[uuid.UUID]int),
	}
}

func (g *scriptGen) enter(sid uuid.UUID) {
	g.mu.Lock()
	g.active[sid]++
	if g.active[sid] > g.maxActive[sid] {
		g.maxActive[sid] = g.active[sid]
	}
	g.mu.Unlock()
}

func (g *scriptGen) exit(sid uuid.UUID) {
	g.mu.Lock()
	g.active[sid]--
	g.mu.Unlock()
}

func (g *scriptGen) maxActiveFor(sid uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive[sid]
}

func (g *scriptGen) Generate(ctx context.Context, req Request, emit func(string)) ([]session.Item, error) {
	g.enter(req.SessionID)
	defer g.exit(req.SessionID)
	run := g.runs.Add(1)

	var partial []session.Item
	for _, chunk := range g.chunks {
		if err := req.Token.Check(); err != nil {
			return partial, err
		}
		if err := ctx.Err(); err != nil {
			return partial, err
		}
		emit(chunk)
		if g.chunkDelay > 0 {
			time.Sleep(g.chunkDelay)
		}
	}

	if g.hold.Load() {
		select {
		case <-req.Token.Done():
			return partial, req.Token.Check()
		case <-ctx.Done():
			return partial, ctx.Err()
		}
	}

	text := fmt.Sprintf("run-%d: %s", run, strings.Join(g.chunks, ""))
	return []session.Item{session.NewMessageItem(session.KindAssistantMessage, "assistant", text)}, nil
}

// stubbornGen ignores its token entirely and exits only on context
// cancellation, simulating a generator that never checks for interrupts.
type stubbornGen struct {
	started chan struct{}
	once    sync.Once
}

func newStubbornGen() *stubbornGen {
	return &stubbornGen{started: make(chan struct{})}
}

func (g *stubbornGen) Generate(ctx context.Context, req Request, emit func(string)) ([]session.Item, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// genSwitch lets a test change the generator between submits without racing
// tasks that are already running.
type genSwitch struct {
	mu  sync.Mutex
	cur Generator
}

func (g *genSwitch) set(gen Generator) {
	g.mu.Lock()
	g.cur = gen
	g.mu.Unlock()
}

func (g *genSwitch) Generate(ctx context.Context, req Request, emit func(string)) ([]session.Item, error) {
	g.mu.Lock()
	cur := g.cur
	g.mu.Unlock()
	return cur.Generate(ctx, req, emit)
}

type harness struct {
	orch     *Orchestrator
	store    *fakeStore
	notifier *fakeNotifier
	tools    *fakeToolSource
	gen      *genSwitch
}

func newHarness(t *testing.T, cfg Config, gen Generator) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		notifier: newFakeNotifier(),
		tools:    &fakeToolSource{},
		gen:      &genSwitch{cur: gen},
	}
	h.orch = New(cfg, h.gen, h.store, h.notifier, h.tools, log.NewNop())
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.ActiveTasks() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("orchestrator did not become idle")
}

func waitForRuns(t *testing.T, gen *scriptGen, n int32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gen.runs.Load() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("generator runs = %d, want at least %d", gen.runs.Load(), n)
}

func TestSubmit_CompletesAndPersists(t *testing.T) {
	gen := newScriptGen("hel", "lo")
	h := newHarness(t, Config{}, gen)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "say hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.notifier.waitFor(t, "done")
	h.waitIdle(t)

	items := h.store.snapshot(sid)
	if len(items) != 2 {
		t.Fatalf("context items = %d, want 2 (user + assistant)", len(items))
	}
	if items[0].Kind != session.KindUserMessage || items[1].Kind != session.KindAssistantMessage {
		t.Errorf("item kinds = %q,%q, want user_message,assistant_message", items[0].Kind, items[1].Kind)
	}
	if !h.tools.allReleased() {
		t.Error("tool leases not released after completion")
	}
	if got := h.orch.SessionState(sid); got != StateNone {
		t.Errorf("SessionState = %q after completion, want %q", got, StateNone)
	}
}

func TestSubmit_ResourceExhaustionLeavesStateNone(t *testing.T) {
	h := newHarness(t, Config{}, newScriptGen())
	h.tools.exhausted = true
	sid := uuid.New()

	err := h.orch.Submit(t.Context(), sid, "hello")
	if !errors.Is(err, pool.ErrExhausted) {
		t.Fatalf("Submit() error = %v, want pool.ErrExhausted", err)
	}
	if got := h.orch.SessionState(sid); got != StateNone {
		t.Errorf("SessionState = %q after failed start, want %q", got, StateNone)
	}
}

func TestInterrupt_NotifiesImmediatelyAndMarksLog(t *testing.T) {
	gen := newScriptGen()
	gen.hold.Store(true)
	h := newHarness(t, Config{}, gen)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "long question"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitForRuns(t, gen, 1)

	if !h.orch.Interrupt(sid) {
		t.Fatal("Interrupt() = false, want true for active task")
	}
	h.notifier.waitFor(t, "interrupted")
	h.waitIdle(t)

	items := h.store.snapshot(sid)
	if len(items) == 0 {
		t.Fatal("no context items after interrupt")
	}
	last := items[len(items)-1]
	if last.Kind != session.KindInterrupted {
		t.Errorf("last item kind = %q, want %q (partial marker)", last.Kind, session.KindInterrupted)
	}
	if !h.tools.allReleased() {
		t.Error("tool leases not released after interrupt")
	}
}

func TestInterrupt_NoActiveTaskIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, newScriptGen())
	if h.orch.Interrupt(uuid.New()) {
		t.Error("Interrupt() = true for idle session, want false")
	}
}

func TestSubmit_DrainsPredecessorBeforeStarting(t *testing.T) {
	gen := newScriptGen()
	gen.hold.Store(true)
	h := newHarness(t, Config{}, gen)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "first"); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitForRuns(t, gen, 1)

	// The second submit must cancel the first task, wait for it to reach a
	// terminal state, and only then write its own user message.
	gen.hold.Store(false)
	if err := h.orch.Submit(t.Context(), sid, "second"); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	h.notifier.waitFor(t, "done")
	h.waitIdle(t)

	items := h.store.snapshot(sid)
	var kinds []string
	for _, item := range items {
		kinds = append(kinds, item.Kind)
	}
	want := []string{
		session.KindUserMessage,
		session.KindInterrupted,
		session.KindUserMessage,
		session.KindAssistantMessage,
	}
	if len(kinds) != len(want) {
		t.Fatalf("item kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("item kinds = %v, want %v", kinds, want)
		}
	}
	for i := 1; i < len(items); i++ {
		if items[i].Seq <= items[i-1].Seq {
			t.Errorf("seq not strictly increasing at %d: %d then %d", i, items[i-1].Seq, items[i].Seq)
		}
	}
	if got := gen.maxActiveFor(sid); got != 1 {
		t.Errorf("max concurrent generator runs = %d, want 1", got)
	}
}

func TestSubmit_InterruptThenResubmitDoesNotInterleave(t *testing.T) {
	gen := newScriptGen()
	gen.hold.Store(true)
	h := newHarness(t, Config{}, gen)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "first"); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	waitForRuns(t, gen, 1)

	h.orch.Interrupt(sid)

	gen.hold.Store(false)
	// The resubmit may race the draining task; retry like a client would.
	var err error
	for range 100 {
		err = h.orch.Submit(t.Context(), sid, "second")
		if !errors.Is(err, ErrSessionBusy) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	h.notifier.waitFor(t, "done")
	h.waitIdle(t)

	if got := gen.maxActiveFor(sid); got != 1 {
		t.Errorf("max concurrent generator runs = %d, want 1", got)
	}

	// The first task's marker must precede everything the second task wrote.
	items := h.store.snapshot(sid)
	markerIdx, secondUserIdx := -1, -1
	for i, item := range items {
		if item.Kind == session.KindInterrupted && markerIdx == -1 {
			markerIdx = i
		}
		if item.Kind == session.KindUserMessage && i > 0 {
			secondUserIdx = i
		}
	}
	if markerIdx == -1 || secondUserIdx == -1 {
		t.Fatalf("missing marker or second user message in %d items", len(items))
	}
	if markerIdx > secondUserIdx {
		t.Errorf("interrupted marker at %d after second task's first write at %d", markerIdx, secondUserIdx)
	}
}

func TestDrain_ForcesTerminationOfStubbornTask(t *testing.T) {
	stubborn := newStubbornGen()
	h := newHarness(t, Config{DrainGrace: 50 * time.Millisecond}, stubborn)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "first"); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	<-stubborn.started

	h.gen.set(newScriptGen())

	start := time.Now()
	if err := h.orch.Submit(t.Context(), sid, "second"); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	elapsed := time.Since(start)

	// One grace period expires, then forced termination resolves the drain.
	if elapsed < 50*time.Millisecond {
		t.Errorf("drain resolved in %v, want at least one 50ms grace period", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("drain took %v, want prompt forced termination", elapsed)
	}
	h.notifier.waitFor(t, "done")
	h.waitIdle(t)
}

// defiantGen ignores both its token and its context, exiting only when the
// test releases it. It stands in for a task the orchestrator must abandon.
type defiantGen struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newDefiantGen() *defiantGen {
	return &defiantGen{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *defiantGen) Generate(ctx context.Context, req Request, emit func(string)) ([]session.Item, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return nil, context.Canceled
}

func TestDrain_AbandonedTaskDiscardsPartialOutput(t *testing.T) {
	defiant := newDefiantGen()
	h := newHarness(t, Config{DrainGrace: 30 * time.Millisecond}, defiant)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "first"); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	<-defiant.started

	// Both grace periods expire, the first task is abandoned still running,
	// and the successor gets the slot.
	h.gen.set(newScriptGen("ok"))
	if err := h.orch.Submit(t.Context(), sid, "second"); err != nil {
		t.Fatalf("Submit(second) error = %v", err)
	}
	h.notifier.waitFor(t, "done")
	h.waitIdle(t)

	// Now let the abandoned task exit. Its interrupted marker must not land
	// in the log after the successor's items.
	close(defiant.release)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !h.tools.allReleased() {
		time.Sleep(time.Millisecond)
	}
	if !h.tools.allReleased() {
		t.Fatal("abandoned task did not release its tool leases")
	}

	items := h.store.snapshot(sid)
	var kinds []string
	for _, item := range items {
		kinds = append(kinds, item.Kind)
	}
	want := []string{
		session.KindUserMessage,
		session.KindUserMessage,
		session.KindAssistantMessage,
	}
	if len(kinds) != len(want) {
		t.Fatalf("item kinds = %v, want %v (abandoned task must not write)", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("item kinds = %v, want %v (abandoned task must not write)", kinds, want)
		}
	}
}

func TestSubmit_ConcurrentReplaceReportsBusy(t *testing.T) {
	stubborn := newStubbornGen()
	h := newHarness(t, Config{DrainGrace: 300 * time.Millisecond}, stubborn)
	sid := uuid.New()

	if err := h.orch.Submit(t.Context(), sid, "first"); err != nil {
		t.Fatalf("Submit(first) error = %v", err)
	}
	<-stubborn.started

	// Replacing the stubborn task holds the session busy for a full grace
	// period, so of two racing submits exactly one must fail fast.
	h.gen.set(newScriptGen())

	errs := make(chan error, 2)
	go func() { errs <- h.orch.Submit(context.Background(), sid, "second") }()
	go func() { errs <- h.orch.Submit(context.Background(), sid, "third") }()

	var busy int
	for range 2 {
		if err := <-errs; errors.Is(err, ErrSessionBusy) {
			busy++
		} else if err != nil {
			t.Errorf("Submit error = %v, want nil or ErrSessionBusy", err)
		}
	}
	if busy != 1 {
		t.Errorf("busy submits = %d, want exactly 1", busy)
	}

	h.notifier.waitFor(t, "done")
	h.waitIdle(t)
}

func TestSingleActiveTaskInvariant_Fuzz(t *testing.T) {
	gen := newScriptGen("a", "b", "c")
	gen.chunkDelay = time.Millisecond
	h := newHarness(t, Config{DrainGrace: time.Second}, gen)

	sessions := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				sid := sessions[rand.Intn(len(sessions))]
				if rand.Intn(3) == 0 {
					h.orch.Interrupt(sid)
				} else {
					err := h.orch.Submit(context.Background(), sid, "fuzz")
					if err != nil && !errors.Is(err, ErrSessionBusy) {
						t.Errorf("Submit error = %v", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	h.waitIdle(t)

	for _, sid := range sessions {
		if got := gen.maxActiveFor(sid); got > 1 {
			t.Errorf("session %s: max concurrent generator runs = %d, want at most 1", sid, got)
		}
		items := h.store.snapshot(sid)
		for i := 1; i < len(items); i++ {
			if items[i].Seq != items[i-1].Seq+1 {
				t.Fatalf("session %s seq gap/overlap at %d: %d then %d",
					sid, i, items[i-1].Seq, items[i].Seq)
			}
		}
	}
	if !h.tools.allReleased() {
		t.Error("tool leases leaked during fuzz")
	}
}

func TestShutdown_DrainsAllSessions(t *testing.T) {
	gen := newScriptGen()
	gen.hold.Store(true)
	h := newHarness(t, Config{}, gen)

	for range 3 {
		if err := h.orch.Submit(t.Context(), uuid.New(), "hello"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	waitForRuns(t, gen, 3)

	h.orch.Shutdown(context.Background())

	if got := h.orch.ActiveTasks(); got != 0 {
		t.Errorf("ActiveTasks = %d after Shutdown, want 0", got)
	}
	if !h.tools.allReleased() {
		t.Error("tool leases not released after Shutdown")
	}
}
