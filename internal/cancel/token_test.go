package cancel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heronchat/heron/internal/log"
)

func TestCancel_Idempotent(t *testing.T) {
	tok := New(log.NewNop())

	calls := 0
	tok.OnCancel(func(string) { calls++ })

	tok.Cancel("first")
	tok.Cancel("second")
	tok.Cancel("third")

	if !tok.Cancelled() {
		t.Fatal("Cancelled() = false, want true")
	}
	if got := tok.Reason(); got != "first" {
		t.Errorf("Reason() = %q, want %q (first call wins)", got, "first")
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times, want 1", calls)
	}
}

func TestCancel_CallbackOrder(t *testing.T) {
	tok := New(log.NewNop())

	var order []int
	for i := range 5 {
		tok.OnCancel(func(string) { order = append(order, i) })
	}

	tok.Cancel("stop")

	for i, got := range order {
		if got != i {
			t.Fatalf("callback order = %v, want registration order", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("len(order) = %d, want 5", len(order))
	}
}

func TestCancel_PanickingCallbackDoesNotBlockOthers(t *testing.T) {
	tok := New(log.NewNop())

	var survived bool
	tok.OnCancel(func(string) { panic("misbehaving observer") })
	tok.OnCancel(func(string) { survived = true })

	tok.Cancel("stop")

	if !survived {
		t.Error("callback after panicking one did not run")
	}
}

func TestOnCancel_FiresImmediatelyWhenAlreadyCancelled(t *testing.T) {
	tok := New(log.NewNop())
	tok.Cancel("done")

	fired := false
	tok.OnCancel(func(reason string) {
		fired = true
		if reason != "done" {
			t.Errorf("callback reason = %q, want %q", reason, "done")
		}
	})

	if !fired {
		t.Error("OnCancel on cancelled token did not fire synchronously")
	}
}

func TestWait_ReturnsTrueOnCancel(t *testing.T) {
	tok := New(log.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	var got bool
	go func() {
		defer wg.Done()
		got = tok.Wait(5 * time.Second)
	}()

	tok.Cancel("stop")
	wg.Wait()

	if !got {
		t.Error("Wait() = false, want true after Cancel")
	}
}

func TestWait_TimesOut(t *testing.T) {
	tok := New(log.NewNop())

	start := time.Now()
	if tok.Wait(20 * time.Millisecond) {
		t.Error("Wait() = true on uncancelled token, want false")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait returned after %v, want at least 20ms", elapsed)
	}
}

func TestCheck(t *testing.T) {
	tok := New(log.NewNop())

	if err := tok.Check(); err != nil {
		t.Fatalf("Check() on fresh token = %v, want nil", err)
	}

	tok.Cancel("user interrupt")

	err := tok.Check()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Check() = %v, want ErrCancelled", err)
	}
}

func TestReset_AllowsReuse(t *testing.T) {
	tok := New(log.NewNop())
	tok.Cancel("first run")

	tok.Reset()

	if tok.Cancelled() {
		t.Fatal("Cancelled() = true after Reset, want false")
	}
	if got := tok.Reason(); got != "" {
		t.Errorf("Reason() = %q after Reset, want empty", got)
	}
	if err := tok.Check(); err != nil {
		t.Errorf("Check() = %v after Reset, want nil", err)
	}

	// Old callbacks must not fire again after reuse.
	stale := false
	tok.OnCancel(func(string) { stale = true })
	tok.Reset()
	tok.Cancel("second run")
	if stale {
		t.Error("callback registered before Reset fired after Reset")
	}

	select {
	case <-tok.Done():
	default:
		t.Error("Done() not closed after second Cancel")
	}
}
