package reconnect

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// shrinkBackoff swaps the backoff vars for fast deterministic tests and
// restores them on cleanup.
func shrinkBackoff(t *testing.T, base, cap, tick time.Duration) {
	t.Helper()
	t.Cleanup(OverrideBackoff(base, cap, tick))
}

func TestIncrementOncePerCycle(t *testing.T) {
	p := New(5)

	p.NewCycle()
	p.Increment()
	p.Increment() // close following error for the same socket
	if got := p.Attempts(); got != 1 {
		t.Fatalf("expected 1 attempt after duplicate increment, got %d", got)
	}

	p.NewCycle()
	p.Increment()
	if got := p.Attempts(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestIncrementAfterCancelIsNoop(t *testing.T) {
	p := New(5)
	p.Cancel()
	p.NewCycle()
	p.Increment()
	if got := p.Attempts(); got != 0 {
		t.Fatalf("cancelled policy must not count attempts, got %d", got)
	}
}

func TestAttemptsNeverExceedMax(t *testing.T) {
	p := New(5)
	for i := 0; i < 10; i++ {
		p.NewCycle()
		p.Increment()
		if p.IsMaxReached() {
			break
		}
	}
	if got := p.Attempts(); got != 5 {
		t.Fatalf("expected to stop at 5 attempts, got %d", got)
	}
	if !p.IsMaxReached() {
		t.Fatal("IsMaxReached should be true at the cap")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := New(10)

	expected := []time.Duration{
		2 * time.Second, // attempt 1
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for i, want := range expected {
		p.NewCycle()
		p.Increment()
		if got := p.Delay(); got != want {
			t.Errorf("attempt %d: expected delay %v, got %v", i+1, want, got)
		}
	}
}

func TestScheduleFiresRetryOnce(t *testing.T) {
	shrinkBackoff(t, 20*time.Millisecond, 80*time.Millisecond, 5*time.Millisecond)

	p := New(5)
	p.NewCycle()
	p.Increment()

	var fired atomic.Int32
	if ok := p.ScheduleReconnect(func() { fired.Add(1) }); !ok {
		t.Fatal("ScheduleReconnect should succeed")
	}
	if !p.Pending() {
		t.Fatal("Pending should be true while scheduled")
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected retry to fire exactly once, got %d", got)
	}
	if p.Pending() {
		t.Fatal("Pending should clear after the timer fires")
	}
}

func TestScheduleWhilePendingRejected(t *testing.T) {
	shrinkBackoff(t, 50*time.Millisecond, 80*time.Millisecond, 10*time.Millisecond)

	p := New(5)
	if !p.ScheduleReconnect(func() {}) {
		t.Fatal("first schedule should succeed")
	}
	if p.ScheduleReconnect(func() {}) {
		t.Fatal("second schedule while pending must be rejected")
	}
}

func TestCancelInvalidatesPendingTimer(t *testing.T) {
	shrinkBackoff(t, 30*time.Millisecond, 80*time.Millisecond, 10*time.Millisecond)

	p := New(5)
	p.NewCycle()
	p.Increment()

	var fired atomic.Int32
	p.ScheduleReconnect(func() { fired.Add(1) })
	p.Cancel()

	// Advance past the would-be delay: the stale timer must not fire.
	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("retry fired after cancel: %d", got)
	}
	if !p.Cancelled() {
		t.Fatal("Cancelled should be true")
	}
	if p.Pending() {
		t.Fatal("Pending should be false after cancel")
	}
}

func TestScheduleAfterCancelIsNoop(t *testing.T) {
	shrinkBackoff(t, 10*time.Millisecond, 40*time.Millisecond, 5*time.Millisecond)

	p := New(5)
	p.Cancel()

	var fired atomic.Int32
	if p.ScheduleReconnect(func() { fired.Add(1) }) {
		t.Fatal("scheduling while cancelled must be rejected")
	}
	time.Sleep(40 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("retry fired despite cancelled policy")
	}
}

func TestCountdownTicks(t *testing.T) {
	shrinkBackoff(t, 60*time.Millisecond, 120*time.Millisecond, 10*time.Millisecond)

	p := New(5)
	var mu sync.Mutex
	var ticks []int64
	p.SetCountdown(func(remainingMS int64) {
		mu.Lock()
		ticks = append(ticks, remainingMS)
		mu.Unlock()
	})

	p.ScheduleReconnect(func() {})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) < 2 {
		t.Fatalf("expected multiple countdown ticks, got %d", len(ticks))
	}
	// First tick carries the full delay; later ticks shrink.
	if ticks[0] != 60 {
		t.Errorf("first tick should report the full delay, got %d", ticks[0])
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] > ticks[i-1] {
			t.Errorf("countdown went up: %v", ticks)
			break
		}
	}
}

func TestSuccessResetClearsAttemptsKeepsCancelled(t *testing.T) {
	p := New(5)
	p.NewCycle()
	p.Increment()
	p.SuccessReset()
	if got := p.Attempts(); got != 0 {
		t.Fatalf("expected 0 attempts after SuccessReset, got %d", got)
	}

	p.Cancel()
	p.SuccessReset()
	if !p.Cancelled() {
		t.Fatal("SuccessReset must not clear the cancelled flag")
	}
}

func TestResetClearsEverything(t *testing.T) {
	shrinkBackoff(t, 50*time.Millisecond, 80*time.Millisecond, 10*time.Millisecond)

	p := New(5)
	p.NewCycle()
	p.Increment()
	p.ScheduleReconnect(func() {})
	p.Cancel()

	p.Reset()
	if p.Attempts() != 0 || p.Cancelled() || p.Pending() {
		t.Fatalf("Reset left state behind: attempts=%d cancelled=%v pending=%v",
			p.Attempts(), p.Cancelled(), p.Pending())
	}

	// A fresh schedule after Reset works again.
	if !p.ScheduleReconnect(func() {}) {
		t.Fatal("schedule after Reset should succeed")
	}
}
