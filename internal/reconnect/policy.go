// Package reconnect holds the per-session-family retry state: attempt
// counting, exponential backoff scheduling, and cancellation. Each pane owns
// its own Policy; nothing here is process-global.
package reconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/termlink/internal/logging"
)

var policyLog = logging.ForComponent(logging.CompConn)

// DefaultMaxAttempts is used when the config doesn't override it.
const DefaultMaxAttempts = 5

// Backoff configuration. Package-level vars so tests can shrink them.
var (
	backoffBase  = 2 * time.Second
	backoffCap   = 8 * time.Second
	tickInterval = time.Second
)

// OverrideBackoff swaps the backoff timing and returns a restore function.
// Intended for tests that advance through retry cycles quickly.
func OverrideBackoff(base, cap, tick time.Duration) (restore func()) {
	oldBase, oldCap, oldTick := backoffBase, backoffCap, tickInterval
	backoffBase, backoffCap, tickInterval = base, cap, tick
	return func() {
		backoffBase, backoffCap, tickInterval = oldBase, oldCap, oldTick
	}
}

// CountdownFunc receives the remaining delay in milliseconds roughly once per
// second while a reconnect is scheduled.
type CountdownFunc func(remainingMS int64)

// Policy tracks reconnect attempts for one session family.
//
// Invariants: attempts increments at most once per failed attempt cycle (a
// socket error and its subsequent close must not double-count), at most one
// scheduled timer is alive at a time, and scheduling while cancelled is a
// no-op.
type Policy struct {
	mu          sync.Mutex
	attempts    int
	maxAttempts int
	cancelled   bool
	counted     bool // failure already counted for the current cycle

	countdown CountdownFunc

	// gen invalidates stale timers: Cancel and Reset bump it, and a firing
	// timer re-checks its generation before invoking the retry function.
	gen      int
	pending  bool
	deadline time.Time
	timer    *time.Timer
	stopTick chan struct{}
}

// New creates a policy with the given attempt cap. maxAttempts <= 0 selects
// DefaultMaxAttempts.
func New(maxAttempts int) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Policy{maxAttempts: maxAttempts}
}

// SetCountdown installs the per-second tick callback.
func (p *Policy) SetCountdown(fn CountdownFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countdown = fn
}

// NewCycle marks the start of a fresh socket attempt, re-arming the
// failure dedupe guard.
func (p *Policy) NewCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counted = false
}

// Increment counts one failed attempt. A second call within the same cycle
// (error followed by close for the same socket) is a no-op, as is any call
// after Cancel.
func (p *Policy) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled || p.counted {
		return
	}
	p.counted = true
	if p.attempts < p.maxAttempts {
		p.attempts++
	}
	policyLog.Debug("attempt_counted",
		slog.Int("attempts", p.attempts),
		slog.Int("max", p.maxAttempts))
}

// Attempts returns the current attempt count.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// MaxAttempts returns the configured cap.
func (p *Policy) MaxAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAttempts
}

// IsMaxReached reports whether the attempt budget is exhausted.
func (p *Policy) IsMaxReached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.maxAttempts
}

// Cancelled reports whether the user cancelled reconnection.
func (p *Policy) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Pending reports whether a reconnect timer is currently scheduled. The
// rendering surface polls this to drive its retry indicator.
func (p *Policy) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Remaining returns how long until the scheduled retry fires, or zero.
func (p *Policy) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return 0
	}
	if d := time.Until(p.deadline); d > 0 {
		return d
	}
	return 0
}

// Delay returns the backoff for the current attempt count: base doubled per
// attempt, capped.
func (p *Policy) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delayLocked()
}

func (p *Policy) delayLocked() time.Duration {
	d := backoffBase
	for i := 1; i < p.attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// ScheduleReconnect arms the backoff timer and invokes retry when it fires.
// Returns false without scheduling when cancelled or when a timer is already
// pending. The countdown callback receives the remaining delay once per
// second until the timer fires or is cancelled.
func (p *Policy) ScheduleReconnect(retry func()) bool {
	p.mu.Lock()
	if p.cancelled || p.pending {
		p.mu.Unlock()
		return false
	}

	delay := p.delayLocked()
	gen := p.gen
	p.pending = true
	p.deadline = time.Now().Add(delay)
	stop := make(chan struct{})
	p.stopTick = stop

	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		// A cancel or reset may have raced the timer firing; the stored
		// retry function must not run for a stale generation.
		if p.cancelled || gen != p.gen {
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.timer = nil
		if p.stopTick != nil {
			close(p.stopTick)
			p.stopTick = nil
		}
		p.mu.Unlock()
		retry()
	})
	cb := p.countdown
	deadline := p.deadline
	p.mu.Unlock()

	policyLog.Info("reconnect_scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempts", p.attempts))

	if cb != nil {
		cb(delay.Milliseconds())
		go tickCountdown(cb, deadline, stop)
	}
	return true
}

func tickCountdown(cb CountdownFunc, deadline time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			cb(remaining.Milliseconds())
		}
	}
}

// Cancel stops reconnection: sets the cancelled flag, synchronously
// invalidates any pending timer, and freezes the attempt count for display.
func (p *Policy) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	p.clearTimerLocked()
	policyLog.Info("reconnect_cancelled", slog.Int("attempts", p.attempts))
}

// Reset returns the policy to a clean state for an explicit user-initiated
// reconnect: zero attempts, not cancelled, no pending timer.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.cancelled = false
	p.counted = false
	p.clearTimerLocked()
}

// SuccessReset clears attempt state once a session is confirmed active.
// Socket-open alone must not trigger this.
func (p *Policy) SuccessReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.counted = false
	p.clearTimerLocked()
}

func (p *Policy) clearTimerLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.stopTick != nil {
		close(p.stopTick)
		p.stopTick = nil
	}
	p.pending = false
}
