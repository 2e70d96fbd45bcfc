// Package throttle coalesces bursts of persistence requests into one
// trailing call.
package throttle

import (
	"sync"
	"time"
)

// Throttle runs fn at most once per delay. The first Trigger arms a timer;
// further triggers before it fires are absorbed into the same call.
type Throttle struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New returns a throttle for fn.
func New(delay time.Duration, fn func()) *Throttle {
	return &Throttle{delay: delay, fn: fn}
}

// Trigger schedules fn unless a call is already pending.
func (t *Throttle) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.delay, t.fire)
}

// Pending reports whether a call is scheduled.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Stop cancels any pending call and ignores future triggers.
// It reports whether a call was pending.
func (t *Throttle) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

func (t *Throttle) fire() {
	t.mu.Lock()
	if t.stopped || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fn()
}
