// Package ratelimit caps how many messages one sender may submit per
// window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLimitExceeded is returned to senders over their quota.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Limiter implements per-sender fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-sender state tracking with periodic cleanup prevents memory leaks
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	senders map[string]*senderWindow
}

// senderWindow tracks rate limiting for a single sender
type senderWindow struct {
	count       int
	windowStart time.Time
}

// New allows limit messages per window for each sender. A limit of zero
// or less disables limiting.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		senders: make(map[string]*senderWindow),
	}
}

// PerMinute is New(limit, time.Minute).
func PerMinute(limit int) *Limiter {
	return New(limit, time.Minute)
}

// Enabled reports whether the limiter rejects anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow reports whether sender may submit one more message.
func (l *Limiter) Allow(sender string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.senders[sender]
	if !exists {
		// FUNCTIONAL DISCOVERY: First message always allowed, initialize tracking
		l.senders[sender] = &senderWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= l.window {
		w.count = 1
		w.windowStart = now
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup removes senders idle for more than five windows.
func (l *Limiter) Cleanup() {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for sender, w := range l.senders {
		if now.Sub(w.windowStart) > 5*l.window {
			delete(l.senders, sender)
		}
	}
}

// Len returns the number of tracked senders.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}

// Run calls Cleanup every window until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if !l.Enabled() {
		return
	}
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
