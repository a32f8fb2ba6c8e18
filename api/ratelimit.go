package api

import (
	"sync"
	"time"
)

// windowLimiter is an approximate fixed-window request counter keyed by
// client address. The first request for a key starts its window; requests
// inside the window count against the budget; a request after the window
// elapsed resets it. Bursts straddling a window boundary may be counted
// twice, which is acceptable for abuse mitigation.
type windowLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu   sync.Mutex
	hits map[string]*windowEntry
}

type windowEntry struct {
	count int
	start time.Time
}

func newWindowLimiter(window time.Duration, max int) *windowLimiter {
	return &windowLimiter{
		window: window,
		max:    max,
		now:    time.Now,
		hits:   make(map[string]*windowEntry),
	}
}

// allow records a request for key and reports whether it fits the budget.
func (l *windowLimiter) allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.hits[key]
	if !ok {
		l.hits[key] = &windowEntry{count: 1, start: now}
		return true
	}

	if now.Sub(entry.start) < l.window {
		if entry.count < l.max {
			entry.count++
			return true
		}
		return false
	}

	entry.count = 1
	entry.start = now
	return true
}

// sweep evicts windows idle for longer than the window duration so the
// key map stays bounded.
func (l *windowLimiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.hits {
		if now.Sub(entry.start) > l.window {
			delete(l.hits, key)
		}
	}
}

// sweepLoop runs sweep once per window until stop is closed.
func (l *windowLimiter) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-stop:
			return
		}
	}
}
