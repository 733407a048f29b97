// Package ratelimit implements a sliding-window admission limiter keyed by
// caller identity. The broker runs one instance at the HTTP boundary and the
// producer client runs a second, softer instance as a pre-flight guard.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window counter. All operations on a key are atomic:
// pruning, counting, and recording happen under one lock so rapid checks for
// the same key never interleave mid-decision.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	events  map[string][]time.Time
	lastGC  time.Time
	nowFunc func() time.Time
}

// New creates a limiter admitting at most limit events per window for each
// key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		events:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow reports whether the caller identified by key may proceed, recording
// the event when admitted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.maybeGC(now)

	kept := l.prune(key, now)
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Remaining returns how many admissions the key has left in the current
// window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, l.nowFunc())
	l.events[key] = kept
	if remaining := l.limit - len(kept); remaining > 0 {
		return remaining
	}
	return 0
}

// ResetAfter returns how long until the key's oldest recorded event leaves
// the window, freeing one admission. Zero when the key is under its limit.
func (l *Limiter) ResetAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	kept := l.prune(key, now)
	l.events[key] = kept
	if len(kept) < l.limit {
		return 0
	}
	reset := kept[0].Add(l.window).Sub(now)
	if reset < 0 {
		return 0
	}
	return reset
}

// prune drops events older than the window. Caller holds the lock.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	events := l.events[key]
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}

// maybeGC drops keys whose every event has aged out, at most once per
// window. Keeps the map from accumulating one entry per caller forever.
// Caller holds the lock.
func (l *Limiter) maybeGC(now time.Time) {
	if now.Sub(l.lastGC) < l.window {
		return
	}
	l.lastGC = now
	cutoff := now.Add(-l.window)
	for key, events := range l.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.events, key)
		}
	}
}
