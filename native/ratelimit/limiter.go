// Package ratelimit bounds redemption request frequency per requester using
// a sliding window over recent request timestamps.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited indicates the requester exhausted the window allowance. The
// caller may retry once the window elapses; nothing is recorded for a
// rejected attempt.
var ErrRateLimited = errors.New("ratelimit: request rate exceeded")

// Violation conveys the exhausted limit alongside diagnostic context.
type Violation struct {
	Requester string
	Limit     int
	Count     int
	Window    time.Duration
	RetryAt   time.Time
}

// Error satisfies the error interface so violations propagate through call
// sites unchanged.
func (v *Violation) Error() string {
	if v == nil {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("ratelimit: %s made %d requests, limit %d per %s", v.Requester, v.Count, v.Limit, v.Window)
}

// Unwrap lets callers match the sentinel with errors.Is.
func (v *Violation) Unwrap() error { return ErrRateLimited }

// Limiter tracks per-requester sliding windows. All window reads and updates
// happen under a single critical section so two concurrent requests cannot
// both claim the last remaining slot.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	clock   func() time.Time
	windows map[string][]time.Time
}

// New constructs a limiter admitting at most max requests per window per
// requester. Non-positive arguments fall back to 10 requests per hour.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		window:  window,
		max:     max,
		clock:   time.Now,
		windows: make(map[string][]time.Time),
	}
}

// SetClock overrides the time source for deterministic tests.
func (l *Limiter) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Admit prunes expired timestamps for the requester and admits the request
// when capacity remains, recording the admission timestamp. A nil return
// means admitted; otherwise the violation describes the exhausted window.
func (l *Limiter) Admit(requester string) *Violation {
	if l == nil {
		return nil
	}
	key := strings.TrimSpace(requester)
	now := l.clock().UTC()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.windows[key], cutoff)
	if len(recent) >= l.max {
		l.windows[key] = recent
		return &Violation{
			Requester: key,
			Limit:     l.max,
			Count:     len(recent),
			Window:    l.window,
			RetryAt:   recent[0].Add(l.window),
		}
	}
	l.windows[key] = append(recent, now)
	return nil
}

// Remaining reports the unused capacity for the requester without recording
// anything.
func (l *Limiter) Remaining(requester string) int {
	if l == nil {
		return 0
	}
	key := strings.TrimSpace(requester)
	cutoff := l.clock().UTC().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := pruneBefore(l.windows[key], cutoff)
	l.windows[key] = recent
	if len(recent) >= l.max {
		return 0
	}
	return l.max - len(recent)
}

func pruneBefore(samples []time.Time, cutoff time.Time) []time.Time {
	if len(samples) == 0 {
		return nil
	}
	kept := samples[:0]
	for _, sample := range samples {
		if !sample.Before(cutoff) {
			kept = append(kept, sample)
		}
	}
	return append([]time.Time(nil), kept...)
}
