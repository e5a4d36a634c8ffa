// Package ratelimit paces dispatches so that no rolling window ever holds more
// than a fixed number of starts.
//
// The Limiter combines a leaky bucket, which spaces starts at least window/max
// apart, with a sliding log of the last max start times. The log bounds every
// window; the spacing spreads starts evenly across it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"leadez/internal/domain"
)

const DefaultWindow = time.Minute

type Limiter struct {
	mu      sync.Mutex
	clock   Clock
	max     int
	window  time.Duration
	spacing time.Duration
	// starts is a ring of the most recent max start times.
	starts []time.Time
	next   int
	count  int
}

type Option func(*Limiter)

func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New returns a Limiter admitting at most max starts per window (one minute by default).
func New(max int, opts ...Option) (*Limiter, error) {
	if err := domain.RequirePositive("max_per_minute", max); err != nil {
		return nil, err
	}
	l := &Limiter{clock: SystemClock{}, max: max, window: DefaultWindow}
	for _, opt := range opts {
		opt(l)
	}
	l.spacing = l.window / time.Duration(max)
	l.starts = make([]time.Time, max)
	return l, nil
}

// Spacing is the minimum gap between two starts.
func (l *Limiter) Spacing() time.Duration { return l.spacing }

// NextAvailableSlot returns the earliest instant a new start would be admitted.
// The result is never before the clock's current time.
func (l *Limiter) NextAvailableSlot() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSlotLocked(l.clock.Now())
}

func (l *Limiter) nextSlotLocked(now time.Time) time.Time {
	slot := now
	if l.count == 0 {
		return slot
	}
	last := l.starts[(l.next-1+l.max)%l.max]
	if l.spacing > 0 {
		if t := last.Add(l.spacing); t.After(slot) {
			slot = t
		}
	}
	if l.count == l.max {
		// The oldest start leaves the half-open window (t-window, t] at oldest+window.
		oldest := l.starts[l.next]
		if t := oldest.Add(l.window); t.After(slot) {
			slot = t
		}
	}
	return slot
}

// tryStart records a start if one is admitted now. Otherwise it returns how
// long until the next slot.
func (l *Limiter) tryStart() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	slot := l.nextSlotLocked(now)
	if slot.After(now) {
		return slot.Sub(now), false
	}
	l.recordLocked(now)
	return 0, true
}

// Wait blocks until a start is admitted and records it, or returns ctx.Err().
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := l.tryStart()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

func (l *Limiter) recordLocked(t time.Time) {
	l.starts[l.next] = t
	l.next = (l.next + 1) % l.max
	if l.count < l.max {
		l.count++
	}
}
