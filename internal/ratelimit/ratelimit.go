// Package ratelimit throttles admission per source with a sliding window
// plus a cap on outstanding pending requests. The limiter fails closed: if
// its counters cannot be read, the request is rate limited.
package ratelimit

import (
	"time"

	"github.com/clawdbot/bouncer/internal/store"
)

// Limits configures the limiter.
type Limits struct {
	Window      time.Duration
	MaxInWindow int
	MaxPending  int
}

// Decision is the limiter verdict for one submission.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Limiter counts submissions per source against the store.
type Limiter struct {
	store  *store.Store
	limits Limits
	now    func() time.Time
}

// New returns a limiter over the given store.
func New(s *store.Store, limits Limits) *Limiter {
	return &Limiter{store: s, limits: limits, now: time.Now}
}

// SetClock overrides the clock. Tests only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Check evaluates the source without recording anything. Counter read
// failures deny the request.
func (l *Limiter) Check(source string) Decision {
	now := l.now()

	n, err := l.store.CountRateEventsSince(source, now.Add(-l.limits.Window))
	if err != nil {
		return Decision{Reason: "rate counters unavailable", RetryAfter: l.limits.Window}
	}
	if n >= l.limits.MaxInWindow {
		return Decision{
			Reason:     "submission rate exceeded",
			RetryAfter: l.limits.Window,
		}
	}

	pending, err := l.store.CountPending(source)
	if err != nil {
		return Decision{Reason: "rate counters unavailable", RetryAfter: l.limits.Window}
	}
	if pending >= l.limits.MaxPending {
		return Decision{
			Reason:     "too many pending requests",
			RetryAfter: l.limits.Window,
		}
	}
	return Decision{Allowed: true}
}

// Record counts one submission against the source's window.
func (l *Limiter) Record(source string) error {
	return l.store.RecordRateEvent(source)
}

// Allow is Check followed by Record when admitted.
func (l *Limiter) Allow(source string) Decision {
	d := l.Check(source)
	if !d.Allowed {
		return d
	}
	if err := l.Record(source); err != nil {
		return Decision{Reason: "rate counters unavailable", RetryAfter: l.limits.Window}
	}
	return d
}
