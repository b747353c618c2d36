// Package breaker implements the process-local circuit breaker guarding the
// fast-text provider. Unlike a generic multi-provider breaker, this one has
// exactly two states (closed/open) and trips purely on consecutive HTTP 429
// signals — there is no half-open probe state, and only one provider is
// tracked, matching the router's actual failure model.
package breaker

import (
	"sync"
	"time"
)

// Config holds the breaker's tuning parameters.
type Config struct {
	// Threshold429 is the number of consecutive 429s that trip the breaker.
	Threshold429 int
	// OpenDuration is the cooldown duration once tripped.
	OpenDuration time.Duration
}

// Breaker is a mutex-protected two-state circuit breaker.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	consecutive429 int
	openUntil      time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg}
}

// IsOpen reports whether the breaker is currently suppressing calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Before(b.openUntil)
}

// RecordRateLimited records a 429 response. If this brings the consecutive
// count to the threshold, the breaker opens for OpenDuration. Returns true
// if this call is what opened the breaker (the caller uses this to decide
// whether to surface service_unavailable immediately instead of continuing
// the fallback chain).
func (b *Breaker) RecordRateLimited() (justOpened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive429++
	if b.consecutive429 >= b.cfg.Threshold429 {
		b.openUntil = time.Now().Add(b.cfg.OpenDuration)
		return true
	}
	return false
}

// RecordNon429 records a failure that was not a rate-limit signal. It resets
// the consecutive-429 counter but does not close an already-open breaker —
// the cooldown runs its course independently of subsequent non-429 outcomes.
func (b *Breaker) RecordNon429() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429 = 0
}

// RecordSuccess resets both the counter and the open cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive429 = 0
	b.openUntil = time.Time{}
}

// Status is a snapshot of breaker state for the /health endpoint.
type Status struct {
	Consecutive429   int  `json:"consecutive_429"`
	Open             bool `json:"open"`
	RetryAfterSecond int  `json:"retry_after_seconds"`
}

// Status returns the current breaker state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	retryAfter := int(time.Until(b.openUntil).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Status{
		Consecutive429:   b.consecutive429,
		Open:             time.Now().Before(b.openUntil),
		RetryAfterSecond: retryAfter,
	}
}

// RetryAfterSeconds returns how many whole seconds remain until the breaker
// closes, with a floor of 1 so callers never emit a zero or negative
// Retry-After header while the breaker is still open.
func (b *Breaker) RetryAfterSeconds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := int(time.Until(b.openUntil).Seconds())
	if remaining < 1 {
		return 1
	}
	return remaining
}
