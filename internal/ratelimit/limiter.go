// Package ratelimit provides the shared per-provider request gate.
// One Limiter guards one external provider regardless of tenant, since
// the provider quota is global to the engine's credential pool.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"clipflow/internal/config"
)

// Mode selects the quota shape a provider documents.
type Mode string

const (
	// ModeWindow allows at most Limit acquisitions per rolling-fixed window.
	ModeWindow Mode = "window"
	// ModeInterval enforces a minimum gap between acquisitions.
	ModeInterval Mode = "interval"
)

// ErrExhausted is returned by Acquire when the context ends before
// capacity becomes available. Callers treat it as retryable.
var ErrExhausted = errors.New("rate limit: capacity not available")

// Limiter is a process-local token gate. The zero value is not usable;
// construct with NewWindow, NewInterval, or FromConfig.
type Limiter struct {
	mode     Mode
	limit    int
	window   time.Duration
	interval time.Duration

	mu          sync.Mutex
	windowStart time.Time
	count       int
	last        time.Time

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock, used by tests for deterministic windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewWindow builds a fixed-window limiter: at most limit acquisitions
// per window.
func NewWindow(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{mode: ModeWindow, limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewInterval builds a minimum-inter-request-interval limiter.
func NewInterval(interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{mode: ModeInterval, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromConfig builds a limiter matching a provider's configured quota
// shape. Unconfigured limits fall back to a permissive default of 60
// per minute.
func FromConfig(cfg config.ProviderLimitConfig, opts ...Option) *Limiter {
	switch Mode(cfg.Mode) {
	case ModeInterval:
		iv := time.Duration(cfg.MinIntervalMs) * time.Millisecond
		if iv <= 0 {
			iv = time.Second
		}
		return NewInterval(iv, opts...)
	default:
		limit := cfg.RequestsPerWindow
		if limit <= 0 {
			limit = 60
		}
		window := time.Duration(cfg.WindowSeconds) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		return NewWindow(limit, window, opts...)
	}
}

// TryAcquire takes a slot if one is available right now. Non-blocking
// callers (the sweeper) use this so that a saturated provider only
// delays recovery to the next sweep rather than stalling it.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.tryLocked()
	return ok
}

// Acquire blocks until a slot is available or ctx is done. A context
// error is reported as ErrExhausted so gateways classify it retryable.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		ok, wait := l.tryLocked()
		l.mu.Unlock()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrExhausted
		case <-timer.C:
		}
	}
}

// tryLocked attempts to take a slot. On failure it returns how long to
// wait before the next slot could open. Callers hold l.mu.
func (l *Limiter) tryLocked() (bool, time.Duration) {
	now := l.now()

	switch l.mode {
	case ModeInterval:
		if l.last.IsZero() || now.Sub(l.last) >= l.interval {
			l.last = now
			return true, 0
		}
		return false, l.interval - now.Sub(l.last)

	default: // ModeWindow
		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
			l.windowStart = now
			l.count = 0
		}
		if l.count < l.limit {
			l.count++
			return true, 0
		}
		return false, l.windowStart.Add(l.window).Sub(now)
	}
}
