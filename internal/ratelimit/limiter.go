// Package ratelimit paces admin actions at a strict minimum interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no faster than its rate. A limiter with a rate of
// zero or less is unlimited.
type Limiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
	rate     float64
}

// New creates a limiter issuing ratePerSec permits per second.
func New(ratePerSec float64) *Limiter {
	l := &Limiter{next: time.Now()}
	l.SetRate(ratePerSec)
	return l
}

// Wait blocks until a permit is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.interval == 0 {
		l.mu.Unlock()
		return nil
	}
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	permit := l.next
	l.next = permit.Add(l.interval)
	l.mu.Unlock()

	wait := time.Until(permit)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate changes the rate for subsequent permits.
func (l *Limiter) SetRate(ratePerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ratePerSec <= 0 {
		l.rate, l.interval = 0, 0
		return
	}
	l.rate = ratePerSec
	l.interval = time.Duration(float64(time.Second) / ratePerSec)
	if now := time.Now(); l.next.Before(now) {
		l.next = now
	}
}

// Rate returns the current rate, 0 when unlimited.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
