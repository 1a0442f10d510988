package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is a token bucket guarding outbound API calls. The bucket starts
// full and refills continuously at the per-minute budget. A server
// directed suspension (Retry-After) blocks all acquisition until the
// deadline passes, regardless of available tokens.
type Gate struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	suspendedUntil time.Time
}

// NewGate creates a gate allowing perMinute requests with burst capacity
// equal to the full per-minute budget.
func NewGate(perMinute int) *Gate {
	return NewGateWithBurst(perMinute, perMinute)
}

// NewGateWithBurst creates a gate with an explicit burst capacity.
func NewGateWithBurst(perMinute, burst int) *Gate {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Acquire blocks until a token is available. It returns an error only
// when ctx ends first; callers are never rejected outright.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		g.mu.Lock()
		wait := time.Until(g.suspendedUntil)
		g.mu.Unlock()
		if wait <= 0 {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return g.limiter.Wait(ctx)
}

// SuspendFor halts all acquisition for d. The server's throttle
// directive wins over the local token budget.
func (g *Gate) SuspendFor(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	g.mu.Lock()
	if until.After(g.suspendedUntil) {
		g.suspendedUntil = until
		log.Printf("rate gate suspended for %s", d)
	}
	g.mu.Unlock()
}

// Suspended reports whether a server-directed pause is in effect.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.suspendedUntil)
}

// Tokens returns the approximate number of immediately available tokens.
func (g *Gate) Tokens() float64 {
	return g.limiter.Tokens()
}
