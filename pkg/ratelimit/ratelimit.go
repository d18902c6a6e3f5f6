package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate serializes access to a resource that cannot tolerate concurrent
// callers, and enforces a minimum delay between consecutive operations.
// It is safe for concurrent use by multiple goroutines.
type Gate struct {
	slot     chan struct{}
	mu       sync.Mutex
	lastDone time.Time
	minDelay time.Duration
}

// NewGate creates a gate with the given minimum inter-operation delay.
// A delay of zero disables spacing; the single-flight guarantee always
// holds.
func NewGate(minDelay time.Duration) *Gate {
	if minDelay < 0 {
		minDelay = 0
	}
	g := &Gate{
		slot:     make(chan struct{}, 1),
		minDelay: minDelay,
	}
	g.slot <- struct{}{}
	return g
}

// Acquire blocks until the caller holds the single in-flight slot and
// the minimum delay since the previous release has elapsed. It returns
// a release function that must be called exactly once, or an error if
// the context is canceled while waiting.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.slot:
	}

	g.mu.Lock()
	wait := g.minDelay - time.Since(g.lastDone)
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			g.slot <- struct{}{}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.lastDone = time.Now()
			g.mu.Unlock()
			g.slot <- struct{}{}
		})
	}, nil
}

// MinDelay reports the configured spacing between operations.
func (g *Gate) MinDelay() time.Duration { return g.minDelay }
