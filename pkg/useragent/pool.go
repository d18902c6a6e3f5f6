package useragent

import (
	"math/rand/v2"
	"sync/atomic"
)

// defaultUserAgents is a realistic set of modern desktop User-Agents.
// Bot-defended storefronts fingerprint stale or exotic UAs, so the
// list is kept small and current rather than exhaustive.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Pool hands out User-Agents either round-robin (for HTTP clients that
// want even distribution) or randomly (for browser contexts that want
// diversity between pool slots). Safe for concurrent use.
type Pool struct {
	uas     []string
	counter atomic.Uint64
}

// NewPool creates a pool from the given User-Agents, falling back to
// the built-in list when the slice is empty.
func NewPool(uas []string) *Pool {
	if len(uas) == 0 {
		uas = defaultUserAgents
	}
	copied := make([]string, len(uas))
	copy(copied, uas)
	return &Pool{uas: copied}
}

// DefaultPool returns a pool over the built-in User-Agent list.
func DefaultPool() *Pool {
	return NewPool(nil)
}

// GetSequential returns the next User-Agent round-robin.
func (p *Pool) GetSequential() string {
	idx := p.counter.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// GetRandom returns a uniformly random User-Agent from the pool.
func (p *Pool) GetRandom() string {
	return p.uas[rand.IntN(len(p.uas))]
}

// Len reports the number of User-Agents in the pool.
func (p *Pool) Len() int { return len(p.uas) }
