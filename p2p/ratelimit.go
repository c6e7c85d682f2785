package p2p

import (
	"sync"

	"golang.org/x/time/rate"
)

// ipRateLimiter throttles inbound connection attempts per remote address,
// guarding the acceptor against a single misbehaving or malfunctioning
// remote flooding handshake attempts. One golang.org/x/time/rate.Limiter is
// lazily allocated per address.
type ipRateLimiter struct {
	limit rate.Limit
	burst int

	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

// newIPRateLimiter constructs a limiter allowing ratePerSec sustained
// attempts per address with burst headroom. A non-positive ratePerSec
// disables limiting entirely (allow always returns true).
func newIPRateLimiter(ratePerSec float64, burst int) *ipRateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &ipRateLimiter{
		limit:  rate.Limit(ratePerSec),
		burst:  burst,
		limits: make(map[string]*rate.Limiter),
	}
}

func (l *ipRateLimiter) allow(addr string) bool {
	if l == nil || addr == "" {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limits[addr]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limits[addr] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// prune drops limiters for addresses not present in active, bounding the
// map's growth across long-running acceptor lifetimes.
func (l *ipRateLimiter) prune(active map[string]struct{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr := range l.limits {
		if _, ok := active[addr]; !ok {
			delete(l.limits, addr)
		}
	}
}
