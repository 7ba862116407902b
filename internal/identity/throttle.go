package identity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig bounds authentication attempts per principal id.
type ThrottleConfig struct {
	// PerMinute is the sustained attempt rate. Zero disables throttling.
	PerMinute float64
	// Burst is the number of attempts allowed back to back.
	Burst int
}

// DefaultThrottle allows five rapid attempts, then one every 12 seconds.
func DefaultThrottle() ThrottleConfig {
	return ThrottleConfig{PerMinute: 5, Burst: 5}
}

const throttleIdle = 15 * time.Minute

// Throttle is a per-key token bucket. Idle buckets are swept lazily.
type Throttle struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewThrottle creates a Throttle. A zero PerMinute yields a throttle that
// allows everything.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	t := &Throttle{buckets: make(map[string]*bucket)}
	if cfg.PerMinute > 0 {
		t.limit = rate.Limit(cfg.PerMinute / 60)
		t.burst = cfg.Burst
		if t.burst < 1 {
			t.burst = 1
		}
	}
	return t
}

// Allow consumes one attempt for key.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.limit == 0 {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) > throttleIdle {
		for k, b := range t.buckets {
			if now.Sub(b.seen) > throttleIdle {
				delete(t.buckets, k)
			}
		}
		t.lastSweep = now
	}

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
