package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a client's bucket is kept after its last request.
const limiterIdle = 10 * time.Minute

// limiterPool hands out one token bucket per client address. Buckets idle
// for longer than idle are dropped by a sweep that runs at most once per
// idle period.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*clientLimiter
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		m:         make(map[string]*clientLimiter),
		rps:       rps,
		burst:     burst,
		idle:      limiterIdle,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}
	if l, ok := p.m[key]; ok {
		l.lastSeen = now
		return l.Limiter
	}
	l := &clientLimiter{Limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst), lastSeen: now}
	p.m[key] = l
	return l.Limiter
}

// sweep drops buckets not used within idle. p.mu must be held.
func (p *limiterPool) sweep(now time.Time) {
	for key, l := range p.m {
		if now.Sub(l.lastSeen) >= p.idle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// RateLimit answers 429 once a client exceeds rps requests per second
// beyond burst.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	pool := newLimiterPool(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				httpError(w, http.StatusTooManyRequests, "Too many requests", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
