package credentials

import (
	"context"
	"sync"
	"time"
)

// Cached memoizes successful fetches for TTL. Failures are never cached.
type Cached struct {
	next Provider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// NewCached wraps p. A non-positive ttl disables caching and every call goes
// to p.
func NewCached(p Provider, ttl time.Duration) *Cached {
	return &Cached{
		next:    p,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) Fetch(ctx context.Context, name string) (string, error) {
	if c.ttl <= 0 {
		return c.next.Fetch(ctx, name)
	}

	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok && c.now().Before(e.expires) {
		return e.value, nil
	}

	v, err := c.next.Fetch(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}
