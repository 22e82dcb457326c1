package resilient

import (
	"context"
	"math"
	"time"
)

// Policy bounds one logical outbound call. MaxRetries counts attempts, so a
// value of 1 means no retry.
type Policy struct {
	MaxRetries    int
	Timeout       time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration
}

// DefaultPolicy returns the policy used when a call does not choose its own.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		Timeout:       8 * time.Second,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      3 * time.Second,
		RateLimitBase: time.Second,
		RateLimitMax:  15 * time.Second,
	}
}

// With returns a copy of p with the attempt count and per-attempt timeout
// replaced. Zero values keep the original setting.
func (p Policy) With(maxRetries int, timeout time.Duration) Policy {
	if maxRetries > 0 {
		p.MaxRetries = maxRetries
	}
	if timeout > 0 {
		p.Timeout = timeout
	}
	return p
}

// Backoff returns the delay before the attempt following the n-th failed one
// (n starts at 0). Rate-limited failures grow by 3x, everything else by 2x.
func (p Policy) Backoff(n int, kind Kind) time.Duration {
	if kind == KindRateLimited {
		return grow(p.RateLimitBase, 3, n, p.RateLimitMax)
	}
	return grow(p.BaseDelay, 2, n, p.MaxDelay)
}

func grow(base time.Duration, factor float64, n int, limit time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(factor, float64(n)))
	if limit > 0 && (d > limit || d < 0) {
		return limit
	}
	return d
}

type policyKey struct{}

// WithPolicy attaches a per-call policy to ctx. Requests built from the
// returned context use it instead of the transport's default.
func WithPolicy(ctx context.Context, p Policy) context.Context {
	return context.WithValue(ctx, policyKey{}, p)
}

func policyFrom(ctx context.Context, def Policy) Policy {
	if p, ok := ctx.Value(policyKey{}).(Policy); ok {
		return p
	}
	return def
}
