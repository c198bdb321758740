// Package ratelimit provides the cheap eligibility gate used as step one of
// every scheduling discipline. Gate answers are advisory rather than
// reservations: a positive answer consumes a token, a negative one costs
// nothing downstream.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token-bucket shape.
type Policy struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// Gate answers whether one unit of work may proceed for a key right now.
type Gate interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LocalGate keeps an in-process token bucket per key.
type LocalGate struct {
	policy   Policy
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalGate(policy Policy) *LocalGate {
	return &LocalGate{policy: policy, limiters: make(map[string]*rate.Limiter)}
}

func (g *LocalGate) Allow(_ context.Context, key string, cost int) (bool, error) {
	g.mu.Lock()
	limiter, ok := g.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(g.policy.RPM)/60.0), g.policy.Burst)
		g.limiters[key] = limiter
	}
	g.mu.Unlock()
	return limiter.AllowN(time.Now(), cost), nil
}
