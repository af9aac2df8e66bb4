package governance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-node rate limit settings.
type RateLimiterConfig struct {
	PerSecond float64
	Burst     int
}

// RateLimiter paces transform invocations per node. Nodes without a
// configured limit are never delayed.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[string]*rate.Limiter)}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-node limits. Existing limiters are updated in
// place so their accumulated tokens survive a reload.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*rate.Limiter, len(config))
	for nodeID, cfg := range config {
		if cfg.PerSecond <= 0 {
			continue
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		if existing, ok := rl.limiters[nodeID]; ok {
			existing.SetLimit(rate.Limit(cfg.PerSecond))
			existing.SetBurst(burst)
			next[nodeID] = existing
			continue
		}
		next[nodeID] = rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
	}
	rl.limiters = next
}

// Wait blocks until the node may run or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, nodeID string) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	limiter, ok := rl.limiters[nodeID]
	rl.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", nodeID, err)
	}
	return nil
}

// Allow reports whether the node may run right now without waiting.
func (rl *RateLimiter) Allow(nodeID string) bool {
	if rl == nil {
		return true
	}
	rl.mu.RLock()
	limiter, ok := rl.limiters[nodeID]
	rl.mu.RUnlock()
	return !ok || limiter.Allow()
}
