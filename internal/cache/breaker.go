package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"fanout/internal/types"
)

// Setter is the write side of a cache.
type Setter interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// BreakerSettings tunes when the breaker opens.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultBreakerSettings trips after five straight failures and probes again after 30s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "vlm-cache",
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
	}
}

// BreakerCache stops calling an unhealthy cache so that very large messages
// do not each wait for a timeout.
type BreakerCache struct {
	next    Setter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerCache wraps next with a circuit breaker.
func NewBreakerCache(next Setter, s BreakerSettings) *BreakerCache {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
	})
	return &BreakerCache{next: next, breaker: cb}
}

// Set forwards to the wrapped cache unless the breaker is open.
func (c *BreakerCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.next.Set(ctx, key, value, ttl)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", types.ErrCacheUnavailable, err)
	}
	return err
}

// State exposes the breaker state for health reporting.
func (c *BreakerCache) State() string {
	return c.breaker.State().String()
}
