// Package resilience provides circuit breaker and retry primitives for the
// cache's storage tier clients. Tier failures must never surface to lookup
// callers, so both primitives report through observability only.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// CircuitBreakerConfig holds configuration for circuit breakers
type CircuitBreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// applyDefaults fills zero values with production defaults
func (c *CircuitBreakerConfig) applyDefaults(name string) {
	if c.Name == "" {
		c.Name = name
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
}

// BreakerRegistry manages named circuit breakers, creating them on demand
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewBreakerRegistry creates a registry. Logger and metrics may be nil.
func NewBreakerRegistry(logger observability.Logger, metrics observability.MetricsClient) *BreakerRegistry {
	if logger == nil {
		logger = observability.NewLogger("resilience")
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the circuit breaker with the given name, creating it if needed
func (r *BreakerRegistry) Get(name string, config CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again in case it was created while we were waiting for the lock
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config.applyDefaults(name)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("Circuit breaker state change", map[string]interface{}{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
			r.metrics.IncrementCounterWithLabels("circuit_breaker.state_change", 1, map[string]string{
				"name": name,
				"to":   to.String(),
			})
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named circuit breaker, honoring ctx cancellation
func (r *BreakerRegistry) Execute(ctx context.Context, name string, config CircuitBreakerConfig, fn func() (interface{}, error)) (interface{}, error) {
	cb := r.Get(name, config)

	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := cb.Execute(fn)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	}
}

// Common circuit breaker names for the storage tiers
const (
	RedisCircuitBreaker = "redis"
	DiskCircuitBreaker  = "disk"
)
