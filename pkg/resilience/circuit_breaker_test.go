package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

func newTestRegistry() *BreakerRegistry {
	return NewBreakerRegistry(observability.NewNoopLogger(), observability.NewMetricsClient())
}

func TestBreakerRegistry_PassThrough(t *testing.T) {
	reg := newTestRegistry()

	got, err := reg.Execute(context.Background(), "test", CircuitBreakerConfig{}, func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestBreakerRegistry_ReturnsSameBreakerPerName(t *testing.T) {
	reg := newTestRegistry()

	a := reg.Get("redis", CircuitBreakerConfig{})
	b := reg.Get("redis", CircuitBreakerConfig{})
	c := reg.Get("disk", CircuitBreakerConfig{})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestBreakerRegistry_OpensAfterRepeatedFailures(t *testing.T) {
	reg := newTestRegistry()
	cfg := CircuitBreakerConfig{MinRequests: 3, FailureRatio: 0.5, Timeout: time.Minute}
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = reg.Execute(context.Background(), "failing", cfg, func() (interface{}, error) {
			return nil, boom
		})
	}

	called := false
	_, err := reg.Execute(context.Background(), "failing", cfg, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.Error(t, err, "an open breaker rejects calls")
	assert.False(t, called, "the protected function must not run while open")
}

func TestBreakerRegistry_ExecuteHonorsContext(t *testing.T) {
	reg := newTestRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := reg.Execute(ctx, "slow", CircuitBreakerConfig{}, func() (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 200*time.Millisecond)
}
