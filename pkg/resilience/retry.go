package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for retries
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
	RetryIfFn       func(error) bool
}

// DefaultRetryConfig returns retry settings suited to short cache tier calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		MaxElapsedTime:  2 * time.Second,
	}
}

// Retry retries a function with exponential backoff
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	if config.InitialInterval > 0 {
		b.InitialInterval = config.InitialInterval
	}
	if config.MaxInterval > 0 {
		b.MaxInterval = config.MaxInterval
	}
	if config.Multiplier > 1 {
		b.Multiplier = config.Multiplier
	}
	b.MaxElapsedTime = config.MaxElapsedTime

	var policy backoff.BackOff = b
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()

		// Stop retrying errors the caller marked as permanent
		if err != nil && config.RetryIfFn != nil && !config.RetryIfFn(err) {
			return backoff.Permanent(err)
		}

		return err
	}, policy)
}

// RetryWithResult retries a function with exponential backoff and returns its result
func RetryWithResult[T any](ctx context.Context, config RetryConfig, operation func() (T, error)) (T, error) {
	var result T

	err := Retry(ctx, config, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})

	return result, err
}
