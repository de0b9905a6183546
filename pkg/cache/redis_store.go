package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

// redisStore is the shared L2 tier. All operations run behind a circuit
// breaker with retry and a bounded per-operation timeout; on timeout or
// error the tier reports absent and the caller moves on. A cache is
// best-effort, never a source of truth.
type redisStore struct {
	client    *redis.Client
	breakers  *resilience.BreakerRegistry
	retry     resilience.RetryConfig
	opTimeout time.Duration
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// newRedisStore connects to Redis and verifies the connection
func newRedisStore(cfg RedisConfig, logger observability.Logger, metrics observability.MetricsClient) (*redisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		WriteTimeout: cfg.OperationTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &redisStore{
		client:    client,
		breakers:  resilience.NewBreakerRegistry(logger, metrics),
		retry:     resilience.DefaultRetryConfig(),
		opTimeout: cfg.OperationTimeout,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// newRedisStoreWithClient wraps an existing client, used by tests
func newRedisStoreWithClient(client *redis.Client, opTimeout time.Duration, logger observability.Logger, metrics observability.MetricsClient) *redisStore {
	return &redisStore{
		client:    client,
		breakers:  resilience.NewBreakerRegistry(logger, metrics),
		retry:     resilience.DefaultRetryConfig(),
		opTimeout: opTimeout,
		logger:    logger,
		metrics:   metrics,
	}
}

// execute runs fn behind the breaker and retry policy with a bounded
// timeout
func (s *redisStore) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.breakers.Execute(ctx, resilience.RedisCircuitBreaker, resilience.CircuitBreakerConfig{}, func() (interface{}, error) {
		return nil, resilience.Retry(ctx, s.retry, func() error {
			err := fn(ctx)
			// A missing key is a result, not a failure
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		})
	})
	return err
}

// get returns the entry for key, nil when absent. Corrupt payloads are
// deleted and reported absent.
func (s *redisStore) get(ctx context.Context, key string) (*CacheEntry, error) {
	var data []byte
	var missing bool

	err := s.execute(ctx, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			missing = true
			return err
		}
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	if missing || data == nil {
		return nil, nil
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entries never crash the lookup path; drop and miss
		s.logger.Warn("Dropping corrupt L2 entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		s.metrics.IncrementCounterWithLabels("cache.corrupt_entry", 1, map[string]string{"tier": string(TierL2)})
		_ = s.delete(ctx, key)
		return nil, nil
	}
	return &entry, nil
}

// put stores an entry under its remaining absolute TTL
func (s *redisStore) put(ctx context.Context, entry *CacheEntry) error {
	ttl := entry.RemainingTTL(time.Now())
	if ttl <= 0 {
		return nil
	}

	stored := entry.withTier(TierL2)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	err = s.execute(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, entry.Key.String(), data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return nil
}

// delete removes a key
func (s *redisStore) delete(ctx context.Context, key string) error {
	err := s.execute(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return nil
}

// exists reports whether a key is present
func (s *redisStore) exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.execute(ctx, func(ctx context.Context) error {
		v, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return n > 0, nil
}

// deletePattern removes every key matching the glob pattern using SCAN so
// the server is never blocked, deleting in batches.
func (s *redisStore) deletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	// Pattern scans may touch many keys; allow a longer bound
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout*10)
	defer cancel()

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 1000 {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("%w: %v", ErrTierUnavailable, err)
	}
	return deleted, nil
}

// healthy reports whether Redis answers a ping
func (s *redisStore) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// close releases the client
func (s *redisStore) close() error {
	return s.client.Close()
}
