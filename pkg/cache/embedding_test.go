package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

func newTestTieredStore(t *testing.T, cfg *Config) *tieredStore {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.SweepInterval = time.Hour

	store, err := newTieredStore(cfg, NewSimilarityIndex(cfg.IndexShards), observability.NewNoopLogger(), observability.NewMetricsClient())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.shutdown(ctx)
	})
	return store
}

func newTestEmbeddingCache(t *testing.T, embed EmbedFunc) *EmbeddingCache {
	t.Helper()
	cfg := DefaultConfig()
	store := newTestTieredStore(t, cfg)
	return newEmbeddingCache(store, embed, NewTTLPolicy(cfg.TTL), cfg.Namespace, observability.NewNoopLogger(), observability.NewMetricsClient())
}

func TestEmbeddingCache_ComputesOnceAndCaches(t *testing.T) {
	var calls atomic.Int64
	ec := newTestEmbeddingCache(t, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{1, 2, 3}, nil
	})

	ctx := context.Background()
	first, err := ec.GetOrCompute(ctx, "extintor pqs", IntentLookup)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, first)

	second, err := ec.GetOrCompute(ctx, "extintor pqs", IntentLookup)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbeddingCache_ConcurrentRequestsShareOneCompute(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	ec := newTestEmbeddingCache(t, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		<-release
		return []float32{0.5, 0.5}, nil
	})

	const workers = 20
	var wg sync.WaitGroup
	results := make([][]float32, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = ec.GetOrCompute(context.Background(), "consulta compartida", IntentLookup)
		}()
	}

	// Let every worker queue behind the single in-flight compute
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "exactly one upstream compute for concurrent identical requests")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []float32{0.5, 0.5}, results[i])
	}
}

func TestEmbeddingCache_FailureNotCached(t *testing.T) {
	var calls atomic.Int64
	fail := atomic.Bool{}
	fail.Store(true)
	ec := newTestEmbeddingCache(t, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, errors.New("upstream down")
		}
		return []float32{1}, nil
	})

	ctx := context.Background()
	_, err := ec.GetOrCompute(ctx, "consulta", IntentLookup)
	require.ErrorIs(t, err, ErrEmbeddingFailed)

	// A later request retries instead of serving the cached failure
	fail.Store(false)
	got, err := ec.GetOrCompute(ctx, "consulta", IntentLookup)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, got)
	assert.Equal(t, int64(2), calls.Load())
}

func TestEmbeddingCache_EmptyVectorIsFailure(t *testing.T) {
	ec := newTestEmbeddingCache(t, func(ctx context.Context, text string) ([]float32, error) {
		return nil, nil
	})

	_, err := ec.GetOrCompute(context.Background(), "consulta", IntentLookup)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestEmbeddingCache_Invalidate(t *testing.T) {
	var calls atomic.Int64
	ec := newTestEmbeddingCache(t, func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{1}, nil
	})

	ctx := context.Background()
	_, err := ec.GetOrCompute(ctx, "consulta", IntentLookup)
	require.NoError(t, err)
	require.NoError(t, ec.Invalidate(ctx, "consulta"))

	_, err = ec.GetOrCompute(ctx, "consulta", IntentLookup)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}
