package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// EmbeddingCache caches embedding vectors keyed by canonical query text.
// Concurrent requests for the same text share a single upstream compute;
// failed computes propagate to every waiter and are never cached.
type EmbeddingCache struct {
	store     *tieredStore
	embed     EmbedFunc
	ttl       *TTLPolicy
	namespace string
	group     singleflight.Group
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// newEmbeddingCache wires the cache over the tiered store and the upstream
// embedding function
func newEmbeddingCache(store *tieredStore, embed EmbedFunc, ttl *TTLPolicy, namespace string, logger observability.Logger, metrics observability.MetricsClient) *EmbeddingCache {
	return &EmbeddingCache{
		store:     store,
		embed:     embed,
		ttl:       ttl,
		namespace: namespace,
		logger:    logger,
		metrics:   metrics,
	}
}

// GetOrCompute returns the embedding for canonical text, computing and
// caching it on a miss. At most one compute per text is in flight at a
// time; latecomers block on the winner's result.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, canonical string, intent Intent) ([]float32, error) {
	key := NewCacheKey(c.namespace, canonical, ContentTypeEmbedding)
	storageKey := key.String()

	if entry, tier := c.store.get(ctx, storageKey); entry != nil && len(entry.Embedding) > 0 {
		c.metrics.IncrementCounterWithLabels("cache.embedding_hits", 1, map[string]string{"tier": string(tier)})
		return entry.Embedding, nil
	}

	v, err, shared := c.group.Do(storageKey, func() (interface{}, error) {
		// Re-check under the flight lock; a concurrent winner may have
		// stored the vector while this caller queued
		if entry, _ := c.store.get(ctx, storageKey); entry != nil && len(entry.Embedding) > 0 {
			return entry.Embedding, nil
		}

		start := time.Now()
		vector, err := c.embed(ctx, canonical)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		if len(vector) == 0 {
			return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
		}
		c.metrics.RecordLatency("cache.embedding_compute", time.Since(start))

		entry := NewCacheEntry(key, nil, vector, intent, c.ttl.ResolveTTL(ContentTypeEmbedding, intent))
		c.store.put(ctx, entry)
		return vector, nil
	})
	if err != nil {
		c.metrics.IncrementCounter("cache.embedding_failures", 1)
		return nil, err
	}
	if shared {
		c.metrics.IncrementCounter("cache.embedding_shared", 1)
	}
	return v.([]float32), nil
}

// Invalidate drops the cached vector for canonical text
func (c *EmbeddingCache) Invalidate(ctx context.Context, canonical string) error {
	return c.store.invalidate(ctx, NewCacheKey(c.namespace, canonical, ContentTypeEmbedding).String())
}
