package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// LookupResult is the outcome of a cache lookup
type LookupResult struct {
	// Match classifies the outcome: exact, semantic, or miss
	Match MatchKind `json:"match"`
	// Payload is the cached or computed value; nil on a plain miss
	Payload json.RawMessage `json:"payload,omitempty"`
	// Score is the similarity score for semantic matches, 1 for exact
	Score float32 `json:"score"`
	// Tier names the tier that served a hit
	Tier Tier `json:"tier,omitempty"`
	// Canonical is the normalized form of the query
	Canonical string `json:"canonical"`
	// Intent is the classified query intent
	Intent Intent `json:"intent"`
	// Computed is true when the payload came from the compute function on
	// this call rather than from cache
	Computed bool `json:"computed"`
}

// Hit reports whether the result was served from cache
func (r *LookupResult) Hit() bool {
	return r.Match != MatchMiss
}

// WarmItem is a precomputed value loaded into the cache ahead of traffic
type WarmItem struct {
	Query       string          `json:"query"`
	ContentType ContentType     `json:"content_type"`
	Payload     json.RawMessage `json:"payload"`
}

// Option customizes engine construction
type Option func(*SemanticCache)

// WithLogger overrides the default logger
func WithLogger(logger observability.Logger) Option {
	return func(c *SemanticCache) { c.logger = logger }
}

// WithMetrics overrides the default metrics client
func WithMetrics(metrics observability.MetricsClient) Option {
	return func(c *SemanticCache) { c.metrics = metrics }
}

// WithNormalizer overrides the default query normalizer
func WithNormalizer(normalizer QueryNormalizer) Option {
	return func(c *SemanticCache) { c.normalizer = normalizer }
}

// SemanticCache is the engine: it normalizes queries, matches them exactly
// or by embedding similarity against the tiered store, computes and caches
// misses, and exposes a management surface for invalidation, strategy
// switching, and stats.
//
// All methods are safe for concurrent use.
type SemanticCache struct {
	config     *Config
	normalizer QueryNormalizer
	strategy   *StrategyEngine
	ttl        *TTLPolicy
	index      *SimilarityIndex
	store      *tieredStore
	embeddings *EmbeddingCache
	stats      *statsCollector

	// computeGroup dedupes concurrent payload computes per storage key
	computeGroup singleflight.Group

	logger  observability.Logger
	metrics observability.MetricsClient
	closed  atomic.Bool
}

// New builds an engine from the configuration and the upstream embedding
// function. The configuration is validated before any tier is touched.
func New(cfg *Config, embed EmbedFunc, opts ...Option) (*SemanticCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if embed == nil {
		return nil, fmt.Errorf("%w: embed function is required", ErrInvalidConfig)
	}

	c := &SemanticCache{
		config:  cfg,
		logger:  observability.NewLogger("semantic-cache"),
		metrics: observability.NewMetricsClient(),
		stats:   newStatsCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !cfg.EnableMetrics {
		c.metrics = observability.NewNoopMetricsClient()
	}
	if c.normalizer == nil {
		c.normalizer = NewQueryNormalizerWithSynonyms(cfg.Synonyms)
	}

	strategyEngine, err := NewStrategyEngine(cfg.Strategy, cfg.Ladders)
	if err != nil {
		return nil, err
	}
	c.strategy = strategyEngine
	c.ttl = NewTTLPolicy(cfg.TTL)
	c.index = NewSimilarityIndex(cfg.IndexShards)

	store, err := newTieredStore(cfg, c.index, c.logger, c.metrics)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.embeddings = newEmbeddingCache(store, embed, c.ttl, cfg.Namespace, c.logger, c.metrics)

	c.logger.Info("Semantic cache started", map[string]interface{}{
		"namespace": cfg.Namespace,
		"strategy":  string(cfg.Strategy),
		"l2":        cfg.L2.Enabled,
		"l3":        cfg.L3.Enabled,
	})
	return c, nil
}

// Lookup resolves a raw query against the cache without computing on a
// miss. A miss returns a result with Match set to MatchMiss and no error.
func (c *SemanticCache) Lookup(ctx context.Context, query string, ct ContentType) (*LookupResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.Lookup")
	defer span.End()

	result, _, err := c.lookup(ctx, query, ct)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("cache.match", string(result.Match))
	return result, nil
}

// lookup is the shared lookup path; it also returns the resolved key so
// LookupOrCompute can store under it without normalizing twice.
func (c *SemanticCache) lookup(ctx context.Context, query string, ct ContentType) (*LookupResult, CacheKey, error) {
	if c.closed.Load() {
		return nil, CacheKey{}, ErrShuttingDown
	}
	if !ct.valid() {
		return nil, CacheKey{}, fmt.Errorf("%w: unknown content type %q", ErrInvalidConfig, ct)
	}
	if err := validateQuery(query, c.config.MaxQueryLength); err != nil {
		return nil, CacheKey{}, err
	}

	start := time.Now()
	normalized := c.normalizer.Normalize(query)
	canonical := normalized.Canonical
	if canonical == "" {
		// Stop-word-only queries normalize to nothing; fall back to the
		// lowered raw text so they do not all collide on the empty key
		canonical = strings.ToLower(strings.TrimSpace(query))
	}
	key := NewCacheKey(c.config.Namespace, canonical, ct)

	defer func() {
		c.metrics.RecordLatency("cache.lookup", time.Since(start))
	}()

	// Exact match first; it needs no embedding
	if entry, tier := c.store.get(ctx, key.String()); entry != nil {
		c.recordMatch(MatchExact, 1, tier)
		return &LookupResult{
			Match:     MatchExact,
			Payload:   entry.Payload,
			Score:     1,
			Tier:      tier,
			Canonical: canonical,
			Intent:    normalized.Intent,
		}, key, nil
	}

	miss := &LookupResult{Match: MatchMiss, Canonical: canonical, Intent: normalized.Intent}

	// Embedding-type entries are exact-key only
	if ct == ContentTypeEmbedding || !c.strategy.SimilarityEnabled() {
		c.recordMatch(MatchMiss, 0, "")
		return miss, key, nil
	}

	vector, err := c.embeddings.GetOrCompute(ctx, canonical, normalized.Intent)
	if err != nil {
		// Similarity is an optimization; without a vector this request
		// degrades to the exact-only outcome already established above
		c.stats.recordEmbeddingFailure()
		c.logger.Warn("Embedding unavailable, serving exact-only", map[string]interface{}{
			"error": err.Error(),
		})
		c.recordMatch(MatchMiss, 0, "")
		return miss, key, nil
	}

	// Only candidates of the same namespace and content type may answer
	candidatePrefix := c.config.Namespace + ":" + string(ct) + ":"
	for _, candidate := range c.index.FindNearest(vector, c.config.MaxCandidates) {
		if !strings.HasPrefix(candidate.Key, candidatePrefix) {
			continue
		}
		kind := c.strategy.Classify(candidate.Score, ct, normalized.Intent)
		if kind == MatchMiss {
			// Candidates are ordered by score; nothing further can match
			break
		}
		entry, tier := c.store.get(ctx, candidate.Key)
		if entry == nil {
			// Stale index entry; the sweeper will reconcile it
			continue
		}
		c.recordMatch(kind, candidate.Score, tier)
		return &LookupResult{
			Match:     kind,
			Payload:   entry.Payload,
			Score:     candidate.Score,
			Tier:      tier,
			Canonical: canonical,
			Intent:    normalized.Intent,
		}, key, nil
	}

	c.recordMatch(MatchMiss, 0, "")
	return miss, key, nil
}

// LookupOrCompute resolves a query, invoking compute on a miss and caching
// the result. Concurrent misses for the same canonical query share one
// compute. Compute failures propagate to every waiter and are never
// cached.
func (c *SemanticCache) LookupOrCompute(ctx context.Context, query string, ct ContentType, compute ComputeFunc) (*LookupResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.LookupOrCompute")
	defer span.End()

	result, key, err := c.lookup(ctx, query, ct)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if result.Hit() {
		span.SetAttribute("cache.match", string(result.Match))
		return result, nil
	}
	if compute == nil {
		return result, nil
	}

	v, err, _ := c.computeGroup.Do(key.String(), func() (interface{}, error) {
		// A concurrent winner may have stored the value while this caller
		// queued behind the flight
		if entry, tier := c.store.get(ctx, key.String()); entry != nil {
			return &LookupResult{
				Match:     MatchExact,
				Payload:   entry.Payload,
				Score:     1,
				Tier:      tier,
				Canonical: result.Canonical,
				Intent:    result.Intent,
			}, nil
		}

		start := time.Now()
		payload, err := compute(ctx)
		c.stats.recordCompute(err)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrComputeFailed, err)
		}
		c.metrics.RecordLatency("cache.compute", time.Since(start))

		c.storeEntry(ctx, key, payload, result.Intent)
		return &LookupResult{
			Match:     MatchMiss,
			Payload:   payload,
			Canonical: result.Canonical,
			Intent:    result.Intent,
			Computed:  true,
		}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.(*LookupResult), nil
}

// Store caches a payload for a query without consulting the compute path.
// The embedding is fetched best-effort; without one the entry is served by
// exact match only.
func (c *SemanticCache) Store(ctx context.Context, query string, ct ContentType, payload json.RawMessage) error {
	if c.closed.Load() {
		return ErrShuttingDown
	}
	if !ct.valid() {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidConfig, ct)
	}
	if err := validateQuery(query, c.config.MaxQueryLength); err != nil {
		return err
	}

	normalized := c.normalizer.Normalize(query)
	canonical := normalized.Canonical
	if canonical == "" {
		canonical = strings.ToLower(strings.TrimSpace(query))
	}
	key := NewCacheKey(c.config.Namespace, canonical, ct)
	c.storeEntry(ctx, key, payload, normalized.Intent)
	return nil
}

// storeEntry builds and writes an entry, attaching its embedding when one
// can be obtained
func (c *SemanticCache) storeEntry(ctx context.Context, key CacheKey, payload json.RawMessage, intent Intent) {
	var vector []float32
	if key.ContentType != ContentTypeEmbedding && c.strategy.SimilarityEnabled() {
		v, err := c.embeddings.GetOrCompute(ctx, key.Canonical, intent)
		if err != nil {
			c.stats.recordEmbeddingFailure()
			c.logger.Debug("Storing entry without embedding", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			vector = v
		}
	}

	ttl := c.ttl.ResolveTTL(key.ContentType, intent)
	entry := NewCacheEntry(key, payload, vector, intent, ttl)
	c.store.put(ctx, entry)
	c.metrics.IncrementCounterWithLabels("cache.stores", 1, map[string]string{"content_type": string(key.ContentType)})
}

// LookupBatch resolves multiple queries concurrently, preserving input
// order in the results. Per-query validation errors surface as nil slots;
// the first systemic error aborts the batch.
func (c *SemanticCache) LookupBatch(ctx context.Context, queries []string, ct ContentType) ([]*LookupResult, error) {
	if c.closed.Load() {
		return nil, ErrShuttingDown
	}

	results := make([]*LookupResult, len(queries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, query := range queries {
		g.Go(func() error {
			result, err := c.Lookup(ctx, query, ct)
			if err != nil {
				// Bad individual queries do not fail the batch
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Warm loads precomputed values into the cache ahead of traffic, returning
// how many items were stored
func (c *SemanticCache) Warm(ctx context.Context, items []WarmItem) (int, error) {
	warmed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if err := c.Store(ctx, item.Query, item.ContentType, item.Payload); err != nil {
			c.logger.Warn("Skipping warm item", map[string]interface{}{
				"query": item.Query,
				"error": err.Error(),
			})
			continue
		}
		warmed++
	}
	c.logger.Info("Cache warmed", map[string]interface{}{"items": warmed})
	return warmed, nil
}

// Invalidate removes the cached entry for a query from every tier
func (c *SemanticCache) Invalidate(ctx context.Context, query string, ct ContentType) error {
	if c.closed.Load() {
		return ErrShuttingDown
	}
	if err := validateQuery(query, c.config.MaxQueryLength); err != nil {
		return err
	}

	normalized := c.normalizer.Normalize(query)
	canonical := normalized.Canonical
	if canonical == "" {
		canonical = strings.ToLower(strings.TrimSpace(query))
	}
	key := NewCacheKey(c.config.Namespace, canonical, ct)

	c.stats.recordInvalidation()
	c.metrics.IncrementCounter("cache.invalidations", 1)
	return c.store.invalidate(ctx, key.String())
}

// InvalidateNamespace removes every entry of a namespace from every tier,
// returning how many keys were removed from the shared tiers
func (c *SemanticCache) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	if c.closed.Load() {
		return 0, ErrShuttingDown
	}
	if namespace == "" {
		return 0, fmt.Errorf("%w: namespace is required", ErrInvalidConfig)
	}

	c.stats.recordInvalidation()
	removed, err := c.store.invalidateNamespace(ctx, namespace)
	c.logger.Info("Namespace invalidated", map[string]interface{}{
		"namespace": namespace,
		"removed":   removed,
	})
	return removed, err
}

// SetStrategy switches the active strategy profile at runtime. In-flight
// lookups finish under the profile they started with.
func (c *SemanticCache) SetStrategy(profile StrategyProfile) error {
	if err := c.strategy.SetProfile(profile); err != nil {
		return err
	}
	c.stats.recordStrategyChange()
	c.logger.Info("Strategy changed", map[string]interface{}{"strategy": string(profile)})
	c.metrics.IncrementCounterWithLabels("cache.strategy_changes", 1, map[string]string{"strategy": string(profile)})
	return nil
}

// Strategy returns the active strategy profile
func (c *SemanticCache) Strategy() StrategyProfile {
	return c.strategy.Profile()
}

// Stats returns a snapshot of engine counters and tier state
func (c *SemanticCache) Stats(ctx context.Context) CacheStats {
	stats := c.stats.snapshot()
	stats.Strategy = c.strategy.Profile()
	stats.TierSizes = c.store.tierSizes(ctx)
	stats.TierHealth = c.store.tierHealth(ctx)
	stats.IndexSize = c.index.Len()
	return stats
}

// Healthy reports whether the engine can serve lookups. L1 always can;
// degraded lower tiers do not make the engine unhealthy.
func (c *SemanticCache) Healthy(ctx context.Context) bool {
	return !c.closed.Load()
}

// Shutdown drains the engine: new calls are rejected, background workers
// stop, and L1 survivors are flushed down to L2 so warm state outlives the
// process. Idempotent.
func (c *SemanticCache) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Semantic cache shutting down", nil)
	err := c.store.shutdown(ctx)
	if mErr := c.metrics.Close(); mErr != nil && err == nil {
		err = mErr
	}
	return err
}

func (c *SemanticCache) recordMatch(kind MatchKind, score float32, tier Tier) {
	c.stats.recordLookup(kind, score)
	labels := map[string]string{"match": string(kind)}
	if tier != "" {
		labels["tier"] = string(tier)
	}
	c.metrics.IncrementCounterWithLabels("cache.lookups", 1, labels)
}
