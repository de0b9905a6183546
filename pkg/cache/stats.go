package cache

import (
	"math"
	"sync/atomic"
	"time"
)

// CacheStats is a point-in-time snapshot of engine behavior since startup
type CacheStats struct {
	Lookups      int64 `json:"lookups"`
	ExactHits    int64 `json:"exact_hits"`
	SemanticHits int64 `json:"semantic_hits"`
	Misses       int64 `json:"misses"`

	// HitRate is hits over lookups, 0 when nothing was looked up yet
	HitRate float64 `json:"hit_rate"`

	// AvgSemanticScore is the mean similarity score of served semantic
	// hits, a health signal for threshold tuning
	AvgSemanticScore float64 `json:"avg_semantic_score"`

	Computes          int64 `json:"computes"`
	ComputeFailures   int64 `json:"compute_failures"`
	EmbeddingFailures int64 `json:"embedding_failures"`
	Invalidations     int64 `json:"invalidations"`
	StrategyChanges   int64 `json:"strategy_changes"`

	Strategy   StrategyProfile `json:"strategy"`
	TierSizes  map[Tier]int    `json:"tier_sizes"`
	TierHealth map[Tier]bool   `json:"tier_health"`
	IndexSize  int             `json:"index_size"`
	Uptime     time.Duration   `json:"uptime"`
}

// statsCollector accumulates counters lock-free on the hot path
type statsCollector struct {
	lookups      atomic.Int64
	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64

	// semanticScoreSum holds float64 bits, updated by CAS
	semanticScoreSum atomic.Uint64

	computes          atomic.Int64
	computeFailures   atomic.Int64
	embeddingFailures atomic.Int64
	invalidations     atomic.Int64
	strategyChanges   atomic.Int64

	startedAt time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{startedAt: time.Now()}
}

// recordLookup tallies a lookup outcome; score is only meaningful for
// semantic hits
func (c *statsCollector) recordLookup(kind MatchKind, score float32) {
	c.lookups.Add(1)
	switch kind {
	case MatchExact:
		c.exactHits.Add(1)
	case MatchSemantic:
		c.semanticHits.Add(1)
		c.addScore(float64(score))
	default:
		c.misses.Add(1)
	}
}

func (c *statsCollector) addScore(score float64) {
	for {
		old := c.semanticScoreSum.Load()
		next := math.Float64bits(math.Float64frombits(old) + score)
		if c.semanticScoreSum.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *statsCollector) recordCompute(err error) {
	c.computes.Add(1)
	if err != nil {
		c.computeFailures.Add(1)
	}
}

func (c *statsCollector) recordEmbeddingFailure() { c.embeddingFailures.Add(1) }
func (c *statsCollector) recordInvalidation()     { c.invalidations.Add(1) }
func (c *statsCollector) recordStrategyChange()   { c.strategyChanges.Add(1) }

// snapshot materializes the counters into CacheStats. Tier and strategy
// fields are filled in by the caller.
func (c *statsCollector) snapshot() CacheStats {
	lookups := c.lookups.Load()
	exact := c.exactHits.Load()
	semantic := c.semanticHits.Load()

	stats := CacheStats{
		Lookups:           lookups,
		ExactHits:         exact,
		SemanticHits:      semantic,
		Misses:            c.misses.Load(),
		Computes:          c.computes.Load(),
		ComputeFailures:   c.computeFailures.Load(),
		EmbeddingFailures: c.embeddingFailures.Load(),
		Invalidations:     c.invalidations.Load(),
		StrategyChanges:   c.strategyChanges.Load(),
		Uptime:            time.Since(c.startedAt),
	}
	if lookups > 0 {
		stats.HitRate = float64(exact+semantic) / float64(lookups)
	}
	if semantic > 0 {
		stats.AvgSemanticScore = math.Float64frombits(c.semanticScoreSum.Load()) / float64(semantic)
	}
	return stats
}
