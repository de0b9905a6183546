package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector_Snapshot(t *testing.T) {
	c := newStatsCollector()

	c.recordLookup(MatchExact, 1)
	c.recordLookup(MatchExact, 1)
	c.recordLookup(MatchSemantic, 0.96)
	c.recordLookup(MatchSemantic, 0.98)
	c.recordLookup(MatchMiss, 0)
	c.recordCompute(nil)
	c.recordCompute(errors.New("boom"))
	c.recordInvalidation()
	c.recordStrategyChange()

	got := c.snapshot()
	assert.Equal(t, int64(5), got.Lookups)
	assert.Equal(t, int64(2), got.ExactHits)
	assert.Equal(t, int64(2), got.SemanticHits)
	assert.Equal(t, int64(1), got.Misses)
	assert.InDelta(t, 0.8, got.HitRate, 1e-9)
	assert.InDelta(t, 0.97, got.AvgSemanticScore, 1e-6)
	assert.Equal(t, int64(2), got.Computes)
	assert.Equal(t, int64(1), got.ComputeFailures)
	assert.Equal(t, int64(1), got.Invalidations)
	assert.Equal(t, int64(1), got.StrategyChanges)
}

func TestStatsCollector_EmptySnapshot(t *testing.T) {
	got := newStatsCollector().snapshot()
	assert.Zero(t, got.HitRate)
	assert.Zero(t, got.AvgSemanticScore)
}

func TestStatsCollector_ConcurrentRecording(t *testing.T) {
	c := newStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.recordLookup(MatchSemantic, 0.95)
			}
		}()
	}
	wg.Wait()

	got := c.snapshot()
	assert.Equal(t, int64(5000), got.SemanticHits)
	assert.InDelta(t, 0.95, got.AvgSemanticScore, 1e-6)
}
