package cache

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// stubEmbed returns deterministic vectors: known product words map to
// hand-picked directions so similarity scores are predictable, everything
// else hashes to its own axis.
func stubEmbed(ctx context.Context, text string) ([]float32, error) {
	switch {
	case strings.Contains(text, "falla"):
		return nil, errors.New("embedding backend down")
	case strings.Contains(text, "extintor"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(text, "extinguidor"):
		// cosine with "extintor" about 0.995, normalized score 0.997
		return []float32{0.995, 0.0998, 0, 0}, nil
	case strings.Contains(text, "matafuego"):
		// cosine with "extintor" 0.8, normalized score 0.9
		return []float32{0.8, 0.6, 0, 0}, nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	v := make([]float32, 4)
	v[h.Sum32()%4] = 1
	return v, nil
}

func newTestEngine(t *testing.T, mutate func(*Config)) *SemanticCache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}

	engine, err := New(cfg, stubEmbed, WithLogger(observability.NewNoopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

func TestEngine_ExactMatchAcrossSurfaceForms(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	payload := json.RawMessage(`{"price": 89900}`)

	require.NoError(t, engine.Store(ctx, "precio del extintor", ContentTypeSearchResult, payload))

	// Different casing, punctuation, and stop words normalize to the same
	// canonical form
	got, err := engine.Lookup(ctx, "¿PRECIO del extintor?", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchExact, got.Match)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, float32(1), got.Score)
	assert.Equal(t, TierL1, got.Tier)
	assert.True(t, got.Hit())
}

func TestEngine_SemanticHitServesEquivalentQuery(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	payload := json.RawMessage(`{"price": 120000}`)

	require.NoError(t, engine.Store(ctx, "precio del extintor de 10 libras", ContentTypeSearchResult, payload))

	got, err := engine.Lookup(ctx, "cuanto cuesta el extinguidor de 10 lb", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchSemantic, got.Match)
	assert.Equal(t, payload, got.Payload)
	assert.Greater(t, got.Score, float32(0.98))
	assert.Less(t, got.Score, float32(0.9999))
	assert.Equal(t, IntentPrice, got.Intent)
}

func TestEngine_ExactOnlyDisablesSimilarity(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "precio del extintor de 10 libras", ContentTypeSearchResult, json.RawMessage(`1`)))

	require.NoError(t, engine.SetStrategy(StrategyExactOnly))
	got, err := engine.Lookup(ctx, "cuanto cuesta el extinguidor de 10 lb", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)
	assert.Nil(t, got.Payload)

	// Switching back re-enables similarity for the same stored entries
	require.NoError(t, engine.SetStrategy(StrategySmart))
	got, err = engine.Lookup(ctx, "cuanto cuesta el extinguidor de 10 lb", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchSemantic, got.Match)
}

func TestEngine_ProfileChangesMatchOutcome(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "extintor de 10 libras", ContentTypeSearchResult, json.RawMessage(`1`)))

	// "matafuego" scores 0.9 against "extintor": below the Smart bar,
	// above the Aggressive one
	got, err := engine.Lookup(ctx, "matafuego de 10 libras", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)

	require.NoError(t, engine.SetStrategy(StrategyAggressive))
	got, err = engine.Lookup(ctx, "matafuego de 10 libras", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchSemantic, got.Match)
}

func TestEngine_ContentTypesAreIsolated(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "extintor pqs", ContentTypeSearchResult, json.RawMessage(`1`)))

	got, err := engine.Lookup(ctx, "extintor pqs", ContentTypeGeneratedResponse)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match, "a search result must not answer a generated-response lookup")
}

func TestEngine_LookupOrCompute(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	var computes atomic.Int64

	compute := func(ctx context.Context) (json.RawMessage, error) {
		computes.Add(1)
		return json.RawMessage(`{"answer": 42}`), nil
	}

	got, err := engine.LookupOrCompute(ctx, "consulta nueva extintor", ContentTypeGeneratedResponse, compute)
	require.NoError(t, err)
	assert.True(t, got.Computed)
	assert.Equal(t, MatchMiss, got.Match)
	assert.JSONEq(t, `{"answer": 42}`, string(got.Payload))

	// The computed value is now cached
	got, err = engine.LookupOrCompute(ctx, "consulta nueva extintor", ContentTypeGeneratedResponse, compute)
	require.NoError(t, err)
	assert.False(t, got.Computed)
	assert.Equal(t, MatchExact, got.Match)
	assert.Equal(t, int64(1), computes.Load())
}

func TestEngine_ConcurrentMissesShareOneCompute(t *testing.T) {
	engine := newTestEngine(t, nil)
	var computes atomic.Int64
	release := make(chan struct{})

	compute := func(ctx context.Context) (json.RawMessage, error) {
		computes.Add(1)
		<-release
		return json.RawMessage(`"ok"`), nil
	}

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.LookupOrCompute(context.Background(), "consulta compartida extintor", ContentTypeSearchResult, compute)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), computes.Load())
}

func TestEngine_ComputeFailurePropagatesAndIsNotCached(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()
	var computes atomic.Int64

	failing := func(ctx context.Context) (json.RawMessage, error) {
		computes.Add(1)
		return nil, errors.New("backend exploded")
	}

	_, err := engine.LookupOrCompute(ctx, "consulta fragil extintor", ContentTypeSearchResult, failing)
	require.ErrorIs(t, err, ErrComputeFailed)

	// The failure was not cached; the next call computes again and succeeds
	working := func(ctx context.Context) (json.RawMessage, error) {
		computes.Add(1)
		return json.RawMessage(`"bien"`), nil
	}
	got, err := engine.LookupOrCompute(ctx, "consulta fragil extintor", ContentTypeSearchResult, working)
	require.NoError(t, err)
	assert.True(t, got.Computed)
	assert.Equal(t, int64(2), computes.Load())
}

func TestEngine_EmbeddingFailureDegradesToExactOnly(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	// The stub embedder fails for any text containing "falla"; the lookup
	// degrades to a miss instead of erroring
	got, err := engine.Lookup(ctx, "esta consulta falla siempre", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)

	stats := engine.Stats(ctx)
	assert.Equal(t, int64(1), stats.EmbeddingFailures)
}

func TestEngine_TTLExpiryAndIndexCleanup(t *testing.T) {
	engine := newTestEngine(t, func(cfg *Config) {
		cfg.TTL.Base[ContentTypeSearchResult] = 50 * time.Millisecond
		cfg.TTL.Min = 10 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "extintor efimero", ContentTypeSearchResult, json.RawMessage(`1`)))

	got, err := engine.Lookup(ctx, "extintor efimero", ContentTypeSearchResult)
	require.NoError(t, err)
	require.Equal(t, MatchExact, got.Match)

	time.Sleep(100 * time.Millisecond)

	got, err = engine.Lookup(ctx, "extintor efimero", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)

	engine.store.sweep(ctx)
	assert.Equal(t, 0, engine.index.Len(), "expired entries leave the index")
}

func TestEngine_Invalidate(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "precio del extintor", ContentTypeSearchResult, json.RawMessage(`1`)))
	require.NoError(t, engine.Invalidate(ctx, "PRECIO del extintor!", ContentTypeSearchResult))

	got, err := engine.Lookup(ctx, "precio del extintor", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)
}

func TestEngine_InvalidateNamespace(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "extintor uno", ContentTypeSearchResult, json.RawMessage(`1`)))
	require.NoError(t, engine.Store(ctx, "extintor dos", ContentTypeSearchResult, json.RawMessage(`2`)))

	removed, err := engine.InvalidateNamespace(ctx, "semcache")
	require.NoError(t, err)
	assert.Greater(t, removed, 0)

	got, err := engine.Lookup(ctx, "extintor uno", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)
	assert.Equal(t, 0, engine.index.Len())
}

func TestEngine_LookupBatch(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "precio del extintor", ContentTypeSearchResult, json.RawMessage(`1`)))

	results, err := engine.LookupBatch(ctx, []string{
		"precio del extintor",
		"consulta desconocida sin relacion",
		"", // invalid, surfaces as a nil slot
	}, ContentTypeSearchResult)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0])
	assert.Equal(t, MatchExact, results[0].Match)
	require.NotNil(t, results[1])
	assert.Equal(t, MatchMiss, results[1].Match)
	assert.Nil(t, results[2])
}

func TestEngine_Warm(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	warmed, err := engine.Warm(ctx, []WarmItem{
		{Query: "precio del extintor", ContentType: ContentTypeSearchResult, Payload: json.RawMessage(`1`)},
		{Query: "extintor co2", ContentType: ContentTypeSearchResult, Payload: json.RawMessage(`2`)},
		{Query: "", ContentType: ContentTypeSearchResult, Payload: json.RawMessage(`3`)}, // invalid, skipped
	})
	require.NoError(t, err)
	assert.Equal(t, 2, warmed)

	got, err := engine.Lookup(ctx, "precio del extintor", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchExact, got.Match)
}

func TestEngine_Stats(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Store(ctx, "precio del extintor", ContentTypeSearchResult, json.RawMessage(`1`)))

	_, err := engine.Lookup(ctx, "precio del extintor", ContentTypeSearchResult) // exact
	require.NoError(t, err)
	_, err = engine.Lookup(ctx, "cuanto cuesta el extinguidor", ContentTypeSearchResult) // semantic
	require.NoError(t, err)
	_, err = engine.Lookup(ctx, "algo totalmente distinto", ContentTypeSearchResult) // miss
	require.NoError(t, err)

	stats := engine.Stats(ctx)
	assert.Equal(t, int64(3), stats.Lookups)
	assert.Equal(t, int64(1), stats.ExactHits)
	assert.Equal(t, int64(1), stats.SemanticHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Greater(t, stats.AvgSemanticScore, 0.98)
	assert.Equal(t, StrategySmart, stats.Strategy)
	assert.Greater(t, stats.TierSizes[TierL1], 0)
	assert.True(t, stats.TierHealth[TierL1])
	assert.Greater(t, stats.IndexSize, 0)
	assert.Greater(t, stats.Uptime, time.Duration(0))
}

func TestEngine_ValidationErrors(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Lookup(ctx, "", ContentTypeSearchResult)
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = engine.Lookup(ctx, strings.Repeat("a", 2000), ContentTypeSearchResult)
	assert.ErrorIs(t, err, ErrQueryTooLong)

	_, err = engine.Lookup(ctx, "consulta", ContentType("bogus"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.ErrorIs(t, engine.SetStrategy("bogus"), ErrUnknownStrategy)
}

func TestEngine_ShutdownRejectsNewCalls(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, engine.Shutdown(ctx))
	// Idempotent
	require.NoError(t, engine.Shutdown(ctx))

	_, err := engine.Lookup(ctx, "consulta extintor", ContentTypeSearchResult)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, engine.Store(ctx, "q", ContentTypeSearchResult, nil), ErrShuttingDown)
	_, err = engine.LookupBatch(ctx, []string{"q"}, ContentTypeSearchResult)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestNew_RejectsBadInputs(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := DefaultConfig()
	bad.Strategy = "bogus"
	_, err = New(bad, stubEmbed)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Namespace = ""
	_, err = New(bad, stubEmbed)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
