package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

func newTestHandler(t *testing.T) (*ManagementHandler, *SemanticCache) {
	t.Helper()
	engine := newTestEngine(t, nil)
	return NewManagementHandler(engine, observability.NewNoopLogger()), engine
}

func doRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestManagementHandler_Health(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, http.MethodGet, "/livez", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManagementHandler_HealthAfterShutdown(t *testing.T) {
	handler, engine := newTestHandler(t)
	require.NoError(t, engine.Shutdown(context.Background()))

	rec := doRequest(handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestManagementHandler_Stats(t *testing.T) {
	handler, engine := newTestHandler(t)
	require.NoError(t, engine.Store(context.Background(), "precio del extintor", ContentTypeSearchResult, json.RawMessage(`1`)))

	rec := doRequest(handler, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats CacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, StrategySmart, stats.Strategy)
	assert.Greater(t, stats.TierSizes[TierL1], 0)
}

func TestManagementHandler_Strategy(t *testing.T) {
	handler, engine := newTestHandler(t)

	rec := doRequest(handler, http.MethodGet, "/strategy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smart")

	rec = doRequest(handler, http.MethodPut, "/strategy", `{"strategy":"aggressive"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StrategyAggressive, engine.Strategy())

	rec = doRequest(handler, http.MethodPut, "/strategy", `{"strategy":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, http.MethodPut, "/strategy", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManagementHandler_Invalidate(t *testing.T) {
	handler, engine := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, engine.Store(ctx, "precio del extintor", ContentTypeSearchResult, json.RawMessage(`1`)))

	rec := doRequest(handler, http.MethodPost, "/invalidate",
		`{"query":"precio del extintor","content_type":"search_result"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := engine.Lookup(ctx, "precio del extintor", ContentTypeSearchResult)
	require.NoError(t, err)
	assert.Equal(t, MatchMiss, got.Match)
}

func TestManagementHandler_InvalidateNamespace(t *testing.T) {
	handler, engine := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, engine.Store(ctx, "extintor uno", ContentTypeSearchResult, json.RawMessage(`1`)))

	rec := doRequest(handler, http.MethodPost, "/invalidate/namespace", `{"namespace":"semcache"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp["removed"].(float64), float64(0))
}

func TestManagementHandler_RateLimitsMutations(t *testing.T) {
	handler, _ := newTestHandler(t)

	limited := false
	for i := 0; i < 50; i++ {
		rec := doRequest(handler, http.MethodPut, "/strategy", `{"strategy":"smart"}`)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "sustained mutation traffic must hit the rate limit")
}
