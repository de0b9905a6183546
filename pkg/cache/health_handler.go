package cache

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/developer-mesh/semantic-cache/pkg/observability"
)

// ManagementHandler exposes the engine's management surface over HTTP:
// health probes, stats, strategy switching, and invalidation. Mount it on
// an internal listener; it carries no authentication of its own.
type ManagementHandler struct {
	cache   *SemanticCache
	limiter *rate.Limiter
	logger  observability.Logger
	mux     *http.ServeMux
}

// NewManagementHandler wraps the engine. Mutating endpoints share a rate
// limit so a runaway client cannot hammer invalidation.
func NewManagementHandler(cache *SemanticCache, logger observability.Logger) *ManagementHandler {
	h := &ManagementHandler{
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /livez", h.handleLive)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /strategy", h.handleGetStrategy)
	mux.HandleFunc("PUT /strategy", h.handleSetStrategy)
	mux.HandleFunc("POST /invalidate", h.handleInvalidate)
	mux.HandleFunc("POST /invalidate/namespace", h.handleInvalidateNamespace)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler
func (h *ManagementHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *ManagementHandler) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *ManagementHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.cache.Healthy(r.Context()) {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "shutting down"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"tiers":  h.cache.Stats(r.Context()).TierHealth,
	})
}

func (h *ManagementHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

func (h *ManagementHandler) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"strategy": string(h.cache.Strategy())})
}

type setStrategyRequest struct {
	Strategy StrategyProfile `json:"strategy"`
}

func (h *ManagementHandler) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	var req setStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.cache.SetStrategy(req.Strategy); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"strategy": string(req.Strategy)})
}

type invalidateRequest struct {
	Query       string      `json:"query"`
	ContentType ContentType `json:"content_type"`
}

func (h *ManagementHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.cache.Invalidate(r.Context(), req.Query, req.ContentType); err != nil {
		h.logger.Warn("Invalidation incomplete", map[string]interface{}{"error": err.Error()})
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invalidateNamespaceRequest struct {
	Namespace string `json:"namespace"`
}

func (h *ManagementHandler) handleInvalidateNamespace(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w) {
		return
	}
	var req invalidateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed, err := h.cache.InvalidateNamespace(r.Context(), req.Namespace)
	if err != nil {
		h.logger.Warn("Namespace invalidation incomplete", map[string]interface{}{
			"namespace": req.Namespace,
			"error":     err.Error(),
		})
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{"removed": removed, "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

func (h *ManagementHandler) allow(w http.ResponseWriter) bool {
	if !h.limiter.Allow() {
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *ManagementHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *ManagementHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
