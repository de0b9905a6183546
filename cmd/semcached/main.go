// Command semcached runs the semantic cache as a standalone service,
// exposing the management surface and Prometheus metrics over HTTP. The
// embedding backend is an external HTTP service named by EMBEDDING_URL.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/semantic-cache/pkg/cache"
	"github.com/developer-mesh/semantic-cache/pkg/observability"
	"github.com/developer-mesh/semantic-cache/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	listenAddr := flag.String("listen", ":8090", "management listen address")
	flag.Parse()

	logger := observability.NewLogger("semcached")

	embeddingURL := os.Getenv("EMBEDDING_URL")
	if embeddingURL == "" {
		logger.Error("EMBEDDING_URL is required", nil)
		os.Exit(1)
	}

	cfg, err := cache.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	embedder := newHTTPEmbedder(embeddingURL)
	engine, err := cache.New(cfg, embedder.Embed,
		cache.WithLogger(logger),
		cache.WithMetrics(observability.NewPrometheusMetricsClient("semcache", "engine")),
	)
	if err != nil {
		logger.Error("Failed to start cache engine", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", cache.NewManagementHandler(engine, logger))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Management server listening", map[string]interface{}{"addr": *listenAddr})
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	if err := engine.Shutdown(ctx); err != nil {
		logger.Warn("Engine shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

// httpEmbedder calls an external embedding service:
// POST {"text": "..."} -> {"embedding": [...]}
type httpEmbedder struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

func newHTTPEmbedder(url string) *httpEmbedder {
	return &httpEmbedder{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements cache.EmbedFunc
func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}

	return resilience.RetryWithResult(ctx, e.retry, func() ([]float32, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
		}
		var out embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Embedding, nil
	})
}
