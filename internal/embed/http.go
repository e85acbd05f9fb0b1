package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// HTTPConfig configures the HTTP embedding provider.
type HTTPConfig struct {
	Endpoint   string
	Model      string
	Version    string
	Dims       int
	RatePerMin int
	Timeout    time.Duration
	MaxRetries int
}

// HTTPEmbedder talks to an Ollama-compatible /api/embed endpoint. All
// calls pass through a shared token bucket so ingestion cannot starve
// interactive search of provider quota.
type HTTPEmbedder struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *llcerrors.CircuitBreaker
}

// NewHTTPEmbedder creates the provider adapter.
func NewHTTPEmbedder(cfg HTTPConfig) *HTTPEmbedder {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 120
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		// Bucket capacity is a full minute of quota; each input item in
		// a request consumes one token.
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), max(cfg.RatePerMin, 1)),
		breaker: llcerrors.NewCircuitBreaker("embedding"),
	}
}

// acquire takes n tokens, splitting batches larger than the bucket so
// an oversized request blocks instead of erroring.
func (e *HTTPEmbedder) acquire(ctx context.Context, n int) error {
	burst := e.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := e.limiter.WaitN(ctx, take); err != nil {
			return llcerrors.Wrap(llcerrors.CodeRateLimit, err)
		}
		n -= take
	}
	return nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedTexts embeds a batch of texts.
func (e *HTTPEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.call(ctx, embedRequest{Model: e.cfg.Model, Input: texts}, len(texts))
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, llcerrors.Newf(llcerrors.CodeEmbeddingUnavailable,
			"provider returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedImage embeds image bytes by sending them base64-encoded.
func (e *HTTPEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	vectors, err := e.call(ctx, embedRequest{
		Model: e.cfg.Model,
		Input: []string{base64.StdEncoding.EncodeToString(data)},
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, llcerrors.Newf(llcerrors.CodeEmbeddingUnavailable,
			"provider returned %d vectors for one image", len(vectors))
	}
	return vectors[0], nil
}

func (e *HTTPEmbedder) call(ctx context.Context, req embedRequest, items int) ([][]float32, error) {
	if !e.breaker.Allow() {
		return nil, llcerrors.New(llcerrors.CodeEmbeddingUnavailable, "embedding provider circuit open")
	}
	if err := e.acquire(ctx, items); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var out embedResponse
	retryCfg := llcerrors.RetryConfig{
		MaxRetries:   e.cfg.MaxRetries,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	err = llcerrors.Retry(ctx, retryCfg, func() error {
		return e.doRequest(ctx, body, &out)
	})
	if err != nil {
		e.breaker.RecordFailure()
		return nil, err
	}
	e.breaker.RecordSuccess()
	return out.Embeddings, nil
}

func (e *HTTPEmbedder) doRequest(ctx context.Context, body []byte, out *embedResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.Endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusTooManyRequests:
		return llcerrors.New(llcerrors.CodeRateLimit, "embedding provider rate limited")
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return llcerrors.Newf(llcerrors.CodeEmbeddingUnavailable,
			"embedding provider returned %d: %s", resp.StatusCode, string(msg))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// 4xx other than 429 will not improve with retries.
		return llcerrors.Newf(llcerrors.CodeInvalidParams,
			"embedding provider rejected request with %d: %s", resp.StatusCode, string(msg))
	}
}

// Dimensions returns the configured vector dimensionality.
func (e *HTTPEmbedder) Dimensions() int { return e.cfg.Dims }

// ModelName returns the configured model.
func (e *HTTPEmbedder) ModelName() string { return e.cfg.Model }

// Version returns the embedding space version.
func (e *HTTPEmbedder) Version() string { return e.cfg.Version }

// Available probes the provider root.
func (e *HTTPEmbedder) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return llcerrors.Wrap(llcerrors.CodeEmbeddingUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return llcerrors.Newf(llcerrors.CodeEmbeddingUnavailable,
			"embedding provider unhealthy: %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for the HTTP adapter.
func (e *HTTPEmbedder) Close() error { return nil }
