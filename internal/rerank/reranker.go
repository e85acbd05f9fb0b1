// Package rerank provides the optional cross-encoder rerank stage.
// Reranking is strictly best-effort: any failure leaves the fused order
// in place, reported through issue codes rather than request errors.
package rerank

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// Candidate is one chunk entering or leaving the rerank stage.
type Candidate struct {
	ChunkID string
	Text    string
	Score   float64
}

// Reranker reorders candidates by cross-encoder relevance.
type Reranker interface {
	// Rerank returns at most topKOut candidates, best first. Errors
	// carry RERANK_TIMEOUT or RERANK_UNAVAILABLE codes; callers keep
	// the input order on error.
	Rerank(ctx context.Context, query string, candidates []Candidate, topKOut int) ([]Candidate, error)
	Name() string
}

// NoOpReranker passes candidates through truncated to topKOut.
type NoOpReranker struct{}

// Rerank returns the input order.
func (NoOpReranker) Rerank(_ context.Context, _ string, candidates []Candidate, topKOut int) ([]Candidate, error) {
	if topKOut > 0 && len(candidates) > topKOut {
		candidates = candidates[:topKOut]
	}
	return candidates, nil
}

// Name identifies the pass-through.
func (NoOpReranker) Name() string { return "noop" }

// HTTPConfig configures the HTTP cross-encoder adapter.
type HTTPConfig struct {
	Endpoint string
	Provider string
	Timeout  time.Duration
}

// HTTPReranker scores query/document pairs via an HTTP cross-encoder.
type HTTPReranker struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPReranker creates the adapter.
func NewHTTPReranker(cfg HTTPConfig) *HTTPReranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "cross-encoder"
	}
	return &HTTPReranker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name returns the configured provider identifier.
func (r *HTTPReranker) Name() string { return r.cfg.Provider }

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank scores candidates and returns the topKOut best. The caller's
// context deadline is the stage budget; hitting it yields RERANK_TIMEOUT.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topKOut int) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	body, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.cfg.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeRerankTimeout, ctx.Err())
		}
		return nil, llcerrors.Wrap(llcerrors.CodeRerankUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, llcerrors.Newf(llcerrors.CodeRerankUnavailable,
			"reranker returned %d", resp.StatusCode)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, llcerrors.Wrap(llcerrors.CodeRerankUnavailable, err)
	}
	if len(out.Scores) != len(candidates) {
		return nil, llcerrors.Newf(llcerrors.CodeRerankUnavailable,
			"reranker returned %d scores for %d documents", len(out.Scores), len(candidates))
	}

	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)
	for i := range scored {
		scored[i].Score = out.Scores[i]
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if topKOut > 0 && len(scored) > topKOut {
		scored = scored[:topKOut]
	}
	return scored, nil
}

// cacheKey binds provider, query, fan-in/out sizes, and the candidate
// id set, so a cache hit is only possible for an identical rerank.
func cacheKey(provider, query string, kIn, kOut int, candidates []Candidate) string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ChunkID
	}
	sort.Strings(ids)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%s", provider, query, kIn, kOut, strings.Join(ids, ","))
	return hex.EncodeToString(h.Sum(nil))
}
