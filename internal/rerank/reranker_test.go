package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

func candidates() []Candidate {
	return []Candidate{
		{ChunkID: "a", Text: "the fused winner", Score: 0.9},
		{ChunkID: "b", Text: "the fused runner-up", Score: 0.8},
		{ChunkID: "c", Text: "barely relevant", Score: 0.1},
	}
}

func TestNoOpReranker_TruncatesOnly(t *testing.T) {
	out, err := NoOpReranker{}.Rerank(context.Background(), "q", candidates(), 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, "b", out[1].ChunkID)
}

func TestHTTPReranker_ReordersByScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Documents, 3)
		// Invert the fused order.
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1, 0.5, 0.9}})
	}))
	defer srv.Close()

	r := NewHTTPReranker(HTTPConfig{Endpoint: srv.URL})
	out, err := r.Rerank(context.Background(), "q", candidates(), 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ChunkID)
	assert.Equal(t, "b", out[1].ChunkID)
}

func TestHTTPReranker_TimeoutCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	r := NewHTTPReranker(HTTPConfig{Endpoint: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Rerank(ctx, "q", candidates(), 2)
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeRerankTimeout, llcerrors.CodeOf(err))
}

func TestHTTPReranker_UnavailableCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPReranker(HTTPConfig{Endpoint: srv.URL})
	_, err := r.Rerank(context.Background(), "q", candidates(), 2)
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeRerankUnavailable, llcerrors.CodeOf(err))
}

func TestHTTPReranker_ScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1}})
	}))
	defer srv.Close()

	r := NewHTTPReranker(HTTPConfig{Endpoint: srv.URL})
	_, err := r.Rerank(context.Background(), "q", candidates(), 2)
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeRerankUnavailable, llcerrors.CodeOf(err))
}

// countingReranker counts calls through to NoOp.
type countingReranker struct {
	calls int
}

func (c *countingReranker) Rerank(ctx context.Context, q string, cands []Candidate, k int) ([]Candidate, error) {
	c.calls++
	return NoOpReranker{}.Rerank(ctx, q, cands, k)
}

func (c *countingReranker) Name() string { return "counting" }

func TestCachedReranker_HitsSkipInner(t *testing.T) {
	inner := &countingReranker{}
	c := NewCachedReranker(inner, 16, time.Minute)
	ctx := context.Background()

	first, err := c.Rerank(ctx, "vermeer", candidates(), 2)
	require.NoError(t, err)
	second, err := c.Rerank(ctx, "vermeer", candidates(), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first, second)

	// Different query misses.
	_, err = c.Rerank(ctx, "rembrandt", candidates(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	// Different candidate set misses.
	_, err = c.Rerank(ctx, "vermeer", candidates()[:2], 2)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedReranker_EntriesExpire(t *testing.T) {
	inner := &countingReranker{}
	c := NewCachedReranker(inner, 16, 10*time.Millisecond)
	ctx := context.Background()

	_, err := c.Rerank(ctx, "q", candidates(), 2)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = c.Rerank(ctx, "q", candidates(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
