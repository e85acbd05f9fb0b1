package rerank

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedReranker memoizes rerank results in a TTL-bounded LRU. Repeat
// queries inside the TTL skip the cross-encoder entirely.
type CachedReranker struct {
	inner Reranker
	cache *expirable.LRU[string, []Candidate]
}

// NewCachedReranker wraps inner with an LRU of size entries expiring
// after ttl.
func NewCachedReranker(inner Reranker, size int, ttl time.Duration) *CachedReranker {
	if size <= 0 {
		size = 256
	}
	return &CachedReranker{
		inner: inner,
		cache: expirable.NewLRU[string, []Candidate](size, nil, ttl),
	}
}

// Name returns the wrapped reranker's name.
func (c *CachedReranker) Name() string { return c.inner.Name() }

// Rerank serves from cache when the same query hits the same candidate
// set; errors are never cached.
func (c *CachedReranker) Rerank(ctx context.Context, query string, candidates []Candidate, topKOut int) ([]Candidate, error) {
	key := cacheKey(c.inner.Name(), query, len(candidates), topKOut, candidates)
	if cached, ok := c.cache.Get(key); ok {
		out := make([]Candidate, len(cached))
		copy(out, cached)
		return out, nil
	}

	result, err := c.inner.Rerank(ctx, query, candidates, topKOut)
	if err != nil {
		return nil, err
	}
	stored := make([]Candidate, len(result))
	copy(stored, result)
	c.cache.Add(key, stored)
	return result, nil
}
