package embed

import (
	"context"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// hotCacheSize bounds the in-memory LRU over the SQLite cache.
const hotCacheSize = 4096

// Result carries a batch of vectors plus cache provenance.
type Result struct {
	Vectors [][]float32
	// Stale is true when any vector was served from an older embedder
	// version because the provider was unreachable. Callers surface
	// STALE_EMBEDDING when set.
	Stale bool
	// Hits counts vectors served from cache.
	Hits int
}

// EmbeddingCache is the subset of the relational store the cache needs.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, key string) (*store.EmbeddingEntry, error)
	PutEmbedding(ctx context.Context, e *store.EmbeddingEntry) error
}

// CachedEmbedder wraps a provider with a two-tier content-addressed
// cache: an in-memory LRU over the persistent SQLite table. Keys bind
// content hash, embedder version, and modality, so a model upgrade or
// a cross-modality collision can never serve the wrong vector.
type CachedEmbedder struct {
	provider Embedder
	cache    EmbeddingCache
	hot      *lru.Cache[string, []float32]
	ttl      time.Duration
	logger   *slog.Logger

	// priorVersions are older embedding space versions acceptable as a
	// stale fallback when the provider is down.
	priorVersions []string
}

// NewCachedEmbedder wraps provider with the cache. ttl bounds how long
// persistent entries live without access.
func NewCachedEmbedder(provider Embedder, cache EmbeddingCache, ttl time.Duration, logger *slog.Logger) (*CachedEmbedder, error) {
	hot, err := lru.New[string, []float32](hotCacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		hot:      hot,
		ttl:      ttl,
		logger:   logger,
	}, nil
}

// AllowStaleVersions registers older embedder versions usable as a
// degraded fallback.
func (c *CachedEmbedder) AllowStaleVersions(versions ...string) {
	c.priorVersions = append(c.priorVersions, versions...)
}

// EmbedTexts embeds texts, serving from cache where possible. On
// provider failure it falls back to stale vectors from prior embedder
// versions when every missing text has one; otherwise the provider
// error is returned.
func (c *CachedEmbedder) EmbedTexts(ctx context.Context, modality store.Modality, texts []string) (*Result, error) {
	res := &Result{Vectors: make([][]float32, len(texts))}

	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		key := CacheKey([]byte(t), c.provider.Version(), modality)
		if vec, ok := c.lookup(ctx, key); ok {
			res.Vectors[i] = vec
			res.Hits++
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missIdx) == 0 {
		return res, nil
	}

	vectors, provErr := c.provider.EmbedTexts(ctx, missTexts)
	if provErr == nil {
		for j, i := range missIdx {
			vec, err := c.conform(vectors[j])
			if err != nil {
				return nil, err
			}
			res.Vectors[i] = vec
			c.storeVector(ctx, CacheKey([]byte(texts[i]), c.provider.Version(), modality), vec)
		}
		return res, nil
	}

	// Provider down: try prior embedding space versions.
	for _, i := range missIdx {
		vec, ok := c.staleLookup(ctx, []byte(texts[i]), modality)
		if !ok {
			return nil, provErr
		}
		res.Vectors[i] = vec
		res.Stale = true
	}
	c.logger.Warn("serving stale embeddings",
		"count", len(missIdx), "cause", provErr.Error())
	return res, nil
}

// EmbedContent embeds raw bytes (image or rendered page) through the
// same cache.
func (c *CachedEmbedder) EmbedContent(ctx context.Context, modality store.Modality, data []byte) (*Result, error) {
	key := CacheKey(data, c.provider.Version(), modality)
	if vec, ok := c.lookup(ctx, key); ok {
		return &Result{Vectors: [][]float32{vec}, Hits: 1}, nil
	}

	vec, provErr := c.provider.EmbedImage(ctx, data)
	if provErr == nil {
		vec, err := c.conform(vec)
		if err != nil {
			return nil, err
		}
		c.storeVector(ctx, key, vec)
		return &Result{Vectors: [][]float32{vec}}, nil
	}

	if stale, ok := c.staleLookup(ctx, data, modality); ok {
		return &Result{Vectors: [][]float32{stale}, Stale: true, Hits: 1}, nil
	}
	return nil, provErr
}

// conform validates a provider vector against the configured
// dimensionality and L2-normalizes it before it is cached or returned.
// Providers are not trusted to normalize their own output.
func (c *CachedEmbedder) conform(vec []float32) ([]float32, error) {
	if want := c.provider.Dimensions(); want > 0 && len(vec) != want {
		return nil, llcerrors.Newf(llcerrors.CodeEmbeddingUnavailable,
			"provider returned a %d-dim vector, expected %d", len(vec), want)
	}
	return Normalize(vec), nil
}

// Normalize returns vec scaled to unit L2 length. Zero vectors pass
// through unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, f := range vec {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// lookup checks the hot LRU then the persistent cache.
func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := c.hot.Get(key); ok {
		return vec, true
	}
	entry, err := c.cache.GetEmbedding(ctx, key)
	if err != nil || entry == nil {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		return nil, false
	}
	c.hot.Add(key, entry.Vector)
	return entry.Vector, true
}

// staleLookup checks prior-version entries, ignoring TTL: a stale
// vector beats no vector when the provider is unreachable.
func (c *CachedEmbedder) staleLookup(ctx context.Context, content []byte, modality store.Modality) ([]float32, bool) {
	for _, version := range c.priorVersions {
		key := CacheKey(content, version, modality)
		entry, err := c.cache.GetEmbedding(ctx, key)
		if err == nil && entry != nil {
			return entry.Vector, true
		}
	}
	return nil, false
}

func (c *CachedEmbedder) storeVector(ctx context.Context, key string, vec []float32) {
	c.hot.Add(key, vec)
	err := c.cache.PutEmbedding(ctx, &store.EmbeddingEntry{
		Key:     key,
		Vector:  vec,
		Dims:    len(vec),
		Model:   c.provider.ModelName(),
		Version: c.provider.Version(),
	})
	if err != nil {
		// Cache write failure is not fatal; the vector still flows.
		c.logger.Warn("embedding cache write failed", "error", err)
	}
}

// Dimensions returns the provider dimensionality.
func (c *CachedEmbedder) Dimensions() int { return c.provider.Dimensions() }

// ModelName returns the provider model.
func (c *CachedEmbedder) ModelName() string { return c.provider.ModelName() }

// Version returns the provider embedding space version.
func (c *CachedEmbedder) Version() string { return c.provider.Version() }

// Available probes the underlying provider.
func (c *CachedEmbedder) Available(ctx context.Context) error {
	return c.provider.Available(ctx)
}

// Close closes the provider.
func (c *CachedEmbedder) Close() error { return c.provider.Close() }

// VectorForHash retrieves a cached vector by content hash without
// touching the provider. The search engine uses this for semantic
// dedup against already-ingested chunks.
func (c *CachedEmbedder) VectorForHash(ctx context.Context, contentHash string, modality store.Modality) ([]float32, bool) {
	key := CacheKeyForHash(contentHash, c.provider.Version(), modality)
	return c.lookupNoTTL(ctx, key)
}

func (c *CachedEmbedder) lookupNoTTL(ctx context.Context, key string) ([]float32, bool) {
	if vec, ok := c.hot.Get(key); ok {
		return vec, true
	}
	entry, err := c.cache.GetEmbedding(ctx, key)
	if err != nil || entry == nil {
		return nil, false
	}
	c.hot.Add(key, entry.Vector)
	return entry.Vector, true
}
