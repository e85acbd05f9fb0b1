package embed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// memCache is an in-memory EmbeddingCache for tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]*store.EmbeddingEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*store.EmbeddingEntry)}
}

func (m *memCache) GetEmbedding(_ context.Context, key string) (*store.EmbeddingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key], nil
}

func (m *memCache) PutEmbedding(_ context.Context, e *store.EmbeddingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.entries[e.Key] = e
	return nil
}

// countingProvider wraps StaticEmbedder and counts provider calls.
type countingProvider struct {
	*StaticEmbedder
	calls int
	fail  bool
}

func (p *countingProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("connection refused")
	}
	return p.StaticEmbedder.EmbedTexts(ctx, texts)
}

func (p *countingProvider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("connection refused")
	}
	return p.StaticEmbedder.EmbedImage(ctx, data)
}

func newCached(t *testing.T, provider Embedder) (*CachedEmbedder, *memCache) {
	t.Helper()
	cache := newMemCache()
	c, err := NewCachedEmbedder(provider, cache, time.Hour, nil)
	require.NoError(t, err)
	return c, cache
}

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder(64, "static-v1")
	ctx := context.Background()

	a, err := e.EmbedTexts(ctx, []string{"same text", "same text", "other"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	// Unit length.
	var sum float64
	for _, f := range a[0] {
		sum += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestCachedEmbedder_SecondCallHitsCache(t *testing.T) {
	provider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	c, _ := newCached(t, provider)
	ctx := context.Background()

	first, err := c.EmbedTexts(ctx, store.ModalityText, []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, 0, first.Hits)
	assert.Equal(t, 1, provider.calls)

	second, err := c.EmbedTexts(ctx, store.ModalityText, []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Hits)
	assert.Equal(t, 1, provider.calls, "cache hit must not call the provider")
	assert.Equal(t, first.Vectors[0], second.Vectors[0])
}

func TestCachedEmbedder_PartialBatchOnlyEmbedsMisses(t *testing.T) {
	provider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	c, _ := newCached(t, provider)
	ctx := context.Background()

	_, err := c.EmbedTexts(ctx, store.ModalityText, []string{"cached already"})
	require.NoError(t, err)

	res, err := c.EmbedTexts(ctx, store.ModalityText, []string{"cached already", "brand new"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Hits)
	require.Len(t, res.Vectors, 2)
	assert.NotNil(t, res.Vectors[0])
	assert.NotNil(t, res.Vectors[1])
}

func TestCachedEmbedder_KeysBindVersionAndModality(t *testing.T) {
	provider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	c, cache := newCached(t, provider)
	ctx := context.Background()

	_, err := c.EmbedTexts(ctx, store.ModalityText, []string{"content"})
	require.NoError(t, err)

	key := CacheKey([]byte("content"), "v1", store.ModalityText)
	entry, _ := cache.GetEmbedding(ctx, key)
	assert.NotNil(t, entry)

	// Same content under a different modality misses.
	otherKey := CacheKey([]byte("content"), "v1", store.ModalityImage)
	entry, _ = cache.GetEmbedding(ctx, otherKey)
	assert.Nil(t, entry)
}

func TestCachedEmbedder_StaleFallbackWhenProviderDown(t *testing.T) {
	ctx := context.Background()

	// Seed the cache under the old version.
	oldProvider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	cache := newMemCache()
	old, err := NewCachedEmbedder(oldProvider, cache, time.Hour, nil)
	require.NoError(t, err)
	seeded, err := old.EmbedTexts(ctx, store.ModalityText, []string{"persistent text"})
	require.NoError(t, err)

	// New version, provider unreachable.
	downProvider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v2"), fail: true}
	c, err := NewCachedEmbedder(downProvider, cache, time.Hour, nil)
	require.NoError(t, err)
	c.AllowStaleVersions("v1")

	res, err := c.EmbedTexts(ctx, store.ModalityText, []string{"persistent text"})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, seeded.Vectors[0], res.Vectors[0])

	// No stale entry anywhere: the provider error propagates.
	_, err = c.EmbedTexts(ctx, store.ModalityText, []string{"never seen"})
	assert.Error(t, err)
}

func TestCachedEmbedder_EmbedContentCaches(t *testing.T) {
	provider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	c, _ := newCached(t, provider)
	ctx := context.Background()

	img := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	first, err := c.EmbedContent(ctx, store.ModalityImage, img)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Hits)

	second, err := c.EmbedContent(ctx, store.ModalityImage, img)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Hits)
	assert.Equal(t, 1, provider.calls)
}

// fixedProvider returns canned vectors exactly as a misbehaving
// provider would, without normalizing them.
type fixedProvider struct {
	*StaticEmbedder
	vectors [][]float32
}

func (p *fixedProvider) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return p.vectors, nil
}

func TestCachedEmbedder_RejectsWrongDimensions(t *testing.T) {
	provider := &fixedProvider{
		StaticEmbedder: NewStaticEmbedder(4, "v1"),
		vectors:        [][]float32{{3, 4, 12}},
	}
	c, cache := newCached(t, provider)
	ctx := context.Background()

	_, err := c.EmbedTexts(ctx, store.ModalityText, []string{"short vector"})
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeEmbeddingUnavailable, llcerrors.CodeOf(err))

	// Nothing was cached under the key.
	key := CacheKey([]byte("short vector"), "v1", store.ModalityText)
	entry, _ := cache.GetEmbedding(ctx, key)
	assert.Nil(t, entry)
}

func TestCachedEmbedder_NormalizesProviderOutput(t *testing.T) {
	provider := &fixedProvider{
		StaticEmbedder: NewStaticEmbedder(4, "v1"),
		vectors:        [][]float32{{3, 0, 4, 0}},
	}
	c, cache := newCached(t, provider)
	ctx := context.Background()

	res, err := c.EmbedTexts(ctx, store.ModalityText, []string{"raw output"})
	require.NoError(t, err)
	require.Len(t, res.Vectors[0], 4)
	assert.InDelta(t, 0.6, res.Vectors[0][0], 1e-6)
	assert.InDelta(t, 0.8, res.Vectors[0][2], 1e-6)

	// The cached copy is the normalized one, not the raw provider vector.
	key := CacheKey([]byte("raw output"), "v1", store.ModalityText)
	entry, _ := cache.GetEmbedding(ctx, key)
	require.NotNil(t, entry)
	assert.Equal(t, res.Vectors[0], entry.Vector)
}

func TestNormalize(t *testing.T) {
	out := Normalize([]float32{0, 3, 4})
	assert.InDelta(t, 0.6, out[1], 1e-6)
	assert.InDelta(t, 0.8, out[2], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestCachedEmbedder_VectorForHash(t *testing.T) {
	provider := &countingProvider{StaticEmbedder: NewStaticEmbedder(16, "v1")}
	c, _ := newCached(t, provider)
	ctx := context.Background()

	content := []byte("dedup me")
	_, err := c.EmbedTexts(ctx, store.ModalityText, []string{string(content)})
	require.NoError(t, err)

	vec, ok := c.VectorForHash(ctx, ContentHash(content), store.ModalityText)
	assert.True(t, ok)
	assert.Len(t, vec, 16)

	_, ok = c.VectorForHash(ctx, "0000", store.ModalityText)
	assert.False(t, ok)
}
