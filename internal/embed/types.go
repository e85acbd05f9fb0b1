// Package embed provides embedding providers and the content-addressed
// embedding cache. Providers implement Embedder; callers go through
// CachedEmbedder, which layers an in-memory LRU over the SQLite cache
// and falls back to stale cached vectors when the provider is down.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/latentlabs/llc/internal/store"
)

// Embedder generates dense vectors for content.
type Embedder interface {
	// EmbedTexts embeds a batch of texts, one vector per input.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedImage embeds raw image bytes (PNG or JPEG).
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	// Dimensions returns the vector dimensionality.
	Dimensions() int
	// ModelName returns the provider model identifier.
	ModelName() string
	// Version identifies the embedding space. Vectors from different
	// versions are not comparable.
	Version() string
	// Available checks provider reachability.
	Available(ctx context.Context) error
	Close() error
}

// CacheKey derives the content-addressed cache key for a piece of
// content: sha256(content):{version}:{modality}.
func CacheKey(content []byte, version string, modality store.Modality) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(sum[:]), version, modality)
}

// CacheKeyForHash builds the key from an existing content hash.
func CacheKeyForHash(contentHash, version string, modality store.Modality) string {
	return fmt.Sprintf("%s:%s:%s", contentHash, version, modality)
}

// ContentHash returns the hex sha256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
