package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// StaticEmbedder produces deterministic pseudo-embeddings derived from
// content hashes. It exists for offline operation and tests: identical
// content always maps to the identical unit vector, so dedup and cache
// behavior are exercisable without a provider.
type StaticEmbedder struct {
	dims    int
	version string
}

// NewStaticEmbedder creates a deterministic embedder.
func NewStaticEmbedder(dims int, version string) *StaticEmbedder {
	if dims <= 0 {
		dims = 768
	}
	if version == "" {
		version = "static-v1"
	}
	return &StaticEmbedder{dims: dims, version: version}
}

// EmbedTexts embeds each text deterministically.
func (s *StaticEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vectorFor([]byte(t))
	}
	return out, nil
}

// EmbedImage embeds image bytes deterministically.
func (s *StaticEmbedder) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	return s.vectorFor(data), nil
}

// vectorFor expands a sha256 seed into a unit vector.
func (s *StaticEmbedder) vectorFor(content []byte) []float32 {
	seed := sha256.Sum256(content)
	v := make([]float32, s.dims)
	var sum float64
	for i := range v {
		// Stretch the 32-byte seed by hashing the seed with the index.
		var buf [40]byte
		copy(buf[:32], seed[:])
		binary.LittleEndian.PutUint64(buf[32:], uint64(i))
		h := sha256.Sum256(buf[:])
		bits := binary.LittleEndian.Uint32(h[:4])
		f := float32(bits)/float32(math.MaxUint32)*2 - 1
		v[i] = f
		sum += float64(f) * float64(f)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

func (s *StaticEmbedder) Dimensions() int                     { return s.dims }
func (s *StaticEmbedder) ModelName() string                   { return "static" }
func (s *StaticEmbedder) Version() string                     { return s.version }
func (s *StaticEmbedder) Available(ctx context.Context) error { return nil }
func (s *StaticEmbedder) Close() error                        { return nil }
