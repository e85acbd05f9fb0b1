package search

import (
	"sort"
	"time"

	"github.com/latentlabs/llc/internal/store"
)

// DefaultKRRF is the reciprocal rank fusion smoothing constant.
const DefaultKRRF = 60

// candidate is one chunk moving through fusion and later stages.
type candidate struct {
	chunkID     string
	containerID string
	score       float64
	freshness   float64

	vectorScore float64
	bm25Score   float64
	vectorRank  int // 1-based, 0 = absent from the dense list
	bm25Rank    int // 1-based, 0 = absent from the sparse list
	rerankScore float64
	reranked    bool

	chunk *store.Chunk // attached after the metadata batch load
}

// bestRank is the best (lowest) rank across the lists the chunk
// appeared in.
func (c *candidate) bestRank() int {
	switch {
	case c.vectorRank == 0:
		return c.bm25Rank
	case c.bm25Rank == 0:
		return c.vectorRank
	case c.vectorRank < c.bm25Rank:
		return c.vectorRank
	default:
		return c.bm25Rank
	}
}

// fuse combines one container's dense and sparse lists with reciprocal
// rank fusion: score = sum over lists of 1/(kRRF + rank). A chunk
// missing from a list contributes nothing for that list.
//
// Ties break deterministically: better (lower) per-list best rank
// first, then newer ingested_at, then ascending chunk id. ingested_at
// comes from the attached chunk metadata; candidates without metadata
// sort as oldest.
func fuse(containerID string, dense []store.VectorHit, sparse []store.SparseHit, kRRF int, chunks map[string]*store.Chunk) []*candidate {
	if kRRF <= 0 {
		kRRF = DefaultKRRF
	}

	byID := make(map[string]*candidate, len(dense)+len(sparse))
	get := func(chunkID string) *candidate {
		c, ok := byID[chunkID]
		if !ok {
			c = &candidate{chunkID: chunkID, containerID: containerID, chunk: chunks[chunkID]}
			byID[chunkID] = c
		}
		return c
	}

	for i, h := range dense {
		c := get(h.ChunkID)
		c.vectorRank = i + 1
		c.vectorScore = float64(h.Score)
		c.score += 1.0 / float64(kRRF+i+1)
	}
	for i, h := range sparse {
		c := get(h.ChunkID)
		c.bm25Rank = i + 1
		c.bm25Score = h.Score
		c.score += 1.0 / float64(kRRF+i+1)
	}

	fused := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, c)
	}
	sort.Slice(fused, func(i, j int) bool {
		return lessCandidate(fused[i], fused[j])
	})
	return fused
}

func lessCandidate(a, b *candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if ar, br := a.bestRank(), b.bestRank(); ar != br {
		return ar < br
	}
	at, bt := ingestedAt(a), ingestedAt(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.chunkID < b.chunkID
}

func ingestedAt(c *candidate) time.Time {
	if c.chunk == nil {
		return time.Time{}
	}
	return c.chunk.IngestedAt
}

// mergeCandidates concatenates per-container fused lists and re-sorts
// by (possibly freshness-boosted) score with the same tie-break chain.
func mergeCandidates(lists [][]*candidate, limit int) []*candidate {
	var merged []*candidate
	for _, l := range lists {
		merged = append(merged, l...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return lessCandidate(merged[i], merged[j])
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
