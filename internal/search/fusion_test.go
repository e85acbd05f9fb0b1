package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentlabs/llc/internal/store"
)

func TestFuse_CombinesBothLists(t *testing.T) {
	dense := []store.VectorHit{
		{ChunkID: "a", Score: 0.95},
		{ChunkID: "b", Score: 0.90},
	}
	sparse := []store.SparseHit{
		{ChunkID: "b", Score: 12.0},
		{ChunkID: "c", Score: 8.0},
	}

	fused := fuse("c1", dense, sparse, 60, nil)
	require.Len(t, fused, 3)

	// b appears in both lists and must fuse highest:
	// 1/(60+2) + 1/(60+1) > 1/(60+1) > 1/(60+2).
	assert.Equal(t, "b", fused[0].chunkID)
	assert.Equal(t, "a", fused[1].chunkID)
	assert.Equal(t, "c", fused[2].chunkID)

	assert.InDelta(t, 1.0/62+1.0/61, fused[0].score, 1e-9)
	assert.Equal(t, 1, fused[1].vectorRank)
	assert.Equal(t, 0, fused[1].bm25Rank)
	assert.Equal(t, 2, fused[2].bm25Rank)
}

func TestFuse_SingleListPassesThrough(t *testing.T) {
	sparse := []store.SparseHit{
		{ChunkID: "x", Score: 3.0},
		{ChunkID: "y", Score: 2.0},
	}
	fused := fuse("c1", nil, sparse, 60, nil)
	require.Len(t, fused, 2)
	assert.Equal(t, "x", fused[0].chunkID)
	assert.Equal(t, "y", fused[1].chunkID)
}

func TestFuse_TieBreakByBestRank(t *testing.T) {
	// a: dense rank 1 + sparse rank 2; b: dense rank 2 + sparse rank 1.
	// Scores are identical; best rank ties at 1 too; falls through to
	// ingested_at, then chunk id.
	dense := []store.VectorHit{{ChunkID: "a"}, {ChunkID: "b"}}
	sparse := []store.SparseHit{{ChunkID: "b"}, {ChunkID: "a"}}

	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now()
	chunks := map[string]*store.Chunk{
		"a": {ID: "a", IngestedAt: older},
		"b": {ID: "b", IngestedAt: newer},
	}

	fused := fuse("c1", dense, sparse, 60, chunks)
	require.Len(t, fused, 2)
	assert.Equal(t, "b", fused[0].chunkID, "newer ingested_at wins the tie")
}

func TestFuse_TieBreakLexicographicLast(t *testing.T) {
	same := time.Now()
	chunks := map[string]*store.Chunk{
		"zz": {ID: "zz", IngestedAt: same},
		"aa": {ID: "aa", IngestedAt: same},
	}
	dense := []store.VectorHit{{ChunkID: "zz"}, {ChunkID: "aa"}}
	sparse := []store.SparseHit{{ChunkID: "aa"}, {ChunkID: "zz"}}

	fused := fuse("c1", dense, sparse, 60, chunks)
	require.Len(t, fused, 2)
	assert.Equal(t, "aa", fused[0].chunkID)
}

func TestFuse_Deterministic(t *testing.T) {
	dense := []store.VectorHit{{ChunkID: "a"}, {ChunkID: "b"}, {ChunkID: "c"}}
	sparse := []store.SparseHit{{ChunkID: "c"}, {ChunkID: "d"}}

	first := fuse("c1", dense, sparse, 60, nil)
	for range 10 {
		again := fuse("c1", dense, sparse, 60, nil)
		require.Equal(t, len(first), len(again))
		for i := range first {
			assert.Equal(t, first[i].chunkID, again[i].chunkID)
		}
	}
}

func TestMergeCandidates_SortsAndTrims(t *testing.T) {
	a := []*candidate{{chunkID: "a", score: 0.5}, {chunkID: "b", score: 0.1}}
	b := []*candidate{{chunkID: "c", score: 0.3}}

	merged := mergeCandidates([][]*candidate{a, b}, 2)
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].chunkID)
	assert.Equal(t, "c", merged[1].chunkID)
}
