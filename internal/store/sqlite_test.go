package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "llc.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestContainer(t *testing.T, s *SQLiteStore, slug string) *Container {
	t.Helper()
	c := &Container{
		ID:          uuid.NewString(),
		Slug:        slug,
		Name:        slug,
		Modalities:  []Modality{ModalityText, ModalityPDF},
		Embedder:    "nomic-embed-text",
		EmbedderVer: "v1",
		Dims:        768,
	}
	require.NoError(t, s.CreateContainer(context.Background(), c))
	return c
}

func TestContainer_CreateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newTestContainer(t, s, "art-history")

	got, err := s.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "art-history", got.Slug)
	assert.Equal(t, ContainerActive, got.State)
	assert.Equal(t, []Modality{ModalityText, ModalityPDF}, got.Modalities)

	bySlug, err := s.GetContainerBySlug(ctx, "art-history")
	require.NoError(t, err)
	assert.Equal(t, c.ID, bySlug.ID)

	all, err := s.ListContainers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestContainer_DuplicateSlugRejected(t *testing.T) {
	s := newTestStore(t)
	newTestContainer(t, s, "recipes")

	err := s.CreateContainer(context.Background(), &Container{
		ID: uuid.NewString(), Slug: "recipes", Name: "other",
		Embedder: "m", EmbedderVer: "v1", Dims: 768,
	})
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeInvalidParams, llcerrors.CodeOf(err))
}

func TestContainer_NotFoundCode(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContainer(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeContainerNotFound, llcerrors.CodeOf(err))
}

func TestContainer_Subtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := newTestContainer(t, s, "root")
	child := &Container{
		ID: uuid.NewString(), Slug: "child", Name: "child", ParentID: root.ID,
		Embedder: "m", EmbedderVer: "v1", Dims: 768,
	}
	require.NoError(t, s.CreateContainer(ctx, child))
	grandchild := &Container{
		ID: uuid.NewString(), Slug: "grandchild", Name: "grandchild", ParentID: child.ID,
		Embedder: "m", EmbedderVer: "v1", Dims: 768,
	}
	require.NoError(t, s.CreateContainer(ctx, grandchild))
	newTestContainer(t, s, "unrelated")

	subtree, err := s.ContainerSubtree(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, subtree, 3)

	leaf, err := s.ContainerSubtree(ctx, grandchild.ID)
	require.NoError(t, err)
	assert.Len(t, leaf, 1)
}

func TestContainer_PolicyAndPausedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newTestContainer(t, s, "policy")
	c.State = ContainerPaused
	c.Policy = ContainerPolicy{
		FreshnessLambda: 0.05,
		DedupThreshold:  0.9,
		MaxChunkTokens:  300,
		MaxPDFPages:     20,
		SnippetTemplate: "{title}: {snippet}",
		Diagnostics:     true,
	}
	require.NoError(t, s.UpdateContainer(ctx, c))

	got, err := s.GetContainer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, ContainerPaused, got.State)
	assert.Equal(t, c.Policy, got.Policy)

	// Containers created without a policy come back with the zero value.
	plain := newTestContainer(t, s, "no-policy")
	got, err = s.GetContainer(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, ContainerPolicy{}, got.Policy)
}

func TestDocument_DuplicateHashShortCircuits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "docs")

	d := &Document{
		ID: uuid.NewString(), ContainerID: c.ID, SourceURI: "file:///a.md",
		Modality: ModalityText, Hash: "abc123", SizeBytes: 10,
	}
	require.NoError(t, s.CreateDocument(ctx, d))

	dup := &Document{
		ID: uuid.NewString(), ContainerID: c.ID, SourceURI: "file:///b.md",
		Modality: ModalityText, Hash: "abc123",
	}
	err := s.CreateDocument(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeDuplicateSource, llcerrors.CodeOf(err))

	// Same hash in a different container is fine.
	c2 := newTestContainer(t, s, "docs2")
	other := &Document{
		ID: uuid.NewString(), ContainerID: c2.ID, SourceURI: "file:///a.md",
		Modality: ModalityText, Hash: "abc123",
	}
	require.NoError(t, s.CreateDocument(ctx, other))

	found, err := s.FindDocumentByHash(ctx, c.ID, "abc123")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, d.ID, found.ID)

	missing, err := s.FindDocumentByHash(ctx, c.ID, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func makeChunk(c *Container, docID string, seq int, content string) *Chunk {
	return &Chunk{
		ID:          fmt.Sprintf("%s-%03d", docID, seq),
		DocumentID:  docID,
		ContainerID: c.ID,
		Modality:    ModalityText,
		Seq:         seq,
		Content:     content,
		ContentHash: fmt.Sprintf("hash-%d", seq),
		SourceURI:   "file:///a.md",
		EmbedderVer: "v1",
	}
}

func insertDoc(t *testing.T, s *SQLiteStore, c *Container) *Document {
	t.Helper()
	d := &Document{
		ID: uuid.NewString(), ContainerID: c.ID, SourceURI: "file:///a.md",
		Modality: ModalityText, Hash: uuid.NewString(), SizeBytes: 100,
	}
	require.NoError(t, s.CreateDocument(context.Background(), d))
	return d
}

func TestCommitChunks_AtomicWithFTSAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "atomic")
	d := insertDoc(t, s, c)

	chunks := []*Chunk{
		makeChunk(c, d.ID, 0, "the starry night was painted in saint remy"),
		makeChunk(c, d.ID, 1, "impressionism emerged in nineteenth century paris"),
	}
	require.NoError(t, s.CommitChunks(ctx, chunks))

	// Committed chunks are immediately findable via BM25.
	fts := NewFTS5Index(s)
	hits, err := fts.Search(ctx, c.ID, ModalityText, "starry night", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks[0].ID, hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)

	stats, err := s.GetContainerStats(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Documents)
	assert.EqualValues(t, 2, stats.Chunks)
	assert.False(t, stats.LastIngest.IsZero())
}

func TestFTS5_EmptyQueryAndScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c1 := newTestContainer(t, s, "scope-a")
	c2 := newTestContainer(t, s, "scope-b")
	d1 := insertDoc(t, s, c1)
	d2 := insertDoc(t, s, c2)

	require.NoError(t, s.CommitChunks(ctx, []*Chunk{
		makeChunk(c1, d1.ID, 0, "baroque architecture in rome"),
		makeChunk(c2, d2.ID, 0, "baroque music of the period"),
	}))

	fts := NewFTS5Index(s)

	empty, err := fts.Search(ctx, c1.ID, ModalityText, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	hits, err := fts.Search(ctx, c1.ID, ModalityText, "baroque", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "results must not leak across containers")
	assert.Equal(t, d1.ID+"-000", hits[0].ChunkID)

	// Operator characters are neutralized, not executed.
	_, err = fts.Search(ctx, c1.ID, ModalityText, `rome" OR "music`, 10)
	require.NoError(t, err)
}

func TestFTS5_TieBreakByChunkID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "ties")
	d := insertDoc(t, s, c)

	// Identical content scores identically; order falls back to id.
	require.NoError(t, s.CommitChunks(ctx, []*Chunk{
		makeChunk(c, d.ID, 1, "identical words here"),
		makeChunk(c, d.ID, 0, "identical words here"),
	}))

	fts := NewFTS5Index(s)
	hits, err := fts.Search(ctx, c.ID, ModalityText, "identical", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Less(t, hits[0].ChunkID, hits[1].ChunkID)
}

func TestSoftDeleteChunk_RemovesFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "tombstone")
	d := insertDoc(t, s, c)

	ch := makeChunk(c, d.ID, 0, "ephemeral content to remove")
	require.NoError(t, s.CommitChunks(ctx, []*Chunk{ch}))
	require.NoError(t, s.SoftDeleteChunk(ctx, ch.ID))

	fts := NewFTS5Index(s)
	hits, err := fts.Search(ctx, c.ID, ModalityText, "ephemeral", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	got, err := s.GetChunk(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestReconcileFlag_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "reconcile")
	d := insertDoc(t, s, c)

	ch := makeChunk(c, d.ID, 0, "vector write failed for this one")
	ch.NeedsVectorReconcile = true
	require.NoError(t, s.CommitChunks(ctx, []*Chunk{ch}))

	pending, err := s.ListReconcilePending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ch.ID, pending[0].ID)

	require.NoError(t, s.MarkChunkReconcile(ctx, ch.ID, false))
	pending, err = s.ListReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJobs_ClaimIsExclusiveAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Job{ID: uuid.NewString(), Kind: JobIngest, Payload: []byte(`{"n":1}`), MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, first))
	time.Sleep(2 * time.Millisecond) // distinct created_at
	second := &Job{ID: uuid.NewString(), Kind: JobIngest, Payload: []byte(`{"n":2}`), MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, second))

	j1, err := s.ClaimJob(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, first.ID, j1.ID, "oldest job claims first")
	assert.Equal(t, JobRunning, j1.State)
	assert.Equal(t, 1, j1.Attempts)

	j2, err := s.ClaimJob(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, second.ID, j2.ID)

	// Queue drained.
	j3, err := s.ClaimJob(ctx, "worker-c", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j3)
}

func TestJobs_CompleteAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))
	claimed, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.CompleteJob(ctx, claimed.ID, "w1"))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobDone, got.State)

	events, err := s.JobEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, JobQueued, events[0].State)
	assert.Equal(t, JobRunning, events[1].State)
	assert.Equal(t, JobDone, events[2].State)
}

func TestJobs_CompleteByWrongWorkerFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))
	_, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)

	err = s.CompleteJob(ctx, j.ID, "imposter")
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeInvariantViolation, llcerrors.CodeOf(err))
}

func TestJobs_FailRequeuesWithDelayThenExhausts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 1}
	require.NoError(t, s.EnqueueJob(ctx, j))

	// Attempt 1 fails: requeued with a delay, not yet visible.
	claimed, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.FailJob(ctx, j.ID, "w1", "provider down", time.Hour, true))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.State)
	assert.Equal(t, "provider down", got.LastError)

	none, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "delayed retry must not be claimable early")

	// Make it visible again; attempt 2 exhausts retries.
	_, err = s.db.Exec("UPDATE jobs SET visible_at = 0 WHERE id = ?", j.ID)
	require.NoError(t, err)
	claimed, err = s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.FailJob(ctx, j.ID, "w1", "still down", time.Hour, true))

	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.State)
}

func TestJobs_FailWithoutRequeueIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))
	claimed, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// First attempt, retry budget untouched, but requeue is refused.
	require.NoError(t, s.FailJob(ctx, j.ID, "w1", "unknown payload kind", 0, false))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.State)
	assert.Empty(t, got.ClaimedBy)

	none, err := s.ClaimJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "failed jobs must not be claimable")
}

func TestJobs_HeartbeatExtendsVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))
	claimed, err := s.ClaimJob(ctx, "w1", time.Minute)
	require.NoError(t, err)

	before := claimed.VisibleAt
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.HeartbeatJob(ctx, j.ID, "w1", time.Minute))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, got.VisibleAt.After(before) || got.VisibleAt.Equal(before))

	err = s.HeartbeatJob(ctx, j.ID, "imposter", time.Minute)
	assert.Error(t, err)
}

func TestJobs_ReapRequeuesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := &Job{ID: uuid.NewString(), Kind: JobIngest, MaxRetries: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))
	// Claim with an already-expired visibility window.
	claimed, err := s.ClaimJob(ctx, "crashed-worker", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.ReapExpiredJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.State)
	assert.Empty(t, got.ClaimedBy)

	// The job is claimable again by a healthy worker.
	reclaimed, err := s.ClaimJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, j.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestEmbeddingCache_RoundTripAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &EmbeddingEntry{
		Key:     "deadbeef:v1:text",
		Vector:  []float32{0.1, -0.2, 0.3},
		Dims:    3,
		Model:   "nomic-embed-text",
		Version: "v1",
	}
	require.NoError(t, s.PutEmbedding(ctx, e))

	got, err := s.GetEmbedding(ctx, e.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDeltaSlice(t, []float32{0.1, -0.2, 0.3}, got.Vector, 1e-6)
	assert.Equal(t, 3, got.Dims)

	miss, err := s.GetEmbedding(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, miss)

	// Nothing is older than an hour yet.
	n, err := s.PruneEmbeddings(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.PruneEmbeddings(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDiagnostics_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &DiagnosticsRecord{
		RequestID: uuid.NewString(),
		Query:     "vermeer light",
		Payload:   []byte(`{"stages":{"fanout":"DONE"}}`),
		Partial:   true,
		TookMS:    412,
	}
	require.NoError(t, s.SaveDiagnostics(ctx, rec))

	got, err := s.GetDiagnostics(ctx, rec.RequestID)
	require.NoError(t, err)
	assert.True(t, got.Partial)
	assert.EqualValues(t, 412, got.TookMS)
	assert.JSONEq(t, `{"stages":{"fanout":"DONE"}}`, string(got.Payload))
}

func TestGetChunks_BatchLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestContainer(t, s, "batch")
	d := insertDoc(t, s, c)

	chunks := []*Chunk{
		makeChunk(c, d.ID, 0, "first"),
		makeChunk(c, d.ID, 1, "second"),
	}
	require.NoError(t, s.CommitChunks(ctx, chunks))

	got, err := s.GetChunks(ctx, []string{chunks[0].ID, chunks[1].ID, "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, chunks[0].ID)
	assert.NotContains(t, got, "missing")
}
