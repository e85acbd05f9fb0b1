package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latentlabs/llc/internal/embed"
	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// maxFetchBytes bounds remote fetches.
const maxFetchBytes = 64 << 20

// Report summarizes one source ingestion.
type Report struct {
	DocumentID  string             `json:"document_id"`
	ContainerID string             `json:"container_id"`
	Chunks      int                `json:"chunks"`
	Deduped     int                `json:"deduped"`
	Vectors     int                `json:"vectors"`
	Duplicate   bool               `json:"duplicate"`
	Issues      []*llcerrors.Issue `json:"issues,omitempty"`
}

// Ingestor orchestrates the full per-source pipeline: fetch, extract,
// embed, dedup, and persist across the three stores.
type Ingestor struct {
	meta     store.RelationalStore
	sparse   store.SparseIndex
	vectors  store.VectorIndex
	blobs    store.BlobStore
	embedder *embed.CachedEmbedder
	registry *Registry

	dedupThreshold float64
	client         *http.Client
	logger         *slog.Logger
}

// IngestorConfig configures the orchestrator.
type IngestorConfig struct {
	// DedupThreshold is the ingest-time semantic dedup cutoff.
	DedupThreshold float64
	FetchTimeout   time.Duration
}

// NewIngestor wires the orchestrator.
func NewIngestor(meta store.RelationalStore, sparse store.SparseIndex, vectors store.VectorIndex, blobs store.BlobStore, embedder *embed.CachedEmbedder, registry *Registry, cfg IngestorConfig, logger *slog.Logger) *Ingestor {
	if cfg.DedupThreshold <= 0 {
		cfg.DedupThreshold = 0.96
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		meta:           meta,
		sparse:         sparse,
		vectors:        vectors,
		blobs:          blobs,
		embedder:       embedder,
		registry:       registry,
		dedupThreshold: cfg.DedupThreshold,
		client:         &http.Client{Timeout: cfg.FetchTimeout},
		logger:         logger,
	}
}

// Ingest processes one source into containerRef (id or slug). Errors
// are classified for the job queue: transient store and provider
// failures are retryable, everything else fails the job outright.
func (ing *Ingestor) Ingest(ctx context.Context, containerRef string, src Source) (*Report, error) {
	container, err := ing.resolveContainer(ctx, containerRef)
	if err != nil {
		return nil, err
	}
	if container.State != store.ContainerActive {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams,
			"container %s is %s and does not accept ingestion", container.Slug, container.State).
			WithRemediation("set the container state back to active first")
	}

	modality, err := DetectModality(src)
	if err != nil {
		return nil, err
	}
	if !container.AllowsModality(modality) {
		return nil, llcerrors.Newf(llcerrors.CodeBlockedModality,
			"container %s does not allow modality %s", container.Slug, modality).
			WithRemediation("verify the modality is allowed by the container policy")
	}

	raw, err := ing.fetch(ctx, src.URI)
	if err != nil {
		return nil, err
	}

	// Exact-duplicate short circuit on the raw content hash.
	hash := embed.ContentHash(raw)
	if existing, err := ing.meta.FindDocumentByHash(ctx, container.ID, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return &Report{
			DocumentID:  existing.ID,
			ContainerID: container.ID,
			Duplicate:   true,
			Issues: []*llcerrors.Issue{llcerrors.Newf(llcerrors.CodeDuplicateSource,
				"identical content already ingested as document %s", existing.ID)},
		}, nil
	}

	pipeline, err := ing.registry.For(modality)
	if err != nil {
		return nil, err
	}
	documentID := uuid.NewString()

	extraction, err := pipeline.Extract(ctx, src, raw, container.ID, documentID)
	if err != nil {
		return nil, err
	}

	// Derived image chunks (pdf page renders) only survive when the
	// container accepts the image modality.
	if modality != store.ModalityImage && !container.AllowsModality(store.ModalityImage) {
		filterChunks(extraction, func(ec ExtractedChunk) bool {
			return ec.Modality != store.ModalityImage
		})
	}
	if limit := container.Policy.MaxPDFPages; limit > 0 {
		filterChunks(extraction, func(ec ExtractedChunk) bool {
			return ec.Page <= limit
		})
	}
	if budget := container.Policy.MaxChunkTokens; budget > 0 {
		enforceTokenBudget(extraction, budget)
	}

	blobPaths, err := ing.persistBlobs(ctx, container.ID, documentID, src, raw, extraction)
	if err != nil {
		return nil, err
	}

	doc := &store.Document{
		ID:          documentID,
		ContainerID: container.ID,
		SourceURI:   src.URI,
		Modality:    modality,
		Title:       extraction.Title,
		Hash:        hash,
		SizeBytes:   int64(len(raw)),
		Metadata:    src.Meta,
	}
	if err := ing.meta.CreateDocument(ctx, doc); err != nil {
		if llcerrors.CodeOf(err) == llcerrors.CodeDuplicateSource {
			// Raced with a concurrent ingest of the same content.
			existing, ferr := ing.meta.FindDocumentByHash(ctx, container.ID, hash)
			if ferr == nil && existing != nil {
				return &Report{DocumentID: existing.ID, ContainerID: container.ID, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	report := &Report{DocumentID: documentID, ContainerID: container.ID}
	chunks, vectors, err := ing.buildChunks(ctx, container, doc, extraction, blobPaths, report)
	if err != nil {
		return nil, err
	}

	// Relational commit is the commit point; FTS5 rows land in the
	// same transaction via triggers.
	if err := ing.meta.CommitChunks(ctx, chunks); err != nil {
		return nil, err
	}
	report.Chunks = len(chunks)

	// Alternate sparse backends index after the commit.
	if err := ing.sparse.Index(ctx, chunks); err != nil {
		ing.logger.Warn("sparse indexing failed", "document", documentID, "error", err)
		report.Issues = append(report.Issues,
			llcerrors.New(llcerrors.CodeBM25Down, "sparse indexing deferred"))
	}

	// Vector upserts follow the commit; failures flag the chunk for
	// the reconcile sweep instead of failing the ingest.
	for chunkID, v := range vectors {
		if err := ing.vectors.Upsert(ctx, container.ID, v.modality, chunkID, v.vec); err != nil {
			ing.logger.Warn("vector upsert failed, flagging for reconcile",
				"chunk", chunkID, "error", err)
			if merr := ing.meta.MarkChunkReconcile(ctx, chunkID, true); merr != nil {
				ing.logger.Error("failed to flag chunk for reconcile", "chunk", chunkID, "error", merr)
			}
			continue
		}
		report.Vectors++
	}
	if err := ing.vectors.Save(); err != nil {
		ing.logger.Warn("vector save failed", "error", err)
	}

	return report, nil
}

func (ing *Ingestor) resolveContainer(ctx context.Context, ref string) (*store.Container, error) {
	c, err := ing.meta.GetContainer(ctx, ref)
	if err == nil {
		return c, nil
	}
	if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
		return ing.meta.GetContainerBySlug(ctx, ref)
	}
	return nil, err
}

// fetch loads source bytes from http(s), file://, or a local path.
func (ing *Ingestor) fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeInvalidParams, err)
		}
		resp, err := ing.client.Do(req)
		if err != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err).WithDetail("uri", uri)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, llcerrors.Newf(llcerrors.CodeIngestFail,
				"fetch %s returned %d", uri, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	default:
		path := strings.TrimPrefix(uri, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, llcerrors.Wrap(llcerrors.CodeIngestFail, err).WithDetail("uri", uri)
		}
		return data, nil
	}
}

// persistBlobs stores the original, normalized text, and derived
// artifacts; returns artifact blob paths keyed by chunk index.
func (ing *Ingestor) persistBlobs(ctx context.Context, containerID, documentID string, src Source, raw []byte, extraction *Extraction) (map[int]string, error) {
	filename := filepath.Base(strings.TrimPrefix(src.URI, "file://"))
	if filename == "" || filename == "." || filename == "/" {
		filename = "source"
	}
	if _, err := ing.blobs.Put(ctx, store.OriginalPath(containerID, documentID, filename), raw); err != nil {
		return nil, err
	}
	if extraction.Normalized != "" {
		if _, err := ing.blobs.Put(ctx, store.NormalizedPath(containerID, documentID), []byte(extraction.Normalized)); err != nil {
			return nil, err
		}
	}

	paths := make(map[int]string)
	for _, a := range extraction.Artifacts {
		rel, err := ing.blobs.Put(ctx, a.Rel, a.Data)
		if err != nil {
			return nil, err
		}
		if a.ChunkIndex >= 0 {
			paths[a.ChunkIndex] = rel
		}
	}
	return paths, nil
}

type pendingVector struct {
	modality store.Modality
	vec      []float32
}

// buildChunks embeds every extracted chunk, applies ingest-time
// semantic dedup, and returns the rows plus the vectors to upsert.
// Deduplicated chunks keep their row (BM25 retrieval still works) but
// get no vector.
func (ing *Ingestor) buildChunks(ctx context.Context, container *store.Container, doc *store.Document, extraction *Extraction, blobPaths map[int]string, report *Report) ([]*store.Chunk, map[string]pendingVector, error) {
	// Batch-embed the text chunks in one provider call.
	var textIdx []int
	var texts []string
	for i, ec := range extraction.Chunks {
		if ec.Text != "" {
			textIdx = append(textIdx, i)
			texts = append(texts, ec.Text)
		}
	}
	embedded := make(map[int][]float32, len(extraction.Chunks))
	stale := false
	if len(texts) > 0 {
		res, err := ing.embedder.EmbedTexts(ctx, store.ModalityText, texts)
		if err != nil {
			return nil, nil, llcerrors.Wrap(llcerrors.CodeEmbeddingUnavailable, err)
		}
		stale = stale || res.Stale
		for j, i := range textIdx {
			embedded[i] = res.Vectors[j]
		}
	}
	for i, ec := range extraction.Chunks {
		if len(ec.ImageData) == 0 {
			continue
		}
		res, err := ing.embedder.EmbedContent(ctx, store.ModalityImage, ec.ImageData)
		if err != nil {
			return nil, nil, llcerrors.Wrap(llcerrors.CodeEmbeddingUnavailable, err)
		}
		stale = stale || res.Stale
		embedded[i] = res.Vectors[0]
	}
	if stale {
		report.Issues = append(report.Issues,
			llcerrors.New(llcerrors.CodeStaleEmbedding, "some vectors served from a prior embedder version"))
	}

	threshold := ing.dedupThreshold
	if container.Policy.DedupThreshold > 0 {
		threshold = container.Policy.DedupThreshold
	}

	var chunks []*store.Chunk
	vectors := make(map[string]pendingVector)
	seq := 0
	for i, ec := range extraction.Chunks {
		content := ec.Text
		hashSrc := []byte(ec.Text)
		if len(ec.ImageData) > 0 {
			hashSrc = ec.ImageData
		}

		chunk := &store.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			ContainerID: container.ID,
			Modality:    ec.Modality,
			Seq:         seq,
			Content:     content,
			ContentHash: embed.ContentHash(hashSrc),
			SourceURI:   doc.SourceURI,
			Page:        ec.Page,
			StartByte:   ec.StartByte,
			EndByte:     ec.EndByte,
			BlobPath:    blobPaths[i],
			EmbedderVer: ing.embedder.Version(),
		}
		seq++

		vec, ok := embedded[i]
		if ok {
			if err := ing.vectors.EnsureCollection(ctx, container.ID, ec.Modality, len(vec)); err != nil {
				return nil, nil, err
			}
			// Ingest-time semantic dedup against the container's
			// existing vectors.
			if dupOf, score := ing.nearestDuplicate(ctx, container.ID, ec.Modality, vec, threshold); dupOf != "" {
				chunk.DedupOf = dupOf
				report.Deduped++
				ing.logger.Debug("chunk deduplicated",
					"chunk", chunk.ID, "dedup_of", dupOf, "score", fmt.Sprintf("%.4f", score))
			} else {
				vectors[chunk.ID] = pendingVector{modality: ec.Modality, vec: vec}
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, vectors, nil
}

// nearestDuplicate returns the id of an existing chunk whose vector is
// within the dedup threshold, or "".
func (ing *Ingestor) nearestDuplicate(ctx context.Context, containerID string, modality store.Modality, vec []float32, threshold float64) (string, float64) {
	hits, err := ing.vectors.Search(ctx, containerID, modality, vec, 1)
	if err != nil || len(hits) == 0 {
		return "", 0
	}
	if float64(hits[0].Score) >= threshold {
		return hits[0].ChunkID, float64(hits[0].Score)
	}
	return "", 0
}

// filterChunks drops extracted chunks failing keep and remaps artifact
// chunk indexes; artifacts tied to dropped chunks are dropped too.
func filterChunks(x *Extraction, keep func(ExtractedChunk) bool) {
	remap := make(map[int]int, len(x.Chunks))
	kept := x.Chunks[:0]
	for i, ec := range x.Chunks {
		if !keep(ec) {
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, ec)
	}
	x.Chunks = kept

	arts := x.Artifacts[:0]
	for _, a := range x.Artifacts {
		if a.ChunkIndex >= 0 {
			idx, ok := remap[a.ChunkIndex]
			if !ok {
				continue
			}
			a.ChunkIndex = idx
		}
		arts = append(arts, a)
	}
	x.Artifacts = arts
}

// enforceTokenBudget re-splits text chunks that exceed maxTokens.
// Artifacts tied to a split chunk follow its first piece.
func enforceTokenBudget(x *Extraction, maxTokens int) {
	chunker := NewChunker(ChunkerConfig{MaxTokens: maxTokens})
	remap := make(map[int]int, len(x.Chunks))
	var out []ExtractedChunk
	for i, ec := range x.Chunks {
		remap[i] = len(out)
		if ec.Text == "" || countTokens(ec.Text) <= maxTokens {
			out = append(out, ec)
			continue
		}
		for _, piece := range chunker.Chunk(ec.Text) {
			nc := ec
			nc.Text = piece.Text
			nc.StartByte = ec.StartByte + piece.StartByte
			nc.EndByte = ec.StartByte + piece.EndByte
			out = append(out, nc)
		}
	}
	x.Chunks = out
	for i := range x.Artifacts {
		if x.Artifacts[i].ChunkIndex >= 0 {
			x.Artifacts[i].ChunkIndex = remap[x.Artifacts[i].ChunkIndex]
		}
	}
}
