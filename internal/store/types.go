// Package store provides the persistence layer: the SQLite relational
// store (containers, documents, chunks, jobs, caches), the sparse BM25
// indexes (FTS5 or Bleve), the per-collection HNSW vector indexes, and
// the filesystem blob store for originals and derived artifacts.
package store

import (
	"context"
	"time"
)

// Modality identifies the content type of a chunk and the retrieval
// lane it belongs to.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityPDF   Modality = "pdf"
	ModalityWeb   Modality = "web"
)

// ValidModality reports whether m is a known modality.
func ValidModality(m Modality) bool {
	switch m {
	case ModalityText, ModalityImage, ModalityPDF, ModalityWeb:
		return true
	}
	return false
}

// ContainerState is the lifecycle state of a container.
type ContainerState string

const (
	ContainerActive ContainerState = "active"
	// Paused containers reject ingestion but remain searchable.
	ContainerPaused   ContainerState = "paused"
	ContainerArchived ContainerState = "archived"
)

// ContainerPolicy holds per-container overrides for ingestion and
// retrieval knobs. Zero values defer to the global configuration.
type ContainerPolicy struct {
	// FreshnessLambda overrides the recency decay rate.
	FreshnessLambda float64 `json:"freshness_lambda,omitempty"`
	// DedupThreshold overrides the ingest-time near-duplicate cosine cutoff.
	DedupThreshold float64 `json:"dedup_threshold,omitempty"`
	// MaxChunkTokens caps chunk size; oversized chunks are re-split.
	MaxChunkTokens int `json:"max_chunk_tokens,omitempty"`
	// MaxPDFPages drops pages beyond the limit at ingest time.
	MaxPDFPages int `json:"max_pdf_pages,omitempty"`
	// SnippetTemplate formats result snippets with {title}, {snippet},
	// and {uri} placeholders.
	SnippetTemplate string `json:"snippet_template,omitempty"`
	// Diagnostics forces the diagnostics block into every search
	// response touching this container.
	Diagnostics bool `json:"diagnostics,omitempty"`
}

// Container is a themed collection of documents with its own embedding
// space and modality policy.
type Container struct {
	ID          string          `json:"id"`
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	Theme       string          `json:"theme,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	Modalities  []Modality      `json:"modalities"`
	Embedder    string          `json:"embedder"`
	EmbedderVer string          `json:"embedder_version"`
	Dims        int             `json:"dims"`
	State       ContainerState  `json:"state"`
	Policy      ContainerPolicy `json:"policy,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AllowsModality reports whether the container accepts content of the
// given modality. An empty policy allows everything.
func (c *Container) AllowsModality(m Modality) bool {
	if len(c.Modalities) == 0 {
		return true
	}
	for _, allowed := range c.Modalities {
		if allowed == m {
			return true
		}
	}
	return false
}

// ContainerStats holds denormalized per-container counters.
type ContainerStats struct {
	ContainerID string    `json:"container_id"`
	Documents   int64     `json:"documents"`
	Chunks      int64     `json:"chunks"`
	Bytes       int64     `json:"bytes"`
	LastIngest  time.Time `json:"last_ingest,omitempty"`
}

// Document is an ingested source within a container. (container_id,
// hash) is unique: re-ingesting identical content is a no-op.
type Document struct {
	ID          string            `json:"id"`
	ContainerID string            `json:"container_id"`
	SourceURI   string            `json:"source_uri"`
	Modality    Modality          `json:"modality"`
	Title       string            `json:"title,omitempty"`
	Hash        string            `json:"hash"` // sha256 of raw content
	SizeBytes   int64             `json:"size_bytes"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Chunk is the retrieval unit: a contiguous slice of a document carrying
// its own provenance and embedding bookkeeping.
type Chunk struct {
	ID          string   `json:"id"`
	DocumentID  string   `json:"document_id"`
	ContainerID string   `json:"container_id"`
	Modality    Modality `json:"modality"`
	Seq         int      `json:"seq"`
	Content     string   `json:"content"`
	ContentHash string   `json:"content_hash"`

	// Provenance.
	SourceURI string `json:"source_uri"`
	Page      int    `json:"page,omitempty"`       // 1-based, pdf only
	StartByte int    `json:"start_byte,omitempty"` // offsets into normalized text
	EndByte   int    `json:"end_byte,omitempty"`
	BlobPath  string `json:"blob_path,omitempty"` // derived artifact (thumb, page render)

	// Embedding bookkeeping.
	EmbedderVer string `json:"embedder_version"`
	DedupOf     string `json:"dedup_of,omitempty"` // canonical chunk id when near-duplicate

	// Cross-store consistency. A committed chunk must have both its
	// BM25 row and vector payload, or carry this flag for the sweep.
	NeedsVectorReconcile bool `json:"needs_vector_reconcile,omitempty"`
	ReconcileAttempts    int  `json:"reconcile_attempts,omitempty"`

	Deleted    bool      `json:"deleted,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// TokenCount estimates tokens as words for chunk budgeting.
func (c *Chunk) TokenCount() int {
	n := 0
	inWord := false
	for _, r := range c.Content {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed" // terminal: retries exhausted or not retryable
)

// JobKind identifies what a worker should do with a job.
type JobKind string

const (
	JobIngest  JobKind = "ingest"
	JobRefresh JobKind = "refresh"
	JobExport  JobKind = "export"
	JobReindex JobKind = "reindex"
)

// Job is a unit of background work claimed cooperatively by workers.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	ContainerID string    `json:"container_id,omitempty"`
	Payload     []byte    `json:"payload"` // kind-specific JSON
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxRetries  int       `json:"max_retries"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
	VisibleAt   time.Time `json:"visible_at"`
	HeartbeatAt time.Time `json:"heartbeat_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobEvent is an append-only record of a job state transition.
type JobEvent struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Worker    string    `json:"worker,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EmbeddingEntry is a content-addressed cached embedding.
type EmbeddingEntry struct {
	Key        string    `json:"key"` // sha256(content):{version}:{modality}
	Vector     []float32 `json:"vector"`
	Dims       int       `json:"dims"`
	Model      string    `json:"model"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// DiagnosticsRecord persists the per-request diagnostics block for
// later inspection via the status surface.
type DiagnosticsRecord struct {
	RequestID string    `json:"request_id"`
	Query     string    `json:"query"`
	Payload   []byte    `json:"payload"` // JSON diagnostics block
	Partial   bool      `json:"partial"`
	TookMS    int64     `json:"took_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// SparseHit is one BM25 result.
type SparseHit struct {
	ChunkID string
	Score   float64
}

// VectorHit is one dense (cosine) result.
type VectorHit struct {
	ChunkID string
	Score   float32
}

// RelationalStore is the SQLite-backed system of record.
type RelationalStore interface {
	// Containers.
	CreateContainer(ctx context.Context, c *Container) error
	GetContainer(ctx context.Context, id string) (*Container, error)
	GetContainerBySlug(ctx context.Context, slug string) (*Container, error)
	ListContainers(ctx context.Context) ([]*Container, error)
	UpdateContainer(ctx context.Context, c *Container) error
	ArchiveContainer(ctx context.Context, id string) error
	// ContainerSubtree returns the container and all descendants.
	ContainerSubtree(ctx context.Context, id string) ([]*Container, error)
	GetContainerStats(ctx context.Context, id string) (*ContainerStats, error)

	// Documents.
	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	FindDocumentByHash(ctx context.Context, containerID, hash string) (*Document, error)
	ListDocuments(ctx context.Context, containerID string, limit, offset int) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// Chunks. CommitChunks inserts the chunk rows and their FTS5 rows
	// in one transaction and bumps container stats.
	CommitChunks(ctx context.Context, chunks []*Chunk) error
	GetChunk(ctx context.Context, id string) (*Chunk, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*Chunk, error)
	ListChunksByDocument(ctx context.Context, documentID string) ([]*Chunk, error)
	MarkChunkReconcile(ctx context.Context, id string, needs bool) error
	ListReconcilePending(ctx context.Context, limit int) ([]*Chunk, error)
	SoftDeleteChunk(ctx context.Context, id string) error

	// Jobs.
	EnqueueJob(ctx context.Context, j *Job) error
	ClaimJob(ctx context.Context, worker string, visibility time.Duration) (*Job, error)
	HeartbeatJob(ctx context.Context, jobID, worker string, visibility time.Duration) error
	CompleteJob(ctx context.Context, jobID, worker string) error
	// FailJob records a failure. With requeue set the job returns to
	// queued after retryIn, unless its retry budget is exhausted; either
	// way a job past its budget, or failed with requeue false, lands in
	// the terminal failed state.
	FailJob(ctx context.Context, jobID, worker, reason string, retryIn time.Duration, requeue bool) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, states []JobState, limit int) ([]*Job, error)
	ReapExpiredJobs(ctx context.Context) (int, error)
	JobEvents(ctx context.Context, jobID string) ([]*JobEvent, error)

	// Embedding cache.
	GetEmbedding(ctx context.Context, key string) (*EmbeddingEntry, error)
	PutEmbedding(ctx context.Context, e *EmbeddingEntry) error
	PruneEmbeddings(ctx context.Context, olderThan time.Duration) (int, error)

	// Diagnostics.
	SaveDiagnostics(ctx context.Context, d *DiagnosticsRecord) error
	GetDiagnostics(ctx context.Context, requestID string) (*DiagnosticsRecord, error)

	Close() error
}

// SparseIndex is a BM25 lexical index over chunk content, scoped to the
// whole store and filtered by (container, modality) at query time.
type SparseIndex interface {
	Index(ctx context.Context, chunks []*Chunk) error
	Remove(ctx context.Context, chunkIDs []string) error
	// Search returns hits ordered by descending BM25 score, ties broken
	// by ascending chunk id. An empty query returns no hits.
	Search(ctx context.Context, containerID string, modality Modality, query string, limit int) ([]SparseHit, error)
	Close() error
}

// VectorIndex manages one HNSW collection per (container, modality).
type VectorIndex interface {
	// EnsureCollection lazily creates the collection; idempotent.
	EnsureCollection(ctx context.Context, containerID string, modality Modality, dims int) error
	Upsert(ctx context.Context, containerID string, modality Modality, chunkID string, vector []float32) error
	Delete(ctx context.Context, containerID string, modality Modality, chunkID string) error
	Search(ctx context.Context, containerID string, modality Modality, query []float32, limit int) ([]VectorHit, error)
	// Vector returns the stored vector for a chunk, for dedup checks.
	Vector(ctx context.Context, containerID string, modality Modality, chunkID string) ([]float32, bool)
	Save() error
	Close() error
}

// BlobStore stores originals and derived artifacts on the filesystem.
type BlobStore interface {
	Put(ctx context.Context, rel string, data []byte) (string, error)
	Get(ctx context.Context, rel string) ([]byte, error)
	Path(rel string) string
	Delete(ctx context.Context, rel string) error
}

// SQLiteConfig configures the relational store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	CacheSizeKB int
	MmapSize    int64
}

// DefaultSQLiteConfig returns production defaults for path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		CacheSizeKB: 64 * 1024,
		MmapSize:    256 * 1024 * 1024,
	}
}

// HNSWParams configures graph construction and search.
type HNSWParams struct {
	M           int
	EfConstruct int
	EfSearch    int
}

// DefaultHNSWParams returns the tuned defaults.
func DefaultHNSWParams() HNSWParams {
	return HNSWParams{M: 32, EfConstruct: 256, EfSearch: 64}
}
