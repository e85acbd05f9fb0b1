// Package search implements the hybrid retrieval engine: parallel
// dense and sparse retrieval per (container, modality), reciprocal
// rank fusion, freshness decay, budget-guarded reranking, semantic
// dedup, and snippet plus diagnostics assembly under a latency budget.
package search

import (
	"time"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// Mode selects the retrieval lanes.
type Mode string

const (
	// ModeSemantic uses dense retrieval only.
	ModeSemantic Mode = "semantic"
	// ModeHybrid fuses dense and sparse lanes.
	ModeHybrid Mode = "hybrid"
	// ModeBM25 uses sparse retrieval only; no query embedding.
	ModeBM25 Mode = "bm25"
	// ModeCrossmodal runs dense retrieval across every modality the
	// container allows, regardless of the query modality.
	ModeCrossmodal Mode = "crossmodal"
	// ModeRerank is hybrid with the rerank stage forced on.
	ModeRerank Mode = "rerank"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeSemantic, ModeHybrid, ModeBM25, ModeCrossmodal, ModeRerank:
		return true
	}
	return false
}

func (m Mode) usesDense() bool  { return m != ModeBM25 }
func (m Mode) usesSparse() bool { return m == ModeHybrid || m == ModeBM25 || m == ModeRerank }

// Request is a search request. At least one of Query or QueryImage
// must be set.
type Request struct {
	Query        string            `json:"query,omitempty"`
	QueryImage   []byte            `json:"query_image,omitempty"`
	ContainerIDs []string          `json:"container_ids"`
	Mode         Mode              `json:"mode"`
	K            int               `json:"k"`
	Rerank       bool              `json:"rerank,omitempty"`
	Diagnostics  bool              `json:"diagnostics,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
}

// StageScores carries per-lane contributions for one result.
type StageScores struct {
	Vector     float64 `json:"vector,omitempty"`
	BM25       float64 `json:"bm25,omitempty"`
	FusionRank int     `json:"fusion_rank"`
	Rerank     float64 `json:"rerank,omitempty"`
}

// Provenance locates a result in its source.
type Provenance struct {
	SourceURI  string    `json:"source_uri"`
	Page       int       `json:"page,omitempty"`
	StartByte  int       `json:"start_byte,omitempty"`
	EndByte    int       `json:"end_byte,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Result is one ranked chunk.
type Result struct {
	ChunkID     string         `json:"chunk_id"`
	DocID       string         `json:"doc_id"`
	ContainerID string         `json:"container_id"`
	Title       string         `json:"title,omitempty"`
	Snippet     string         `json:"snippet"`
	URI         string         `json:"uri"`
	Score       float64        `json:"score"`
	Freshness   float64        `json:"freshness,omitempty"`
	StageScores StageScores    `json:"stage_scores"`
	Provenance  Provenance     `json:"provenance"`
	Modality    store.Modality `json:"modality"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Timings are per-stage elapsed milliseconds.
type Timings struct {
	TotalMS  int64 `json:"total_ms"`
	EmbedMS  int64 `json:"embed_ms"`
	BM25MS   int64 `json:"bm25_ms"`
	VectorMS int64 `json:"vector_ms"`
	FusionMS int64 `json:"fusion_ms"`
	RerankMS int64 `json:"rerank_ms"`
	DedupMS  int64 `json:"dedup_ms"`
}

// Stage names for the per-request state machine.
const (
	StageEmbedding = "embedding"
	StageFanout    = "fanout"
	StageFusion    = "fusion"
	StageRerank    = "rerank"
	StageDedup     = "dedup"
	StageSnippet   = "snippet"
)

// Stage states.
const (
	StatePending = "PENDING"
	StateRunning = "RUNNING"
	StateDone    = "DONE"
	StateSkipped = "SKIPPED"
	StateTimeout = "TIMEOUT"
)

// ContainerStatus summarizes per-container lane health for a request.
type ContainerStatus string

const (
	ContainerHealthy  ContainerStatus = "healthy"
	ContainerDegraded ContainerStatus = "degraded"
	ContainerOffline  ContainerStatus = "offline"
)

// Diagnostics is the per-request diagnostics block. It is always
// computed; Request.Diagnostics only controls whether it is returned.
type Diagnostics struct {
	Timings             Timings                    `json:"timings"`
	BM25Hits            int                        `json:"bm25_hits"`
	VectorHits          int                        `json:"vector_hits"`
	DedupDrops          int                        `json:"dedup_drops"`
	Mode                Mode                       `json:"mode"`
	EffectiveMode       Mode                       `json:"effective_mode"`
	LatencyBudgetMS     int                        `json:"latency_budget_ms"`
	LatencyOverBudgetMS int64                      `json:"latency_over_budget_ms"`
	AppliedFilters      map[string]string          `json:"applied_filters,omitempty"`
	ContainerStatus     map[string]ContainerStatus `json:"container_status"`
	Stages              map[string]string          `json:"stages"`
}

// Response is a search response. Issues never make the request fail:
// an empty result set with NO_HITS is still a success.
type Response struct {
	Results     []Result           `json:"results"`
	TotalHits   int                `json:"total_hits"`
	Returned    int                `json:"returned"`
	Partial     bool               `json:"partial"`
	Issues      []*llcerrors.Issue `json:"issues,omitempty"`
	Diagnostics *Diagnostics       `json:"diagnostics,omitempty"`
}
