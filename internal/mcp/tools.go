package mcp

import (
	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/search"
	"github.com/latentlabs/llc/internal/store"
)

// Envelope is the response wrapper shared by every tool.
type Envelope struct {
	Version   string  `json:"version" jsonschema:"envelope version, always v1"`
	RequestID string  `json:"request_id" jsonschema:"unique id for correlating logs"`
	Partial   bool    `json:"partial" jsonschema:"true when some retrieval lanes failed or the budget was exceeded"`
	TimingsMS int64   `json:"timings_ms" jsonschema:"total server-side time in milliseconds"`
	Issues    []Issue `json:"issues,omitempty" jsonschema:"non-fatal issues encountered while serving the request"`
}

// Issue is one surfaced problem with a remediation hint.
type Issue struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func toIssues(in []*llcerrors.Issue) []Issue {
	if len(in) == 0 {
		return nil
	}
	out := make([]Issue, 0, len(in))
	for _, i := range in {
		out = append(out, Issue{
			Code:        string(i.Code),
			Message:     i.Message,
			Remediation: i.Remediation,
		})
	}
	return out
}

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query       string            `json:"query,omitempty" jsonschema:"text query; required unless image_base64 is set"`
	ImageBase64 string            `json:"image_base64,omitempty" jsonschema:"base64-encoded query image for image and crossmodal search"`
	Containers  []string          `json:"containers" jsonschema:"target container ids or slugs; parents expand to their subtree"`
	Mode        string            `json:"mode,omitempty" jsonschema:"semantic, hybrid (default), bm25, crossmodal, or rerank"`
	K           int               `json:"k,omitempty" jsonschema:"number of results, 1-50, default 10"`
	Rerank      bool              `json:"rerank,omitempty" jsonschema:"apply the reranker when the latency budget allows"`
	Diagnostics bool              `json:"diagnostics,omitempty" jsonschema:"include the per-stage diagnostics block"`
	Filters     map[string]string `json:"filters,omitempty" jsonschema:"metadata filters, e.g. modality=text"`
	TimeoutMS   int               `json:"timeout_ms,omitempty" jsonschema:"per-request timeout override in milliseconds"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Envelope
	Results     []search.Result     `json:"results"`
	TotalHits   int                 `json:"total_hits"`
	Returned    int                 `json:"returned"`
	Diagnostics *search.Diagnostics `json:"diagnostics,omitempty"`
}

// IngestInput is the input schema for the ingest tool.
type IngestInput struct {
	Container string `json:"container" jsonschema:"target container id or slug"`
	URI       string `json:"uri" jsonschema:"source location: local path, file://, or http(s) URL"`
	Modality  string `json:"modality,omitempty" jsonschema:"text, web, pdf, or image; detected from the source when omitted"`
	Title     string `json:"title,omitempty" jsonschema:"override the extracted title"`
	Async     bool   `json:"async,omitempty" jsonschema:"enqueue a background job instead of ingesting inline"`
}

// IngestOutput is the output schema for the ingest tool.
type IngestOutput struct {
	Envelope
	JobID      string `json:"job_id,omitempty" jsonschema:"set when async; poll with job_status"`
	DocumentID string `json:"document_id,omitempty"`
	Chunks     int    `json:"chunks"`
	Deduped    int    `json:"deduped"`
	Duplicate  bool   `json:"duplicate"`
}

// ListContainersInput is the input schema for list_containers.
type ListContainersInput struct{}

// ContainerInfo describes one container.
type ContainerInfo struct {
	ID         string   `json:"id"`
	Slug       string   `json:"slug"`
	Name       string   `json:"name"`
	Theme      string   `json:"theme,omitempty"`
	ParentID   string   `json:"parent_id,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
	State      string   `json:"state"`
	Documents  int64    `json:"documents"`
	Chunks     int64    `json:"chunks"`
	SizeBytes  int64    `json:"size_bytes"`
}

// ListContainersOutput is the output schema for list_containers.
type ListContainersOutput struct {
	Envelope
	Containers []ContainerInfo `json:"containers"`
}

// DescribeContainerInput is the input schema for describe_container.
type DescribeContainerInput struct {
	Container string `json:"container" jsonschema:"container id or slug"`
}

// DescribeContainerOutput is the output schema for describe_container.
type DescribeContainerOutput struct {
	Envelope
	Container ContainerInfo   `json:"container"`
	Children  []ContainerInfo `json:"children,omitempty"`
	Embedder  string          `json:"embedder"`
	Dims      int             `json:"dims"`
}

// JobStatusInput is the input schema for job_status.
type JobStatusInput struct {
	JobID string `json:"job_id" jsonschema:"job id returned by an async ingest"`
}

// JobEventInfo is one job lifecycle event.
type JobEventInfo struct {
	State  string `json:"state"`
	Worker string `json:"worker,omitempty"`
	Detail string `json:"detail,omitempty"`
	At     string `json:"at"`
}

// JobStatusOutput is the output schema for job_status.
type JobStatusOutput struct {
	Envelope
	JobID     string         `json:"job_id"`
	Kind      string         `json:"kind"`
	State     string         `json:"state"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	Events    []JobEventInfo `json:"events,omitempty"`
}

func containerInfo(c *store.Container, stats *store.ContainerStats) ContainerInfo {
	info := ContainerInfo{
		ID:       c.ID,
		Slug:     c.Slug,
		Name:     c.Name,
		Theme:    c.Theme,
		ParentID: c.ParentID,
		State:    string(c.State),
	}
	for _, m := range c.Modalities {
		info.Modalities = append(info.Modalities, string(m))
	}
	if stats != nil {
		info.Documents = stats.Documents
		info.Chunks = stats.Chunks
		info.SizeBytes = stats.Bytes
	}
	return info
}
