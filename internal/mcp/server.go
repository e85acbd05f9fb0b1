// Package mcp exposes the retrieval service over the Model Context
// Protocol. Every tool response carries the v1 envelope with a request
// id, partial flag, timings, and surfaced issues.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/latentlabs/llc/internal/config"
	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/queue"
	"github.com/latentlabs/llc/internal/search"
	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/pkg/version"
)

const envelopeVersion = "v1"

// Server bridges MCP clients with the search engine and ingestor.
type Server struct {
	mcp      *mcp.Server
	engine   *search.Engine
	meta     store.RelationalStore
	ingestor *ingest.Ingestor
	cfg      *config.Config
	logger   *slog.Logger
}

// NewServer creates the MCP server and registers the tool set.
func NewServer(engine *search.Engine, meta store.RelationalStore, ingestor *ingest.Ingestor, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if meta == nil {
		return nil, errors.New("relational store is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:   engine,
		meta:     meta,
		ingestor: ingestor,
		cfg:      cfg,
		logger:   logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "llc", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server { return s.mcp }

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Retrieve from themed local containers with hybrid dense+sparse fusion. Target one or more containers by id or slug; parents expand to their whole subtree. Supports semantic, hybrid, bm25, crossmodal, and rerank modes.",
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ingest",
		Description: "Ingest a document into a container from a local path or URL. Text, web pages, PDFs, and images are chunked, embedded, and indexed. Set async to queue a background job instead of waiting.",
	}, s.handleIngest)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_containers",
		Description: "List all containers with their themes, allowed modalities, and document counts. Use this to discover where to search or ingest.",
	}, s.handleListContainers)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "describe_container",
		Description: "Show one container in detail: hierarchy, embedder configuration, stats, and children.",
	}, s.handleDescribeContainer)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_status",
		Description: "Check the state of a background job, including its retry history and event stream.",
	}, s.handleJobStatus)

	s.logger.Info("tools registered", "count", 5)
}

// newRequestID returns a short random correlation id.
func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// recoverPanic converts a handler panic into an internal issue so one
// bad request cannot take down the transport.
func (s *Server) recoverPanic(requestID string, errOut *error) {
	if r := recover(); r != nil {
		s.logger.Error("tool handler panicked", "request_id", requestID, "panic", r)
		*errOut = llcerrors.Newf(llcerrors.CodeInternal, "internal error, request %s", requestID)
	}
}

func (s *Server) envelope(requestID string, start time.Time, partial bool, issues []*llcerrors.Issue) Envelope {
	return Envelope{
		Version:   envelopeVersion,
		RequestID: requestID,
		Partial:   partial,
		TimingsMS: time.Since(start).Milliseconds(),
		Issues:    toIssues(issues),
	}
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (_ *mcp.CallToolResult, out SearchOutput, err error) {
	requestID := newRequestID()
	start := time.Now()
	defer s.recoverPanic(requestID, &err)

	var queryImage []byte
	if input.ImageBase64 != "" {
		queryImage, err = base64.StdEncoding.DecodeString(input.ImageBase64)
		if err != nil {
			return nil, SearchOutput{}, llcerrors.Wrap(llcerrors.CodeInvalidParams, err).
				WithRemediation("image_base64 must be standard base64")
		}
	}

	mode := search.Mode(input.Mode)
	if input.Mode == "" {
		mode = search.ModeHybrid
	}

	resp, err := s.engine.Search(ctx, &search.Request{
		Query:        input.Query,
		QueryImage:   queryImage,
		ContainerIDs: input.Containers,
		Mode:         mode,
		K:            input.K,
		Rerank:       input.Rerank,
		Diagnostics:  input.Diagnostics,
		Filters:      input.Filters,
		TimeoutMS:    input.TimeoutMS,
	})
	if err != nil {
		s.logger.Warn("search failed", "request_id", requestID, "code", llcerrors.CodeOf(err))
		return nil, SearchOutput{}, err
	}

	out = SearchOutput{
		Envelope:    s.envelope(requestID, start, resp.Partial, resp.Issues),
		Results:     resp.Results,
		TotalHits:   resp.TotalHits,
		Returned:    resp.Returned,
		Diagnostics: resp.Diagnostics,
	}
	return nil, out, nil
}

func (s *Server) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, input IngestInput) (_ *mcp.CallToolResult, out IngestOutput, err error) {
	requestID := newRequestID()
	start := time.Now()
	defer s.recoverPanic(requestID, &err)

	if input.Container == "" || input.URI == "" {
		return nil, IngestOutput{}, llcerrors.New(llcerrors.CodeInvalidParams,
			"container and uri are required")
	}
	src := ingest.Source{
		URI:      input.URI,
		Modality: store.Modality(input.Modality),
		Title:    input.Title,
	}

	if input.Async {
		job, err := queue.EnqueueIngest(ctx, s.meta, input.Container, src, s.cfg.Worker.MaxRetries)
		if err != nil {
			return nil, IngestOutput{}, err
		}
		out = IngestOutput{
			Envelope: s.envelope(requestID, start, false, nil),
			JobID:    job.ID,
		}
		return nil, out, nil
	}

	if s.ingestor == nil {
		return nil, IngestOutput{}, llcerrors.New(llcerrors.CodeNotImplemented,
			"inline ingestion is not available on this server")
	}
	report, err := s.ingestor.Ingest(ctx, input.Container, src)
	if err != nil {
		s.logger.Warn("ingest failed", "request_id", requestID, "code", llcerrors.CodeOf(err))
		return nil, IngestOutput{}, err
	}

	out = IngestOutput{
		Envelope:   s.envelope(requestID, start, false, report.Issues),
		DocumentID: report.DocumentID,
		Chunks:     report.Chunks,
		Deduped:    report.Deduped,
		Duplicate:  report.Duplicate,
	}
	return nil, out, nil
}

func (s *Server) handleListContainers(ctx context.Context, _ *mcp.CallToolRequest, _ ListContainersInput) (_ *mcp.CallToolResult, out ListContainersOutput, err error) {
	requestID := newRequestID()
	start := time.Now()
	defer s.recoverPanic(requestID, &err)

	containers, err := s.meta.ListContainers(ctx)
	if err != nil {
		return nil, ListContainersOutput{}, err
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		stats, serr := s.meta.GetContainerStats(ctx, c.ID)
		if serr != nil {
			stats = nil
		}
		infos = append(infos, containerInfo(c, stats))
	}
	out = ListContainersOutput{
		Envelope:   s.envelope(requestID, start, false, nil),
		Containers: infos,
	}
	return nil, out, nil
}

func (s *Server) handleDescribeContainer(ctx context.Context, _ *mcp.CallToolRequest, input DescribeContainerInput) (_ *mcp.CallToolResult, out DescribeContainerOutput, err error) {
	requestID := newRequestID()
	start := time.Now()
	defer s.recoverPanic(requestID, &err)

	if input.Container == "" {
		return nil, DescribeContainerOutput{}, llcerrors.New(llcerrors.CodeInvalidParams,
			"container is required")
	}

	c, err := s.meta.GetContainer(ctx, input.Container)
	if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
		c, err = s.meta.GetContainerBySlug(ctx, input.Container)
	}
	if err != nil {
		return nil, DescribeContainerOutput{}, err
	}

	stats, serr := s.meta.GetContainerStats(ctx, c.ID)
	if serr != nil {
		stats = nil
	}

	var children []ContainerInfo
	subtree, err := s.meta.ContainerSubtree(ctx, c.ID)
	if err == nil {
		for _, child := range subtree {
			if child.ID == c.ID {
				continue
			}
			cstats, serr := s.meta.GetContainerStats(ctx, child.ID)
			if serr != nil {
				cstats = nil
			}
			children = append(children, containerInfo(child, cstats))
		}
	}

	out = DescribeContainerOutput{
		Envelope:  s.envelope(requestID, start, false, nil),
		Container: containerInfo(c, stats),
		Children:  children,
		Embedder:  c.Embedder,
		Dims:      c.Dims,
	}
	return nil, out, nil
}

func (s *Server) handleJobStatus(ctx context.Context, _ *mcp.CallToolRequest, input JobStatusInput) (_ *mcp.CallToolResult, out JobStatusOutput, err error) {
	requestID := newRequestID()
	start := time.Now()
	defer s.recoverPanic(requestID, &err)

	if input.JobID == "" {
		return nil, JobStatusOutput{}, llcerrors.New(llcerrors.CodeInvalidParams,
			"job_id is required")
	}

	job, err := s.meta.GetJob(ctx, input.JobID)
	if err != nil {
		return nil, JobStatusOutput{}, err
	}

	events, err := s.meta.JobEvents(ctx, job.ID)
	if err != nil {
		return nil, JobStatusOutput{}, err
	}
	eventInfos := make([]JobEventInfo, 0, len(events))
	for _, e := range events {
		eventInfos = append(eventInfos, JobEventInfo{
			State:  string(e.State),
			Worker: e.Worker,
			Detail: e.Detail,
			At:     e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	out = JobStatusOutput{
		Envelope:  s.envelope(requestID, start, false, nil),
		JobID:     job.ID,
		Kind:      string(job.Kind),
		State:     string(job.State),
		Attempts:  job.Attempts,
		LastError: job.LastError,
		Events:    eventInfos,
	}
	return nil, out, nil
}

// Serve runs the server over stdio until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp server starting", "transport", "stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp server stopped", "error", err)
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}
