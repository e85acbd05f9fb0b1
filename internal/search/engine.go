package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/latentlabs/llc/internal/config"
	"github.com/latentlabs/llc/internal/embed"
	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/rerank"
	"github.com/latentlabs/llc/internal/store"
)

// Options are the engine knobs.
type Options struct {
	LatencyBudgetMS      int
	DefaultTimeoutMS     int
	KRRF                 int
	FanoutK              int
	DedupThreshold       float64
	SnippetLength        int
	FreshnessEnabled     bool
	FreshnessLambda      float64
	RerankTopKIn         int
	RerankTopKOut        int
	RerankMinRemainingMS int
}

// OptionsFromConfig maps the configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LatencyBudgetMS:      cfg.Search.LatencyBudgetMS,
		DefaultTimeoutMS:     cfg.Search.DefaultTimeoutMS,
		KRRF:                 cfg.Search.KRRF,
		FanoutK:              cfg.Search.FanoutK,
		DedupThreshold:       cfg.Search.DedupThreshold,
		SnippetLength:        cfg.Search.SnippetLength,
		FreshnessEnabled:     cfg.Freshness.Enabled,
		FreshnessLambda:      cfg.Freshness.Lambda,
		RerankTopKIn:         cfg.Rerank.TopKIn,
		RerankTopKOut:        cfg.Rerank.TopKOut,
		RerankMinRemainingMS: cfg.Rerank.MinRemainingBudgetMS,
	}
}

// Engine runs hybrid retrieval over the stores.
type Engine struct {
	meta     store.RelationalStore
	sparse   store.SparseIndex
	vectors  store.VectorIndex
	embedder *embed.CachedEmbedder
	reranker rerank.Reranker
	opts     Options
	logger   *slog.Logger
}

// NewEngine wires the engine. reranker may be nil, disabling the stage.
func NewEngine(meta store.RelationalStore, sparse store.SparseIndex, vectors store.VectorIndex, embedder *embed.CachedEmbedder, reranker rerank.Reranker, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KRRF <= 0 {
		opts.KRRF = DefaultKRRF
	}
	if opts.FanoutK <= 0 {
		opts.FanoutK = 100
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = DefaultSnippetLength
	}
	if opts.RerankTopKIn <= 0 {
		opts.RerankTopKIn = 50
	}
	if opts.RerankTopKOut <= 0 {
		opts.RerankTopKOut = 10
	}
	if opts.RerankMinRemainingMS <= 0 {
		opts.RerankMinRemainingMS = 150
	}
	return &Engine{
		meta:     meta,
		sparse:   sparse,
		vectors:  vectors,
		embedder: embedder,
		reranker: reranker,
		opts:     opts,
		logger:   logger,
	}
}

// laneResult holds one (container, modality) fan-out outcome.
type laneResult struct {
	containerID string
	modality    store.Modality
	dense       []store.VectorHit
	sparse      []store.SparseHit
	denseErr    error
	sparseErr   error
	denseRan    bool
	sparseRan   bool
}

// Search executes a request. Errors are returned only for invalid
// input or unknown containers; everything else degrades into issues.
func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if err := e.validate(req); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if req.TimeoutMS <= 0 {
		timeout = time.Duration(e.opts.DefaultTimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containers, err := e.resolveContainers(ctx, req.ContainerIDs)
	if err != nil {
		return nil, err
	}
	policies := make(map[string]store.ContainerPolicy, len(containers))
	showDiag := req.Diagnostics
	for _, c := range containers {
		policies[c.ID] = c.Policy
		if c.Policy.Diagnostics {
			showDiag = true
		}
	}

	budget := time.Duration(e.opts.LatencyBudgetMS) * time.Millisecond
	diag := newDiagnostics(req, e.opts)
	resp := &Response{}
	effectiveMode := req.Mode

	// Embedding stage.
	var queryVec []float32
	if effectiveMode.usesDense() {
		diag.Stages[StageEmbedding] = StateRunning
		embedStart := time.Now()
		queryVec, effectiveMode = e.embedQuery(ctx, req, effectiveMode, resp)
		diag.Timings.EmbedMS = time.Since(embedStart).Milliseconds()
		diag.Stages[StageEmbedding] = StateDone
	} else {
		diag.Stages[StageEmbedding] = StateSkipped
	}
	diag.EffectiveMode = effectiveMode

	// Candidate fan-out.
	diag.Stages[StageFanout] = StateRunning
	lanes, denseElapsed, sparseElapsed := e.fanout(ctx, start, budget, containers, req, effectiveMode, queryVec)
	diag.Timings.VectorMS = denseElapsed.Milliseconds()
	diag.Timings.BM25MS = sparseElapsed.Milliseconds()
	if ctx.Err() != nil {
		diag.Stages[StageFanout] = StateTimeout
	} else {
		diag.Stages[StageFanout] = StateDone
	}

	e.summarizeLanes(lanes, containers, resp, diag)

	// Both lanes dead: empty partial response per policy.
	if lanesAllFailed(lanes) && lanesRan(lanes) {
		resp.Partial = true
		resp.Results = []Result{}
		e.finish(ctx, requestID, req, resp, diag, start, showDiag)
		return resp, nil
	}

	// Batch-load chunk metadata for tie-breaks, freshness, dedup, and
	// snippets.
	chunks, err := e.meta.GetChunks(ctx, collectChunkIDs(lanes))
	if err != nil {
		addIssue(resp, llcerrors.Wrap(llcerrors.CodeStoreUnavailable, err))
		chunks = map[string]*store.Chunk{}
	}
	dropDeleted(lanes, chunks)

	// Per-collection fusion, freshness, cross-container merge.
	diag.Stages[StageFusion] = StateRunning
	fusionStart := time.Now()
	var lists [][]*candidate
	for _, lane := range lanes {
		fused := fuse(lane.containerID, lane.dense, lane.sparse, e.opts.KRRF, chunks)
		if e.opts.FreshnessEnabled {
			lambda := e.opts.FreshnessLambda
			if p := policies[lane.containerID]; p.FreshnessLambda > 0 {
				lambda = p.FreshnessLambda
			}
			applyFreshness(fused, lambda)
		}
		lists = append(lists, fused)
	}
	preRerank := max(e.opts.RerankTopKIn, req.K)
	merged := mergeCandidates(lists, preRerank)
	diag.Timings.FusionMS = time.Since(fusionStart).Milliseconds()
	diag.Stages[StageFusion] = StateDone

	// Optional rerank.
	merged = e.maybeRerank(ctx, req, effectiveMode, merged, start, budget, resp, diag)

	// Semantic dedup.
	diag.Stages[StageDedup] = StateRunning
	dedupStart := time.Now()
	merged, drops := e.dedup(ctx, merged, chunks)
	diag.DedupDrops = drops
	diag.Timings.DedupMS = time.Since(dedupStart).Milliseconds()
	diag.Stages[StageDedup] = StateDone

	resp.TotalHits = len(merged)
	if len(merged) > req.K {
		merged = merged[:req.K]
	}

	// Snippets and provenance.
	diag.Stages[StageSnippet] = StateRunning
	resp.Results = e.assembleResults(ctx, merged, chunks, policies)
	resp.Returned = len(resp.Results)
	diag.Stages[StageSnippet] = StateDone

	if resp.Returned == 0 && !resp.Partial {
		addIssue(resp, llcerrors.New(llcerrors.CodeNoHits, "no results matched the query").
			WithRemediation("broaden the query or relax filters"))
	}

	e.finish(ctx, requestID, req, resp, diag, start, showDiag)
	return resp, nil
}

func (e *Engine) validate(req *Request) error {
	if req.K == 0 {
		req.K = 10
	}
	if req.K < 1 || req.K > 50 {
		return llcerrors.Newf(llcerrors.CodeInvalidParams, "k must be in [1,50], got %d", req.K)
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if !ValidMode(req.Mode) {
		return llcerrors.Newf(llcerrors.CodeInvalidParams, "unknown mode %q", req.Mode)
	}
	if req.Query == "" && len(req.QueryImage) == 0 {
		return llcerrors.New(llcerrors.CodeInvalidParams, "one of query or query_image is required")
	}
	if len(req.ContainerIDs) == 0 {
		return llcerrors.New(llcerrors.CodeInvalidParams, "at least one container is required")
	}
	if req.Mode == ModeBM25 && req.Query == "" {
		return llcerrors.New(llcerrors.CodeInvalidParams, "bm25 mode requires a text query")
	}
	return nil
}

// resolveContainers looks up each id (or slug) and expands subtrees.
// Archived containers are silently excluded.
func (e *Engine) resolveContainers(ctx context.Context, ids []string) ([]*store.Container, error) {
	seen := map[string]bool{}
	var out []*store.Container
	for _, id := range ids {
		c, err := e.meta.GetContainer(ctx, id)
		if err != nil {
			if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
				c, err = e.meta.GetContainerBySlug(ctx, id)
			}
			if err != nil {
				return nil, err
			}
		}
		subtree, err := e.meta.ContainerSubtree(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, sc := range subtree {
			if sc.State == store.ContainerArchived || seen[sc.ID] {
				continue
			}
			seen[sc.ID] = true
			out = append(out, sc)
		}
	}
	return out, nil
}

// embedQuery embeds the query text or image. Failure degrades the
// request to sparse-only with VECTOR_SKIPPED.
func (e *Engine) embedQuery(ctx context.Context, req *Request, mode Mode, resp *Response) ([]float32, Mode) {
	var res *embed.Result
	var err error
	if req.Query != "" {
		res, err = e.embedder.EmbedTexts(ctx, store.ModalityText, []string{req.Query})
	} else {
		res, err = e.embedder.EmbedContent(ctx, store.ModalityImage, req.QueryImage)
	}
	if err != nil {
		addIssue(resp, llcerrors.Wrap(llcerrors.CodeVectorSkipped, err).
			WithRemediation("dense retrieval skipped; check the embedding provider"))
		return nil, ModeBM25
	}
	if res.Stale {
		addIssue(resp, llcerrors.New(llcerrors.CodeStaleEmbedding,
			"query embedded with a cached vector from a prior embedder version"))
	}
	return res.Vectors[0], mode
}

// fanout issues concurrent per-(container, modality) lane calls, each
// bounded by the remaining latency budget. The returned durations are
// the slowest dense and sparse calls, since lanes of a type overlap.
func (e *Engine) fanout(ctx context.Context, start time.Time, budget time.Duration, containers []*store.Container, req *Request, mode Mode, queryVec []float32) ([]*laneResult, time.Duration, time.Duration) {
	remaining := budget - time.Since(start)
	if remaining < 50*time.Millisecond {
		remaining = 50 * time.Millisecond
	}
	fanCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	var mu sync.Mutex
	var lanes []*laneResult
	var denseElapsed, sparseElapsed time.Duration
	g, gctx := errgroup.WithContext(fanCtx)
	g.SetLimit(16)

	for _, c := range containers {
		for _, m := range e.lanesFor(c, req, mode) {
			lane := &laneResult{containerID: c.ID, modality: m}
			mu.Lock()
			lanes = append(lanes, lane)
			mu.Unlock()

			runDense := mode.usesDense() && queryVec != nil && denseLaneAllowed(m, req, mode)
			runSparse := mode.usesSparse() && req.Query != "" && m != store.ModalityImage

			if runDense {
				lane.denseRan = true
				g.Go(func() error {
					callStart := time.Now()
					hits, err := e.vectors.Search(gctx, lane.containerID, lane.modality, queryVec, e.opts.FanoutK)
					took := time.Since(callStart)
					mu.Lock()
					lane.dense, lane.denseErr = hits, err
					if took > denseElapsed {
						denseElapsed = took
					}
					mu.Unlock()
					return nil
				})
			}
			if runSparse {
				lane.sparseRan = true
				g.Go(func() error {
					callStart := time.Now()
					hits, err := e.sparse.Search(gctx, lane.containerID, lane.modality, req.Query, e.opts.FanoutK)
					took := time.Since(callStart)
					mu.Lock()
					lane.sparse, lane.sparseErr = hits, err
					if took > sparseElapsed {
						sparseElapsed = took
					}
					mu.Unlock()
					return nil
				})
			}
		}
	}
	_ = g.Wait()
	return lanes, denseElapsed, sparseElapsed
}

// lanesFor returns the modalities to search for one container,
// honoring the container policy and any modality filter.
func (e *Engine) lanesFor(c *store.Container, req *Request, mode Mode) []store.Modality {
	all := c.Modalities
	if len(all) == 0 {
		all = []store.Modality{store.ModalityText, store.ModalityPDF, store.ModalityImage, store.ModalityWeb}
	}
	filter := store.Modality(req.Filters["modality"])

	var out []store.Modality
	for _, m := range all {
		if filter != "" && m != filter {
			continue
		}
		out = append(out, m)
	}
	return out
}

// denseLaneAllowed gates dense retrieval per modality: a text query
// only reaches image collections in crossmodal mode, and an image
// query only reaches text collections in crossmodal mode.
func denseLaneAllowed(m store.Modality, req *Request, mode Mode) bool {
	if mode == ModeCrossmodal {
		return true
	}
	if req.Query != "" {
		return m != store.ModalityImage
	}
	return m == store.ModalityImage
}

// summarizeLanes converts lane errors into issues and per-container
// health.
func (e *Engine) summarizeLanes(lanes []*laneResult, containers []*store.Container, resp *Response, diag *Diagnostics) {
	perContainer := map[string][2]int{} // [failed, ran]
	var vectorDown, bm25Down, timedOut bool

	for _, l := range lanes {
		failed, ran := 0, 0
		if l.denseRan {
			ran++
			if l.denseErr != nil {
				failed++
				if llcerrors.Is(l.denseErr, context.DeadlineExceeded) {
					timedOut = true
				} else {
					vectorDown = true
				}
			}
		}
		if l.sparseRan {
			ran++
			if l.sparseErr != nil {
				failed++
				if llcerrors.Is(l.sparseErr, context.DeadlineExceeded) {
					timedOut = true
				} else {
					bm25Down = true
				}
			}
		}
		agg := perContainer[l.containerID]
		perContainer[l.containerID] = [2]int{agg[0] + failed, agg[1] + ran}
		diag.VectorHits += len(l.dense)
		diag.BM25Hits += len(l.sparse)
	}

	for _, c := range containers {
		agg := perContainer[c.ID]
		switch {
		case agg[1] == 0 || agg[0] == 0:
			diag.ContainerStatus[c.ID] = ContainerHealthy
		case agg[0] == agg[1]:
			diag.ContainerStatus[c.ID] = ContainerOffline
		default:
			diag.ContainerStatus[c.ID] = ContainerDegraded
		}
	}

	if vectorDown {
		addIssue(resp, llcerrors.New(llcerrors.CodeVectorDown, "dense retrieval failed"))
		resp.Partial = true
	}
	if bm25Down {
		addIssue(resp, llcerrors.New(llcerrors.CodeBM25Down, "sparse retrieval failed"))
		resp.Partial = true
	}
	if timedOut {
		addIssue(resp, llcerrors.New(llcerrors.CodeTimeout, "fan-out deadline expired; partial candidates used"))
		resp.Partial = true
	}
}

func lanesAllFailed(lanes []*laneResult) bool {
	for _, l := range lanes {
		if l.denseRan && l.denseErr == nil {
			return false
		}
		if l.sparseRan && l.sparseErr == nil {
			return false
		}
	}
	return true
}

func lanesRan(lanes []*laneResult) bool {
	for _, l := range lanes {
		if l.denseRan || l.sparseRan {
			return true
		}
	}
	return false
}

func collectChunkIDs(lanes []*laneResult) []string {
	seen := map[string]bool{}
	var ids []string
	for _, l := range lanes {
		for _, h := range l.dense {
			if !seen[h.ChunkID] {
				seen[h.ChunkID] = true
				ids = append(ids, h.ChunkID)
			}
		}
		for _, h := range l.sparse {
			if !seen[h.ChunkID] {
				seen[h.ChunkID] = true
				ids = append(ids, h.ChunkID)
			}
		}
	}
	return ids
}

// dropDeleted removes hits whose chunk rows are tombstoned or missing.
func dropDeleted(lanes []*laneResult, chunks map[string]*store.Chunk) {
	alive := func(id string) bool {
		c, ok := chunks[id]
		return ok && !c.Deleted
	}
	for _, l := range lanes {
		dense := l.dense[:0]
		for _, h := range l.dense {
			if alive(h.ChunkID) {
				dense = append(dense, h)
			}
		}
		l.dense = dense
		sparse := l.sparse[:0]
		for _, h := range l.sparse {
			if alive(h.ChunkID) {
				sparse = append(sparse, h)
			}
		}
		l.sparse = sparse
	}
}

// applyFreshness boosts scores by recency:
// score *= 1 + exp(-lambda * age_days).
func applyFreshness(fused []*candidate, lambda float64) {
	now := time.Now()
	for _, c := range fused {
		at := ingestedAt(c)
		if at.IsZero() {
			continue
		}
		ageDays := now.Sub(at).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		c.freshness = math.Exp(-lambda * ageDays)
		c.score *= 1 + c.freshness
	}
}

// maybeRerank runs the budget-guarded cross-encoder stage. Candidates
// without text keep their fused positions; any failure keeps the fused
// ordering entirely.
func (e *Engine) maybeRerank(ctx context.Context, req *Request, mode Mode, merged []*candidate, start time.Time, budget time.Duration, resp *Response, diag *Diagnostics) []*candidate {
	wantRerank := (req.Rerank || req.Mode == ModeRerank) && e.reranker != nil
	if !wantRerank || mode == ModeBM25 {
		diag.Stages[StageRerank] = StateSkipped
		return merged
	}
	if req.Query == "" {
		addIssue(resp, llcerrors.New(llcerrors.CodeRerankSkippedNoText,
			"rerank requires a text query"))
		diag.Stages[StageRerank] = StateSkipped
		return merged
	}

	remaining := budget - time.Since(start)
	if remaining < time.Duration(e.opts.RerankMinRemainingMS)*time.Millisecond {
		addIssue(resp, llcerrors.New(llcerrors.CodeRerankSkippedBudget,
			"remaining latency budget too small for rerank"))
		diag.Stages[StageRerank] = StateSkipped
		return merged
	}

	diag.Stages[StageRerank] = StateRunning
	rerankStart := time.Now()
	defer func() {
		diag.Timings.RerankMS = time.Since(rerankStart).Milliseconds()
	}()

	head := merged
	if len(head) > e.opts.RerankTopKIn {
		head = head[:e.opts.RerankTopKIn]
	}

	var input []rerank.Candidate
	textless := 0
	for _, c := range head {
		if c.chunk == nil || c.chunk.Content == "" {
			textless++
			continue
		}
		input = append(input, rerank.Candidate{ChunkID: c.chunkID, Text: c.chunk.Content, Score: c.score})
	}
	if textless > 0 {
		addIssue(resp, llcerrors.Newf(llcerrors.CodeRerankSkippedNoText,
			"%d candidates without text kept their fused positions", textless))
	}
	if len(input) == 0 {
		diag.Stages[StageRerank] = StateSkipped
		return merged
	}

	// Safety margin so a slow provider cannot eat the whole budget.
	deadline := remaining - 50*time.Millisecond
	rctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	reranked, err := e.reranker.Rerank(rctx, req.Query, input, len(input))
	if err != nil {
		code := llcerrors.CodeOf(err)
		if code != llcerrors.CodeRerankTimeout && code != llcerrors.CodeRerankUnavailable {
			code = llcerrors.CodeRerankUnavailable
		}
		addIssue(resp, llcerrors.New(code, "rerank failed; fused ordering kept"))
		diag.Stages[StageRerank] = StateDone
		return merged
	}

	// Rebuild the head: textful slots take the reranked order, slots
	// without text stay put. A provider may return fewer candidates
	// than it was given; anything it dropped keeps its fused order
	// after the reranked ones.
	byID := map[string]*candidate{}
	for _, c := range head {
		byID[c.chunkID] = c
	}
	used := map[string]bool{}
	order := make([]*candidate, 0, len(reranked))
	for _, rc := range reranked {
		c, ok := byID[rc.ChunkID]
		if !ok || used[rc.ChunkID] {
			continue
		}
		used[rc.ChunkID] = true
		c.rerankScore = rc.Score
		c.reranked = true
		order = append(order, c)
	}
	for _, c := range head {
		if c.chunk == nil || c.chunk.Content == "" || used[c.chunkID] {
			continue
		}
		used[c.chunkID] = true
		order = append(order, c)
	}
	next := 0
	out := make([]*candidate, 0, len(merged))
	for _, c := range head {
		if c.chunk == nil || c.chunk.Content == "" {
			out = append(out, c)
			continue
		}
		out = append(out, order[next])
		next++
	}
	out = append(out, merged[len(head):]...)
	diag.Stages[StageRerank] = StateDone
	return out
}

// dedup drops results whose embedding is near-identical to an earlier
// keeper. Results without a retrievable vector are kept.
func (e *Engine) dedup(ctx context.Context, merged []*candidate, chunks map[string]*store.Chunk) ([]*candidate, int) {
	if e.opts.DedupThreshold <= 0 {
		return merged, 0
	}
	type kept struct {
		vec []float32
	}
	var keepers []kept
	out := merged[:0]
	drops := 0

	for _, c := range merged {
		vec := e.vectorFor(ctx, c, chunks)
		if vec == nil {
			out = append(out, c)
			continue
		}
		dup := false
		for _, k := range keepers {
			if cosine(vec, k.vec) >= e.opts.DedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			drops++
			continue
		}
		keepers = append(keepers, kept{vec: vec})
		out = append(out, c)
	}
	return out, drops
}

// vectorFor fetches a candidate's vector from the vector store, then
// the embedding cache.
func (e *Engine) vectorFor(ctx context.Context, c *candidate, chunks map[string]*store.Chunk) []float32 {
	chunk := chunks[c.chunkID]
	if chunk == nil {
		return nil
	}
	if vec, ok := e.vectors.Vector(ctx, chunk.ContainerID, chunk.Modality, c.chunkID); ok {
		return vec
	}
	if vec, ok := e.embedder.VectorForHash(ctx, chunk.ContentHash, chunk.Modality); ok {
		return vec
	}
	return nil
}

// assembleResults builds the final result list with snippets and
// provenance, formatting through the container's snippet template when
// one is configured.
func (e *Engine) assembleResults(ctx context.Context, merged []*candidate, chunks map[string]*store.Chunk, policies map[string]store.ContainerPolicy) []Result {
	titles := map[string]string{}
	results := make([]Result, 0, len(merged))

	for i, c := range merged {
		chunk := chunks[c.chunkID]
		if chunk == nil {
			continue
		}
		title, ok := titles[chunk.DocumentID]
		if !ok {
			if doc, err := e.meta.GetDocument(ctx, chunk.DocumentID); err == nil {
				title = doc.Title
			}
			titles[chunk.DocumentID] = title
		}

		snippet := makeSnippet(chunk.Content, e.opts.SnippetLength)
		if tmpl := policies[chunk.ContainerID].SnippetTemplate; tmpl != "" {
			snippet = applyTemplate(tmpl, title, snippet, chunk.SourceURI)
		}

		r := Result{
			ChunkID:     c.chunkID,
			DocID:       chunk.DocumentID,
			ContainerID: chunk.ContainerID,
			Title:       title,
			Snippet:     snippet,
			URI:         chunk.SourceURI,
			Score:       c.score,
			Freshness:   c.freshness,
			Modality:    chunk.Modality,
			StageScores: StageScores{
				Vector:     c.vectorScore,
				BM25:       c.bm25Score,
				FusionRank: i + 1,
				Rerank:     c.rerankScore,
			},
			Provenance: Provenance{
				SourceURI:  chunk.SourceURI,
				Page:       chunk.Page,
				StartByte:  chunk.StartByte,
				EndByte:    chunk.EndByte,
				IngestedAt: chunk.IngestedAt,
			},
		}
		if chunk.DedupOf != "" {
			r.Meta = map[string]any{"dedup_of": chunk.DedupOf}
		}
		results = append(results, r)
	}
	return results
}

// finish applies the budget policy and persists the diagnostics record.
// showDiag includes the block in the response; persistence happens
// regardless.
func (e *Engine) finish(ctx context.Context, requestID string, req *Request, resp *Response, diag *Diagnostics, start time.Time, showDiag bool) {
	diag.Timings.TotalMS = time.Since(start).Milliseconds()
	diag.LatencyOverBudgetMS = diag.Timings.TotalMS - int64(e.opts.LatencyBudgetMS)
	if diag.LatencyOverBudgetMS < 0 {
		diag.LatencyOverBudgetMS = 0
	}
	if diag.LatencyOverBudgetMS > 0 {
		resp.Partial = true
		addIssue(resp, llcerrors.Newf(llcerrors.CodeLatencyBudgetExceeded,
			"request took %dms against a %dms budget", diag.Timings.TotalMS, e.opts.LatencyBudgetMS))
	}
	if showDiag {
		resp.Diagnostics = diag
	}

	payload, err := json.Marshal(diag)
	if err == nil {
		// Best-effort: diagnostics persistence must not fail a search.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := e.meta.SaveDiagnostics(saveCtx, &store.DiagnosticsRecord{
			RequestID: requestID,
			Query:     req.Query,
			Payload:   payload,
			Partial:   resp.Partial,
			TookMS:    diag.Timings.TotalMS,
		}); err != nil {
			e.logger.Warn("diagnostics persistence failed", "error", err)
		}
	}

	e.logger.Debug("search completed",
		"request_id", requestID,
		"mode", diag.EffectiveMode,
		"returned", resp.Returned,
		"partial", resp.Partial,
		"total_ms", diag.Timings.TotalMS)
}

func newDiagnostics(req *Request, opts Options) *Diagnostics {
	return &Diagnostics{
		Mode:            req.Mode,
		EffectiveMode:   req.Mode,
		LatencyBudgetMS: opts.LatencyBudgetMS,
		AppliedFilters:  req.Filters,
		ContainerStatus: map[string]ContainerStatus{},
		Stages: map[string]string{
			StageEmbedding: StatePending,
			StageFanout:    StatePending,
			StageFusion:    StatePending,
			StageRerank:    StatePending,
			StageDedup:     StatePending,
			StageSnippet:   StatePending,
		},
	}
}

func addIssue(resp *Response, issue *llcerrors.Issue) {
	for _, existing := range resp.Issues {
		if existing.Code == issue.Code {
			return
		}
	}
	resp.Issues = append(resp.Issues, issue)
}

// cosine computes cosine similarity without assuming normalization.
func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
