package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/latentlabs/llc/internal/config"
	"github.com/latentlabs/llc/internal/embed"
	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/logging"
	"github.com/latentlabs/llc/internal/rerank"
	"github.com/latentlabs/llc/internal/search"
	"github.com/latentlabs/llc/internal/store"
)

// app bundles the wired service components for a command invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	meta       *store.SQLiteStore
	sparse     store.SparseIndex
	vectors    *store.HNSWManager
	blobs      *store.FSBlobStore
	embedder   *embed.CachedEmbedder
	reranker   rerank.Reranker
	engine     *search.Engine
	ingestor   *ingest.Ingestor
	reconciler *ingest.Reconciler
	lock       *store.DataLock

	cleanups []func()
}

type appOptions struct {
	// lockData guards the data dir against concurrent writer processes.
	lockData bool
	// logToStderr mirrors logs for interactive commands.
	logToStderr bool
}

// openApp wires every component from the resolved config.
func openApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	logCfg := logging.DefaultConfig(cfg.DataDir)
	logCfg.Level = cfg.Server.LogLevel
	logCfg.WriteToStderr = opts.logToStderr
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	slog.SetDefault(logger)
	a.logger = logger
	a.cleanups = append(a.cleanups, logCleanup)

	if opts.lockData {
		lock, err := store.NewDataLock(cfg.DataDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := lock.Acquire(); err != nil {
			a.Close()
			return nil, err
		}
		a.lock = lock
		a.cleanups = append(a.cleanups, func() { _ = lock.Release() })
	}

	meta, err := store.NewSQLiteStore(store.DefaultSQLiteConfig(filepath.Join(cfg.DataDir, "llc.db")))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	a.meta = meta
	a.cleanups = append(a.cleanups, func() { _ = meta.Close() })

	switch cfg.Sparse.Backend {
	case "bleve":
		bleve, err := store.NewBleveIndex(filepath.Join(cfg.DataDir, "bleve"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open sparse index: %w", err)
		}
		a.sparse = bleve
		a.cleanups = append(a.cleanups, func() { _ = bleve.Close() })
	default:
		a.sparse = store.NewFTS5Index(meta)
	}

	vectors, err := store.NewHNSWManager(filepath.Join(cfg.DataDir, "vectors"), store.HNSWParams{
		M:           cfg.Vector.HNSW.M,
		EfConstruct: cfg.Vector.HNSW.EfConstruct,
		EfSearch:    cfg.Vector.HNSW.EfSearch,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	a.vectors = vectors
	a.cleanups = append(a.cleanups, func() { _ = vectors.Close() })

	blobs, err := store.NewFSBlobStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = blobs

	var provider embed.Embedder
	switch cfg.Embedding.Provider {
	case "static":
		provider = embed.NewStaticEmbedder(cfg.Embedding.Dims, cfg.Embedding.Version)
	default:
		provider = embed.NewHTTPEmbedder(embed.HTTPConfig{
			Endpoint:   cfg.Embedding.Endpoint,
			Model:      cfg.Embedding.Model,
			Version:    cfg.Embedding.Version,
			Dims:       cfg.Embedding.Dims,
			RatePerMin: cfg.Embedding.RatePerMin,
		})
	}
	embedder, err := embed.NewCachedEmbedder(provider, meta,
		time.Duration(cfg.Embedding.CacheTTLSeconds)*time.Second, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("set up embedder: %w", err)
	}
	a.embedder = embedder
	a.cleanups = append(a.cleanups, func() { _ = embedder.Close() })

	if cfg.Rerank.Enabled && cfg.Rerank.Endpoint != "" {
		http := rerank.NewHTTPReranker(rerank.HTTPConfig{
			Endpoint: cfg.Rerank.Endpoint,
			Provider: cfg.Rerank.Provider,
		})
		a.reranker = rerank.NewCachedReranker(http, cfg.Rerank.CacheSize,
			time.Duration(cfg.Rerank.CacheTTLSeconds)*time.Second)
	}

	a.engine = search.NewEngine(meta, a.sparse, vectors, embedder, a.reranker,
		search.OptionsFromConfig(cfg), logger)

	chunker := ingest.ChunkerConfig{
		MaxTokens:      cfg.Ingest.MaxChunkTokens,
		OverlapPercent: cfg.Ingest.OverlapPercent,
	}
	registry := ingest.NewRegistry(
		ingest.NewTextPipeline(chunker),
		ingest.NewWebPipeline(chunker),
		ingest.NewPDFPipeline(ingest.PDFConfig{
			Chunker:        chunker,
			RenderDPI:      cfg.Ingest.PDFRenderDPI,
			MaxPages:       cfg.Ingest.MaxPDFPages,
			EmitPageImages: true,
		}),
		ingest.NewImagePipeline(ingest.ImageConfig{ThumbMaxEdge: cfg.Ingest.ThumbMaxEdge}),
	)
	a.ingestor = ingest.NewIngestor(meta, a.sparse, vectors, blobs, embedder, registry,
		ingest.IngestorConfig{
			DedupThreshold: cfg.Ingest.DedupThreshold,
			FetchTimeout:   cfg.Ingest.FetchTimeout,
		}, logger)
	a.reconciler = ingest.NewReconciler(meta, vectors, blobs, embedder, logger)

	return a, nil
}

// Close releases resources in reverse wiring order.
func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
