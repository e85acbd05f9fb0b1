// Package config loads llc configuration from YAML with environment
// overrides. Precedence: defaults < config file < LLC_* env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete llc configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Rerank    RerankConfig    `yaml:"rerank" json:"rerank"`
	Freshness FreshnessConfig `yaml:"freshness" json:"freshness"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Sparse    SparseConfig    `yaml:"sparse" json:"sparse"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Ingest    IngestConfig    `yaml:"ingest" json:"ingest"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
}

// ServerConfig configures the MCP server process.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"` // stdio
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// SearchConfig configures the hybrid retrieval engine.
type SearchConfig struct {
	// LatencyBudgetMS is the soft per-request deadline. Breaches set
	// partial=true and emit LATENCY_BUDGET_EXCEEDED.
	LatencyBudgetMS int `yaml:"latency_budget_ms" json:"latency_budget_ms"`

	// DefaultTimeoutMS is the hard request timeout when the caller
	// provides none.
	DefaultTimeoutMS int `yaml:"default_timeout_ms" json:"default_timeout_ms"`

	// KRRF is the reciprocal-rank-fusion smoothing constant.
	KRRF int `yaml:"k_rrf" json:"k_rrf"`

	// FanoutK is the per-(container,modality) candidate depth.
	FanoutK int `yaml:"fanout_k" json:"fanout_k"`

	// DedupThreshold is the search-time semantic dedup cosine cutoff.
	// Distinct from the ingest-time threshold; do not unify.
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`

	// SnippetLength is the snippet clip length in characters.
	SnippetLength int `yaml:"snippet_length" json:"snippet_length"`
}

// RerankConfig configures the optional cross-encoder stage.
type RerankConfig struct {
	Enabled              bool   `yaml:"enabled" json:"enabled"`
	Endpoint             string `yaml:"endpoint" json:"endpoint"`
	Provider             string `yaml:"provider" json:"provider"`
	TopKIn               int    `yaml:"top_k_in" json:"top_k_in"`
	TopKOut              int    `yaml:"top_k_out" json:"top_k_out"`
	MinRemainingBudgetMS int    `yaml:"min_remaining_budget_ms" json:"min_remaining_budget_ms"`
	CacheTTLSeconds      int    `yaml:"cache_ttl_s" json:"cache_ttl_s"`
	CacheSize            int    `yaml:"cache_size" json:"cache_size"`
}

// FreshnessConfig configures recency boosting.
type FreshnessConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Lambda  float64 `yaml:"lambda" json:"lambda"`
}

// EmbeddingConfig configures the embedding provider adapter.
type EmbeddingConfig struct {
	// Provider selects the backend: "http" or "static" (offline/tests).
	Provider string `yaml:"provider" json:"provider"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`
	Version  string `yaml:"version" json:"version"`
	Dims     int    `yaml:"dims" json:"dims"`

	// RatePerMin is the shared token-bucket capacity per minute.
	RatePerMin int `yaml:"rate_per_min" json:"rate_per_min"`

	// CacheTTLSeconds is the content-addressed cache TTL (default 7d).
	CacheTTLSeconds int `yaml:"cache_ttl_s" json:"cache_ttl_s"`
}

// SparseConfig selects the BM25 backend.
type SparseConfig struct {
	// Backend is "fts5" (default, concurrent via WAL) or "bleve".
	Backend string `yaml:"backend" json:"backend"`
}

// VectorConfig configures HNSW collections.
type VectorConfig struct {
	HNSW HNSWConfig `yaml:"hnsw" json:"hnsw"`
}

// HNSWConfig holds HNSW graph parameters.
type HNSWConfig struct {
	M           int `yaml:"m" json:"m"`
	EfConstruct int `yaml:"ef_construct" json:"ef_construct"`
	EfSearch    int `yaml:"ef_search" json:"ef_search"`
}

// IngestConfig configures the ingestion pipelines.
type IngestConfig struct {
	// MaxChunkTokens bounds semantic chunks (~600 token fallback window).
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`

	// OverlapPercent is the fixed-chunking overlap (10-15%).
	OverlapPercent int `yaml:"overlap_percent" json:"overlap_percent"`

	// DedupThreshold is the ingest-time semantic dedup cosine cutoff.
	DedupThreshold float64 `yaml:"dedup_threshold" json:"dedup_threshold"`

	// PDFRenderDPI is the page raster resolution.
	PDFRenderDPI int `yaml:"pdf_render_dpi" json:"pdf_render_dpi"`

	// MaxPDFPages caps pages processed per document (0 = unlimited).
	MaxPDFPages int `yaml:"max_pdf_pages" json:"max_pdf_pages"`

	// ThumbMaxEdge bounds image thumbnails in pixels.
	ThumbMaxEdge int `yaml:"thumb_max_edge" json:"thumb_max_edge"`

	// FetchTimeout bounds web/source fetches.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// WorkerConfig configures the job queue worker pool.
type WorkerConfig struct {
	Count                    int `yaml:"count" json:"count"`
	PollIntervalSeconds      int `yaml:"poll_interval_s" json:"poll_interval_s"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_s" json:"heartbeat_interval_s"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_s" json:"visibility_timeout_s"`
	MaxRetries               int `yaml:"max_retries" json:"max_retries"`
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
		Search: SearchConfig{
			LatencyBudgetMS:  900,
			DefaultTimeoutMS: 5000,
			KRRF:             60,
			FanoutK:          100,
			DedupThreshold:   0.92,
			SnippetLength:    320,
		},
		Rerank: RerankConfig{
			Enabled:              false,
			Provider:             "cross-encoder",
			TopKIn:               50,
			TopKOut:              10,
			MinRemainingBudgetMS: 150,
			CacheTTLSeconds:      300,
			CacheSize:            256,
		},
		Freshness: FreshnessConfig{
			Enabled: true,
			Lambda:  0.02,
		},
		Embedding: EmbeddingConfig{
			Provider:        "http",
			Endpoint:        "http://localhost:11434",
			Model:           "nomic-embed-text",
			Version:         "v1",
			Dims:            768,
			RatePerMin:      120,
			CacheTTLSeconds: 604800, // 7 days
		},
		Sparse: SparseConfig{Backend: "fts5"},
		Vector: VectorConfig{
			HNSW: HNSWConfig{M: 32, EfConstruct: 256, EfSearch: 64},
		},
		Ingest: IngestConfig{
			MaxChunkTokens: 600,
			OverlapPercent: 12,
			DedupThreshold: 0.96,
			PDFRenderDPI:   150,
			MaxPDFPages:    0,
			ThumbMaxEdge:   2048,
			FetchTimeout:   30 * time.Second,
		},
		Worker: WorkerConfig{
			Count:                    2,
			PollIntervalSeconds:      5,
			HeartbeatIntervalSeconds: 30,
			VisibilityTimeoutSeconds: 900,
			MaxRetries:               3,
		},
	}
}

// Load reads configuration from path (if it exists), applies env
// overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path in YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Search.LatencyBudgetMS <= 0 {
		return fmt.Errorf("search.latency_budget_ms must be positive, got %d", c.Search.LatencyBudgetMS)
	}
	if c.Search.DedupThreshold < 0 || c.Search.DedupThreshold > 1 {
		return fmt.Errorf("search.dedup_threshold must be in [0,1], got %f", c.Search.DedupThreshold)
	}
	if c.Ingest.DedupThreshold < 0 || c.Ingest.DedupThreshold > 1 {
		return fmt.Errorf("ingest.dedup_threshold must be in [0,1], got %f", c.Ingest.DedupThreshold)
	}
	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("embedding.dims must be positive, got %d", c.Embedding.Dims)
	}
	if c.Embedding.RatePerMin <= 0 {
		return fmt.Errorf("embedding.rate_per_min must be positive, got %d", c.Embedding.RatePerMin)
	}
	switch c.Sparse.Backend {
	case "fts5", "bleve":
	default:
		return fmt.Errorf("sparse.backend must be fts5 or bleve, got %q", c.Sparse.Backend)
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0, got %d", c.Worker.MaxRetries)
	}
	if c.Ingest.OverlapPercent < 0 || c.Ingest.OverlapPercent > 50 {
		return fmt.Errorf("ingest.overlap_percent must be in [0,50], got %d", c.Ingest.OverlapPercent)
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
}

// VisibilityTimeout returns the claim visibility window as a duration.
func (w WorkerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(w.VisibilityTimeoutSeconds) * time.Second
}

// applyEnv overrides select fields from LLC_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LLC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LLC_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("LLC_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("LLC_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("LLC_SPARSE_BACKEND"); v != "" {
		c.Sparse.Backend = v
	}
	if v, err := strconv.Atoi(os.Getenv("LLC_LATENCY_BUDGET_MS")); err == nil && v > 0 {
		c.Search.LatencyBudgetMS = v
	}
	if v, err := strconv.Atoi(os.Getenv("LLC_WORKER_COUNT")); err == nil && v > 0 {
		c.Worker.Count = v
	}
	if v := os.Getenv("LLC_RERANK_ENABLED"); v != "" {
		c.Rerank.Enabled = v == "1" || v == "true"
	}
}

// DefaultConfigPath returns the default config file location inside the
// data dir.
func DefaultConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llc"
	}
	return filepath.Join(home, ".llc")
}
