package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 900, cfg.Search.LatencyBudgetMS)
	assert.Equal(t, 60, cfg.Search.KRRF)
	assert.Equal(t, 320, cfg.Search.SnippetLength)

	// Search-time and ingest-time dedup are separate knobs.
	assert.Equal(t, 0.92, cfg.Search.DedupThreshold)
	assert.Equal(t, 0.96, cfg.Ingest.DedupThreshold)

	assert.Equal(t, 50, cfg.Rerank.TopKIn)
	assert.Equal(t, 10, cfg.Rerank.TopKOut)
	assert.Equal(t, 150, cfg.Rerank.MinRemainingBudgetMS)
	assert.Equal(t, 300, cfg.Rerank.CacheTTLSeconds)
	assert.Equal(t, 256, cfg.Rerank.CacheSize)

	assert.Equal(t, 0.02, cfg.Freshness.Lambda)
	assert.Equal(t, 120, cfg.Embedding.RatePerMin)
	assert.Equal(t, 604800, cfg.Embedding.CacheTTLSeconds)

	assert.Equal(t, 32, cfg.Vector.HNSW.M)
	assert.Equal(t, 256, cfg.Vector.HNSW.EfConstruct)
	assert.Equal(t, 64, cfg.Vector.HNSW.EfSearch)

	assert.Equal(t, 5, cfg.Worker.PollIntervalSeconds)
	assert.Equal(t, 30, cfg.Worker.HeartbeatIntervalSeconds)
	assert.Equal(t, 900, cfg.Worker.VisibilityTimeoutSeconds)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)

	assert.Equal(t, "fts5", cfg.Sparse.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
search:
  latency_budget_ms: 1500
sparse:
  backend: bleve
worker:
  count: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1500, cfg.Search.LatencyBudgetMS)
	assert.Equal(t, "bleve", cfg.Sparse.Backend)
	assert.Equal(t, 4, cfg.Worker.Count)
	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Rerank.TopKIn)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.Search.LatencyBudgetMS)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sparse:\n  backend: fts5\n"), 0o644))

	t.Setenv("LLC_SPARSE_BACKEND", "bleve")
	t.Setenv("LLC_LATENCY_BUDGET_MS", "1200")
	t.Setenv("LLC_RERANK_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bleve", cfg.Sparse.Backend)
	assert.Equal(t, 1200, cfg.Search.LatencyBudgetMS)
	assert.True(t, cfg.Rerank.Enabled)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero budget", func(c *Config) { c.Search.LatencyBudgetMS = 0 }},
		{"dedup above one", func(c *Config) { c.Search.DedupThreshold = 1.5 }},
		{"unknown sparse backend", func(c *Config) { c.Sparse.Backend = "lucene" }},
		{"negative retries", func(c *Config) { c.Worker.MaxRetries = -1 }},
		{"zero dims", func(c *Config) { c.Embedding.Dims = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSave_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := NewConfig()
	cfg.Search.LatencyBudgetMS = 777
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 777, loaded.Search.LatencyBudgetMS)
}

func TestWorkerConfig_Durations(t *testing.T) {
	w := NewConfig().Worker
	assert.Equal(t, "5s", w.PollInterval().String())
	assert.Equal(t, "30s", w.HeartbeatInterval().String())
	assert.Equal(t, "15m0s", w.VisibilityTimeout().String())
}
