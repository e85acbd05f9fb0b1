package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/internal/ui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service health: stores, embedder, and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd)
		},
	}
}

func runStatus(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p := ui.NewPrinter(cmd.OutOrStdout())

	if _, err := os.Stat(filepath.Join(cfg.DataDir, "llc.db")); err != nil {
		p.Errorf("no data directory at %s; run 'llc init' first", cfg.DataDir)
		return errSilent
	}

	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	p.Headerf("llc status")
	p.KV("data_dir", cfg.DataDir)
	p.KV("sparse", cfg.Sparse.Backend)

	containers, err := a.meta.ListContainers(ctx)
	if err != nil {
		return err
	}
	var docs, chunks, bytes int64
	for _, c := range containers {
		if stats, err := a.meta.GetContainerStats(ctx, c.ID); err == nil && stats != nil {
			docs += stats.Documents
			chunks += stats.Chunks
			bytes += stats.Bytes
		}
	}
	p.KV("containers", len(containers))
	p.KV("documents", docs)
	p.KV("chunks", chunks)
	p.KV("bytes", bytes)

	p.Headerf("embedding")
	p.KV("provider", cfg.Embedding.Provider)
	p.KV("model", cfg.Embedding.Model)
	p.KV("dims", cfg.Embedding.Dims)
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.embedder.Available(probeCtx); err != nil {
		p.Warnf("  provider unavailable: %v", err)
	} else {
		p.Successf("  provider reachable")
	}

	p.Headerf("queue")
	for _, state := range []store.JobState{store.JobQueued, store.JobRunning, store.JobDone, store.JobFailed} {
		jobs, err := a.meta.ListJobs(ctx, []store.JobState{state}, 1000)
		if err != nil {
			return err
		}
		p.KV(string(state), len(jobs))
	}

	pending, err := a.meta.ListReconcilePending(ctx, 1000)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		p.Warnf("  %d chunks awaiting vector reconcile", len(pending))
	}
	return nil
}
