package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/store"
)

// Reaper requeues jobs whose claims expired without a heartbeat and
// periodically runs the vector reconcile sweep.
type Reaper struct {
	meta       store.RelationalStore
	reconciler *ingest.Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewReaper creates the reaper. reconciler may be nil to skip sweeps.
func NewReaper(meta store.RelationalStore, reconciler *ingest.Reconciler, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{meta: meta, reconciler: reconciler, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce(ctx context.Context) {
	reaped, err := r.meta.ReapExpiredJobs(ctx)
	if err != nil {
		r.logger.Error("job reap failed", "error", err)
	} else if reaped > 0 {
		r.logger.Warn("requeued expired jobs", "count", reaped)
	}

	if r.reconciler == nil {
		return
	}
	repaired, abandoned, err := r.reconciler.Sweep(ctx, 100)
	if err != nil {
		r.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if repaired > 0 || abandoned > 0 {
		r.logger.Info("reconcile sweep finished", "repaired", repaired, "abandoned", abandoned)
	}
}
