// Package queue runs background jobs against the relational job table.
// Workers claim cooperatively, heartbeat while running, and classify
// failures into retryable and terminal.
package queue

import (
	"context"
	"log/slog"
	"time"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
)

// Handler executes one claimed job.
type Handler func(ctx context.Context, job *store.Job) error

// Options tunes the worker loop.
type Options struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// Visibility is how long a claim holds before the reaper can
	// requeue the job; heartbeats extend it.
	Visibility time.Duration
	Retry      llcerrors.RetryConfig
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Visibility:        15 * time.Minute,
		Retry:             llcerrors.DefaultRetryConfig(),
	}
}

// Worker polls for jobs and dispatches them to kind handlers.
type Worker struct {
	id       string
	meta     store.RelationalStore
	handlers map[store.JobKind]Handler
	opts     Options
	logger   *slog.Logger
}

// NewWorker creates a worker. The id must be unique across the
// processes sharing the database.
func NewWorker(id string, meta store.RelationalStore, handlers map[store.JobKind]Handler, opts Options, logger *slog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:       id,
		meta:     meta,
		handlers: handlers,
		opts:     opts,
		logger:   logger.With("worker", id),
	}
}

// Run polls until the context is cancelled. The queue is drained
// eagerly; the poll interval only applies when it is empty.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.opts.PollInterval)
	for {
		worked, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return ctx.Err()
		}
		if err != nil {
			w.logger.Error("claim failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a
// job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.meta.ClaimJob(ctx, w.id, w.opts.Visibility)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *store.Job) {
	log := w.logger.With("job", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	handler, ok := w.handlers[job.Kind]
	if !ok {
		log.Error("no handler registered for job kind")
		if err := w.meta.FailJob(ctx, job.ID, w.id, "no handler for kind "+string(job.Kind), 0, false); err != nil {
			log.Error("failed to fail job", "error", err)
		}
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, job.ID)

	start := time.Now()
	err := handler(ctx, job)
	stopHeartbeat()

	if err == nil {
		if cerr := w.meta.CompleteJob(ctx, job.ID, w.id); cerr != nil {
			log.Error("failed to complete job", "error", cerr)
			return
		}
		log.Info("job done", "duration", time.Since(start))
		return
	}

	// Completion bookkeeping must survive a cancelled job context.
	finishCtx := context.WithoutCancel(ctx)
	if !llcerrors.IsRetryable(err) {
		log.Error("job failed permanently", "code", llcerrors.CodeOf(err), "error", err)
		if ferr := w.meta.FailJob(finishCtx, job.ID, w.id, err.Error(), 0, false); ferr != nil {
			log.Error("failed to fail job", "error", ferr)
		}
		return
	}

	backoff := w.opts.Retry.Backoff(job.Attempts)
	log.Warn("job failed, will retry", "code", llcerrors.CodeOf(err), "retry_in", backoff, "error", err)
	if ferr := w.meta.FailJob(finishCtx, job.ID, w.id, err.Error(), backoff, true); ferr != nil {
		log.Error("failed to requeue job", "error", ferr)
	}
}

// heartbeat extends the claim until the job finishes.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.meta.HeartbeatJob(ctx, jobID, w.id, w.opts.Visibility); err != nil {
				w.logger.Warn("heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}
