package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/latentlabs/llc/internal/mcp"
	"github.com/latentlabs/llc/internal/queue"
	"github.com/latentlabs/llc/internal/watcher"
)

func newServeCmd() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server with workers, reaper, and inbox watcher",
		Long: `Serve exposes the search and ingest tools over MCP stdio and runs
the background machinery in the same process: the job workers, the
reaper that requeues stalled jobs, and the inbox watcher that turns
file drops into ingest jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the inbox watcher")
	return cmd
}

func runServe(ctx context.Context, noWatch bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Logs must never hit stdout or stderr noise while stdio carries
	// the MCP transport.
	a, err := openApp(cfg, appOptions{lockData: true})
	if err != nil {
		return err
	}
	defer a.Close()

	server, err := mcp.NewServer(a.engine, a.meta, a.ingestor, cfg, a.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	startBackground(ctx, g, a, !noWatch)
	g.Go(func() error { return server.Serve(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// startBackground launches the workers, the reaper, and optionally the
// inbox watcher on the group.
func startBackground(ctx context.Context, g *errgroup.Group, a *app, watch bool) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "llc"
	}

	handlers := queue.DefaultHandlers(a.ingestor, a.reconciler, a.meta, a.blobs, a.logger)
	workerOpts := queue.Options{
		PollInterval:      a.cfg.Worker.PollInterval(),
		HeartbeatInterval: a.cfg.Worker.HeartbeatInterval(),
		Visibility:        a.cfg.Worker.VisibilityTimeout(),
	}
	for i := 0; i < a.cfg.Worker.Count; i++ {
		id := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), i)
		w := queue.NewWorker(id, a.meta, handlers, workerOpts, a.logger)
		g.Go(func() error {
			err := w.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	reaper := queue.NewReaper(a.meta, a.reconciler, time.Minute, a.logger)
	g.Go(func() error {
		err := reaper.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if watch {
		inbox := filepath.Join(a.cfg.DataDir, "inbox")
		fw, err := watcher.New(inbox, a.meta, watcher.DefaultOptions(), a.logger)
		if err != nil {
			a.logger.Error("inbox watcher disabled", "error", err)
			return
		}
		g.Go(func() error {
			err := fw.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
}
