package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers and the reaper without the MCP server",
		Long: `Worker drains the background job queue: ingests, refreshes,
exports, and reindex sweeps. Useful for processing a large backlog
while the serve process handles queries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
	return cmd
}

func runWorker(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{lockData: true, logToStderr: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	startBackground(ctx, g, a, false)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
