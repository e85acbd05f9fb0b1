package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/ingest"
	"github.com/latentlabs/llc/internal/queue"
	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/internal/ui"
)

func newIngestCmd() *cobra.Command {
	var modality string
	var title string
	var async bool

	cmd := &cobra.Command{
		Use:   "ingest <container> <uri>...",
		Short: "Ingest documents into a container",
		Long: `Ingest adds one or more sources to a container. Sources may be
local paths, file:// URIs, or http(s) URLs. The modality is detected
from the source unless --modality overrides it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, args[0], args[1:], modality, title, async)
		},
	}
	cmd.Flags().StringVar(&modality, "modality", "", "force the modality: text, web, pdf, or image")
	cmd.Flags().StringVar(&title, "title", "", "override the extracted title")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue background jobs instead of ingesting inline")
	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, container string, uris []string, modality, title string, async bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{lockData: !async})
	if err != nil {
		return err
	}
	defer a.Close()

	p := ui.NewPrinter(cmd.OutOrStdout())
	var failed int
	for _, uri := range uris {
		src := ingest.Source{
			URI:      uri,
			Modality: store.Modality(modality),
			Title:    title,
		}

		if async {
			job, err := queue.EnqueueIngest(ctx, a.meta, container, src, cfg.Worker.MaxRetries)
			if err != nil {
				p.Errorf("✗ %s: %v", uri, err)
				failed++
				continue
			}
			p.Successf("✓ %s queued as job %s", uri, job.ID)
			continue
		}

		report, err := a.ingestor.Ingest(ctx, container, src)
		if err != nil {
			p.Errorf("✗ %s: %v", uri, err)
			failed++
			continue
		}
		switch {
		case report.Duplicate:
			p.Warnf("= %s already ingested as %s", uri, report.DocumentID)
		default:
			p.Successf("✓ %s: %d chunks (%d deduped)", uri, report.Chunks, report.Deduped)
		}
		for _, issue := range report.Issues {
			p.Warnf("  %s: %s", issue.Code, issue.Message)
		}
	}

	if failed > 0 {
		p.Errorf("%d of %d sources failed", failed, len(uris))
		return errSilent
	}
	return nil
}
