package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/search"
	"github.com/latentlabs/llc/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var containers []string
	var mode string
	var k int
	var doRerank bool
	var diagnostics bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search one or more containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, args[0], containers, mode, k, doRerank, diagnostics, jsonOutput)
		},
	}
	cmd.Flags().StringSliceVarP(&containers, "containers", "c", nil, "target container ids or slugs (required)")
	cmd.Flags().StringVar(&mode, "mode", string(search.ModeHybrid), "semantic, hybrid, bm25, crossmodal, or rerank")
	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of results")
	cmd.Flags().BoolVar(&doRerank, "rerank", false, "apply the reranker")
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "show retrieval diagnostics")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output raw JSON")
	_ = cmd.MarkFlagRequired("containers")
	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, containers []string, mode string, k int, doRerank, diagnostics, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.engine.Search(ctx, &search.Request{
		Query:        query,
		ContainerIDs: containers,
		Mode:         search.Mode(mode),
		K:            k,
		Rerank:       doRerank,
		Diagnostics:  diagnostics,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	if resp.Partial {
		p.Warnf("partial results")
	}
	for _, issue := range resp.Issues {
		p.Warnf("%s: %s", issue.Code, issue.Message)
	}
	if len(resp.Results) == 0 {
		p.Plainf("no results")
		return nil
	}

	for i, r := range resp.Results {
		title := r.Title
		if title == "" {
			title = r.URI
		}
		p.Headerf("%d. %s  (%.4f)", i+1, title, r.Score)
		p.Plainf("   %s", r.Snippet)
		p.KV("uri", r.URI)
		p.KV("container", r.ContainerID)
		if r.Provenance.Page > 0 {
			p.KV("page", r.Provenance.Page)
		}
	}
	p.Plainf("")
	p.Plainf("%d of %d hits", resp.Returned, resp.TotalHits)

	if diagnostics && resp.Diagnostics != nil {
		d := resp.Diagnostics
		p.Headerf("diagnostics")
		p.KV("mode", fmt.Sprintf("%s (effective %s)", d.Mode, d.EffectiveMode))
		p.KV("total_ms", d.Timings.TotalMS)
		p.KV("bm25_hits", d.BM25Hits)
		p.KV("vector_hits", d.VectorHits)
		p.KV("dedup_drops", d.DedupDrops)
		for stage, state := range d.Stages {
			p.KV(stage, state)
		}
	}
	return nil
}
