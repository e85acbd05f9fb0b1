package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/internal/ui"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Short:   "Inspect background jobs",
		Aliases: []string{"job"},
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsStatusCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var states []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd.Context(), cmd, states, limit)
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state: queued, running, done, failed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to show")
	return cmd
}

func runJobsList(ctx context.Context, cmd *cobra.Command, states []string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	var filter []store.JobState
	for _, s := range states {
		switch st := store.JobState(strings.TrimSpace(s)); st {
		case store.JobQueued, store.JobRunning, store.JobDone, store.JobFailed:
			filter = append(filter, st)
		default:
			return llcerrors.Newf(llcerrors.CodeInvalidParams, "unknown job state %q", s)
		}
	}

	jobs, err := a.meta.ListJobs(ctx, filter, limit)
	if err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	if len(jobs) == 0 {
		p.Plainf("no jobs")
		return nil
	}
	for _, j := range jobs {
		line := p.Successf
		switch j.State {
		case store.JobFailed:
			line = p.Errorf
		case store.JobQueued:
			line = p.Warnf
		}
		line("%s  %-8s %-8s attempts=%d  %s", j.ID, j.Kind, j.State, j.Attempts,
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if j.LastError != "" {
			p.KV("last_error", j.LastError)
		}
	}
	return nil
}

func newJobsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job with its event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsStatus(cmd.Context(), cmd, args[0])
		},
	}
}

func runJobsStatus(ctx context.Context, cmd *cobra.Command, id string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.meta.GetJob(ctx, id)
	if err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Headerf("job %s", job.ID)
	p.KV("kind", job.Kind)
	p.KV("state", job.State)
	p.KV("attempts", job.Attempts)
	p.KV("max_retries", job.MaxRetries)
	if job.ClaimedBy != "" {
		p.KV("claimed_by", job.ClaimedBy)
	}
	if job.LastError != "" {
		p.KV("last_error", job.LastError)
	}
	p.KV("created", job.CreatedAt.Local().Format(time.RFC3339))

	events, err := a.meta.JobEvents(ctx, job.ID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		p.Headerf("events")
		for _, e := range events {
			detail := e.Detail
			if detail != "" {
				detail = "  " + detail
			}
			p.Plainf("  %s  %-8s %s%s",
				e.CreatedAt.Local().Format("15:04:05"), e.State, e.Worker, detail)
		}
	}
	return nil
}
