package cmd

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	llcerrors "github.com/latentlabs/llc/internal/errors"
	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/internal/ui"
)

func newContainersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "containers",
		Short:   "Manage containers",
		Aliases: []string{"container"},
	}
	cmd.AddCommand(newContainersListCmd())
	cmd.AddCommand(newContainersCreateCmd())
	cmd.AddCommand(newContainersDescribeCmd())
	cmd.AddCommand(newContainersUpdateCmd())
	return cmd
}

func newContainersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List containers with document counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainersList(cmd.Context(), cmd)
		},
	}
}

func runContainersList(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	containers, err := a.meta.ListContainers(ctx)
	if err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	if len(containers) == 0 {
		p.Plainf("no containers; create one with 'llc containers create'")
		return nil
	}
	for _, c := range containers {
		stats, serr := a.meta.GetContainerStats(ctx, c.ID)
		docs, chunks := int64(0), int64(0)
		if serr == nil && stats != nil {
			docs, chunks = stats.Documents, stats.Chunks
		}
		marker := ""
		if c.State == store.ContainerArchived {
			marker = " (archived)"
		}
		p.Headerf("%s%s", c.Slug, marker)
		p.KV("id", c.ID)
		if c.Theme != "" {
			p.KV("theme", c.Theme)
		}
		if c.ParentID != "" {
			p.KV("parent", c.ParentID)
		}
		p.KV("modalities", modalitiesString(c.Modalities))
		p.KV("documents", docs)
		p.KV("chunks", chunks)
	}
	return nil
}

func newContainersCreateCmd() *cobra.Command {
	var name string
	var theme string
	var parent string
	var modalities []string

	cmd := &cobra.Command{
		Use:   "create <slug>",
		Short: "Create a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainersCreate(cmd.Context(), cmd, args[0], name, theme, parent, modalities)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the slug)")
	cmd.Flags().StringVar(&theme, "theme", "", "free-form theme description")
	cmd.Flags().StringVar(&parent, "parent", "", "parent container id or slug")
	cmd.Flags().StringSliceVar(&modalities, "modalities", nil, "allowed modalities (default: all)")
	return cmd
}

func runContainersCreate(ctx context.Context, cmd *cobra.Command, slug, name, theme, parent string, modalities []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	parentID := ""
	if parent != "" {
		pc, err := a.meta.GetContainer(ctx, parent)
		if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
			pc, err = a.meta.GetContainerBySlug(ctx, parent)
		}
		if err != nil {
			return err
		}
		parentID = pc.ID
	}

	var mods []store.Modality
	for _, m := range modalities {
		mod := store.Modality(strings.TrimSpace(m))
		if !store.ValidModality(mod) {
			return llcerrors.Newf(llcerrors.CodeInvalidParams, "unknown modality %q", m)
		}
		mods = append(mods, mod)
	}
	if name == "" {
		name = slug
	}

	c := &store.Container{
		ID:          uuid.NewString(),
		Slug:        slug,
		Name:        name,
		Theme:       theme,
		ParentID:    parentID,
		Modalities:  mods,
		Embedder:    cfg.Embedding.Provider,
		EmbedderVer: cfg.Embedding.Version,
		Dims:        cfg.Embedding.Dims,
	}
	if err := a.meta.CreateContainer(ctx, c); err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Successf("✓ created container %s (%s)", slug, c.ID)
	return nil
}

func newContainersUpdateCmd() *cobra.Command {
	var state string
	var freshnessLambda float64
	var dedupThreshold float64
	var maxChunkTokens int
	var maxPDFPages int
	var snippetTemplate string
	var diagnostics bool

	cmd := &cobra.Command{
		Use:   "update <container>",
		Short: "Change a container's state or per-container policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainersUpdate(cmd.Context(), cmd, args[0], containerUpdate{
				state:           state,
				freshnessLambda: freshnessLambda,
				dedupThreshold:  dedupThreshold,
				maxChunkTokens:  maxChunkTokens,
				maxPDFPages:     maxPDFPages,
				snippetTemplate: snippetTemplate,
				diagnostics:     diagnostics,
				diagnosticsSet:  cmd.Flags().Changed("diagnostics"),
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "container state: active, paused, archived")
	cmd.Flags().Float64Var(&freshnessLambda, "freshness-lambda", 0, "per-container freshness decay rate (0 = global default)")
	cmd.Flags().Float64Var(&dedupThreshold, "dedup-threshold", 0, "per-container semantic dedup cutoff (0 = global default)")
	cmd.Flags().IntVar(&maxChunkTokens, "max-chunk-tokens", 0, "per-container chunk token budget (0 = global default)")
	cmd.Flags().IntVar(&maxPDFPages, "max-pdf-pages", 0, "drop pdf content past this page (0 = unlimited)")
	cmd.Flags().StringVar(&snippetTemplate, "snippet-template", "", "snippet template with {title}, {snippet}, {uri} placeholders")
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "always attach search diagnostics for this container")
	return cmd
}

type containerUpdate struct {
	state           string
	freshnessLambda float64
	dedupThreshold  float64
	maxChunkTokens  int
	maxPDFPages     int
	snippetTemplate string
	diagnostics     bool
	diagnosticsSet  bool
}

func runContainersUpdate(ctx context.Context, cmd *cobra.Command, ref string, u containerUpdate) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.meta.GetContainer(ctx, ref)
	if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
		c, err = a.meta.GetContainerBySlug(ctx, ref)
	}
	if err != nil {
		return err
	}

	if u.state != "" {
		switch st := store.ContainerState(u.state); st {
		case store.ContainerActive, store.ContainerPaused, store.ContainerArchived:
			c.State = st
		default:
			return llcerrors.Newf(llcerrors.CodeInvalidParams, "unknown container state %q", u.state)
		}
	}
	if u.freshnessLambda > 0 {
		c.Policy.FreshnessLambda = u.freshnessLambda
	}
	if u.dedupThreshold > 0 {
		c.Policy.DedupThreshold = u.dedupThreshold
	}
	if u.maxChunkTokens > 0 {
		c.Policy.MaxChunkTokens = u.maxChunkTokens
	}
	if u.maxPDFPages > 0 {
		c.Policy.MaxPDFPages = u.maxPDFPages
	}
	if u.snippetTemplate != "" {
		c.Policy.SnippetTemplate = u.snippetTemplate
	}
	if u.diagnosticsSet {
		c.Policy.Diagnostics = u.diagnostics
	}

	if err := a.meta.UpdateContainer(ctx, c); err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Successf("✓ updated container %s", c.Slug)
	return nil
}

func newContainersDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <container>",
		Short: "Show one container in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContainersDescribe(cmd.Context(), cmd, args[0])
		},
	}
}

func runContainersDescribe(ctx context.Context, cmd *cobra.Command, ref string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.meta.GetContainer(ctx, ref)
	if llcerrors.CodeOf(err) == llcerrors.CodeContainerNotFound {
		c, err = a.meta.GetContainerBySlug(ctx, ref)
	}
	if err != nil {
		return err
	}

	p := ui.NewPrinter(cmd.OutOrStdout())
	p.Headerf("%s", c.Slug)
	p.KV("id", c.ID)
	p.KV("name", c.Name)
	if c.Theme != "" {
		p.KV("theme", c.Theme)
	}
	if c.ParentID != "" {
		p.KV("parent", c.ParentID)
	}
	p.KV("state", c.State)
	p.KV("modalities", modalitiesString(c.Modalities))
	p.KV("embedder", c.Embedder)
	p.KV("embedder_ver", c.EmbedderVer)
	p.KV("dims", c.Dims)

	if stats, err := a.meta.GetContainerStats(ctx, c.ID); err == nil && stats != nil {
		p.KV("documents", stats.Documents)
		p.KV("chunks", stats.Chunks)
		p.KV("bytes", stats.Bytes)
		if !stats.LastIngest.IsZero() {
			p.KV("last_ingest", stats.LastIngest.Local().Format("2006-01-02 15:04:05"))
		}
	}

	subtree, err := a.meta.ContainerSubtree(ctx, c.ID)
	if err == nil && len(subtree) > 1 {
		p.Headerf("children")
		for _, child := range subtree {
			if child.ID == c.ID {
				continue
			}
			p.KV(child.Slug, child.ID)
		}
	}
	return nil
}

func modalitiesString(mods []store.Modality) string {
	if len(mods) == 0 {
		return "all"
	}
	parts := make([]string, 0, len(mods))
	for _, m := range mods {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ", ")
}
