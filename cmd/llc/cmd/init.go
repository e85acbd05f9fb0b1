package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/config"
	"github.com/latentlabs/llc/internal/store"
	"github.com/latentlabs/llc/internal/ui"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the data directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	cfg := config.NewConfig()
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	p := ui.NewPrinter(cmd.OutOrStdout())

	for _, sub := range []string{"", "inbox", "blobs", "vectors", "logs"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return err
		}
	}

	cfgPath := config.DefaultConfigPath(cfg.DataDir)
	if _, err := os.Stat(cfgPath); err == nil && !force {
		p.Warnf("config already exists at %s (use --force to overwrite)", cfgPath)
	} else {
		if err := cfg.Save(cfgPath); err != nil {
			return err
		}
		p.Successf("✓ wrote %s", cfgPath)
	}

	// Open the store once so the schema exists before first use.
	meta, err := store.NewSQLiteStore(store.DefaultSQLiteConfig(filepath.Join(cfg.DataDir, "llc.db")))
	if err != nil {
		return err
	}
	defer meta.Close()

	p.Successf("✓ initialized %s", cfg.DataDir)
	p.Plainf("")
	p.Plainf("next steps:")
	p.Plainf("  llc containers create notes --theme \"personal notes\"")
	p.Plainf("  llc ingest notes ./README.md")
	p.Plainf("  llc serve")
	return nil
}
