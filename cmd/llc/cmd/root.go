// Package cmd provides the CLI commands for llc.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/config"
	"github.com/latentlabs/llc/pkg/version"
)

// errSilent signals a failure already reported to the user.
var errSilent = errors.New("command failed")

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llc",
		Short: "Local latent containers: themed hybrid retrieval for AI agents",
		Long: `llc keeps local documents in themed containers and serves them to
AI agents over MCP with hybrid dense+sparse retrieval.

Run 'llc init' to create the data directory, 'llc ingest' to add
documents, and 'llc serve' to expose the search tools.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("llc version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default <data>/config.yaml)")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default ~/.llc)")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newContainersCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// loadConfig resolves the config from flags, file, and environment.
func loadConfig() (*config.Config, error) {
	dataDir := flagDataDir
	if dataDir == "" {
		dataDir = config.NewConfig().DataDir
	}
	path := flagConfig
	if path == "" {
		path = config.DefaultConfigPath(dataDir)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.Server.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}
