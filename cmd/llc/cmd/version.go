package cmd

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/latentlabs/llc/internal/ui"
	"github.com/latentlabs/llc/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ui.NewPrinter(cmd.OutOrStdout())
			p.Headerf("llc %s", version.Version)
			p.KV("commit", version.Commit)
			p.KV("go", runtime.Version())
			p.KV("platform", runtime.GOOS+"/"+runtime.GOARCH)
			return nil
		},
	}
}
