// Package main is the entry point for the llc CLI.
package main

import (
	"os"

	"github.com/latentlabs/llc/cmd/llc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
