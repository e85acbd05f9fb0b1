// Package version holds build version information for llc.
package version

// Version is the current llc version.
// Overridden at build time via -ldflags "-X github.com/latentlabs/llc/pkg/version.Version=...".
var Version = "0.3.0-dev"

// Commit is the git commit hash set at build time.
var Commit = "unknown"
