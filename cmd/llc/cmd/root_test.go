package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentlabs/llc/pkg/version"
)

// runCLI executes the root command with args and captures output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// initDataDir initializes a temp data dir with the static embedder so
// tests never need a running provider.
func initDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LLC_EMBEDDING_PROVIDER", "static")
	t.Setenv("NO_COLOR", "1")

	out, err := runCLI(t, "init", "--data-dir", dir)
	require.NoError(t, err, out)
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
}

func TestInitCreatesDataDir(t *testing.T) {
	dir := initDataDir(t)

	for _, path := range []string{"config.yaml", "llc.db", "inbox", "blobs", "logs"} {
		_, err := os.Stat(filepath.Join(dir, path))
		assert.NoError(t, err, path)
	}
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	dir := initDataDir(t)

	out, err := runCLI(t, "init", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestContainersCreateAndList(t *testing.T) {
	dir := initDataDir(t)

	out, err := runCLI(t, "containers", "create", "notes",
		"--theme", "personal notes", "--data-dir", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "created container notes")

	out, err = runCLI(t, "containers", "list", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "notes")
	assert.Contains(t, out, "personal notes")
}

func TestContainersCreateDuplicateSlugFails(t *testing.T) {
	dir := initDataDir(t)

	_, err := runCLI(t, "containers", "create", "notes", "--data-dir", dir)
	require.NoError(t, err)

	_, err = runCLI(t, "containers", "create", "notes", "--data-dir", dir)
	require.Error(t, err)
}

func TestIngestAndSearchRoundTrip(t *testing.T) {
	dir := initDataDir(t)

	_, err := runCLI(t, "containers", "create", "notes", "--data-dir", dir)
	require.NoError(t, err)

	doc := filepath.Join(dir, "deploys.md")
	require.NoError(t, os.WriteFile(doc,
		[]byte("# Deploys\n\nroll back by promoting the previous release\n"), 0o644))

	out, err := runCLI(t, "ingest", "notes", doc, "--data-dir", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 chunks")

	out, err = runCLI(t, "search", "previous release",
		"-c", "notes", "--data-dir", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deploys")
	assert.Contains(t, out, "promoting the previous release")
}

func TestSearchUnknownContainerFails(t *testing.T) {
	dir := initDataDir(t)

	_, err := runCLI(t, "search", "anything", "-c", "missing", "--data-dir", dir)
	require.Error(t, err)
}

func TestStatusWithoutInitFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLC_EMBEDDING_PROVIDER", "static")

	out, err := runCLI(t, "status", "--data-dir", filepath.Join(dir, "nope"))
	require.Error(t, err)
	assert.Contains(t, out, "llc init")
}

func TestStatusReportsCounts(t *testing.T) {
	dir := initDataDir(t)

	_, err := runCLI(t, "containers", "create", "notes", "--data-dir", dir)
	require.NoError(t, err)

	out, err := runCLI(t, "status", "--data-dir", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "containers")
	assert.Contains(t, out, "static")
}

func TestJobsListEmpty(t *testing.T) {
	dir := initDataDir(t)

	out, err := runCLI(t, "jobs", "list", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs")
}

func TestIngestAsyncEnqueues(t *testing.T) {
	dir := initDataDir(t)

	_, err := runCLI(t, "containers", "create", "notes", "--data-dir", dir)
	require.NoError(t, err)

	doc := filepath.Join(dir, "later.md")
	require.NoError(t, os.WriteFile(doc, []byte("# Later\n\nqueued content\n"), 0o644))

	out, err := runCLI(t, "ingest", "notes", doc, "--async", "--data-dir", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "queued as job")

	out, err = runCLI(t, "jobs", "list", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ingest")
	assert.Contains(t, out, "queued")
}
