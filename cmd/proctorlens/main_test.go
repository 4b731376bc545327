package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorlens/internal/features"
	"proctorlens/internal/store"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PROCTORLENS_DATA_DIR", dir)
	t.Setenv("PROCTORLENS_CONFIG", "")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "proctorlens (devel)\n", out)
}

func TestFeaturesNames(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "features", "--names")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, features.NumFeatures)
	assert.Contains(t, lines[0], features.Names[0])
}

func TestFeatures(t *testing.T) {
	dir := setupEnv(t)

	out, err := run(t, "features", filepath.Join("testdata", "batch.json"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "session_id,"))
	assert.True(t, strings.HasPrefix(lines[1], "s-100,"))

	outFile := filepath.Join(dir, "vectors.jsonl")
	_, err = run(t, "features", "-f", "jsonl", "-o", outFile, "--persist", filepath.Join("testdata", "batch.json"))
	require.NoError(t, err)
	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))

	st, err := store.Open(filepath.Join(dir, "proctorlens.db"))
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ListVectors("sample-2025-05-02")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFeaturesErrors(t *testing.T) {
	dir := setupEnv(t)

	_, err := run(t, "features")
	assert.Error(t, err)

	_, err = run(t, "features", filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"questions": []}`), 0600))
	_, err = run(t, "features", bad)
	assert.Error(t, err)

	_, err = run(t, "features", "-f", "xml", filepath.Join("testdata", "batch.json"))
	assert.Error(t, err)
}

func TestCohortWorkflow(t *testing.T) {
	setupEnv(t)
	batch := filepath.Join("testdata", "batch.json")

	out, err := run(t, "cohort", "build", "--name", "spring", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored cohort spring")

	out, err = run(t, "cohort", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "spring")

	out, err = run(t, "cohort", "show", "spring")
	require.NoError(t, err)
	assert.Contains(t, out, "q1")

	out, err = run(t, "cohort", "show", "--json", "spring")
	require.NoError(t, err)
	assert.Contains(t, out, `"bank_fingerprint"`)

	out, err = run(t, "score", "--cohort", "spring", batch)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	_, err = run(t, "score", batch)
	assert.Error(t, err, "--cohort is required")

	out, err = run(t, "report", "--cohort", "spring", "--session", "s-101", batch)
	require.NoError(t, err)
	assert.Contains(t, out, "s-101")
	assert.NotContains(t, out, "s-100")

	_, err = run(t, "cohort", "delete", "spring")
	require.NoError(t, err)

	_, err = run(t, "cohort", "show", "spring")
	assert.ErrorIs(t, err, store.ErrCohortNotFound)

	out, err = run(t, "cohort", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No cohorts stored.")
}

func TestReport(t *testing.T) {
	setupEnv(t)
	out, err := run(t, "report", filepath.Join("testdata", "batch.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION BEHAVIOR REPORT")
	assert.Contains(t, out, "s-100")
	assert.Contains(t, out, "s-101")

	_, err = run(t, "report", "--session", "nobody", filepath.Join("testdata", "batch.json"))
	assert.Error(t, err)
}

func TestFlag(t *testing.T) {
	dir := setupEnv(t)
	preds := filepath.Join("testdata", "predictions.json")

	out, err := run(t, "flag", "--json", "--batch", filepath.Join("testdata", "batch.json"), preds)
	require.NoError(t, err)
	assert.Contains(t, out, `"c-north"`)

	st, err := store.Open(filepath.Join(dir, "proctorlens.db"))
	require.NoError(t, err)
	sum, err := st.GetFlagSummary("sample-2025-05-02")
	st.Close()
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, []string{"c-north"}, sum.FlaggedCenters)

	_, err = run(t, "flag", "--threshold", "2", preds)
	assert.Error(t, err)
}

func TestWatchOnce(t *testing.T) {
	dir := setupEnv(t)
	inbox := filepath.Join(dir, "in")
	outbox := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(inbox, 0750))

	data, err := os.ReadFile(filepath.Join("testdata", "batch.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "monday.json"), data, 0600))

	out, err := run(t, "watch", "--once", "--dir", inbox, "--out", outbox)
	require.NoError(t, err)
	assert.Contains(t, out, "monday.csv")

	_, err = os.Stat(filepath.Join(outbox, "monday.csv"))
	assert.NoError(t, err)
}

func TestDBStatus(t *testing.T) {
	dir := setupEnv(t)
	out, err := run(t, "--db", filepath.Join(dir, "other.db"), "db", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "other.db")
	assert.Contains(t, out, "Schema check: ok")
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "--log-level", "loud", "db", "status")
	assert.Error(t, err)
}
