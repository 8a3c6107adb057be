package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../harness/testdata/scenarios"

const failingScenario = `name: wrong_selection
description: "Expects a selection that never happens"
steps:
  - create: Drums
expect:
  selected: loop-1
`

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSimulate_Directory(t *testing.T) {
	out, err := executeRoot(t, "simulate", scenarioDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ record_basic")
	assert.Contains(t, out, "✓ deferred_select")
	assert.Contains(t, out, "4 passed, 0 failed, 4 total")
}

func TestSimulate_Filter(t *testing.T) {
	out, err := executeRoot(t, "simulate", scenarioDir, "--filter", "switch_*")
	require.NoError(t, err)

	assert.Contains(t, out, "✓ switch_loops")
	assert.NotContains(t, out, "record_basic")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestSimulate_Summary(t *testing.T) {
	out, err := executeRoot(t, "simulate", filepath.Join(scenarioDir, "record_basic.yaml"), "--summary")
	require.NoError(t, err)

	assert.Contains(t, out, "scenario: record_basic")
	assert.Contains(t, out, "final:")
	assert.Contains(t, out, "playing  120 bpm  4/4 x1  phase 0.800  cycle 2000ms")
}

func TestSimulate_JSON(t *testing.T) {
	out, err := executeRoot(t, "--format", "json", "simulate", scenarioDir)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Passed)
	for _, sr := range resp.Data.Scenarios {
		assert.True(t, sr.Pass, sr.Name)
		assert.NotNil(t, sr.Snapshot, sr.Name)
	}
}

func TestSimulate_Failure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(failingScenario), 0644))

	out, err := executeRoot(t, "simulate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 of 1 scenarios failed")
	assert.Contains(t, out, "✗ wrong_selection")
	assert.Contains(t, out, `selected: expected "loop-1", got ""`)
}

func TestSimulate_InvalidScenarioFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: broken\n"), 0644))

	out, err := executeRoot(t, "simulate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestSimulate_MissingPath(t *testing.T) {
	_, err := executeRoot(t, "simulate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSimulate_EmptyDirectory(t *testing.T) {
	out, err := executeRoot(t, "simulate", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, files)

	_, err = findScenarioFiles(dir, "[")
	assert.Error(t, err)
}
