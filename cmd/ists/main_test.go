package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roberta_ists/internal/errs"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeWorkspace writes a two-row training set and a config whose MODEL
// section is model, then bootstraps the encoder files next to them.
func writeWorkspace(t *testing.T, model string) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.csv"), []byte(
		"chunk1,chunk2,similarity,explanation\n"+
			"cat sat,cat sits,0.9,entailment\n"+
			"dog ran,sky is blue,0.1,contradiction\n"), 0o644))
	configPath = filepath.Join(dir, "ists.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
MODEL: `+model+`
SOLVER: {BASE_LR: 0.01}
ENCODER: {VOCAB: vocab.json, MERGES: merges.txt, WEIGHTS: encoder.gob, MAX_POSITIONS: 34, CACHE_SIZE: 16}
DATASETS: {TRAIN: train.csv, BATCH_SIZE: 2}
LOG: {LEVEL: error}
`), 0o644))

	_, err := run(t, "init-encoder", "--config", configPath, "--bootstrap-vocab", "60",
		"--out", filepath.Join(dir, "encoder.gob"))
	require.NoError(t, err)
	return dir, configPath
}

func TestCommands(t *testing.T) {
	dir, configPath := writeWorkspace(t, "{HIDDEN_NEURONS: 8, DROPOUT: 0, WEIGHTS: heads.gob}")
	assert.FileExists(t, filepath.Join(dir, "vocab.json"))
	assert.FileExists(t, filepath.Join(dir, "merges.txt"))
	assert.FileExists(t, filepath.Join(dir, "encoder.gob"))

	out, err := run(t, "inspect", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 2")
	assert.Contains(t, out, "classes: 2")
	assert.Contains(t, out, "0\tcontradiction")

	initial, err := run(t, "predict", "--config", configPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(initial), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[1], "dog ran | sky is blue")

	again, err := run(t, "predict", "--config", configPath)
	require.NoError(t, err)
	assert.Equal(t, initial, again)

	out, err = run(t, "step", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "steps: 1")
	assert.FileExists(t, filepath.Join(dir, "heads.gob"))

	trained, err := run(t, "predict", "--config", configPath)
	require.NoError(t, err)
	assert.NotEqual(t, initial, trained)
	assert.Len(t, strings.Split(strings.TrimSpace(trained), "\n"), 2)
}

func TestTooFewClassesIsConfigError(t *testing.T) {
	_, configPath := writeWorkspace(t, "{NUM_CLASSES: 1, HIDDEN_NEURONS: 8}")

	_, err := run(t, "step", "--config", configPath)
	assert.True(t, errs.IsConfig(err))

	_, err = run(t, "predict", "--config", configPath)
	assert.True(t, errs.IsConfig(err))
}

func TestCommandsNeedConfig(t *testing.T) {
	_, err := run(t, "inspect")
	assert.Error(t, err)

	_, err = run(t, "init-encoder", "--config", "ists.yaml")
	assert.Error(t, err)
}
