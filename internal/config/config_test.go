package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roberta_ists/internal/errs"
)

const sample = `
MODEL:
  NUM_CLASSES: 8
  DROPOUT: 0.2
  HIDDEN_NEURONS: 128
  WEIGHTS: heads.gob
SOLVER:
  BASE_LR: 0.001
ENCODER:
  VOCAB: vocab.json
  MERGES: merges.txt
  WEIGHTS: ${ISTS_WEIGHTS}
DATASETS:
  TRAIN: data/train.csv
  TEST: /abs/test.csv
  BATCH_SIZE: 4
LOG:
  LEVEL: debug
`

func TestLoad(t *testing.T) {
	t.Setenv("ISTS_WEIGHTS", "encoder.gob")
	dir := t.TempDir()
	path := filepath.Join(dir, "ists.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Model.NumClasses)
	assert.Equal(t, 0.2, cfg.Model.Dropout)
	assert.Equal(t, 128, cfg.Model.HiddenNeurons)
	assert.Equal(t, int64(42), cfg.Model.Seed)
	assert.Equal(t, filepath.Join(dir, "heads.gob"), cfg.Model.Weights)

	assert.Equal(t, 0.001, cfg.Solver.BaseLR)
	assert.Equal(t, 0.9, cfg.Solver.Beta1)
	assert.Equal(t, 0.999, cfg.Solver.Beta2)

	assert.Equal(t, filepath.Join(dir, "vocab.json"), cfg.Encoder.Vocab)
	assert.Equal(t, filepath.Join(dir, "encoder.gob"), cfg.Encoder.Weights)
	assert.Equal(t, 1024, cfg.Encoder.FeatureDim)
	assert.Equal(t, 514, cfg.Encoder.MaxPositions)

	assert.Equal(t, filepath.Join(dir, "data", "train.csv"), cfg.Datasets.Train)
	assert.Equal(t, "/abs/test.csv", cfg.Datasets.Test)
	assert.Equal(t, 4, cfg.Datasets.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	enc := cfg.EncoderConfig()
	assert.Equal(t, cfg.Encoder.Merges, enc.MergesPath)
	assert.Equal(t, 0.001, cfg.SolverConfig().BaseLR)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, NewDefault(), cfg)
}

func TestNumClassesFromLabels(t *testing.T) {
	cfg, err := Parse([]byte("MODEL: {NUM_CLASSES: 0}"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ModelConfig(5).NumClasses)

	cfg, err = Parse([]byte("MODEL: {NUM_CLASSES: 3}"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ModelConfig(5).NumClasses)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"negative classes": "MODEL: {NUM_CLASSES: -1}",
		"dropout one":      "MODEL: {DROPOUT: 1.0}",
		"negative dropout": "MODEL: {DROPOUT: -0.5}",
		"zero hidden":      "MODEL: {HIDDEN_NEURONS: 0}",
		"zero lr":          "SOLVER: {BASE_LR: 0}",
		"negative lr":      "SOLVER: {BASE_LR: -0.1}",
		"zero feature dim": "ENCODER: {FEATURE_DIM: 0}",
		"zero batch":       "DATASETS: {BATCH_SIZE: 0}",
		"unknown key":      "MODEL: {LAYERS: 3}",
		"not yaml":         "MODEL: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.True(t, errs.IsConfig(err), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errs.IsConfig(err))
}
