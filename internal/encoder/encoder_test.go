package encoder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/tokenizer"
)

var texts = []string{"cat sat", "cat sits", "dog ran", "sky is blue"}

func smallConfig(dim int) Config {
	cfg := NewDefaultConfig()
	cfg.FeatureDim = dim
	cfg.MaxPositions = 34
	cfg.CacheSize = 8
	return cfg
}

func TestBootstrapExtractFeatures(t *testing.T) {
	enc, _, err := Bootstrap(texts, 40, smallConfig(16), nil)
	require.NoError(t, err)
	assert.Equal(t, 16, enc.Dim())

	ids, err := enc.EncodePair("cat sat", "cat sits")
	require.NoError(t, err)

	features, err := enc.ExtractFeatures(ids)
	require.NoError(t, err)
	rows, cols := features.Shape()
	assert.Equal(t, len(ids), rows)
	assert.Equal(t, 16, cols)
	assert.False(t, features.RequiresGrad)

	again, err := enc.ExtractFeatures(ids)
	require.NoError(t, err)
	assert.Same(t, features, again)
}

func TestFeaturesDependOnPosition(t *testing.T) {
	enc, _, err := Bootstrap(texts, 40, smallConfig(8), nil)
	require.NoError(t, err)
	pad := enc.PadID()

	features, err := enc.ExtractFeatures([]int{pad, pad})
	require.NoError(t, err)
	assert.NotEqual(t, features.Data.RawRowView(0), features.Data.RawRowView(1))
}

func TestParametersAreFrozen(t *testing.T) {
	enc, _, err := Bootstrap(texts, 40, smallConfig(8), nil)
	require.NoError(t, err)
	params := enc.Parameters()
	require.Len(t, params, 6)
	for _, p := range params {
		assert.False(t, p.RequiresGrad, p.Name)
		assert.Nil(t, p.Grad, p.Name)
	}
}

func TestExtractFeaturesRejectsBadSequences(t *testing.T) {
	enc, _, err := Bootstrap(texts, 40, smallConfig(8), nil)
	require.NoError(t, err)

	_, err = enc.ExtractFeatures(nil)
	assert.True(t, errs.IsShape(err))

	_, err = enc.ExtractFeatures([]int{enc.Tokenizer().VocabSize() + 3})
	assert.True(t, errs.IsShape(err))

	_, err = enc.ExtractFeatures(make([]int, 35))
	assert.True(t, errs.IsShape(err))
}

func TestOpenFromFiles(t *testing.T) {
	cfg := smallConfig(8)
	enc, weights, err := Bootstrap(texts, 40, cfg, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.VocabPath = filepath.Join(dir, "vocab.json")
	cfg.MergesPath = filepath.Join(dir, "merges.txt")
	cfg.WeightsPath = filepath.Join(dir, "encoder.gob")
	require.NoError(t, enc.Tokenizer().Save(cfg.VocabPath, cfg.MergesPath))
	require.NoError(t, weights.Save(cfg.WeightsPath))

	opened, err := Open(cfg, nil)
	require.NoError(t, err)

	ids, err := opened.EncodePair("dog ran", "sky is blue")
	require.NoError(t, err)
	want, err := enc.ExtractFeatures(ids)
	require.NoError(t, err)
	got, err := opened.ExtractFeatures(ids)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data.RawMatrix().Data, got.Data.RawMatrix().Data, 1e-12)
}

func TestOpenWithoutWeightsUsesSeed(t *testing.T) {
	cfg := smallConfig(8)
	tok, err := tokenizer.Train(texts, 40, nil)
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.VocabPath = filepath.Join(dir, "vocab.json")
	cfg.MergesPath = filepath.Join(dir, "merges.txt")
	require.NoError(t, tok.Save(cfg.VocabPath, cfg.MergesPath))

	first, err := Open(cfg, nil)
	require.NoError(t, err)
	second, err := Open(cfg, nil)
	require.NoError(t, err)

	ids := []int{0, 4, 2}
	a, err := first.ExtractFeatures(ids)
	require.NoError(t, err)
	b, err := second.ExtractFeatures(ids)
	require.NoError(t, err)
	assert.Equal(t, a.Data.RawMatrix().Data, b.Data.RawMatrix().Data)
}

func TestLoadWeightsErrors(t *testing.T) {
	_, err := LoadWeights(filepath.Join(t.TempDir(), "missing.gob"))
	assert.True(t, errs.IsLoad(err))
}

func TestNewRejectsMismatchedWeights(t *testing.T) {
	tok, err := tokenizer.Train(texts, 40, nil)
	require.NoError(t, err)
	weights, err := RandomWeights(2, 514, 8, 1)
	require.NoError(t, err)
	_, err = New(tok, weights, 4, nil)
	assert.True(t, errs.IsShape(err))
}

func TestClose(t *testing.T) {
	enc, _, err := Bootstrap(texts, 40, smallConfig(8), nil)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.Error(t, enc.Close())

	_, err = enc.ExtractFeatures([]int{0})
	require.Error(t, err)
	_, err = enc.EncodePair("a", "b")
	require.Error(t, err)
}
