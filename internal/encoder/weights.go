package encoder

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/roberta_ists/internal/errs"
)

// Weights holds the pretrained encoder tensors.
type Weights struct {
	Tokens     *mat.Dense // vocab x dim
	Positions  *mat.Dense // max positions x dim
	Gamma      *mat.Dense // 1 x dim, embedding layer norm scale
	Beta       *mat.Dense // 1 x dim, embedding layer norm shift
	Projection *mat.Dense // dim x dim
	Bias       *mat.Dense // 1 x dim
}

// RandomWeights draws weights the way the pretrained model was initialized
// (normal, std 0.02), seeded for reproducibility.
func RandomWeights(vocabSize, maxPositions, dim int, seed int64) (*Weights, error) {
	if vocabSize <= 0 || maxPositions <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: vocab=%d positions=%d dim=%d must be positive", errs.ErrConfig, vocabSize, maxPositions, dim)
	}
	rng := rand.New(rand.NewSource(seed))
	normal := func(rows, cols int, std float64) *mat.Dense {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = rng.NormFloat64() * std
		}
		return mat.NewDense(rows, cols, data)
	}
	gamma := mat.NewDense(1, dim, nil)
	for j := 0; j < dim; j++ {
		gamma.Set(0, j, 1)
	}
	return &Weights{
		Tokens:     normal(vocabSize, dim, 0.02),
		Positions:  normal(maxPositions, dim, 0.02),
		Gamma:      gamma,
		Beta:       mat.NewDense(1, dim, nil),
		Projection: normal(dim, dim, 1/math.Sqrt(float64(dim))),
		Bias:       mat.NewDense(1, dim, nil),
	}, nil
}

// LoadWeights reads gob-encoded weights.
func LoadWeights(path string) (*Weights, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open weights: %v", errs.ErrLoad, err)
	}
	defer file.Close()

	var w Weights
	if err := gob.NewDecoder(file).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode weights %s: %v", errs.ErrLoad, path, err)
	}
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrLoad, path, err)
	}
	return &w, nil
}

// Save writes the weights with gob.
func (w *Weights) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create weights file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(w); err != nil {
		file.Close()
		return fmt.Errorf("encode weights: %w", err)
	}
	return file.Close()
}

// Dim returns the feature width.
func (w *Weights) Dim() int {
	_, dim := w.Tokens.Dims()
	return dim
}

func (w *Weights) validate() error {
	if w.Tokens == nil || w.Positions == nil || w.Gamma == nil || w.Beta == nil || w.Projection == nil || w.Bias == nil {
		return fmt.Errorf("weights are incomplete")
	}
	dim := w.Dim()
	if _, c := w.Positions.Dims(); c != dim {
		return fmt.Errorf("position embeddings have width %d, want %d", c, dim)
	}
	for name, v := range map[string]*mat.Dense{"gamma": w.Gamma, "beta": w.Beta, "bias": w.Bias} {
		if r, c := v.Dims(); r != 1 || c != dim {
			return fmt.Errorf("%s is %dx%d, want 1x%d", name, r, c, dim)
		}
	}
	if r, c := w.Projection.Dims(); r != dim || c != dim {
		return fmt.Errorf("projection is %dx%d, want %dx%d", r, c, dim, dim)
	}
	return nil
}
