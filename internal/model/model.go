// Package model implements the dual-head predictor on top of the frozen
// encoder. Branch A regresses a similarity score per example; branch B
// classifies the explanation label as log-probabilities.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/logutil"
	"github.com/roberta_ists/pkg/autodiff"
)

// FeatureDim is the width of the pooled encoder representation the heads consume.
const FeatureDim = 1024

// FeatureExtractor produces per-token features for a token id sequence.
type FeatureExtractor interface {
	ExtractFeatures(ids []int) (*autodiff.Tensor, error)
	Parameters() []*autodiff.Tensor
}

// Config holds the head hyperparameters.
type Config struct {
	NumClasses    int
	Dropout       float64
	HiddenNeurons int
	Seed          int64
}

// NewDefaultConfig returns the usual head settings.
func NewDefaultConfig() Config {
	return Config{
		NumClasses:    8,
		Dropout:       0.1,
		HiddenNeurons: 256,
		Seed:          42,
	}
}

// Validate checks the hyperparameters.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return fmt.Errorf("%w: num classes must be at least 1, got %d", errs.ErrConfig, c.NumClasses)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %f", errs.ErrConfig, c.Dropout)
	}
	if c.HiddenNeurons < 1 {
		return fmt.Errorf("%w: hidden neurons must be at least 1, got %d", errs.ErrConfig, c.HiddenNeurons)
	}
	return nil
}

// ParameterGroups separates what the optimizer may update from the encoder weights.
type ParameterGroups struct {
	Trainable []*autodiff.Tensor
	Frozen    []*autodiff.Tensor
}

// Output holds both heads for a batch.
type Output struct {
	// Similarity is batch x 1.
	Similarity *autodiff.Tensor
	// Explanation is batch x NumClasses log-probabilities.
	Explanation *autodiff.Tensor
}

// Scores returns the similarity of each example.
func (o *Output) Scores() []float64 {
	return mat.Col(nil, 0, o.Similarity.Data)
}

// Probabilities returns the exponentiated explanation rows.
func (o *Output) Probabilities() [][]float64 {
	rows := autodiff.Rows(o.Explanation.Data)
	for _, row := range rows {
		for j, lp := range row {
			row[j] = math.Exp(lp)
		}
	}
	return rows
}

// Model is the dual-head predictor.
type Model struct {
	cfg     Config
	encoder FeatureExtractor

	dropout1 *Dropout
	dropout2 *Dropout
	linear1  *Linear
	linear2  *Linear
	linear3  *Linear
	linear4  *Linear

	training bool
	logger   *zap.Logger
}

// Build creates the heads around an already opened encoder. The model starts
// in training mode.
func Build(cfg Config, enc FeatureExtractor, logger *zap.Logger) (*Model, error) {
	logger = logutil.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("feature extractor is required")
	}
	if sized, ok := enc.(interface{ Dim() int }); ok && sized.Dim() != FeatureDim {
		return nil, fmt.Errorf("%w: encoder produces %d features, heads expect %d", errs.ErrShape, sized.Dim(), FeatureDim)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{cfg: cfg, encoder: enc, training: true, logger: logger}
	var err error
	if m.dropout1, err = NewDropout(cfg.Dropout, rng.Int63()); err != nil {
		return nil, err
	}
	if m.dropout2, err = NewDropout(cfg.Dropout, rng.Int63()); err != nil {
		return nil, err
	}
	if m.linear1, err = NewLinear(FeatureDim, cfg.HiddenNeurons, rng, "linear1"); err != nil {
		return nil, err
	}
	if m.linear2, err = NewLinear(cfg.HiddenNeurons, 1, rng, "linear2"); err != nil {
		return nil, err
	}
	if m.linear3, err = NewLinear(FeatureDim, cfg.HiddenNeurons, rng, "linear3"); err != nil {
		return nil, err
	}
	if m.linear4, err = NewLinear(cfg.HiddenNeurons, cfg.NumClasses, rng, "linear4"); err != nil {
		return nil, err
	}

	logger.Info("model built",
		zap.Int("num_classes", cfg.NumClasses),
		zap.Int("hidden_neurons", cfg.HiddenNeurons),
		zap.Float64("dropout", cfg.Dropout))
	return m, nil
}

// Train enables dropout.
func (m *Model) Train() {
	m.training = true
}

// Eval disables dropout.
func (m *Model) Eval() {
	m.training = false
}

// Training reports the current mode.
func (m *Model) Training() bool {
	return m.training
}

// Config returns the head hyperparameters.
func (m *Model) Config() Config {
	return m.cfg
}

// Parameters returns the head parameters and, separately, the encoder's.
func (m *Model) Parameters() ParameterGroups {
	var trainable []*autodiff.Tensor
	for _, l := range []*Linear{m.linear1, m.linear2, m.linear3, m.linear4} {
		trainable = append(trainable, l.Parameters()...)
	}
	return ParameterGroups{Trainable: trainable, Frozen: m.encoder.Parameters()}
}

// Forward runs both heads over a batch of token sequences. masks[i][t] is 1
// for real tokens and 0 for padding; a nil masks counts every token.
func (m *Model) Forward(ids [][]int, masks [][]float64) (*Output, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty batch", errs.ErrShape)
	}
	features := make([]*autodiff.Tensor, len(ids))
	for i, seq := range ids {
		f, err := m.encoder.ExtractFeatures(seq)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		if _, width := f.Shape(); width != FeatureDim {
			return nil, fmt.Errorf("%w: example %d has %d features, heads expect %d", errs.ErrShape, i, width, FeatureDim)
		}
		features[i] = f
	}

	pooled, err := MeanPool(features, masks)
	if err != nil {
		return nil, err
	}
	x, err := m.dropout1.Forward(pooled, m.training)
	if err != nil {
		return nil, err
	}

	similarity, err := m.similarityHead(x)
	if err != nil {
		return nil, fmt.Errorf("similarity head: %w", err)
	}
	explanation, err := m.explanationHead(x)
	if err != nil {
		return nil, fmt.Errorf("explanation head: %w", err)
	}
	return &Output{Similarity: similarity, Explanation: explanation}, nil
}

func (m *Model) similarityHead(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := m.linear1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = autodiff.ReLU(h); err != nil {
		return nil, err
	}
	if h, err = m.dropout2.Forward(h, m.training); err != nil {
		return nil, err
	}
	return m.linear2.Forward(h)
}

func (m *Model) explanationHead(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := m.linear3.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = autodiff.ReLU(h); err != nil {
		return nil, err
	}
	if h, err = m.linear4.Forward(h); err != nil {
		return nil, err
	}
	return autodiff.LogSoftmax(h)
}

// MeanPool averages per-token features into one row per example, ignoring
// tokens whose mask entry is 0.
func MeanPool(features []*autodiff.Tensor, masks [][]float64) (*autodiff.Tensor, error) {
	pooled, err := autodiff.MeanPool(features, masks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrShape, err)
	}
	return pooled, nil
}

// Loss is the similarity MSE plus the explanation negative log-likelihood.
func (m *Model) Loss(out *Output, similarity []float64, labels []int) (*autodiff.Tensor, error) {
	targets, err := autodiff.ColumnVector(similarity)
	if err != nil {
		return nil, fmt.Errorf("similarity targets: %w", err)
	}
	mse, err := autodiff.MSELoss(out.Similarity, targets)
	if err != nil {
		return nil, fmt.Errorf("similarity loss: %w", err)
	}
	nll, err := autodiff.NLLLoss(out.Explanation, labels)
	if err != nil {
		return nil, fmt.Errorf("explanation loss: %w", err)
	}
	return autodiff.Add(mse, nll)
}

// Prediction is the eval-mode result for one example.
type Prediction struct {
	Similarity    float64
	Label         int
	Probability   float64
	Probabilities []float64
}

// Predict runs the model in eval mode and restores the previous mode.
func (m *Model) Predict(ids [][]int, masks [][]float64) ([]Prediction, error) {
	training := m.training
	m.training = false
	defer func() { m.training = training }()

	out, err := m.Forward(ids, masks)
	if err != nil {
		return nil, err
	}
	scores := out.Scores()
	probs := out.Probabilities()
	preds := make([]Prediction, len(scores))
	for i, row := range probs {
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		preds[i] = Prediction{
			Similarity:    scores[i],
			Label:         best,
			Probability:   row[best],
			Probabilities: row,
		}
	}
	return preds, nil
}
