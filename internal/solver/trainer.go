package solver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/roberta_ists/internal/dataset"
	"github.com/roberta_ists/internal/logutil"
	"github.com/roberta_ists/internal/model"
)

// Trainer performs forward, loss, backward and update for one batch at a time.
type Trainer struct {
	Model     *model.Model
	Optimizer *Adam
	PadID     int

	logger *zap.Logger
}

// NewTrainer pairs a model with its optimizer.
func NewTrainer(m *model.Model, opt *Adam, padID int, logger *zap.Logger) (*Trainer, error) {
	if m == nil || opt == nil {
		return nil, fmt.Errorf("model and optimizer are required")
	}
	return &Trainer{Model: m, Optimizer: opt, PadID: padID, logger: logutil.OrNop(logger)}, nil
}

// Step trains on one batch and returns the loss before the update.
func (t *Trainer) Step(b dataset.Batch) (float64, error) {
	if len(b.Tokens) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	ids, masks := b.Padded(t.PadID)

	t.Model.Train()
	t.Optimizer.ZeroGrad()
	out, err := t.Model.Forward(ids, masks)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	loss, err := t.Model.Loss(out, b.Similarity, b.Labels)
	if err != nil {
		return 0, fmt.Errorf("loss: %w", err)
	}
	if err := loss.Backward(); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	norm := t.Optimizer.ClipGradients()
	t.Optimizer.Step()

	t.logger.Debug("training step",
		zap.Int("step", t.Optimizer.Steps()),
		zap.Int("batch_size", len(ids)),
		zap.Float64("grad_norm", norm),
		zap.Float64("loss", loss.Value()))
	return loss.Value(), nil
}
