package model

import (
	"encoding/gob"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/roberta_ists/internal/errs"
)

// HeadWeights is the on-disk form of the trainable head tensors, keyed by
// parameter name.
type HeadWeights struct {
	NumClasses    int
	HiddenNeurons int
	Tensors       map[string]*mat.Dense
}

// HeadWeights copies the current head parameters.
func (m *Model) HeadWeights() *HeadWeights {
	w := &HeadWeights{
		NumClasses:    m.cfg.NumClasses,
		HiddenNeurons: m.cfg.HiddenNeurons,
		Tensors:       make(map[string]*mat.Dense),
	}
	for _, p := range m.Parameters().Trainable {
		w.Tensors[p.Name] = mat.DenseCopyOf(p.Data)
	}
	return w
}

// SetHeadWeights overwrites the head parameters. Every tensor must be present
// with the shape the model was built with.
func (m *Model) SetHeadWeights(w *HeadWeights) error {
	if w == nil {
		return fmt.Errorf("%w: no head weights", errs.ErrLoad)
	}
	if w.NumClasses != m.cfg.NumClasses || w.HiddenNeurons != m.cfg.HiddenNeurons {
		return fmt.Errorf("%w: weights are for %d classes and %d hidden neurons, model has %d and %d",
			errs.ErrShape, w.NumClasses, w.HiddenNeurons, m.cfg.NumClasses, m.cfg.HiddenNeurons)
	}
	params := m.Parameters().Trainable
	for _, p := range params {
		saved, ok := w.Tensors[p.Name]
		if !ok || saved == nil {
			return fmt.Errorf("%w: missing tensor %s", errs.ErrLoad, p.Name)
		}
		wr, wc := saved.Dims()
		pr, pc := p.Shape()
		if wr != pr || wc != pc {
			return fmt.Errorf("%w: tensor %s is %dx%d, model expects %dx%d", errs.ErrShape, p.Name, wr, wc, pr, pc)
		}
	}
	for _, p := range params {
		p.Data.Copy(w.Tensors[p.Name])
	}
	return nil
}

// SaveHeads writes the head parameters to path with gob.
func (m *Model) SaveHeads(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create head weights file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(m.HeadWeights()); err != nil {
		file.Close()
		return fmt.Errorf("encode head weights: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	m.logger.Info("head weights saved", zap.String("path", path))
	return nil
}

// LoadHeads restores head parameters written by SaveHeads.
func (m *Model) LoadHeads(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open head weights: %v", errs.ErrLoad, err)
	}
	defer file.Close()

	var w HeadWeights
	if err := gob.NewDecoder(file).Decode(&w); err != nil {
		return fmt.Errorf("%w: decode head weights %s: %v", errs.ErrLoad, path, err)
	}
	if err := m.SetHeadWeights(&w); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.logger.Info("head weights loaded", zap.String("path", path))
	return nil
}
