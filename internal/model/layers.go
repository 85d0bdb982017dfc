package model

import (
	"fmt"
	"math/rand"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/pkg/autodiff"
)

// Linear is a fully connected layer y = x W + b.
type Linear struct {
	InputDim  int
	OutputDim int
	Weight    *autodiff.Tensor
	Bias      *autodiff.Tensor
}

// NewLinear creates a layer with Xavier-initialized weights and a zero bias.
func NewLinear(inputDim, outputDim int, rng *rand.Rand, name string) (*Linear, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, fmt.Errorf("%w: linear layer %s needs positive dimensions, got %dx%d", errs.ErrConfig, name, inputDim, outputDim)
	}
	w, err := autodiff.NewParameter(inputDim, outputDim, rng, name+".weight")
	if err != nil {
		return nil, err
	}
	b, err := autodiff.NewZeroParameter(1, outputDim, name+".bias")
	if err != nil {
		return nil, err
	}
	return &Linear{InputDim: inputDim, OutputDim: outputDim, Weight: w, Bias: b}, nil
}

// Forward applies the layer to a batch x InputDim tensor.
func (l *Linear) Forward(x *autodiff.Tensor) (*autodiff.Tensor, error) {
	h, err := autodiff.MatMul(x, l.Weight)
	if err != nil {
		return nil, err
	}
	return autodiff.AddRowVector(h, l.Bias)
}

// Parameters returns the weight and bias.
func (l *Linear) Parameters() []*autodiff.Tensor {
	return []*autodiff.Tensor{l.Weight, l.Bias}
}

// Dropout is an inverted dropout layer with its own random source.
type Dropout struct {
	Rate float64
	rng  *rand.Rand
}

// NewDropout creates a dropout layer. Rate must lie in [0, 1).
func NewDropout(rate float64, seed int64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("%w: dropout rate must be in [0, 1), got %f", errs.ErrConfig, rate)
	}
	return &Dropout{Rate: rate, rng: rand.New(rand.NewSource(seed))}, nil
}

// Forward drops elements during training and passes input through otherwise.
func (d *Dropout) Forward(x *autodiff.Tensor, training bool) (*autodiff.Tensor, error) {
	if !training || d.Rate == 0 {
		return x, nil
	}
	return autodiff.Dropout(x, d.Rate, d.rng)
}
