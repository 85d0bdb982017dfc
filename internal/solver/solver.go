// Package solver builds the optimizer for the trainable head parameters and
// runs single training steps.
package solver

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/roberta_ists/internal/errs"
	"github.com/roberta_ists/internal/logutil"
	"github.com/roberta_ists/pkg/autodiff"
)

// Config holds the optimizer hyperparameters.
type Config struct {
	BaseLR      float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	// ClipGradNorm caps the global gradient norm before each step; 0 disables.
	ClipGradNorm float64
}

// NewDefaultConfig returns Adam's customary settings with a small learning rate.
func NewDefaultConfig() Config {
	return Config{
		BaseLR: 1e-4,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
	}
}

// Validate checks the hyperparameters.
func (c Config) Validate() error {
	if !(c.BaseLR > 0) || math.IsInf(c.BaseLR, 0) {
		return fmt.Errorf("%w: base learning rate must be positive, got %g", errs.ErrConfig, c.BaseLR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("%w: betas must be in [0, 1), got %g and %g", errs.ErrConfig, c.Beta1, c.Beta2)
	}
	if !(c.Eps > 0) {
		return fmt.Errorf("%w: eps must be positive, got %g", errs.ErrConfig, c.Eps)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight decay must not be negative, got %g", errs.ErrConfig, c.WeightDecay)
	}
	if c.ClipGradNorm < 0 {
		return fmt.Errorf("%w: clip grad norm must not be negative, got %g", errs.ErrConfig, c.ClipGradNorm)
	}
	return nil
}

// Adam implements the Adam optimization algorithm with bias-corrected moments.
type Adam struct {
	cfg    Config
	params []*autodiff.Tensor
	m      []*mat.Dense
	v      []*mat.Dense
	t      int
}

// MakeOptimizer builds Adam over params. Every parameter must be trainable;
// passing a frozen encoder weight is a configuration error.
func MakeOptimizer(cfg Config, params []*autodiff.Tensor, logger *zap.Logger) (*Adam, error) {
	logger = logutil.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters to optimize", errs.ErrConfig)
	}
	opt := &Adam{
		cfg:    cfg,
		params: make([]*autodiff.Tensor, len(params)),
		m:      make([]*mat.Dense, len(params)),
		v:      make([]*mat.Dense, len(params)),
	}
	count := 0
	for i, p := range params {
		if p == nil {
			return nil, fmt.Errorf("%w: parameter %d is nil", errs.ErrConfig, i)
		}
		if !p.RequiresGrad {
			return nil, fmt.Errorf("%w: parameter %q is frozen", errs.ErrConfig, p.Name)
		}
		r, c := p.Shape()
		opt.params[i] = p
		opt.m[i] = mat.NewDense(r, c, nil)
		opt.v[i] = mat.NewDense(r, c, nil)
		count += r * c
	}

	logger.Info("optimizer built",
		zap.String("type", "adam"),
		zap.Float64("lr", cfg.BaseLR),
		zap.Int("tensors", len(params)),
		zap.Int("parameters", count))
	return opt, nil
}

// Step applies one update to every parameter holding a gradient.
func (opt *Adam) Step() {
	opt.t++
	bc1 := 1 - math.Pow(opt.cfg.Beta1, float64(opt.t))
	bc2 := 1 - math.Pow(opt.cfg.Beta2, float64(opt.t))
	for i, p := range opt.params {
		if p.Grad == nil {
			continue
		}
		var g mat.Dense
		g.CloneFrom(p.Grad)
		if opt.cfg.WeightDecay > 0 {
			var decay mat.Dense
			decay.Scale(opt.cfg.WeightDecay, p.Data)
			g.Add(&g, &decay)
		}
		var g2 mat.Dense
		g2.MulElem(&g, &g)

		m, v := opt.m[i], opt.v[i]
		var dm, dv mat.Dense
		dm.Scale(1-opt.cfg.Beta1, &g)
		m.Scale(opt.cfg.Beta1, m)
		m.Add(m, &dm)
		dv.Scale(1-opt.cfg.Beta2, &g2)
		v.Scale(opt.cfg.Beta2, v)
		v.Add(v, &dv)

		lr := opt.cfg.BaseLR
		eps := opt.cfg.Eps
		p.Data.Apply(func(r, c int, w float64) float64 {
			mHat := m.At(r, c) / bc1
			vHat := v.At(r, c) / bc2
			return w - lr*mHat/(math.Sqrt(vHat)+eps)
		}, p.Data)
	}
}

// ClipGradients rescales every gradient so their global norm is at most
// ClipGradNorm and returns the norm before clipping.
func (opt *Adam) ClipGradients() float64 {
	sq := 0.0
	for _, p := range opt.params {
		n := p.GradNorm()
		sq += n * n
	}
	total := math.Sqrt(sq)
	if opt.cfg.ClipGradNorm > 0 && total > opt.cfg.ClipGradNorm {
		factor := opt.cfg.ClipGradNorm / (total + 1e-6)
		for _, p := range opt.params {
			if p.Grad != nil {
				p.Grad.Scale(factor, p.Grad)
			}
		}
	}
	return total
}

// ZeroGrad clears the gradients of every managed parameter.
func (opt *Adam) ZeroGrad() {
	for _, p := range opt.params {
		p.ZeroGrad()
	}
}

// LearningRate returns the base learning rate.
func (opt *Adam) LearningRate() float64 {
	return opt.cfg.BaseLR
}

// Steps returns how many updates have been applied.
func (opt *Adam) Steps() int {
	return opt.t
}

// Parameters returns the managed tensors.
func (opt *Adam) Parameters() []*autodiff.Tensor {
	return opt.params
}
