package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogSoftmax normalizes every row into log-probabilities. The row maximum is
// subtracted before exponentiation.
func LogSoftmax(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	r, c := a.Shape()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := a.Data.RawRowView(i)
		max := floats.Max(row)
		sum := 0.0
		for _, x := range row {
			sum += math.Exp(x - max)
		}
		lse := max + math.Log(sum)
		dst := out.RawRowView(i)
		for j, x := range row {
			dst[j] = x - lse
		}
	}

	res := newResult(out, "log_softmax", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			// dx = dy - softmax * sum(dy)
			g := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				up := res.Grad.RawRowView(i)
				total := floats.Sum(up)
				dst := g.RawRowView(i)
				for j, y := range out.RawRowView(i) {
					dst[j] = up[j] - math.Exp(y)*total
				}
			}
			accumulate(a, g)
		}
	}
	return res, nil
}

// NLLLoss is the mean negative log-likelihood of targets under row-wise
// log-probabilities.
func NLLLoss(logProbs *Tensor, targets []int) (*Tensor, error) {
	if logProbs == nil {
		return nil, fmt.Errorf("log-probability tensor cannot be nil")
	}
	r, c := logProbs.Shape()
	if len(targets) != r {
		return nil, fmt.Errorf("%w: %d targets for batch of %d", ErrShapeMismatch, len(targets), r)
	}
	loss := 0.0
	for i, target := range targets {
		if target < 0 || target >= c {
			return nil, fmt.Errorf("target index out of bounds: %d (must be in [0, %d))", target, c)
		}
		loss -= logProbs.Data.At(i, target)
	}
	loss /= float64(r)

	res := newResult(mat.NewDense(1, 1, []float64{loss}), "nll_loss", logProbs)
	if res.RequiresGrad {
		res.backwardFn = func() {
			up := res.Grad.At(0, 0)
			g := mat.NewDense(r, c, nil)
			for i, target := range targets {
				g.Set(i, target, -up/float64(r))
			}
			accumulate(logProbs, g)
		}
	}
	return res, nil
}

// MSELoss is the mean squared error between predictions and fixed targets.
func MSELoss(predictions *Tensor, targets *mat.Dense) (*Tensor, error) {
	if predictions == nil || targets == nil {
		return nil, fmt.Errorf("predictions and targets cannot be nil")
	}
	pr, pc := predictions.Shape()
	tr, tc := targets.Dims()
	if pr != tr || pc != tc {
		return nil, fmt.Errorf("%w: predictions(%dx%d), targets(%dx%d)", ErrShapeMismatch, pr, pc, tr, tc)
	}
	var diff mat.Dense
	diff.Sub(predictions.Data, targets)
	n := float64(pr * pc)
	loss := mat.Norm(&diff, 2)
	loss = loss * loss / n

	res := newResult(mat.NewDense(1, 1, []float64{loss}), "mse_loss", predictions)
	if res.RequiresGrad {
		res.backwardFn = func() {
			var g mat.Dense
			g.Scale(2*res.Grad.At(0, 0)/n, &diff)
			accumulate(predictions, &g)
		}
	}
	return res, nil
}
