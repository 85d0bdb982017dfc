package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNormEpsilon is added to the variance before taking its square root.
const LayerNormEpsilon = 1e-5

// LayerNorm normalizes each row of a to zero mean and unit variance, then
// scales by gamma and shifts by beta (both 1 x cols).
func LayerNorm(a, gamma, beta *Tensor) (*Tensor, error) {
	if a == nil || gamma == nil || beta == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	r, c := a.Shape()
	for _, p := range []*Tensor{gamma, beta} {
		if pr, pc := p.Shape(); pr != 1 || pc != c {
			return nil, fmt.Errorf("%w: layer norm input(%dx%d), %s(%dx%d)", ErrShapeMismatch, r, c, p.Name, pr, pc)
		}
	}

	normalized := mat.NewDense(r, c, nil)
	invStd := make([]float64, r)
	out := mat.NewDense(r, c, nil)
	g := gamma.Data.RawRowView(0)
	b := beta.Data.RawRowView(0)
	for i := 0; i < r; i++ {
		row := a.Data.RawRowView(i)
		mean := 0.0
		for _, x := range row {
			mean += x
		}
		mean /= float64(c)
		variance := 0.0
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance /= float64(c)
		invStd[i] = 1 / math.Sqrt(variance+LayerNormEpsilon)

		xhat := normalized.RawRowView(i)
		y := out.RawRowView(i)
		for j, x := range row {
			xhat[j] = (x - mean) * invStd[i]
			y[j] = xhat[j]*g[j] + b[j]
		}
	}

	res := newResult(out, "layer_norm", a, gamma, beta)
	if res.RequiresGrad {
		res.backwardFn = func() {
			if gamma.RequiresGrad || beta.RequiresGrad {
				dGamma := mat.NewDense(1, c, nil)
				dBeta := mat.NewDense(1, c, nil)
				dg := dGamma.RawRowView(0)
				db := dBeta.RawRowView(0)
				for i := 0; i < r; i++ {
					up := res.Grad.RawRowView(i)
					xhat := normalized.RawRowView(i)
					for j := range up {
						dg[j] += up[j] * xhat[j]
						db[j] += up[j]
					}
				}
				accumulate(gamma, dGamma)
				accumulate(beta, dBeta)
			}
			if !a.RequiresGrad {
				return
			}
			dx := mat.NewDense(r, c, nil)
			dxhat := make([]float64, c)
			for i := 0; i < r; i++ {
				up := res.Grad.RawRowView(i)
				xhat := normalized.RawRowView(i)
				meanD, meanDX := 0.0, 0.0
				for j := range up {
					dxhat[j] = up[j] * g[j]
					meanD += dxhat[j]
					meanDX += dxhat[j] * xhat[j]
				}
				meanD /= float64(c)
				meanDX /= float64(c)
				row := dx.RawRowView(i)
				for j := range row {
					row[j] = invStd[i] * (dxhat[j] - meanD - xhat[j]*meanDX)
				}
			}
			accumulate(a, dx)
		}
	}
	return res, nil
}
