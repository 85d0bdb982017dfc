package autodiff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned by operations whose operands have incompatible dimensions.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense 2-D value that can take part in reverse-mode differentiation.
//
// Only tensors with RequiresGrad set ever allocate Grad. A graph is recorded
// for an operation only when at least one of its inputs requires gradients,
// so computations over frozen values stay graph-free.
type Tensor struct {
	Data         *mat.Dense
	Grad         *mat.Dense
	RequiresGrad bool
	Name         string

	children   []*Tensor
	backwardFn func()
}

// NewTensor wraps a matrix in a tensor.
func NewTensor(data *mat.Dense, requiresGrad bool, name string) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}
	if data.IsEmpty() {
		return nil, fmt.Errorf("data matrix for %q is empty", name)
	}
	return &Tensor{Data: data, RequiresGrad: requiresGrad, Name: name}, nil
}

// Constant wraps a matrix as a tensor that never receives gradients.
func Constant(data *mat.Dense, name string) *Tensor {
	return &Tensor{Data: data, Name: name}
}

// NewParameter creates a trainable rows x cols tensor with Xavier-uniform initialization.
func NewParameter(rows, cols int, rng *rand.Rand, name string) (*Tensor, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("dimensions must be positive: rows=%d, cols=%d", rows, cols)
	}
	if rng == nil {
		return nil, fmt.Errorf("parameter %q needs a random source", name)
	}
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return NewTensor(mat.NewDense(rows, cols, data), true, name)
}

// NewZeroParameter creates a trainable rows x cols tensor filled with zeros.
func NewZeroParameter(rows, cols int, name string) (*Tensor, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("dimensions must be positive: rows=%d, cols=%d", rows, cols)
	}
	return NewTensor(mat.NewDense(rows, cols, nil), true, name)
}

// Shape returns the tensor dimensions.
func (t *Tensor) Shape() (rows, cols int) {
	return t.Data.Dims()
}

// Value returns the single element of a 1x1 tensor.
func (t *Tensor) Value() float64 {
	return t.Data.At(0, 0)
}

// ZeroGrad resets the accumulated gradient, if any.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

// GradNorm returns the Frobenius norm of the accumulated gradient, 0 if none exists.
func (t *Tensor) GradNorm() float64 {
	if t.Grad == nil {
		return 0
	}
	return mat.Norm(t.Grad, 2)
}

// Backward propagates gradients from a scalar tensor to every tensor in its
// graph that requires them.
func (t *Tensor) Backward() error {
	if r, c := t.Shape(); r != 1 || c != 1 {
		return fmt.Errorf("backward needs a scalar tensor, got %dx%d", r, c)
	}
	if !t.RequiresGrad {
		return fmt.Errorf("tensor %q does not require gradients", t.Name)
	}

	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)
	var build func(node *Tensor)
	build = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, child := range node.children {
			build(child)
		}
		topo = append(topo, node)
	}
	build(t)

	t.Grad = mat.NewDense(1, 1, []float64{1})
	for i := len(topo) - 1; i >= 0; i-- {
		if node := topo[i]; node.backwardFn != nil && node.Grad != nil {
			node.backwardFn()
		}
	}
	return nil
}

func newResult(data *mat.Dense, name string, inputs ...*Tensor) *Tensor {
	res := &Tensor{Data: data, Name: name}
	for _, in := range inputs {
		if in.RequiresGrad {
			res.RequiresGrad = true
			break
		}
	}
	if res.RequiresGrad {
		res.children = inputs
	}
	return res
}

func ensureGrad(t *Tensor) *mat.Dense {
	if t.Grad == nil {
		r, c := t.Data.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
	return t.Grad
}

func accumulate(t *Tensor, g mat.Matrix) {
	if !t.RequiresGrad {
		return
	}
	grad := ensureGrad(t)
	grad.Add(grad, g)
}

// MatMul performs matrix multiplication with gradient tracking.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	ar, ac := a.Shape()
	br, bc := b.Shape()
	if ac != br {
		return nil, fmt.Errorf("%w: matmul a(%dx%d), b(%dx%d)", ErrShapeMismatch, ar, ac, br, bc)
	}

	var out mat.Dense
	out.Mul(a.Data, b.Data)
	res := newResult(&out, "matmul", a, b)
	if res.RequiresGrad {
		res.backwardFn = func() {
			// dL/dA = dL/dC * B^T, dL/dB = A^T * dL/dC
			if a.RequiresGrad {
				var g mat.Dense
				g.Mul(res.Grad, b.Data.T())
				accumulate(a, &g)
			}
			if b.RequiresGrad {
				var g mat.Dense
				g.Mul(a.Data.T(), res.Grad)
				accumulate(b, &g)
			}
		}
	}
	return res, nil
}

// Add performs element-wise addition with gradient tracking.
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	ar, ac := a.Shape()
	br, bc := b.Shape()
	if ar != br || ac != bc {
		return nil, fmt.Errorf("%w: add a(%dx%d), b(%dx%d)", ErrShapeMismatch, ar, ac, br, bc)
	}

	var out mat.Dense
	out.Add(a.Data, b.Data)
	res := newResult(&out, "add", a, b)
	if res.RequiresGrad {
		res.backwardFn = func() {
			accumulate(a, res.Grad)
			accumulate(b, res.Grad)
		}
	}
	return res, nil
}

// AddRowVector adds the 1 x cols vector v to every row of a.
func AddRowVector(a, v *Tensor) (*Tensor, error) {
	if a == nil || v == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	ar, ac := a.Shape()
	vr, vc := v.Shape()
	if vr != 1 || vc != ac {
		return nil, fmt.Errorf("%w: add row vector a(%dx%d), v(%dx%d)", ErrShapeMismatch, ar, ac, vr, vc)
	}

	out := mat.NewDense(ar, ac, nil)
	out.Apply(func(_, j int, x float64) float64 {
		return x + v.Data.At(0, j)
	}, a.Data)
	res := newResult(out, "add_row", a, v)
	if res.RequiresGrad {
		res.backwardFn = func() {
			accumulate(a, res.Grad)
			if v.RequiresGrad {
				grad := ensureGrad(v)
				for i := 0; i < ar; i++ {
					for j := 0; j < ac; j++ {
						grad.Set(0, j, grad.At(0, j)+res.Grad.At(i, j))
					}
				}
			}
		}
	}
	return res, nil
}

// Scale multiplies a tensor by a scalar with gradient tracking.
func Scale(a *Tensor, s float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	var out mat.Dense
	out.Scale(s, a.Data)
	res := newResult(&out, "scale", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			var g mat.Dense
			g.Scale(s, res.Grad)
			accumulate(a, &g)
		}
	}
	return res, nil
}

// ReLU applies max(0, x) element-wise.
func ReLU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	var out mat.Dense
	out.Apply(func(_, _ int, x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	}, a.Data)
	res := newResult(&out, "relu", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			var g mat.Dense
			g.Apply(func(i, j int, x float64) float64 {
				if a.Data.At(i, j) > 0 {
					return x
				}
				return 0
			}, res.Grad)
			accumulate(a, &g)
		}
	}
	return res, nil
}

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	var out mat.Dense
	out.Apply(func(_, _ int, x float64) float64 {
		return 0.5 * x * (1 + math.Tanh(sqrt2OverPi*(x+geluCoeff*x*x*x)))
	}, a.Data)
	res := newResult(&out, "gelu", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			var g mat.Dense
			g.Apply(func(i, j int, up float64) float64 {
				x := a.Data.At(i, j)
				th := math.Tanh(sqrt2OverPi * (x + geluCoeff*x*x*x))
				inner := sqrt2OverPi * (1 + 3*geluCoeff*x*x)
				return up * (0.5*(1+th) + 0.5*x*(1-th*th)*inner)
			}, res.Grad)
			accumulate(a, &g)
		}
	}
	return res, nil
}

// Gather selects rows of table by index, the embedding lookup.
func Gather(table *Tensor, ids []int) (*Tensor, error) {
	if table == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("gather needs at least one index")
	}
	rows, cols := table.Shape()
	out := mat.NewDense(len(ids), cols, nil)
	for k, id := range ids {
		if id < 0 || id >= rows {
			return nil, fmt.Errorf("%w: index %d outside table of %d rows", ErrShapeMismatch, id, rows)
		}
		out.SetRow(k, table.Data.RawRowView(id))
	}
	res := newResult(out, "gather", table)
	if res.RequiresGrad {
		res.backwardFn = func() {
			grad := ensureGrad(table)
			for k, id := range ids {
				dst := grad.RawRowView(id)
				src := res.Grad.RawRowView(k)
				for j := range dst {
					dst[j] += src[j]
				}
			}
		}
	}
	return res, nil
}

// MeanPool averages each example's per-token features into one row, giving a
// batch x width tensor. masks[i][t] weights token t of example i; a nil mask
// (or nil masks) counts every token. Tokens with zero weight, such as
// padding, do not contribute to the average.
func MeanPool(features []*Tensor, masks [][]float64) (*Tensor, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("mean pool needs at least one example")
	}
	if masks != nil && len(masks) != len(features) {
		return nil, fmt.Errorf("%w: %d masks for %d examples", ErrShapeMismatch, len(masks), len(features))
	}
	_, width := features[0].Shape()
	out := mat.NewDense(len(features), width, nil)
	weights := make([][]float64, len(features))
	for i, f := range features {
		seq, w := f.Shape()
		if w != width {
			return nil, fmt.Errorf("%w: example %d has width %d, want %d", ErrShapeMismatch, i, w, width)
		}
		var mask []float64
		if masks != nil {
			mask = masks[i]
		}
		if mask != nil && len(mask) != seq {
			return nil, fmt.Errorf("%w: example %d has %d tokens but mask of %d", ErrShapeMismatch, i, seq, len(mask))
		}
		total := 0.0
		weights[i] = make([]float64, seq)
		for t := 0; t < seq; t++ {
			weights[i][t] = 1
			if mask != nil {
				weights[i][t] = mask[t]
			}
			total += weights[i][t]
		}
		if total <= 0 {
			return nil, fmt.Errorf("example %d has no unmasked tokens", i)
		}
		row := out.RawRowView(i)
		for t := 0; t < seq; t++ {
			weights[i][t] /= total
			if weights[i][t] == 0 {
				continue
			}
			for j, x := range f.Data.RawRowView(t) {
				row[j] += weights[i][t] * x
			}
		}
	}

	res := newResult(out, "mean_pool", features...)
	if res.RequiresGrad {
		res.backwardFn = func() {
			for i, f := range features {
				if !f.RequiresGrad {
					continue
				}
				grad := ensureGrad(f)
				up := res.Grad.RawRowView(i)
				for t, w := range weights[i] {
					dst := grad.RawRowView(t)
					for j := range dst {
						dst[j] += w * up[j]
					}
				}
			}
		}
	}
	return res, nil
}

// Dropout zeroes each element with probability rate and scales the survivors
// by 1/(1-rate). A fresh mask is drawn on every call.
func Dropout(a *Tensor, rate float64, rng *rand.Rand) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}
	if rate == 0 {
		return a, nil
	}
	if rng == nil {
		return nil, fmt.Errorf("dropout needs a random source")
	}
	r, c := a.Shape()
	scale := 1 / (1 - rate)
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() >= rate {
				mask.Set(i, j, scale)
			}
		}
	}
	var out mat.Dense
	out.MulElem(a.Data, mask)
	res := newResult(&out, "dropout", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			var g mat.Dense
			g.MulElem(res.Grad, mask)
			accumulate(a, &g)
		}
	}
	return res, nil
}

// Sum reduces all elements to a 1x1 tensor.
func Sum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	res := newResult(mat.NewDense(1, 1, []float64{mat.Sum(a.Data)}), "sum", a)
	if res.RequiresGrad {
		res.backwardFn = func() {
			up := res.Grad.At(0, 0)
			var g mat.Dense
			g.Apply(func(_, _ int, _ float64) float64 { return up }, a.Data)
			accumulate(a, &g)
		}
	}
	return res, nil
}
