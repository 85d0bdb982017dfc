package autodiff

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func mustTensor(t *testing.T, rows [][]float64, requiresGrad bool) *Tensor {
	t.Helper()
	m, err := NewMatrixFromRows(rows)
	require.NoError(t, err)
	tensor, err := NewTensor(m, requiresGrad, "test")
	require.NoError(t, err)
	return tensor
}

// checkGradient compares the analytic gradient of param against central differences of loss.
func checkGradient(t *testing.T, param *Tensor, loss func() *Tensor) {
	t.Helper()
	param.ZeroGrad()
	out := loss()
	require.NoError(t, out.Backward())
	require.NotNil(t, param.Grad)

	const eps = 1e-6
	r, c := param.Shape()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			orig := param.Data.At(i, j)
			param.Data.Set(i, j, orig+eps)
			plus := loss().Value()
			param.Data.Set(i, j, orig-eps)
			minus := loss().Value()
			param.Data.Set(i, j, orig)
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, param.Grad.At(i, j), 1e-5, "gradient mismatch at (%d,%d)", i, j)
		}
	}
}

func TestMatMulGradients(t *testing.T) {
	a := mustTensor(t, [][]float64{{0.5, -1.2, 0.3}, {1.1, 0.4, -0.7}}, true)
	b := mustTensor(t, [][]float64{{0.2, 0.9}, {-0.5, 0.1}, {0.8, -0.3}}, true)
	loss := func() *Tensor {
		c, err := MatMul(a, b)
		require.NoError(t, err)
		s, err := Sum(c)
		require.NoError(t, err)
		return s
	}
	checkGradient(t, a, loss)
	checkGradient(t, b, loss)
}

func TestMatMulShapeMismatch(t *testing.T) {
	a := mustTensor(t, [][]float64{{1, 2}}, false)
	b := mustTensor(t, [][]float64{{1, 2}}, false)
	_, err := MatMul(a, b)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestLinearReLUNLLGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := mustTensor(t, [][]float64{{0.3, -0.2, 0.9}, {-1.0, 0.5, 0.2}}, false)
	w, err := NewParameter(3, 4, rng, "w")
	require.NoError(t, err)
	b, err := NewParameter(1, 4, rng, "b")
	require.NoError(t, err)
	targets := []int{2, 0}

	loss := func() *Tensor {
		h, err := MatMul(x, w)
		require.NoError(t, err)
		h, err = AddRowVector(h, b)
		require.NoError(t, err)
		h, err = GELU(h)
		require.NoError(t, err)
		lp, err := LogSoftmax(h)
		require.NoError(t, err)
		l, err := NLLLoss(lp, targets)
		require.NoError(t, err)
		return l
	}
	checkGradient(t, w, loss)
	checkGradient(t, b, loss)
}

func TestMSELossGradient(t *testing.T) {
	p := mustTensor(t, [][]float64{{0.4}, {-0.1}, {0.7}}, true)
	target := mat.NewDense(3, 1, []float64{0.5, 0.0, 1.0})
	checkGradient(t, p, func() *Tensor {
		relu, err := ReLU(p)
		require.NoError(t, err)
		l, err := MSELoss(relu, target)
		require.NoError(t, err)
		return l
	})
}

func TestLogSoftmaxRowsAreDistributions(t *testing.T) {
	a := mustTensor(t, [][]float64{{1000, 1001, 999}, {-3, 0, 2}, {0, 0, 0}}, false)
	lp, err := LogSoftmax(a)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			v := lp.Data.At(i, j)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			sum += math.Exp(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestMeanPoolPermutationInvariant(t *testing.T) {
	f := mustTensor(t, [][]float64{{1, 2}, {3, 4}, {5, 9}}, false)
	g := mustTensor(t, [][]float64{{5, 9}, {1, 2}, {3, 4}}, false)
	pooled, err := MeanPool([]*Tensor{f, g}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, pooled.Data.RawRowView(0), pooled.Data.RawRowView(1), 1e-12)
	assert.InDeltaSlice(t, []float64{3, 5}, pooled.Data.RawRowView(0), 1e-12)
}

func TestMeanPoolPadding(t *testing.T) {
	plain := mustTensor(t, [][]float64{{1, 2}, {3, 4}}, false)
	padded := mustTensor(t, [][]float64{{1, 2}, {3, 4}, {0, 0}, {0, 0}}, false)

	want, err := MeanPool([]*Tensor{plain}, nil)
	require.NoError(t, err)

	biased, err := MeanPool([]*Tensor{padded}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, want.Data.RawRowView(0), biased.Data.RawRowView(0))

	masked, err := MeanPool([]*Tensor{padded}, [][]float64{{1, 1, 0, 0}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data.RawRowView(0), masked.Data.RawRowView(0), 1e-12)

	_, err = MeanPool([]*Tensor{padded}, [][]float64{{0, 0, 0, 0}})
	require.Error(t, err)
}

func TestMeanPoolGradient(t *testing.T) {
	f := mustTensor(t, [][]float64{{0.1, 0.2}, {0.3, -0.4}, {0.5, 0.6}}, true)
	checkGradient(t, f, func() *Tensor {
		p, err := MeanPool([]*Tensor{f}, [][]float64{{1, 1, 0}})
		require.NoError(t, err)
		sq, err := MSELoss(p, mat.NewDense(1, 2, []float64{1, -1}))
		require.NoError(t, err)
		return sq
	})
	assert.Equal(t, 0.0, f.Grad.At(2, 0))
}

func TestGatherAccumulatesRepeatedRows(t *testing.T) {
	table := mustTensor(t, [][]float64{{1, 1}, {2, 2}, {3, 3}}, true)
	rows, err := Gather(table, []int{1, 1, 2})
	require.NoError(t, err)
	s, err := Sum(rows)
	require.NoError(t, err)
	require.NoError(t, s.Backward())
	assert.Equal(t, []float64{0, 0}, table.Grad.RawRowView(0))
	assert.Equal(t, []float64{2, 2}, table.Grad.RawRowView(1))
	assert.Equal(t, []float64{1, 1}, table.Grad.RawRowView(2))

	_, err = Gather(table, []int{3})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFrozenTensorsReceiveNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	frozen := mustTensor(t, [][]float64{{0.2, 0.4}, {0.6, 0.8}}, false)
	w, err := NewParameter(2, 1, rng, "w")
	require.NoError(t, err)

	h, err := MatMul(frozen, w)
	require.NoError(t, err)
	s, err := Sum(h)
	require.NoError(t, err)
	require.NoError(t, s.Backward())

	assert.Nil(t, frozen.Grad)
	assert.Zero(t, frozen.GradNorm())
	assert.Greater(t, w.GradNorm(), 0.0)
}

func TestOpsOverFrozenInputsRecordNoGraph(t *testing.T) {
	a := mustTensor(t, [][]float64{{1, -1}}, false)
	r, err := ReLU(a)
	require.NoError(t, err)
	assert.False(t, r.RequiresGrad)
	assert.Nil(t, r.backwardFn)
	assert.Empty(t, r.children)
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ones := make([]float64, 2000)
	for i := range ones {
		ones[i] = 1
	}
	a, err := NewTensor(mat.NewDense(1, len(ones), ones), true, "ones")
	require.NoError(t, err)

	same, err := Dropout(a, 0, rng)
	require.NoError(t, err)
	assert.Same(t, a, same)

	d, err := Dropout(a, 0.5, rng)
	require.NoError(t, err)
	zeros := 0
	for _, v := range d.Data.RawRowView(0) {
		if v == 0 {
			zeros++
		} else {
			assert.InDelta(t, 2.0, v, 1e-12)
		}
	}
	assert.InDelta(t, 1000, zeros, 150)

	_, err = Dropout(a, 1, rng)
	require.Error(t, err)
}

func TestBackwardNeedsScalar(t *testing.T) {
	a := mustTensor(t, [][]float64{{1, 2}}, true)
	require.Error(t, a.Backward())
}

func TestLayerNormGradients(t *testing.T) {
	x := mustTensor(t, [][]float64{{0.4, -1.3, 2.2, 0.1}, {1.5, 0.2, -0.6, -0.9}}, true)
	gamma := mustTensor(t, [][]float64{{1.2, 0.7, -0.4, 1.0}}, true)
	beta := mustTensor(t, [][]float64{{0.1, -0.2, 0.0, 0.3}}, true)
	target := mat.NewDense(2, 4, []float64{0.5, -0.5, 1, 0, 0.2, 0.1, -1, 0.4})
	loss := func() *Tensor {
		y, err := LayerNorm(x, gamma, beta)
		require.NoError(t, err)
		l, err := MSELoss(y, target)
		require.NoError(t, err)
		return l
	}
	checkGradient(t, x, loss)
	checkGradient(t, gamma, loss)
	checkGradient(t, beta, loss)
}

func TestLayerNormNormalizesRows(t *testing.T) {
	x := mustTensor(t, [][]float64{{1, 2, 3, 4}, {10, 10, 10, 10}}, false)
	gamma := Constant(mat.NewDense(1, 4, []float64{1, 1, 1, 1}), "gamma")
	beta := Constant(mat.NewDense(1, 4, nil), "beta")
	y, err := LayerNorm(x, gamma, beta)
	require.NoError(t, err)
	assert.False(t, y.RequiresGrad)

	row := y.Data.RawRowView(0)
	assert.InDelta(t, 0.0, row[0]+row[1]+row[2]+row[3], 1e-9)
	assert.Less(t, row[0], row[3])
	for _, v := range y.Data.RawRowView(1) {
		assert.InDelta(t, 0.0, v, 1e-9)
	}

	_, err = LayerNorm(x, Constant(mat.NewDense(1, 3, nil), "gamma"), beta)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
