package autodiff

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NewMatrixFromRows copies a rectangular slice of rows into a dense matrix.
func NewMatrixFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("invalid matrix dimensions: rows=%d", len(rows))
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// ColumnVector returns values as an n x 1 matrix.
func ColumnVector(values []float64) (*mat.Dense, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("column vector needs at least one value")
	}
	data := make([]float64, len(values))
	copy(data, values)
	return mat.NewDense(len(values), 1, data), nil
}

// Rows copies a matrix into a slice of rows.
func Rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		mat.Row(out[i], i, m)
	}
	return out
}
