package kfdigi

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Identity returns an identity matrix of the provided size.
func Identity(n int) mat.Symmetric {
	vals := make([]float64, n*n)
	for j := 0; j < n*n; j++ {
		if j%(n+1) == 0 {
			vals[j] = 1
		}
	}
	return mat.NewSymDense(n, vals)
}

// Diagonal returns a symmetric matrix with the squares of sigmas on its diagonal.
func Diagonal(sigmas ...float64) *mat.SymDense {
	n := len(sigmas)
	m := mat.NewSymDense(n, nil)
	for i, s := range sigmas {
		m.SetSym(i, i, s*s)
	}
	return m
}

// IsNil returns whether the provided matrix only has zero values
func IsNil(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}

// AsSymDense attempts return a SymDense from the provided Dense, averaging
// off-diagonal pairs whose difference is at most tol relative to the larger
// of the pair and the geometric mean of their diagonal elements.
func AsSymDense(m *mat.Dense, tol float64) (*mat.SymDense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, errors.New("matrix must be square")
	}
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			a, b := m.At(i, j), m.At(j, i)
			scale := math.Max(math.Max(math.Abs(a), math.Abs(b)), math.Sqrt(math.Abs(m.At(i, i)*m.At(j, j))))
			if math.Abs(a-b) > tol*scale {
				return nil, errors.Errorf("matrix is not symmetric at (%d,%d): %g != %g", i, j, a, b)
			}
			s.SetSym(i, j, (a+b)/2)
		}
	}
	return s, nil
}
