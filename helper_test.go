package kfdigi

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func assertPanic(t *testing.T, f func()) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("code did not panic")
		}
	}()
	f()
}

func TestIdentity(t *testing.T) {
	n := 3
	i33 := Identity(n)
	if r, c := i33.Dims(); r != n || r != c {
		t.Fatalf("i11 has dimensions (%dx%d)", r, c)
	}
	for i := 0; i < n; i++ {
		if i33.At(i, i) != 1 {
			t.Fatalf("i33(%d,%d) != 1", i, i)
		}
		for j := 0; j < n; j++ {
			if i != j && i33.At(i, j) != 0 {
				t.Fatalf("i33(%d,%d) != 0", i, j)
			}
		}
	}
}

func TestDiagonal(t *testing.T) {
	d := Diagonal(2, 0.5, 3)
	if r, _ := d.Dims(); r != 3 {
		t.Fatalf("diagonal has %d rows", r)
	}
	exp := mat.NewSymDense(3, []float64{4, 0, 0, 0, 0.25, 0, 0, 0, 9})
	if !mat.Equal(d, exp) {
		t.Fatalf("diagonal\n%v\n!=\n%v", mat.Formatted(d), mat.Formatted(exp))
	}
}

func TestIsNil(t *testing.T) {
	if !IsNil(mat.NewDense(2, 3, nil)) {
		t.Fatal("zero matrix is not nil")
	}
	if IsNil(Identity(2)) {
		t.Fatal("identity is nil")
	}
}

func TestAsSymDense(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{4, 1 + 1e-12, 1, 9})
	s, err := AsSymDense(m, 1e-9)
	if err != nil {
		t.Fatal(err)
	}
	if s.At(0, 1) != s.At(1, 0) {
		t.Fatal("result is not symmetric")
	}
	// Tiny off-diagonal terms are compared with the diagonal scale.
	if _, err = AsSymDense(mat.NewDense(2, 2, []float64{1e6, 1e-8, -1e-8, 1e6}), 1e-9); err != nil {
		t.Fatalf("rounding noise rejected: %s", err)
	}
	if _, err = AsSymDense(mat.NewDense(2, 2, []float64{1, 2, 3, 1}), 1e-9); err == nil {
		t.Fatal("asymmetric matrix accepted")
	}
	if _, err = AsSymDense(mat.NewDense(2, 3, nil), 1e-9); err == nil {
		t.Fatal("non square matrix accepted")
	}
}
