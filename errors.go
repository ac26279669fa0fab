package kfdigi

import (
	"fmt"

	"github.com/l1tracking/kfdigi/fixed"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidInput is returned when the updater receives a stub or state not flagged valid.
var ErrInvalidInput = errors.New("invalid digital input")

// ErrZeroCovariance is returned when a covariance that must be inverted has only zero entries.
var ErrZeroCovariance = errors.New("covariance has only zero entries")

// RangeError reports a digitized quantity that differs from its
// floating-point recomputation by more than the declared tolerance.
type RangeError struct {
	Quantity  string
	Digital   float64
	Exact     float64
	Tolerance float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: digitized %g differs from %g by more than %g", e.Quantity, e.Digital, e.Exact, e.Tolerance)
}

// ClusterSizeError reports a stub cluster the digital update cannot handle.
type ClusterSizeError struct {
	Size int
}

func (e *ClusterSizeError) Error() string {
	return fmt.Sprintf("digital update needs exactly one stub per cluster, got %d", e.Size)
}

// IsFormatError reports whether err stems from a fixed-point format or
// tolerance violation, meaning the format constants need revision.
func IsFormatError(err error) bool {
	var oe *fixed.OverflowError
	var re *RangeError
	return errors.As(err, &oe) || errors.As(err, &re)
}

// IsMalformedInput reports whether err stems from input the updater cannot process.
func IsMalformedInput(err error) bool {
	var ce *ClusterSizeError
	return errors.As(err, &ce) || errors.Is(err, ErrInvalidInput)
}

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return errors.Errorf("%s%s(%dx...) %s(...x%d)", dimErrMsg, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return errors.Errorf("%s%s(...x%d) %s(%dx...)", dimErrMsg, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return errors.Errorf("%s%s(...x%d) %s(...x%d)", dimErrMsg, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return errors.Errorf("%s%s(%dx...) %s(%dx...)", dimErrMsg, name1, r1, name2, r2)
		}
	}
	return nil
}
