package kfdigi

import "gonum.org/v1/gonum/mat"

// FitterType allows for quick comparison of fitters.
type FitterType uint8

const (
	// DigitalType emulates the fixed-point firmware.
	DigitalType FitterType = iota + 1
	// FloatType runs the same measurement model in float64.
	FloatType
	// InformationType runs the float update in information form.
	InformationType
)

func (t FitterType) String() string {
	switch t {
	case DigitalType:
		return "digital"
	case FloatType:
		return "float"
	case InformationType:
		return "information"
	}
	return "unknown"
}

// Fitter adds one stub cluster to a track state, producing a new state.
// skipped is the number of layers skipped so far and layer the KF layer of the cluster.
type Fitter interface {
	Type() FitterType
	Update(skipped, layer int, cluster *StubCluster, prior *TrackState) (*TrackState, error)
}

// Estimate is implemented by every fitted state.
type Estimate interface {
	Helix() *mat.VecDense      // helix parameters in physical units
	Covariance() mat.Symmetric // helix covariance
	Chi2() float64             // accumulated chi-square
	String() string            // Must implement the stringer interface.
}
