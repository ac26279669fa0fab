package kfdigi

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Noise gives the measurement variances of a cluster in physical units:
// phi in rad^2 and z in cm^2.
type Noise interface {
	Variance(cluster *StubCluster, inv2R float64) (vPhi, vZ float64)
	String() string // Stringer interface implementation
}

// DetectorNoise combines the module resolution with multiple scattering.
type DetectorNoise struct {
	f *Format
}

// NewDetectorNoise returns the noise model configured in f.
func NewDetectorNoise(f *Format) *DetectorNoise {
	return &DetectorNoise{f: f}
}

// Variance implements the Noise interface.
func (n DetectorNoise) Variance(cluster *StubCluster, inv2R float64) (float64, float64) {
	s := n.f.Settings
	sigRphi, sigZ := s.SigmaRphi2S, s.SigmaZ2S
	if cluster.PS() {
		sigRphi, sigZ = s.SigmaRphiPS, s.SigmaZPS
	}
	sigPhi := sigRphi / cluster.R()
	sigScat := s.MultScatTerm * 2 * math.Abs(inv2R) / n.f.InvPtToInvR
	return sigPhi*sigPhi + sigScat*sigScat, sigZ * sigZ
}

// String implements the Stringer interface.
func (n DetectorNoise) String() string {
	s := n.f.Settings
	return fmt.Sprintf("DetectorNoise{rphi PS=%g 2S=%g z PS=%g 2S=%g scat=%g}",
		s.SigmaRphiPS, s.SigmaRphi2S, s.SigmaZPS, s.SigmaZ2S, s.MultScatTerm)
}

// FixedNoise returns the same variances for every cluster.
type FixedNoise struct {
	VPhi, VZ float64
}

// Variance implements the Noise interface.
func (n FixedNoise) Variance(*StubCluster, float64) (float64, float64) { return n.VPhi, n.VZ }

// String implements the Stringer interface.
func (n FixedNoise) String() string { return fmt.Sprintf("FixedNoise{phi=%g z=%g}", n.VPhi, n.VZ) }

// MeasurementMatrix returns the measurement covariance R of a cluster.
func MeasurementMatrix(n Noise, cluster *StubCluster, inv2R float64) *mat.SymDense {
	vPhi, vZ := n.Variance(cluster, inv2R)
	return mat.NewSymDense(2, []float64{vPhi, 0, 0, vZ})
}
