package kfdigi

import (
	"math"

	"github.com/pkg/errors"
)

// TruthParticle is a simulated particle used to judge fit quality.
type TruthParticle struct {
	Index        int
	QOverPt      float64
	Phi0         float64 // rad, absolute
	Z0           float64 // cm
	TanLambda    float64
	D0           float64 // cm
	UseForAlgEff bool
}

// Helix returns the particle in fit parameters, phi0 relative to the centre of sector iPhiSec.
func (tp *TruthParticle) Helix(f *Format, iPhiSec int) []float64 {
	x := []float64{
		0.5 * f.InvPtToInvR * tp.QOverPt,
		deltaPhi(tp.Phi0, f.PhiSectorCentre(iPhiSec)),
		tp.TanLambda,
		tp.Z0,
		tp.D0,
	}
	return x[:f.NumParams()]
}

// RelativeResiduals returns (x - truth)/sigma per helix parameter.
func RelativeResiduals(est Estimate, truth []float64) ([]float64, error) {
	x := est.Helix()
	if x.Len() != len(truth) {
		return nil, errors.Errorf("truth has %d parameters, estimate has %d", len(truth), x.Len())
	}
	out := make([]float64, len(truth))
	cov := est.Covariance()
	for i := range truth {
		sigma := math.Sqrt(cov.At(i, i))
		if sigma == 0 {
			out[i] = math.Inf(1)
			if x.AtVec(i) == truth[i] {
				out[i] = 0
			}
			continue
		}
		out[i] = (x.AtVec(i) - truth[i]) / sigma
	}
	return out, nil
}
