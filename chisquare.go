package kfdigi

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NEES returns the normalized estimation error squared of est against the
// true helix: (x - truth)' * P^-1 * (x - truth).
func NEES(est Estimate, truth []float64) (float64, error) {
	x := est.Helix()
	if x.Len() != len(truth) {
		return 0, errors.Errorf("truth has %d parameters, estimate has %d", len(truth), x.Len())
	}
	if IsNil(est.Covariance()) {
		return 0, ErrZeroCovariance
	}
	var PInv mat.Dense
	if err := PInv.Inverse(est.Covariance()); err != nil {
		return 0, errors.Wrap(err, "could not invert covariance")
	}
	var diff, tmp mat.VecDense
	diff.SubVec(x, mat.NewVecDense(len(truth), truth))
	tmp.MulVec(&PInv, &diff)
	return mat.Dot(&diff, &tmp), nil
}

// ChiSquareProbability returns the probability of a chi-square at least as
// large as chi2 with dof degrees of freedom. It is 1 without degrees of freedom.
func ChiSquareProbability(chi2 float64, dof int) float64 {
	if dof <= 0 {
		return 1
	}
	if math.IsInf(chi2, 1) {
		return 0
	}
	return distuv.ChiSquared{K: float64(dof)}.Survival(chi2)
}

// Probability returns the chi-square probability of the state's fit.
func (s *TrackState) Probability() float64 {
	return ChiSquareProbability(s.chi2, 2*s.NStubLayers()-s.f.NumParams())
}

// NEESStudy computes the NEES of every state against its truth particle.
// States without a truth particle are skipped. It returns the samples and their mean.
func NEESStudy(states []*TrackState, truths []*TruthParticle) ([]float64, float64, error) {
	if len(states) != len(truths) {
		return nil, 0, errors.Errorf("%d states but %d truth particles", len(states), len(truths))
	}
	var samples []float64
	for i, st := range states {
		if st == nil || truths[i] == nil || st.Candidate() == nil {
			continue
		}
		nees, err := NEES(st, truths[i].Helix(st.Format(), st.Candidate().IPhiSec))
		if err != nil {
			return nil, 0, errors.Wrapf(err, "state %d", i)
		}
		samples = append(samples, nees)
	}
	if len(samples) == 0 {
		return nil, 0, errors.New("NEES study requires at least one state with truth")
	}
	return samples, stat.Mean(samples, nil), nil
}
