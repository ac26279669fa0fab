package kfdigi

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FloatFitter is a plain floating-point Kalman update using the same
// measurement model as the firmware. It serves as the reference for the
// digital fitter and accepts clusters of any size.
type FloatFitter struct {
	f       *Format
	noise   Noise
	logger  *slog.Logger
	metrics *Metrics
}

// NewFloatFitter returns a float fitter. A nil noise uses the detector model of f.
func NewFloatFitter(f *Format, noise Noise, logger *slog.Logger, metrics *Metrics) *FloatFitter {
	if noise == nil {
		noise = NewDetectorNoise(f)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FloatFitter{f: f, noise: noise, logger: logger.With("component", "float_fitter"), metrics: metrics}
}

// Type implements the Fitter interface.
func (kf *FloatFitter) Type() FitterType { return FloatType }

func (kf *FloatFitter) String() string {
	return fmt.Sprintf("FloatFitter{params=%d %s}", kf.f.NumParams(), kf.noise)
}

// MeasurementMatrix returns H for a cluster at radius r.
func (kf *FloatFitter) MeasurementMatrix(r float64) *mat.Dense {
	n := kf.f.NumParams()
	H := mat.NewDense(2, n, nil)
	H.Set(0, 0, -r)
	H.Set(0, 1, 1)
	H.Set(1, 2, r)
	H.Set(1, 3, 1)
	if n == 5 {
		H.Set(0, 4, -1/r)
	}
	return H
}

// Update implements the Fitter interface.
func (kf *FloatFitter) Update(skipped, layer int, cluster *StubCluster, prior *TrackState) (*TrackState, error) {
	if cluster == nil || cluster.Size() == 0 {
		kf.metrics.countError("malformed")
		return nil, &ClusterSizeError{}
	}
	cand := prior.Candidate()
	if cand == nil {
		return nil, errors.New("track state has no candidate")
	}
	n := kf.f.NumParams()
	x := prior.Helix()
	P := prior.Covariance()
	H := kf.MeasurementMatrix(cluster.R())
	if err := checkMatDims(H, x, "H", "x", cols2rows); err != nil {
		return nil, err
	}
	y := mat.NewVecDense(2, []float64{
		deltaPhi(cluster.Phi(), kf.f.PhiSectorCentre(cand.IPhiSec)),
		cluster.Z(),
	})
	if err := checkMatDims(H, P, "H", "P", cols2cols); err != nil {
		return nil, err
	}
	R := MeasurementMatrix(kf.noise, cluster, x.AtVec(0))
	if err := checkMatDims(H, R, "H", "R", rows2rows); err != nil {
		return nil, err
	}

	// Kalman gain
	var PHt, S, SInv, K mat.Dense
	PHt.Mul(P, H.T())
	S.Mul(H, &PHt)
	S.Add(&S, R)
	if err := SInv.Inverse(&S); err != nil {
		return nil, errors.Wrap(err, "could not invert `H*P*H' + R`")
	}
	K.Mul(&PHt, &SInv)

	// Measurement update
	var yHat, innov, dx, xPlus mat.VecDense
	yHat.MulVec(H, x)
	innov.SubVec(y, &yHat)
	dx.MulVec(&K, &innov)
	xPlus.AddVec(x, &dx)

	// Joseph form keeps P symmetric and positive.
	var PPlus, PPlus1, KH, KR, KRKt mat.Dense
	KH.Mul(&K, H)
	KH.Sub(Identity(n), &KH)
	PPlus1.Mul(&KH, P)
	PPlus.Mul(&PPlus1, KH.T())
	KR.Mul(&K, R)
	KRKt.Mul(&KR, K.T())
	PPlus.Add(&PPlus, &KRKt)
	PPlusSym, err := AsSymDense(&PPlus, 1e-9)
	if err != nil {
		return nil, err
	}

	var SInvInnov mat.VecDense
	SInvInnov.MulVec(&SInv, &innov)
	chi2 := prior.Chi2() + mat.Dot(&innov, &SInvInnov)

	numPS := prior.NumPS()
	if cluster.PS() {
		numPS++
	}
	st := prior.child(cluster, layer, layer+1, skipped, &xPlus, PPlusSym, chi2, numPS, FloatType)
	kf.metrics.countUpdate(FloatType, chi2)
	kf.logger.Debug("state updated", "candidate", cand.ID, "layer", layer, "stub_layers", st.NStubLayers(), "chi2", chi2)
	return st, nil
}
