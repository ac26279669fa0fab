package kfdigi

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// InformationFitter runs the float update in information form: the prior
// covariance is inverted, the measurement information H'*R^-1*H is added and
// the result inverted back. It shares the measurement model of FloatFitter
// and serves as an independent numerical check of it.
type InformationFitter struct {
	f       *Format
	noise   Noise
	model   *FloatFitter
	logger  *slog.Logger
	metrics *Metrics
}

// NewInformationFitter returns an information fitter. A nil noise uses the detector model of f.
func NewInformationFitter(f *Format, noise Noise, logger *slog.Logger, metrics *Metrics) *InformationFitter {
	if noise == nil {
		noise = NewDetectorNoise(f)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InformationFitter{
		f:       f,
		noise:   noise,
		model:   NewFloatFitter(f, noise, logger, nil),
		logger:  logger.With("component", "information_fitter"),
		metrics: metrics,
	}
}

// Type implements the Fitter interface.
func (kf *InformationFitter) Type() FitterType { return InformationType }

func (kf *InformationFitter) String() string {
	return fmt.Sprintf("InformationFitter{params=%d %s}", kf.f.NumParams(), kf.noise)
}

// Update implements the Fitter interface.
func (kf *InformationFitter) Update(skipped, layer int, cluster *StubCluster, prior *TrackState) (*TrackState, error) {
	if cluster == nil || cluster.Size() == 0 {
		kf.metrics.countError("malformed")
		return nil, &ClusterSizeError{}
	}
	cand := prior.Candidate()
	if cand == nil {
		return nil, errors.New("track state has no candidate")
	}
	x := prior.Helix()
	H := kf.model.MeasurementMatrix(cluster.R())
	if err := checkMatDims(H, x, "H", "x", cols2rows); err != nil {
		return nil, err
	}
	y := mat.NewVecDense(2, []float64{
		deltaPhi(cluster.Phi(), kf.f.PhiSectorCentre(cand.IPhiSec)),
		cluster.Z(),
	})
	P := prior.Covariance()
	if err := checkMatDims(H, P, "H", "P", cols2cols); err != nil {
		return nil, err
	}
	if IsNil(P) {
		return nil, errors.Wrap(ErrZeroCovariance, "prior state")
	}
	R := MeasurementMatrix(kf.noise, cluster, x.AtVec(0))
	if err := checkMatDims(H, R, "H", "R", rows2rows); err != nil {
		return nil, err
	}

	var Iminus, Rinv mat.Dense
	if err := Iminus.Inverse(P); err != nil {
		return nil, errors.Wrap(err, "prior covariance is not invertible")
	}
	if err := Rinv.Inverse(R); err != nil {
		return nil, errors.Wrap(err, "measurement covariance is not invertible")
	}

	// i+ = I-*x- + H'*R^-1*y and I+ = I- + H'*R^-1*H
	var HTR, Iplus mat.Dense
	HTR.Mul(H.T(), &Rinv)
	Iplus.Mul(&HTR, H)
	Iplus.Add(&Iminus, &Iplus)
	var iPlus, iy mat.VecDense
	iPlus.MulVec(&Iminus, x)
	iy.MulVec(&HTR, y)
	iPlus.AddVec(&iPlus, &iy)

	var Pplus mat.Dense
	if err := Pplus.Inverse(&Iplus); err != nil {
		return nil, errors.Wrap(err, "information matrix is not invertible")
	}
	PplusSym, err := AsSymDense(&Pplus, 1e-9)
	if err != nil {
		return nil, err
	}
	var xPlus mat.VecDense
	xPlus.MulVec(PplusSym, &iPlus)

	// chi2 increment from the filtered residual and the state shift.
	var res, Rres, dx, Idx mat.VecDense
	res.MulVec(H, &xPlus)
	res.SubVec(y, &res)
	Rres.MulVec(&Rinv, &res)
	dx.SubVec(&xPlus, x)
	Idx.MulVec(&Iminus, &dx)
	chi2 := prior.Chi2() + mat.Dot(&res, &Rres) + mat.Dot(&dx, &Idx)

	numPS := prior.NumPS()
	if cluster.PS() {
		numPS++
	}
	st := prior.child(cluster, layer, layer+1, skipped, &xPlus, PplusSym, chi2, numPS, InformationType)
	kf.metrics.countUpdate(InformationType, chi2)
	kf.logger.Debug("state updated", "candidate", cand.ID, "layer", layer, "stub_layers", st.NStubLayers(), "chi2", chi2)
	return st, nil
}
