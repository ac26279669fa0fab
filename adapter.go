package kfdigi

import (
	"log/slog"
	"math"

	"github.com/l1tracking/kfdigi/fixed"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Absolute tolerances, in hardware units, between a digitized helix
// parameter and its float recomputation.
var helixTolerance = []float64{1e-4, 1e-3, 1e-3, 0.1, 0.1}

// StateAdapter converts between float track states and the updater's
// hardware representation, checking every conversion.
type StateAdapter struct {
	f      *Format
	logger *slog.Logger
}

// NewStateAdapter returns an adapter for format f.
func NewStateAdapter(f *Format, logger *slog.Logger) *StateAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateAdapter{f: f, logger: logger.With("component", "adapter")}
}

// checkCalc reports a RangeError when digital and exact differ by more
// than both absTol and relTol*|exact|.
func checkCalc(name string, digital, exact, absTol, relTol float64) error {
	diff := math.Abs(digital - exact)
	if diff <= absTol || diff <= relTol*math.Abs(exact) {
		return nil
	}
	return &RangeError{Quantity: name, Digital: digital, Exact: exact, Tolerance: math.Max(absTol, relTol*math.Abs(exact))}
}

// digitize converts x to format ff and checks the result against x.
func digitize(ff fixed.Format, x, absTol, relTol float64) (fixed.Value, error) {
	v, err := ff.FromFloat(x)
	if err != nil {
		return v, err
	}
	return v, checkCalc(ff.Name, v.Float(), x, absTol, relTol)
}

// DigitizeStub converts a single-stub cluster of a track in phi sector iPhiSec.
func (a *StateAdapter) DigitizeStub(cluster *StubCluster, iPhiSec int) (DigitalStub, error) {
	if cluster == nil || cluster.Size() != 1 {
		size := 0
		if cluster != nil {
			size = cluster.Size()
		}
		return DigitalStub{}, &ClusterSizeError{Size: size}
	}
	f := a.f
	stub := cluster.Stubs()[0]

	r, err := f.R.FromInt(stub.Digi.RT + f.ChosenRofPhi.Floor())
	if err != nil {
		return DigitalStub{}, errors.Wrapf(err, "stub %d", stub.Index)
	}
	phiS, err := f.PhiS.FromInt(stub.Digi.PhiS)
	if err != nil {
		return DigitalStub{}, errors.Wrapf(err, "stub %d", stub.Index)
	}
	z, err := f.Z.FromInt(stub.Digi.Z * f.ZScale)
	if err != nil {
		return DigitalStub{}, errors.Wrapf(err, "stub %d", stub.Index)
	}

	zScale := float64(f.ZScale)
	checks := []error{
		checkCalc("stubR", r.Float(), stub.R*f.RMult, 1, 0),
		checkCalc("stubPhiS", phiS.Float(), deltaPhi(stub.Phi, f.PhiSectorCentre(iPhiSec))*f.PhiMult, 1, 0),
		checkCalc("stubZ", z.Float(), stub.Z*f.RMult, zScale, 0),
	}
	for _, err := range checks {
		if err != nil {
			a.logger.Warn("stub digitization outside tolerance", "stub", stub.Index, "phi_sector", iPhiSec, "packing", f.Settings.Packing, "error", err)
			return DigitalStub{}, errors.Wrapf(err, "stub %d", stub.Index)
		}
	}
	return DigitalStub{R: r, PhiS: phiS, Z: z, PS: stub.PSModule, Valid: true}, nil
}

// DigitizeState converts prior into hardware units for a search in layer
// with skipped layers skipped so far.
func (a *StateAdapter) DigitizeState(skipped, layer int, prior *TrackState) (DigitalState, error) {
	f := a.f
	s := f.Settings
	cand := prior.Candidate()
	if cand == nil {
		return DigitalState{}, errors.New("track state has no candidate")
	}
	ds := DigitalState{
		MBin:      cand.MBin - s.HoughNbinsPt/2,
		CBin:      cand.CBin - s.HoughNbinsPhi/2,
		Eta:       NewEtaSector(cand.IEtaReg, len(s.EtaRegions)-1),
		LayerID:   layer,
		NSkipped:  skipped,
		NumPS:     prior.NumPS(),
		NumParams: f.NumParams(),
		Valid:     true,
		Chi2:      f.Chi2.FromFloatSat(prior.Chi2()),
	}

	x := prior.Helix()
	mults := f.helixMults()
	helix := []*fixed.Value{&ds.Inv2R, &ds.Phi0, &ds.TanL, &ds.Z0, &ds.D0}
	helixFmts := []fixed.Format{f.Inv2R, f.Phi0, f.TanL, f.Z0, f.D0}
	for i := range helix {
		if i >= f.NumParams() {
			*helix[i] = helixFmts[i].Zero()
			continue
		}
		v, err := digitize(helixFmts[i], x.AtVec(i)*mults[i], helixTolerance[i], 0)
		if err != nil {
			return DigitalState{}, errors.Wrap(err, "digitizing helix")
		}
		*helix[i] = v
	}

	cov := prior.Covariance()
	for _, e := range f.covElements() {
		dst := e.field(&ds)
		if e.i >= f.NumParams() || e.j >= f.NumParams() {
			*dst = e.fmt.Zero()
			continue
		}
		exact := cov.At(e.i, e.j) * mults[e.i] * mults[e.j]
		v, err := digitize(e.fmt, exact, e.fmt.LSB(), 0.1)
		if err != nil {
			return DigitalState{}, errors.Wrap(err, "digitizing covariance")
		}
		*dst = v
	}
	return ds, nil
}

// StateOut converts an updated digital state back to physical units and
// returns the new history node. The firmware cut flags and side outputs
// are kept on the node.
func (a *StateAdapter) StateOut(prior *TrackState, cluster *StubCluster, in, out DigitalState, extra ExtraOut) *TrackState {
	f := a.f
	n := f.NumParams()
	mults := f.helixMults()
	helix := []fixed.Value{out.Inv2R, out.Phi0, out.TanL, out.Z0, out.D0}
	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x.SetVec(i, helix[i].Float()/mults[i])
	}
	cov := mat.NewSymDense(n, nil)
	for _, e := range f.covElements() {
		if e.i >= n || e.j >= n {
			continue
		}
		cov.SetSym(e.i, e.j, e.field(&out).Float()/(mults[e.i]*mults[e.j]))
	}

	st := prior.child(cluster, in.LayerID, out.LayerID, out.NSkipped, x, cov, out.Chi2.Float(), out.NumPS, DigitalType)
	cuts := extra.Cuts
	st.cuts = &cuts
	st.extra = &extra
	return st
}

type covElement struct {
	i, j  int
	fmt   fixed.Format
	field func(*DigitalState) *fixed.Value
}

// covElements lists the covariance elements carried by DigitalState.
func (f *Format) covElements() []covElement {
	return []covElement{
		{0, 0, f.C00, func(s *DigitalState) *fixed.Value { return &s.C00 }},
		{1, 1, f.C11, func(s *DigitalState) *fixed.Value { return &s.C11 }},
		{2, 2, f.C22, func(s *DigitalState) *fixed.Value { return &s.C22 }},
		{3, 3, f.C33, func(s *DigitalState) *fixed.Value { return &s.C33 }},
		{0, 1, f.C01, func(s *DigitalState) *fixed.Value { return &s.C01 }},
		{2, 3, f.C23, func(s *DigitalState) *fixed.Value { return &s.C23 }},
		{4, 4, f.C44, func(s *DigitalState) *fixed.Value { return &s.C44 }},
		{0, 4, f.C04, func(s *DigitalState) *fixed.Value { return &s.C04 }},
		{1, 4, f.C14, func(s *DigitalState) *fixed.Value { return &s.C14 }},
	}
}
