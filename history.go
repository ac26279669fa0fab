package kfdigi

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// TrackState is one node of a track's fit history. Each node points at the
// state it was derived from, so a chain always ends at a seed; nodes are
// immutable once built and may be shared by several descendants.
type TrackState struct {
	f         *Format
	candidate *Candidate
	last      *TrackState
	cluster   *StubCluster

	x    *mat.VecDense
	cov  *mat.SymDense
	chi2 float64

	layer     int // KF layer of cluster, -1 for a seed
	nextLayer int
	skipped   int
	numPS     int
	depth     int

	fitter FitterType
	cuts   *CutFlags
	extra  *ExtraOut
}

// NewSeedState returns the root of a fit history.
func NewSeedState(f *Format, cand *Candidate, x *mat.VecDense, cov mat.Symmetric) (*TrackState, error) {
	if x.Len() != f.NumParams() {
		return nil, errors.Errorf("seed has %d helix parameters, want %d", x.Len(), f.NumParams())
	}
	if err := checkMatDims(x, cov, "x0", "cov0", rows2cols); err != nil {
		return nil, err
	}
	n := x.Len()
	c := mat.NewSymDense(n, nil)
	c.CopySym(cov)
	xc := mat.NewVecDense(n, nil)
	xc.CopyVec(x)
	return &TrackState{f: f, candidate: cand, x: xc, cov: c, layer: -1}, nil
}

// Seed builds the seed state of a candidate from its HT helix estimate
// and the configured seed uncertainties.
func (f *Format) Seed(cand *Candidate) (*TrackState, error) {
	x := mat.NewVecDense(f.NumParams(), []float64{cand.Inv2R, cand.Phi0, cand.TanL, cand.Z0, 0}[:f.NumParams()])
	return NewSeedState(f, cand, x, Diagonal(f.Settings.SeedSigmas[:f.NumParams()]...))
}

func (s *TrackState) child(cluster *StubCluster, layer, nextLayer, skipped int, x *mat.VecDense, cov *mat.SymDense, chi2 float64, numPS int, fitter FitterType) *TrackState {
	return &TrackState{
		f:         s.f,
		candidate: s.candidate,
		last:      s,
		cluster:   cluster,
		x:         x,
		cov:       cov,
		chi2:      chi2,
		layer:     layer,
		nextLayer: nextLayer,
		skipped:   skipped,
		numPS:     numPS,
		depth:     s.depth + 1,
		fitter:    fitter,
	}
}

// Format returns the configuration the state was built with.
func (s *TrackState) Format() *Format { return s.f }

// Candidate returns the originating candidate.
func (s *TrackState) Candidate() *Candidate { return s.candidate }

// Last returns the predecessor, nil for a seed.
func (s *TrackState) Last() *TrackState { return s.last }

// Cluster returns the stub cluster added by this state, nil for a seed.
func (s *TrackState) Cluster() *StubCluster { return s.cluster }

// Helix implements the Estimate interface. The vector must not be modified.
func (s *TrackState) Helix() *mat.VecDense { return s.x }

// Covariance implements the Estimate interface.
func (s *TrackState) Covariance() mat.Symmetric { return s.cov }

// Chi2 implements the Estimate interface.
func (s *TrackState) Chi2() float64 { return s.chi2 }

// Layer returns the KF layer of the added cluster, -1 for a seed.
func (s *TrackState) Layer() int { return s.layer }

// NextLayer returns the layer in which the next stub is searched.
func (s *TrackState) NextLayer() int { return s.nextLayer }

// NSkippedLayers returns the number of layers skipped so far.
func (s *TrackState) NSkippedLayers() int { return s.skipped }

// NStubLayers returns the number of layers with a stub on the track.
func (s *TrackState) NStubLayers() int { return s.nextLayer - s.skipped }

// NumPS returns the number of PS stubs on the track.
func (s *TrackState) NumPS() int { return s.numPS }

// Depth returns the distance to the seed.
func (s *TrackState) Depth() int { return s.depth }

// FitterType returns the fitter that produced the state, 0 for a seed.
func (s *TrackState) FitterType() FitterType { return s.fitter }

// Cuts returns the firmware cut flags recorded with the state, if any.
func (s *TrackState) Cuts() (CutFlags, bool) {
	if s.cuts == nil {
		return CutFlags{}, false
	}
	return *s.cuts, true
}

// Extra returns the firmware side outputs recorded with the state, if any.
func (s *TrackState) Extra() (ExtraOut, bool) {
	if s.extra == nil {
		return ExtraOut{}, false
	}
	return *s.extra, true
}

// ReducedChi2 returns chi2 per degree of freedom, 0 while the track has no
// degrees of freedom.
func (s *TrackState) ReducedChi2() float64 {
	dof := 2*s.NStubLayers() - s.f.NumParams()
	if dof <= 0 {
		return 0
	}
	return s.chi2 / float64(dof)
}

// LastUpdateState returns the most recent state that added a cluster.
func (s *TrackState) LastUpdateState() *TrackState {
	for st := s; st != nil; st = st.last {
		if st.cluster != nil {
			return st
		}
	}
	return nil
}

// Stubs returns every stub on the track, innermost first.
func (s *TrackState) Stubs() []*Stub {
	var clusters []*StubCluster
	for st := s; st != nil; st = st.last {
		if st.cluster != nil {
			clusters = append(clusters, st.cluster)
		}
	}
	var stubs []*Stub
	for i := len(clusters) - 1; i >= 0; i-- {
		stubs = append(stubs, clusters[i].Stubs()...)
	}
	return stubs
}

// Good reports whether every cluster on the track is associated to tp.
func (s *TrackState) Good(tp *TruthParticle) bool {
	if tp == nil {
		return false
	}
	for st := s; st != nil; st = st.last {
		if st.cluster != nil && !containsTP(st.cluster.AssocTPs(), tp) {
			return false
		}
	}
	return true
}

// TrackParams converts the helix to physics parameters with absolute phi0.
func (s *TrackState) TrackParams() map[string]float64 {
	var phiSec int
	if s.candidate != nil {
		phiSec = s.candidate.IPhiSec
	}
	p := map[string]float64{
		"qOverPt": 2 * s.x.AtVec(0) / s.f.InvPtToInvR,
		"phi0":    deltaPhi(s.x.AtVec(1)+s.f.PhiSectorCentre(phiSec), 0),
		"t":       s.x.AtVec(2),
		"z0":      s.x.AtVec(3),
	}
	if s.f.NumParams() == 5 {
		p["d0"] = s.x.AtVec(4)
	}
	return p
}

// Pt returns the transverse momentum implied by the curvature.
func (s *TrackState) Pt() float64 {
	inv2R := math.Abs(s.x.AtVec(0))
	if inv2R == 0 {
		return math.Inf(1)
	}
	return 0.5 * s.f.InvPtToInvR / inv2R
}

var helixNames = []string{"inv2R", "phi0", "tanL", "z0", "d0"}

func (s *TrackState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "TrackState{layer=%d next=%d skipped=%d stubLayers=%d chi2=%.4g reduced=%.4g helix=[",
		s.layer, s.nextLayer, s.skipped, s.NStubLayers(), s.chi2, s.ReducedChi2())
	for i := 0; i < s.x.Len(); i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%.6g", helixNames[i], s.x.AtVec(i))
	}
	b.WriteString("]}")
	return b.String()
}

// Dump writes the state and, when all is set, its whole history down to
// the seed. With a truth particle the residual of each helix parameter in
// units of its uncertainty is shown.
func (s *TrackState) Dump(w io.Writer, tp *TruthParticle, all bool) error {
	for st := s; st != nil; st = st.last {
		if err := st.dumpOne(w, tp); err != nil {
			return err
		}
		if !all {
			break
		}
	}
	return nil
}

func (s *TrackState) dumpOne(w io.Writer, tp *TruthParticle) error {
	var rel []float64
	if tp != nil && s.candidate != nil {
		rel, _ = RelativeResiduals(s, tp.Helix(s.f, s.candidate.IPhiSec))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "state depth=%d layer=%d next=%d skipped=%d stubLayers=%d ps=%d chi2=%.4g reduced=%.4g",
		s.depth, s.layer, s.nextLayer, s.skipped, s.NStubLayers(), s.numPS, s.chi2, s.ReducedChi2())
	if tp != nil {
		fmt.Fprintf(&b, " good=%t", s.Good(tp))
	}
	b.WriteString("\n")
	for i := 0; i < s.x.Len(); i++ {
		fmt.Fprintf(&b, "  %-5s = %12.6g +- %10.4g", helixNames[i], s.x.AtVec(i), math.Sqrt(s.cov.At(i, i)))
		if rel != nil {
			fmt.Fprintf(&b, "  (%+.2f sigma)", rel[i])
		}
		b.WriteString("\n")
	}
	if cuts, ok := s.Cuts(); ok {
		fmt.Fprintf(&b, "  cuts: %s\n", cuts)
	}
	if s.cluster != nil {
		for _, st := range s.cluster.Stubs() {
			tps := make([]string, len(st.AssocTPs))
			for i, t := range st.AssocTPs {
				tps[i] = fmt.Sprint(t.Index)
			}
			fmt.Fprintf(&b, "  stub %d: kfLayer=%d r=%.3f phi=%.5f z=%.3f ps=%t tps=[%s]\n",
				st.Index, st.KFLayer, st.R, st.Phi, st.Z, st.PSModule, strings.Join(tps, ","))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ByStubLayers orders states with more stub layers first.
func ByStubLayers(a, b *TrackState) int { return cmp.Compare(b.NStubLayers(), a.NStubLayers()) }

// ByReducedChi2 orders states by increasing chi2 per degree of freedom.
func ByReducedChi2(a, b *TrackState) int { return cmp.Compare(a.ReducedChi2(), b.ReducedChi2()) }

// BySkipWeightedChi2 orders states by chi2 scaled by one plus the skipped layers.
func BySkipWeightedChi2(a, b *TrackState) int {
	return cmp.Compare(a.chi2*float64(a.skipped+1), b.chi2*float64(b.skipped+1))
}

// ByChi2 orders states by increasing chi2.
func ByChi2(a, b *TrackState) int { return cmp.Compare(a.chi2, b.chi2) }

// Rank orders states by stub layers, then reduced chi2.
func Rank(a, b *TrackState) int { return cmp.Or(ByStubLayers(a, b), ByReducedChi2(a, b)) }
