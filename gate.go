package kfdigi

import (
	"log/slog"
	"math"
)

const (
	// IncorrectlyRejected marks a state the firmware rejects but the float cuts keep.
	IncorrectlyRejected = "incorrectly_rejected"
	// IncorrectlyKept marks a state the firmware keeps but the float cuts reject.
	IncorrectlyKept = "incorrectly_kept"
)

// Decision is the outcome of a quality check. The firmware flags decide;
// the float flags are an independent cross-check.
type Decision struct {
	Accepted  bool
	Hardware  CutFlags
	Float     CutFlags
	Diverged  bool
	Direction string
}

// Gate decides whether a track state is good enough to keep.
type Gate struct {
	f       *Format
	adapter *StateAdapter
	logger  *slog.Logger
	metrics *Metrics
}

// NewGate returns a gate for format f. metrics may be nil.
func NewGate(f *Format, logger *slog.Logger, metrics *Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		f:       f,
		adapter: NewStateAdapter(f, logger),
		logger:  logger.With("component", "gate"),
		metrics: metrics,
	}
}

// Check evaluates s. States produced by the digital fitter carry their
// firmware flags; any other state is digitized and cut in fixed point here.
// Check does not modify s, so repeated calls give the same Decision.
func (g *Gate) Check(s *TrackState) (Decision, error) {
	hw, ok := s.Cuts()
	if !ok {
		ds, err := g.adapter.DigitizeState(s.NSkippedLayers(), s.NextLayer(), s)
		if err != nil {
			g.metrics.countError("format")
			return Decision{}, err
		}
		hw = EvaluateCuts(g.f, ds)
	}
	fl := EvaluateFloatCuts(g.f, s)
	d := Decision{Accepted: hw.Pass(), Hardware: hw, Float: fl}
	if hw.Pass() != fl.Pass() {
		d.Diverged = true
		d.Direction = IncorrectlyKept
		if !hw.Pass() {
			d.Direction = IncorrectlyRejected
		}
		g.logger.Warn("firmware cut decision differs from float cuts",
			"direction", d.Direction,
			"stub_layers", s.NStubLayers(),
			"pt_cut", hw.Pt,
			"z0_cut", hw.Z0,
			"d0_cut", hw.D0,
			"chi2_cut", hw.Chi2,
			"ps_cut", hw.SufficientPS,
			"chi2", s.Chi2(),
			"pt", s.Pt(),
			"inv2r", s.Helix().AtVec(0),
		)
		g.metrics.countDivergence(d.Direction)
	}
	g.metrics.countDecision(d.Accepted)
	return d, nil
}

// EvaluateFloatCuts applies the track quality cuts to s in floating point.
// The PS count is recomputed from the stubs on the track.
func EvaluateFloatCuts(f *Format, s *TrackState) CutFlags {
	n := s.NStubLayers()
	x := s.Helix()
	numPS := 0
	for st := s; st != nil; st = st.Last() {
		if c := st.Cluster(); c != nil && c.PS() {
			numPS++
		}
	}
	flags := CutFlags{
		Pt:           math.Abs(x.AtVec(0)) <= f.Inv2RCut(n),
		Z0:           math.Abs(x.AtVec(3)) <= f.Z0Cut(n),
		D0:           true,
		Chi2:         s.Chi2() <= f.Chi2Cut(n),
		SufficientPS: numPS >= f.RequiredPSLayers(n),
	}
	if f.NumParams() == 5 {
		flags.D0 = math.Abs(x.AtVec(4)) <= f.D0Cut(n)
	}
	return flags
}
