package kfdigi

import (
	"fmt"

	"github.com/l1tracking/kfdigi/fixed"
)

// EtaSector is an eta region folded onto one z half: ID counts outwards
// from eta = 0 and NegativeZ selects the half.
type EtaSector struct {
	ID        uint
	NegativeZ bool
}

// NewEtaSector folds eta region iEtaReg of numEtaRegions.
func NewEtaSector(iEtaReg, numEtaRegions int) EtaSector {
	half := numEtaRegions / 2
	if iEtaReg < half {
		return EtaSector{ID: uint(half - 1 - iEtaReg), NegativeZ: true}
	}
	return EtaSector{ID: uint(iEtaReg - half)}
}

// Region unfolds the sector back into an eta region index.
func (e EtaSector) Region(numEtaRegions int) int {
	half := numEtaRegions / 2
	if e.NegativeZ {
		return half - 1 - int(e.ID)
	}
	return half + int(e.ID)
}

// Signed returns ID+1 carrying the z sign.
func (e EtaSector) Signed() int {
	if e.NegativeZ {
		return -int(e.ID) - 1
	}
	return int(e.ID) + 1
}

func (e EtaSector) String() string {
	if e.NegativeZ {
		return fmt.Sprintf("-%d", e.ID)
	}
	return fmt.Sprintf("+%d", e.ID)
}

// DigitalState is a track state in the updater's hardware units. Only the
// block-diagonal covariance elements are carried: (inv2R, phi0[, d0]) and (tanL, z0).
type DigitalState struct {
	MBin, CBin int // HT cell, centred on zero
	Eta        EtaSector

	Inv2R, Phi0, TanL, Z0, D0    fixed.Value
	C00, C11, C22, C33, C01, C23 fixed.Value
	C44, C04, C14                fixed.Value
	Chi2                         fixed.Value

	LayerID   int // layer the next stub is searched in
	NSkipped  int
	NumPS     int // PS stubs on the track
	NumParams int
	Valid     bool
}

// NStubLayers returns the number of layers with a stub on the track.
func (s DigitalState) NStubLayers() int { return s.LayerID - s.NSkipped }

func (s DigitalState) String() string {
	return fmt.Sprintf("DigitalState{layer=%d skip=%d cell=(%d,%d) eta=%s helix=(%v,%v,%v,%v,%v) chi2=%v}",
		s.LayerID, s.NSkipped, s.MBin, s.CBin, s.Eta, s.Inv2R, s.Phi0, s.TanL, s.Z0, s.D0, s.Chi2)
}

// CutFlags are the track quality decisions. D0 is always true for 4-parameter fits.
type CutFlags struct {
	Pt           bool
	Z0           bool
	D0           bool
	Chi2         bool
	SufficientPS bool
}

// Pass reports whether every cut passes.
func (c CutFlags) Pass() bool {
	return c.Pt && c.Z0 && c.D0 && c.Chi2 && c.SufficientPS
}

func (c CutFlags) String() string {
	return fmt.Sprintf("pt=%t z0=%t d0=%t chi2=%t ps=%t", c.Pt, c.Z0, c.D0, c.Chi2, c.SufficientPS)
}

// ExtraOut accompanies an updated state.
type ExtraOut struct {
	Cuts CutFlags
	// HT cell of the updated helix, centred on zero.
	MBinHelix, CBinHelix int
	// Consistent is true when the helix cell is within one bin of the candidate's.
	Consistent bool
	// SectorCut is true when the helix lies inside the HT array and the eta sector.
	SectorCut bool
	Valid     bool
}
