package kfdigi

import (
	"github.com/l1tracking/kfdigi/fixed"
	"github.com/pkg/errors"
)

// calc chains fixed-point operations, keeping the first error.
type calc struct {
	err error
}

func (c *calc) keep(v fixed.Value, err error) fixed.Value {
	if err != nil && c.err == nil {
		c.err = err
	}
	return v
}

func (c *calc) add(a, b fixed.Value, out fixed.Format) fixed.Value {
	return c.keep(fixed.Add(a, b, out))
}
func (c *calc) sub(a, b fixed.Value, out fixed.Format) fixed.Value {
	return c.keep(fixed.Sub(a, b, out))
}
func (c *calc) mul(a, b fixed.Value, out fixed.Format) fixed.Value {
	return c.keep(fixed.Mul(a, b, out))
}
func (c *calc) div(a, b fixed.Value, out fixed.Format) fixed.Value {
	return c.keep(fixed.Div(a, b, out))
}
func (c *calc) neg(a fixed.Value, out fixed.Format) fixed.Value { return c.keep(fixed.Neg(a, out)) }

// StateUpdater is the bit-accurate emulation of the firmware Kalman update.
// It is a pure function of its inputs.
type StateUpdater struct {
	f *Format
}

// NewStateUpdater returns an updater for format f.
func NewStateUpdater(f *Format) *StateUpdater {
	return &StateUpdater{f: f}
}

// Update adds stub to in. The phi measurement only touches (inv2R, phi0,
// d0) and the z measurement only (tanL, z0), so the update runs as two
// scalar Kalman updates on the two covariance blocks.
func (u *StateUpdater) Update(stub DigitalStub, in DigitalState) (DigitalState, ExtraOut, error) {
	if !stub.Valid || !in.Valid {
		return DigitalState{}, ExtraOut{}, ErrInvalidInput
	}
	f := u.f
	five := in.NumParams == 5
	out := in
	var c calc
	r := stub.R

	// Measurement noise.
	sigRphi, vZ := f.SigRphi2S, f.VZ2S
	if stub.PS {
		sigRphi, vZ = f.SigRphiPS, f.VZPS
	}
	sigPhi := c.div(sigRphi, r, f.SigPhi)
	ms := c.mul(f.KMS, in.Inv2R, f.MS)
	vPhi := c.add(c.mul(sigPhi, sigPhi, f.VPhi), c.mul(ms, ms, f.VPhi), f.VPhi)

	// r-phi: H = (-r, 1, 0, 0, -phiMult/r).
	var hd, hc4, k4 fixed.Value
	hc0 := c.sub(in.C01, c.mul(r, in.C00, f.HC0), f.HC0)
	hc1 := c.sub(in.C11, c.mul(r, in.C01, f.HC1), f.HC1)
	if five {
		hd = c.div(f.PhiMultC, r, f.HD0)
		hc0 = c.sub(hc0, c.mul(hd, in.C04, f.HC0), f.HC0)
		hc1 = c.sub(hc1, c.mul(hd, in.C14, f.HC1), f.HC1)
		hc4 = c.sub(c.sub(in.C14, c.mul(r, in.C04, f.HC4), f.HC4), c.mul(hd, in.C44, f.HC4), f.HC4)
	}
	sPhi := c.add(c.sub(hc1, c.mul(r, hc0, f.SPhi), f.SPhi), vPhi, f.SPhi)
	if five {
		sPhi = c.sub(sPhi, c.mul(hd, hc4, f.SPhi), f.SPhi)
	}
	// Gains divide directly: a reciprocal of S loses precision when S is large.
	k0 := c.div(hc0, sPhi, f.K0)
	k1 := c.div(hc1, sPhi, f.K1)

	predPhi := c.sub(in.Phi0, c.mul(r, in.Inv2R, f.PredPhi), f.PredPhi)
	if five {
		k4 = c.div(hc4, sPhi, f.K4)
		predPhi = c.sub(predPhi, c.mul(hd, in.D0, f.PredPhi), f.PredPhi)
	}
	resPhi := c.sub(stub.PhiS, predPhi, f.ResPhi)

	out.Inv2R = c.add(in.Inv2R, c.mul(k0, resPhi, f.Inv2R), f.Inv2R)
	out.Phi0 = c.add(in.Phi0, c.mul(k1, resPhi, f.Phi0), f.Phi0)
	out.C00 = c.sub(in.C00, c.mul(k0, hc0, f.C00), f.C00)
	out.C01 = c.sub(in.C01, c.mul(k0, hc1, f.C01), f.C01)
	out.C11 = c.sub(in.C11, c.mul(k1, hc1, f.C11), f.C11)
	if five {
		out.D0 = c.add(in.D0, c.mul(k4, resPhi, f.D0), f.D0)
		out.C04 = c.sub(in.C04, c.mul(k0, hc4, f.C04), f.C04)
		out.C14 = c.sub(in.C14, c.mul(k1, hc4, f.C14), f.C14)
		out.C44 = c.sub(in.C44, c.mul(k4, hc4, f.C44), f.C44)
	}

	// r-z: H = (0, 0, r, 1).
	hc2 := c.add(c.mul(r, in.C22, f.HC2), in.C23, f.HC2)
	hc3 := c.add(c.mul(r, in.C23, f.HC3), in.C33, f.HC3)
	sZ := c.add(c.add(c.mul(r, hc2, f.SZ), hc3, f.SZ), vZ, f.SZ)
	k2 := c.div(hc2, sZ, f.K2)
	k3 := c.div(hc3, sZ, f.K3)
	predZ := c.add(c.mul(r, in.TanL, f.PredZ), in.Z0, f.PredZ)
	resZ := c.sub(stub.Z, predZ, f.ResZ)

	out.TanL = c.add(in.TanL, c.mul(k2, resZ, f.TanL), f.TanL)
	out.Z0 = c.add(in.Z0, c.mul(k3, resZ, f.Z0), f.Z0)
	out.C22 = c.sub(in.C22, c.mul(k2, hc2, f.C22), f.C22)
	out.C23 = c.sub(in.C23, c.mul(k2, hc3, f.C23), f.C23)
	out.C33 = c.sub(in.C33, c.mul(k3, hc3, f.C33), f.C33)

	// chi2 saturates: a saturated value fails every chi2 cut.
	dPhi := fixed.MulSat(resPhi, c.div(resPhi, sPhi, f.ResSPhi), f.Chi2)
	dZ := fixed.MulSat(resZ, c.div(resZ, sZ, f.ResSZ), f.Chi2)
	out.Chi2 = fixed.AddSat(fixed.AddSat(in.Chi2, dPhi, f.Chi2), dZ, f.Chi2)

	out.LayerID = in.LayerID + 1
	if stub.PS {
		out.NumPS = in.NumPS + 1
	}

	extra := ExtraOut{Cuts: EvaluateCuts(f, out), Valid: true}
	u.helixCell(&c, out, &extra)
	if c.err != nil {
		return DigitalState{}, ExtraOut{}, errors.Wrapf(c.err, "kalman update in layer %d", in.LayerID)
	}
	return out, extra, nil
}

// helixCell fills the HT cell of the updated helix and its consistency flags.
func (u *StateUpdater) helixCell(c *calc, s DigitalState, extra *ExtraOut) {
	f := u.f
	nPt, nPhi := f.Settings.HoughNbinsPt, f.Settings.HoughNbinsPhi
	mBin := c.mul(s.Inv2R, f.InvBinM, f.Bin).Floor()
	phiT := c.sub(s.Phi0, c.mul(s.Inv2R, f.ChosenRofPhi, f.Phi0), f.Phi0)
	cBin := c.mul(phiT, f.InvBinC, f.Bin).Floor()
	extra.MBinHelix, extra.CBinHelix = int(mBin), int(cBin)

	inArray := mBin >= -int64(nPt/2) && mBin < int64(nPt-nPt/2) &&
		cBin >= -int64(nPhi/2) && cBin < int64(nPhi-nPhi/2)
	zT := c.add(s.Z0, c.mul(s.TanL, f.ChosenRofZ, f.PredZ), f.PredZ)
	extra.SectorCut = inArray && u.inEtaSector(c, zT, s.Eta)
	extra.Consistent = absInt(extra.MBinHelix-s.MBin) <= 1 && absInt(extra.CBinHelix-s.CBin) <= 1
}

func (u *StateUpdater) inEtaSector(c *calc, zT fixed.Value, eta EtaSector) bool {
	bounds := u.f.EtaZBounds
	id := int(eta.ID)
	if id+1 >= len(bounds) {
		return false
	}
	if eta.NegativeZ {
		zT = c.neg(zT, u.f.PredZ)
	}
	return fixed.Cmp(bounds[id], zT) <= 0 && fixed.Cmp(zT, bounds[id+1]) <= 0
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// EvaluateCuts applies the firmware track quality cuts to s. Thresholds
// are chosen by the number of stub layers; chi2 passes at the threshold.
func EvaluateCuts(f *Format, s DigitalState) CutFlags {
	n := s.NStubLayers()
	le := func(v fixed.Value, table []fixed.Value) bool {
		return fixed.Cmp(v, table[tier(n, len(table))]) <= 0
	}
	flags := CutFlags{
		Pt:           le(s.Inv2R.Abs(), f.inv2RCut),
		Z0:           le(s.Z0.Abs(), f.z0Cut),
		D0:           true,
		Chi2:         le(s.Chi2, f.chi2Cut),
		SufficientPS: s.NumPS >= f.RequiredPSLayers(n),
	}
	if s.NumParams == 5 {
		flags.D0 = le(s.D0.Abs(), f.d0Cut)
	}
	return flags
}
