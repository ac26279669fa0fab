package kfdigi

import (
	"math"

	"github.com/l1tracking/kfdigi/fixed"
	"github.com/pkg/errors"
)

// speedOfLightScale converts a field in Tesla to the curvature per GeV of pt, in 1/cm.
const speedOfLightScale = 2.9979e8 / 1e11

// Format holds the constants and fixed-point formats derived once from
// Settings. It is immutable and shared by every component.
type Format struct {
	Settings Settings

	RMult       float64 // r, z, z0 and d0 per cm
	PhiMult     float64 // phi per rad
	Inv2RMult   float64 // inv2R per 1/cm
	InvPtToInvR float64 // curvature per unit q/pt
	InvRminHT   float64 // largest curvature accepted by the HT
	ZScale      int64   // upstream z word to r-multiplier units
	SectorWidth float64

	R, PhiS, Z                   fixed.Format
	Inv2R, Phi0, TanL, Z0, D0    fixed.Format
	C00, C11, C22, C33, C01, C23 fixed.Format
	C44, C04, C14                fixed.Format
	Chi2                         fixed.Format
	InvR, HD0, SigPhi, MS        fixed.Format
	VPhi, VZ                     fixed.Format
	HC0, HC1, HC4, HC2, HC3      fixed.Format
	SPhi, SZ                     fixed.Format
	K0, K1, K4, K2, K3           fixed.Format
	PredPhi, PredZ, ResPhi, ResZ fixed.Format
	ResSPhi, ResSZ, Bin          fixed.Format
	sigRphi, kms, phiMult        fixed.Format
	binM, binC                   fixed.Format

	// Constants in hardware units.
	ChosenRofPhi, ChosenRofZ fixed.Value
	SigRphiPS, SigRphi2S     fixed.Value
	KMS                      fixed.Value
	VZPS, VZ2S               fixed.Value
	PhiMultC                 fixed.Value
	InvBinM, InvBinC         fixed.Value
	EtaZBounds               []fixed.Value // z at ChosenRofZ of the positive-half eta boundaries

	inv2RCut, z0Cut, d0Cut, chi2Cut []fixed.Value
}

// NewFormat derives every multiplier, format and hardware constant from s
// and checks each quantity's expected range fits its declared width.
func NewFormat(s Settings) (*Format, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	f := &Format{Settings: s}
	f.RMult = math.Ldexp(1, s.RtBits) / s.RtRange
	f.PhiMult = math.Ldexp(1, s.PhiSBits) / s.PhiSRange
	f.Inv2RMult = f.PhiMult / f.RMult
	f.InvPtToInvR = s.BField * speedOfLightScale
	f.InvRminHT = f.InvPtToInvR / s.HoughMinPt
	f.ZScale = s.Packing.zScale()
	f.SectorWidth = 2 * math.Pi / float64(s.NumPhiSectors)

	var err error
	mk := func(name string) fixed.Format {
		spec, ok := s.Formats[name]
		if !ok {
			spec = defaultFormats[name]
		}
		ff, ferr := fixed.New(name, spec.Bits, spec.Frac)
		if ferr != nil && err == nil {
			err = ferr
		}
		return ff
	}
	f.R, f.PhiS, f.Z = mk("r"), mk("phis"), mk("z")
	f.Inv2R, f.Phi0, f.TanL, f.Z0, f.D0 = mk("inv2r"), mk("phi0"), mk("tanl"), mk("z0"), mk("d0")
	f.C00, f.C11, f.C22, f.C33 = mk("c00"), mk("c11"), mk("c22"), mk("c33")
	f.C01, f.C23, f.C44, f.C04, f.C14 = mk("c01"), mk("c23"), mk("c44"), mk("c04"), mk("c14")
	f.Chi2 = mk("chi2")
	f.InvR, f.HD0, f.SigPhi, f.MS = mk("invr"), mk("hd0"), mk("sigphi"), mk("ms")
	f.VPhi, f.VZ = mk("vphi"), mk("vz")
	f.HC0, f.HC1, f.HC4, f.HC2, f.HC3 = mk("hc0"), mk("hc1"), mk("hc4"), mk("hc2"), mk("hc3")
	f.SPhi, f.SZ = mk("sphi"), mk("sz")
	f.K0, f.K1, f.K4, f.K2, f.K3 = mk("k0"), mk("k1"), mk("k4"), mk("k2"), mk("k3")
	f.PredPhi, f.PredZ, f.ResPhi, f.ResZ = mk("predphi"), mk("predz"), mk("resphi"), mk("resz")
	f.ResSPhi, f.ResSZ, f.Bin = mk("ressphi"), mk("ressz"), mk("bin")
	f.sigRphi, f.kms, f.phiMult = mk("sigrphi"), mk("kms"), mk("phimult")
	f.binM, f.binC = mk("binm"), mk("binc")
	if err != nil {
		return nil, err
	}

	if err := f.checkRanges(); err != nil {
		return nil, errors.Wrap(err, "fixed-point format too narrow")
	}
	if err := f.buildConstants(); err != nil {
		return nil, errors.Wrap(err, "fixed-point constant does not fit")
	}
	return f, nil
}

// checkRanges verifies the dynamic range of each digitized quantity fits its width.
func (f *Format) checkRanges() error {
	s := f.Settings
	maxEta := s.EtaRegions[len(s.EtaRegions)-1]
	maxD0 := 1.0
	for _, v := range s.D0Cut {
		maxD0 = math.Max(maxD0, v)
	}
	for _, c := range []struct {
		fmt   fixed.Format
		value float64
	}{
		{f.R, f.RMult * s.MaxStubRadius},
		{f.PhiS, f.PhiMult * s.PhiSRange / 2},
		{f.Z, f.RMult * s.TrackerHalfLength},
		{f.Inv2R, f.Inv2RMult * f.InvRminHT},
		{f.Phi0, f.PhiMult * s.PhiSRange / 2},
		{f.TanL, 1.25 * math.Sinh(maxEta)},
		{f.Z0, 2 * f.RMult * s.BeamSpotLength},
		{f.D0, 2 * f.RMult * maxD0},
		{f.InvR, 1 / (f.RMult * s.MinStubRadius)},
		{f.HD0, f.PhiMult / (f.RMult * s.MinStubRadius)},
	} {
		for _, v := range []float64{c.value, -c.value} {
			if _, err := c.fmt.FromFloat(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Format) buildConstants() error {
	s := f.Settings
	var err error
	set := func(fmt fixed.Format, x float64) fixed.Value {
		v, verr := fmt.FromFloat(x)
		if verr != nil && err == nil {
			err = verr
		}
		return v
	}
	rphi := f.RMult * f.PhiMult
	f.ChosenRofPhi = set(f.R, math.Round(f.RMult*s.ChosenRofPhi))
	f.ChosenRofZ = set(f.R, math.Round(f.RMult*s.ChosenRofZ))
	f.SigRphiPS = set(f.sigRphi, s.SigmaRphiPS*rphi)
	f.SigRphi2S = set(f.sigRphi, s.SigmaRphi2S*rphi)
	f.KMS = set(f.kms, 2*s.MultScatTerm*f.RMult/f.InvPtToInvR)
	f.VZPS = set(f.VZ, math.Pow(s.SigmaZPS*f.RMult, 2))
	f.VZ2S = set(f.VZ, math.Pow(s.SigmaZ2S*f.RMult, 2))
	f.PhiMultC = set(f.phiMult, f.PhiMult)
	f.InvBinM = set(f.binM, float64(s.HoughNbinsPt)/(f.InvRminHT*f.Inv2RMult))
	f.InvBinC = set(f.binC, float64(s.HoughNbinsPhi)/(f.SectorWidth*f.PhiMult))

	n := len(s.EtaRegions)
	f.EtaZBounds = make([]fixed.Value, 0, n/2+1)
	for _, eta := range s.EtaRegions[n/2:] {
		f.EtaZBounds = append(f.EtaZBounds, set(f.PredZ, s.ChosenRofZ*math.Sinh(eta)*f.RMult))
	}

	f.inv2RCut = f.cutTable(s.PtCut, f.Inv2R, func(pt float64) float64 {
		return f.Inv2RMult * 0.5 * f.InvPtToInvR / pt
	}, set)
	f.z0Cut = f.cutTable(s.Z0Cut, f.Z0, func(v float64) float64 { return v * f.RMult }, set)
	f.d0Cut = f.cutTable(s.D0Cut, f.D0, func(v float64) float64 { return v * f.RMult }, set)
	f.chi2Cut = f.cutTable(s.Chi2Cut, f.Chi2, func(v float64) float64 { return v }, set)
	return err
}

func (f *Format) cutTable(values []float64, ff fixed.Format, hw func(float64) float64, set func(fixed.Format, float64) fixed.Value) []fixed.Value {
	out := make([]fixed.Value, len(values))
	for i, v := range values {
		if v <= 0 {
			out[i], _ = ff.FromRaw(ff.Max())
			continue
		}
		out[i] = set(ff, hw(v))
	}
	return out
}

// tier clamps a stub layer count to a cut table index.
func tier(n, size int) int {
	if n < 0 {
		return 0
	}
	if n >= size {
		return size - 1
	}
	return n
}

// NumParams returns the number of helix parameters fitted.
func (f *Format) NumParams() int { return f.Settings.NumHelixParams }

// PhiSectorCentre returns the phi of the centre of sector i.
func (f *Format) PhiSectorCentre(i int) float64 {
	return f.SectorWidth*(0.5+float64(i)) - math.Pi
}

// Inv2RCut returns the curvature cut in 1/cm for n stub layers, +Inf if none.
func (f *Format) Inv2RCut(n int) float64 {
	pt := f.Settings.PtCut[tier(n, len(f.Settings.PtCut))]
	if pt <= 0 {
		return math.Inf(1)
	}
	return 0.5 * f.InvPtToInvR / pt
}

// Z0Cut returns the z0 cut in cm for n stub layers, +Inf if none.
func (f *Format) Z0Cut(n int) float64 { return floatCut(f.Settings.Z0Cut, n) }

// D0Cut returns the d0 cut in cm for n stub layers, +Inf if none.
func (f *Format) D0Cut(n int) float64 { return floatCut(f.Settings.D0Cut, n) }

// Chi2Cut returns the chi-square cut for n stub layers, +Inf if none.
func (f *Format) Chi2Cut(n int) float64 { return floatCut(f.Settings.Chi2Cut, n) }

func floatCut(values []float64, n int) float64 {
	v := values[tier(n, len(values))]
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}

// RequiredPSLayers returns the number of PS layers needed by a track with n stub layers.
func (f *Format) RequiredPSLayers(n int) int { return min(n, f.Settings.MinPSLayers) }

// helixMults returns the hardware multiplier of each helix parameter.
// d0 shares the r multiplier with z0.
func (f *Format) helixMults() []float64 {
	m := []float64{f.Inv2RMult, f.PhiMult, 1, f.RMult, f.RMult}
	return m[:f.NumParams()]
}

// deltaPhi wraps a phi difference into [-pi, pi).
func deltaPhi(a, b float64) float64 {
	d := math.Mod(a-b+math.Pi, 2*math.Pi)
	if d < 0 {
		d += 2 * math.Pi
	}
	return d - math.Pi
}
