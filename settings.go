package kfdigi

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/l1tracking/kfdigi/fixed"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"
)

// Packing selects how the upstream stub z word is scaled relative to r.
type Packing string

const (
	// Octant packing sends z with the r multiplier.
	Octant Packing = "octant"
	// Nonant packing sends z with half the r multiplier.
	Nonant Packing = "nonant"
)

// zScale returns the factor converting an upstream z word to r-multiplier units.
func (p Packing) zScale() int64 {
	if p == Nonant {
		return 2
	}
	return 1
}

// FormatSpec declares the width of one fixed-point quantity.
type FormatSpec struct {
	Bits int `json:"bits" yaml:"bits"`
	Frac int `json:"frac" yaml:"frac"`
}

// Settings is the configuration surface of the emulator. Cut tables are
// indexed by the number of layers with stubs on the track; the last entry
// applies to every larger count and a non-positive entry disables the cut.
type Settings struct {
	RtBits    int     `json:"rt_bits" yaml:"rt_bits"`
	RtRange   float64 `json:"rt_range" yaml:"rt_range"`
	PhiSBits  int     `json:"phis_bits" yaml:"phis_bits"`
	PhiSRange float64 `json:"phis_range" yaml:"phis_range"`
	Packing   Packing `json:"packing" yaml:"packing"`

	ChosenRofPhi      float64   `json:"chosen_r_of_phi" yaml:"chosen_r_of_phi"`
	ChosenRofZ        float64   `json:"chosen_r_of_z" yaml:"chosen_r_of_z"`
	BeamSpotLength    float64   `json:"beam_spot_length" yaml:"beam_spot_length"`
	BField            float64   `json:"b_field" yaml:"b_field"`
	MinStubRadius     float64   `json:"min_stub_radius" yaml:"min_stub_radius"`
	MaxStubRadius     float64   `json:"max_stub_radius" yaml:"max_stub_radius"`
	TrackerHalfLength float64   `json:"tracker_half_length" yaml:"tracker_half_length"`
	NumPhiSectors     int       `json:"num_phi_sectors" yaml:"num_phi_sectors"`
	EtaRegions        []float64 `json:"eta_regions" yaml:"eta_regions"`
	HoughMinPt        float64   `json:"hough_min_pt" yaml:"hough_min_pt"`
	HoughNbinsPt      int       `json:"hough_nbins_pt" yaml:"hough_nbins_pt"`
	HoughNbinsPhi     int       `json:"hough_nbins_phi" yaml:"hough_nbins_phi"`

	NumHelixParams int       `json:"num_helix_params" yaml:"num_helix_params"`
	SigmaRphiPS    float64   `json:"sigma_rphi_ps" yaml:"sigma_rphi_ps"`
	SigmaRphi2S    float64   `json:"sigma_rphi_2s" yaml:"sigma_rphi_2s"`
	SigmaZPS       float64   `json:"sigma_z_ps" yaml:"sigma_z_ps"`
	SigmaZ2S       float64   `json:"sigma_z_2s" yaml:"sigma_z_2s"`
	MultScatTerm   float64   `json:"mult_scat_term" yaml:"mult_scat_term"`
	SeedSigmas     []float64 `json:"seed_sigmas" yaml:"seed_sigmas"`

	PtCut       []float64 `json:"pt_cut" yaml:"pt_cut"`
	Z0Cut       []float64 `json:"z0_cut" yaml:"z0_cut"`
	D0Cut       []float64 `json:"d0_cut" yaml:"d0_cut"`
	Chi2Cut     []float64 `json:"chi2_cut" yaml:"chi2_cut"`
	MinPSLayers int       `json:"min_ps_layers" yaml:"min_ps_layers"`

	NumKFLayers       int `json:"num_kf_layers" yaml:"num_kf_layers"`
	MaxSkippedLayers  int `json:"max_skipped_layers" yaml:"max_skipped_layers"`
	MaxStatesPerLayer int `json:"max_states_per_layer" yaml:"max_states_per_layer"`
	MinStubLayers     int `json:"min_stub_layers" yaml:"min_stub_layers"`

	Formats map[string]FormatSpec `json:"formats" yaml:"formats"`
}

// defaultFormats lists every fixed-point quantity of the emulator.
var defaultFormats = map[string]FormatSpec{
	// stub
	"r": {14, 0}, "phis": {16, 0}, "z": {16, 0},
	// helix
	"inv2r": {20, 16}, "phi0": {26, 10}, "tanl": {18, 13}, "z0": {18, 6}, "d0": {18, 6},
	// covariance
	"c00": {32, 28}, "c11": {32, 12}, "c22": {32, 28}, "c33": {32, 12},
	"c01": {32, 20}, "c23": {32, 20}, "c44": {32, 12}, "c04": {32, 20}, "c14": {32, 14},
	"chi2": {24, 8},
	// constants
	"sigrphi": {24, 8}, "kms": {16, 12}, "phimult": {28, 8},
	"binm": {16, 8}, "binc": {16, 20},
	// intermediates
	"invr": {24, 30}, "hd0": {24, 16}, "sigphi": {24, 16}, "ms": {24, 16},
	"vphi": {28, 16}, "vz": {28, 12},
	"hc0": {32, 18}, "hc1": {32, 12}, "hc4": {32, 10}, "hc2": {32, 18}, "hc3": {32, 12},
	"sphi": {32, 10}, "sz": {32, 10},
	"k0": {32, 28}, "k1": {32, 26}, "k4": {32, 22}, "k2": {32, 31}, "k3": {32, 28},
	"predphi": {32, 10}, "predz": {32, 6}, "resphi": {32, 10}, "resz": {32, 6},
	"ressphi": {32, 14}, "ressz": {32, 14}, "bin": {24, 8},
}

// DefaultSettings returns the reference configuration: nonant packing,
// 4 helix parameters, 18 phi sectors and 18 eta regions.
func DefaultSettings() Settings {
	formats := make(map[string]FormatSpec, len(defaultFormats))
	for k, v := range defaultFormats {
		formats[k] = v
	}
	return Settings{
		RtBits:    12,
		RtRange:   206.2206,
		PhiSBits:  14,
		PhiSRange: 0.6981317,
		Packing:   Nonant,

		ChosenRofPhi:      61.273,
		ChosenRofZ:        50.0,
		BeamSpotLength:    15.0,
		BField:            3.8112,
		MinStubRadius:     20.0,
		MaxStubRadius:     110.0,
		TrackerHalfLength: 270.0,
		NumPhiSectors:     18,
		EtaRegions: []float64{-2.4, -2.16, -1.95, -1.7, -1.43, -1.16, -0.89, -0.61, -0.31, 0,
			0.31, 0.61, 0.89, 1.16, 1.43, 1.7, 1.95, 2.16, 2.4},
		HoughMinPt:    3.0,
		HoughNbinsPt:  36,
		HoughNbinsPhi: 64,

		NumHelixParams: 4,
		SigmaRphiPS:    0.01 / math.Sqrt(12),
		SigmaRphi2S:    0.009 / math.Sqrt(12),
		SigmaZPS:       0.15 / math.Sqrt(12),
		SigmaZ2S:       5.0 / math.Sqrt(12),
		MultScatTerm:   0.00075,
		SeedSigmas:     []float64{3e-4, 0.005, 0.3, 10, 0.5},

		PtCut:       []float64{0, 0, 2.90, 2.90, 2.95, 2.95, 2.95},
		Z0Cut:       []float64{0, 0, 15, 15, 15, 15, 15},
		D0Cut:       []float64{0, 0, 0, 10, 5, 5, 5},
		Chi2Cut:     []float64{0, 0, 40, 40, 35, 30, 30},
		MinPSLayers: 2,

		NumKFLayers:       7,
		MaxSkippedLayers:  2,
		MaxStatesPerLayer: 16,
		MinStubLayers:     4,

		Formats: formats,
	}
}

// LoadSettings reads a JSON or YAML settings file. Fields omitted from the
// file keep their default values, so partial files are safe.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return s, errors.Errorf("settings file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return s, errors.Wrap(err, "failed to stat settings file")
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return s, errors.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return s, errors.Wrap(err, "failed to read settings file")
	}
	if ext == ".json" {
		err = json.Unmarshal(data, &s)
	} else {
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return s, errors.Wrapf(err, "failed to parse settings %s", cleanPath)
	}
	if s.Formats == nil {
		s.Formats = make(map[string]FormatSpec, len(defaultFormats))
	}
	for k, v := range defaultFormats {
		if _, ok := s.Formats[k]; !ok {
			s.Formats[k] = v
		}
	}

	if err := s.Validate(); err != nil {
		return s, errors.Wrap(err, "invalid settings")
	}
	return s, nil
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	if s.RtBits <= 0 || s.PhiSBits <= 0 {
		return errors.Errorf("stub digitization bits must be positive, got rt=%d phis=%d", s.RtBits, s.PhiSBits)
	}
	if s.RtRange <= 0 || s.PhiSRange <= 0 {
		return errors.Errorf("stub digitization ranges must be positive, got rt=%g phis=%g", s.RtRange, s.PhiSRange)
	}
	if s.Packing != Octant && s.Packing != Nonant {
		return errors.Errorf("packing must be %q or %q, got %q", Octant, Nonant, s.Packing)
	}
	if s.BField <= 0 || s.HoughMinPt <= 0 || s.ChosenRofPhi <= 0 || s.ChosenRofZ <= 0 {
		return errors.New("b_field, hough_min_pt and reference radii must be positive")
	}
	if s.MinStubRadius <= 0 || s.MaxStubRadius <= s.MinStubRadius || s.TrackerHalfLength <= 0 {
		return errors.Errorf("invalid tracker envelope r=[%g, %g] half length %g", s.MinStubRadius, s.MaxStubRadius, s.TrackerHalfLength)
	}
	if s.NumPhiSectors <= 0 || s.HoughNbinsPt <= 0 || s.HoughNbinsPhi <= 0 {
		return errors.New("sector and HT bin counts must be positive")
	}
	if err := validateEtaRegions(s.EtaRegions); err != nil {
		return err
	}
	if s.NumHelixParams != 4 && s.NumHelixParams != 5 {
		return errors.Errorf("num_helix_params must be 4 or 5, got %d", s.NumHelixParams)
	}
	if len(s.SeedSigmas) < s.NumHelixParams {
		return errors.Errorf("seed_sigmas needs %d entries, got %d", s.NumHelixParams, len(s.SeedSigmas))
	}
	for _, v := range []float64{s.SigmaRphiPS, s.SigmaRphi2S, s.SigmaZPS, s.SigmaZ2S} {
		if v <= 0 {
			return errors.New("detector resolutions must be positive")
		}
	}
	if s.MultScatTerm < 0 {
		return errors.Errorf("mult_scat_term must be non-negative, got %g", s.MultScatTerm)
	}

	// A larger pt cut is tighter, so compare the equivalent curvature cut.
	invPt := func(pt float64) float64 { return 1 / pt }
	identity := func(v float64) float64 { return v }
	for _, tbl := range []struct {
		name   string
		values []float64
		limit  func(float64) float64
	}{
		{"pt_cut", s.PtCut, invPt},
		{"z0_cut", s.Z0Cut, identity},
		{"d0_cut", s.D0Cut, identity},
		{"chi2_cut", s.Chi2Cut, identity},
	} {
		if err := validateTiers(tbl.name, tbl.values, tbl.limit); err != nil {
			return err
		}
	}
	if s.MinPSLayers < 0 {
		return errors.Errorf("min_ps_layers must be non-negative, got %d", s.MinPSLayers)
	}

	if s.NumKFLayers <= 0 || s.MaxSkippedLayers < 0 || s.MaxStatesPerLayer <= 0 || s.MinStubLayers <= 0 {
		return errors.New("driver limits must be positive")
	}

	names := make([]string, 0, len(s.Formats))
	for name := range s.Formats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := defaultFormats[name]; !ok {
			return errors.Errorf("unknown fixed-point quantity %q", name)
		}
		spec := s.Formats[name]
		if _, err := fixed.New(name, spec.Bits, spec.Frac); err != nil {
			return err
		}
	}
	return nil
}

func validateEtaRegions(eta []float64) error {
	n := len(eta)
	if n < 3 || (n-1)%2 != 0 {
		return errors.Errorf("eta_regions needs an odd number (>=3) of boundaries, got %d", n)
	}
	for i := 1; i < n; i++ {
		if eta[i] <= eta[i-1] {
			return errors.Errorf("eta_regions must increase, got %g after %g", eta[i], eta[i-1])
		}
	}
	for i := 0; i < n/2; i++ {
		if !floats.EqualWithinAbs(eta[i], -eta[n-1-i], 1e-9) {
			return errors.Errorf("eta_regions must be symmetric about zero, got %g and %g", eta[i], eta[n-1-i])
		}
	}
	return nil
}

// validateTiers checks that cuts never loosen as stub layers are added.
// Every tier from two stub layers on must be at least as tight as all
// tiers before it.
func validateTiers(name string, values []float64, limit func(float64) float64) error {
	if len(values) == 0 {
		return errors.Errorf("%s must have at least one tier", name)
	}
	effective := func(i int) float64 {
		if values[i] <= 0 {
			return math.Inf(1)
		}
		return limit(values[i])
	}
	if len(values) > 2 && effective(2) > effective(0) {
		return errors.Errorf("%s loosens from 0 to 2 stub layers (%g -> %g)", name, values[0], values[2])
	}
	for i := 2; i < len(values); i++ {
		if effective(i) > effective(i-1) {
			return errors.Errorf("%s loosens from %d to %d stub layers (%g -> %g)", name, i-1, i, values[i-1], values[i])
		}
	}
	return nil
}
