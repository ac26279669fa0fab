package kfdigi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultSettingsValid(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())
}

func TestLoadSettingsYAML(t *testing.T) {
	path := writeSettings(t, "kf.yaml", `
packing: octant
num_helix_params: 5
chi2_cut: [0, 0, 40, 40, 30, 25, 25]
formats:
  z0: {bits: 20, frac: 6}
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, Octant, s.Packing)
	assert.Equal(t, 5, s.NumHelixParams)
	assert.Equal(t, 25.0, s.Chi2Cut[6])
	assert.Equal(t, FormatSpec{Bits: 20, Frac: 6}, s.Formats["z0"])
	// Omitted fields keep their defaults.
	assert.Equal(t, defaultFormats["c33"], s.Formats["c33"])
	assert.Equal(t, DefaultSettings().BField, s.BField)
}

func TestLoadSettingsJSON(t *testing.T) {
	path := writeSettings(t, "kf.json", `{"max_skipped_layers": 1, "formats": {"resz": {"bits": 24, "frac": 6}}}`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.MaxSkippedLayers)
	assert.Equal(t, FormatSpec{Bits: 24, Frac: 6}, s.Formats["resz"])
	assert.Len(t, s.Formats, len(defaultFormats))
}

func TestLoadSettingsErrors(t *testing.T) {
	for name, tc := range map[string]struct{ file, content string }{
		"extension":  {"kf.toml", "packing = 'octant'"},
		"syntax":     {"kf.json", "{"},
		"packing":    {"kf.yaml", "packing: hexant"},
		"params":     {"kf.yaml", "num_helix_params: 6"},
		"format":     {"kf.yaml", "formats:\n  bogus: {bits: 8, frac: 2}"},
		"width":      {"kf.yaml", "formats:\n  z0: {bits: 80, frac: 2}"},
		"eta":        {"kf.yaml", "eta_regions: [-1, 0, 2]"},
		"loosening":  {"kf.yaml", "chi2_cut: [0, 0, 40, 40, 50]"},
		"pt_tiers":   {"kf.yaml", "pt_cut: [0, 0, 3, 3, 2.5]"},
		"early_tier": {"kf.yaml", "chi2_cut: [0, 30, 40, 40, 35, 30, 30]"},
		"seed_sigma": {"kf.yaml", "seed_sigmas: [1, 1, 1]"},
	} {
		_, err := LoadSettings(writeSettings(t, tc.file, tc.content))
		assert.Error(t, err, name)
	}
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateTiers(t *testing.T) {
	identity := func(v float64) float64 { return v }
	// Only the step from zero to one stub layer may loosen.
	assert.NoError(t, validateTiers("c", []float64{50, 0, 40, 40, 30}, identity))
	assert.NoError(t, validateTiers("c", []float64{0, 30}, identity))
	assert.Error(t, validateTiers("c", []float64{0, 30, 40}, identity))
	assert.Error(t, validateTiers("c", []float64{0, 30, 40, 40}, identity))
	assert.Error(t, validateTiers("c", []float64{30, 0, 40}, identity))
	// A disabled tier after an enabled one loosens the cut.
	assert.Error(t, validateTiers("c", []float64{0, 0, 40, 0}, identity))
	assert.Error(t, validateTiers("c", nil, identity))
	// Rising pt thresholds tighten the cut.
	invPt := func(pt float64) float64 { return 1 / pt }
	assert.NoError(t, validateTiers("pt", []float64{0, 0, 2.9, 3.0}, invPt))
}

func TestValidateRejectsRisingChi2Table(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	s.Chi2Cut = []float64{0, 0, 10, 30, 80, 120, 160}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chi2_cut")
}

func TestLoadSettingsTestdata(t *testing.T) {
	s, err := LoadSettings("testdata/settings.yaml")
	require.NoError(t, err)
	assert.Equal(t, Octant, s.Packing)
	assert.Equal(t, 5, s.NumHelixParams)
	_, err = NewFormat(s)
	require.NoError(t, err)

	s, err = LoadSettings("testdata/settings.json")
	require.NoError(t, err)
	assert.Equal(t, Nonant, s.Packing)
	assert.Equal(t, DefaultSettings().SeedSigmas, s.SeedSigmas)
}
