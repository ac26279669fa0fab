package kfdigi

import (
	"math/rand/v2"
	"testing"

	"github.com/l1tracking/kfdigi/fixed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDigitizeStubClusterSize(t *testing.T) {
	f := testFormat(t, nil)
	stubs := onTrackStubs(f, testTrack)
	adapter := NewStateAdapter(f, nil)

	_, err := adapter.DigitizeStub(NewStubCluster(stubs[0], stubs[1]), testPhiSec)
	var ce *ClusterSizeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Size)
	assert.True(t, IsMalformedInput(err))
	assert.False(t, IsFormatError(err))

	_, err = adapter.DigitizeStub(NewStubCluster(), testPhiSec)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Size)
	_, err = adapter.DigitizeStub(nil, testPhiSec)
	assert.True(t, IsMalformedInput(err))
}

func TestDigitalFitterRejectsClusterBeforeUpdate(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	seed, err := f.Seed(cand)
	require.NoError(t, err)
	m := NewMetrics(prometheus.NewRegistry())

	_, err = NewDigitalFitter(f, nil, m).Update(0, 0, NewStubCluster(cand.Stubs[0], cand.Stubs[1]), seed)
	assert.True(t, IsMalformedInput(err))
	assert.Equal(t, 1.0, counterValue(t, m.Errors, "malformed"))
	assert.Zero(t, counterValue(t, m.Updates, DigitalType.String()))
}

func TestDigitizeStubPacking(t *testing.T) {
	for _, packing := range []Packing{Octant, Nonant} {
		f := testFormat(t, func(s *Settings) { s.Packing = packing })
		adapter := NewStateAdapter(f, nil)
		for _, st := range onTrackStubs(f, testTrack) {
			ds, err := adapter.DigitizeStub(NewStubCluster(st), testPhiSec)
			require.NoError(t, err, "packing %s stub %d", packing, st.Index)
			assert.True(t, ds.Valid)
			assert.Equal(t, st.PSModule, ds.PS)
			assert.InDelta(t, st.Z*f.RMult, ds.Z.Float(), 1e-6)
			assert.InDelta(t, st.R*f.RMult, ds.R.Float(), 1e-6)
		}
	}
}

func TestDigitizeStubPackingMismatch(t *testing.T) {
	nonant := testFormat(t, nil)
	octant := testFormat(t, func(s *Settings) { s.Packing = Octant })
	st := onTrackStubs(nonant, testTrack)[0]

	_, err := NewStateAdapter(octant, nil).DigitizeStub(NewStubCluster(st), testPhiSec)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "stubZ", re.Quantity)
	assert.InDelta(t, re.Exact/2, re.Digital, 1)
	assert.True(t, IsFormatError(err))
}

func TestDigitizeStateRoundTrip(t *testing.T) {
	for _, params := range []int{4, 5} {
		f := testFormat(t, func(s *Settings) { s.NumHelixParams = params })
		cand := testCandidate(f, testTrack)
		seed, err := f.Seed(cand)
		require.NoError(t, err)
		adapter := NewStateAdapter(f, nil)

		ds, err := adapter.DigitizeState(1, 3, seed)
		require.NoError(t, err)
		assert.Equal(t, 3, ds.LayerID)
		assert.Equal(t, 1, ds.NSkipped)
		assert.Equal(t, 2, ds.NStubLayers())
		assert.Equal(t, testMBin-f.Settings.HoughNbinsPt/2, ds.MBin)
		assert.Equal(t, testCBin-f.Settings.HoughNbinsPhi/2, ds.CBin)
		assert.Equal(t, EtaSector{ID: 1}, ds.Eta)
		assert.Equal(t, params, ds.NumParams)

		st := adapter.StateOut(seed, nil, ds, ds, ExtraOut{})
		mults := f.helixMults()
		lsb := []float64{f.Inv2R.LSB(), f.Phi0.LSB(), f.TanL.LSB(), f.Z0.LSB(), f.D0.LSB()}
		for i := 0; i < params; i++ {
			assert.InDelta(t, seed.Helix().AtVec(i), st.Helix().AtVec(i), lsb[i]/mults[i], helixNames[i])
			assert.InEpsilon(t, seed.Covariance().At(i, i), st.Covariance().At(i, i), 1e-3, helixNames[i])
		}
		_, ok := st.Cuts()
		assert.True(t, ok)
	}
}

// correlatedCov builds a covariance from standard deviations and the
// correlation coefficients of the listed element pairs.
func correlatedCov(sigmas []float64, rho map[[2]int]float64) *mat.SymDense {
	n := len(sigmas)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, sigmas[i]*sigmas[i])
	}
	for ij, r := range rho {
		if ij[0] < n && ij[1] < n {
			cov.SetSym(ij[0], ij[1], r*sigmas[ij[0]]*sigmas[ij[1]])
		}
	}
	return cov
}

// assertCovRoundTrip digitizes a state with covariance cov and checks every
// carried element comes back within one LSB of its format.
func assertCovRoundTrip(t *testing.T, f *Format, cand *Candidate, cov mat.Symmetric, msg string) {
	t.Helper()
	seed, err := f.Seed(cand)
	require.NoError(t, err)
	st, err := NewSeedState(f, cand, seed.Helix(), cov)
	require.NoError(t, err)
	adapter := NewStateAdapter(f, nil)
	ds, err := adapter.DigitizeState(0, 0, st)
	require.NoError(t, err, msg)
	out := adapter.StateOut(st, nil, ds, ds, ExtraOut{}).Covariance()

	mults := f.helixMults()
	n := f.NumParams()
	for _, e := range f.covElements() {
		if e.i >= n || e.j >= n {
			assert.Zero(t, e.field(&ds).Raw(), "%s %s", msg, e.fmt.Name)
			continue
		}
		tol := e.fmt.LSB() / (mults[e.i] * mults[e.j])
		assert.InDelta(t, cov.At(e.i, e.j), out.At(e.i, e.j), tol, "%s %s", msg, e.fmt.Name)
		assert.Equal(t, out.At(e.i, e.j), out.At(e.j, e.i), "%s %s", msg, e.fmt.Name)
	}
}

func TestDigitizeStateCorrelatedCovariance(t *testing.T) {
	for name, rho := range map[string]map[[2]int]float64{
		"positive": {{0, 1}: 0.5, {2, 3}: 0.5, {0, 4}: 0.3, {1, 4}: 0.3},
		"negative": {{0, 1}: -0.8, {2, 3}: -0.6, {0, 4}: -0.2, {1, 4}: 0.4},
		"strong":   {{0, 1}: 0.99, {2, 3}: -0.99, {0, 4}: 0.9, {1, 4}: -0.9},
	} {
		for _, params := range []int{4, 5} {
			f := testFormat(t, func(s *Settings) { s.NumHelixParams = params })
			cand := testCandidate(f, testTrack)
			cov := correlatedCov(f.Settings.SeedSigmas[:params], rho)
			assertCovRoundTrip(t, f, cand, cov, name)
		}
	}
}

func TestDigitizeStateRandomCovariance(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 5))
	pairs := [][2]int{{0, 1}, {2, 3}, {0, 4}, {1, 4}}
	for _, params := range []int{4, 5} {
		f := testFormat(t, func(s *Settings) { s.NumHelixParams = params })
		cand := testCandidate(f, testTrack)
		for trial := 0; trial < 100; trial++ {
			sigmas := make([]float64, params)
			for i := range sigmas {
				sigmas[i] = f.Settings.SeedSigmas[i] * (0.5 + rnd.Float64())
			}
			rho := make(map[[2]int]float64, len(pairs))
			for _, p := range pairs {
				rho[p] = 1.8*rnd.Float64() - 0.9
			}
			assertCovRoundTrip(t, f, cand, correlatedCov(sigmas, rho), "random")
		}
	}
}

func TestDigitizeStateCorrelationOverflow(t *testing.T) {
	f := testFormat(t, func(s *Settings) { s.NumHelixParams = 5 })
	cand := testCandidate(f, testTrack)
	seed, err := f.Seed(cand)
	require.NoError(t, err)
	// Both variances fit their formats, their covariance does not fit c14.
	cov := correlatedCov([]float64{3e-4, 0.03, 0.3, 10, 30}, map[[2]int]float64{{1, 4}: 0.9})
	st, err := NewSeedState(f, cand, seed.Helix(), cov)
	require.NoError(t, err)

	_, err = NewStateAdapter(f, nil).DigitizeState(0, 0, st)
	require.Error(t, err)
	assert.True(t, IsFormatError(err))
	var oe *fixed.OverflowError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "c14", oe.Quantity)

	// The same correlation fits once c14 is widened.
	wide := testFormat(t, func(s *Settings) {
		s.NumHelixParams = 5
		s.Formats["c14"] = FormatSpec{Bits: 32, Frac: 10}
	})
	assertCovRoundTrip(t, wide, cand, cov, "wide c14")
}

func TestDigitizeStateOutOfRange(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	// Far beyond the curvature the HT accepts.
	x := mat.NewVecDense(4, []float64{0.5, 0, 0, 0})
	st, err := NewSeedState(f, cand, x, Diagonal(f.Settings.SeedSigmas[:4]...))
	require.NoError(t, err)
	_, err = NewStateAdapter(f, nil).DigitizeState(0, 0, st)
	require.Error(t, err)
	assert.True(t, IsFormatError(err))
}

func TestCheckCalc(t *testing.T) {
	assert.NoError(t, checkCalc("a", 1.5, 1, 0.5, 0))
	assert.NoError(t, checkCalc("a", 110, 100, 0, 0.1))
	err := checkCalc("a", 2, 1, 0.5, 0.1)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 0.5, re.Tolerance)
	assert.Contains(t, err.Error(), "a: digitized 2")
}
