package kfdigi

import (
	"bytes"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestImplementsEstimate(t *testing.T) {
	implements := func(Estimate) {}
	implements(new(TrackState))
}

func TestNewSeedStateErrors(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	if _, err := NewSeedState(f, cand, mat.NewVecDense(5, nil), mat.NewSymDense(5, nil)); err == nil {
		t.Fatal("five helix parameters accepted by a four parameter format")
	}
	if _, err := NewSeedState(f, cand, mat.NewVecDense(4, nil), mat.NewSymDense(3, nil)); err == nil {
		t.Fatal("x0 and cov0 of incompatible sizes does not fail")
	}
	x := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	st, err := NewSeedState(f, cand, x, mat.NewSymDense(4, nil))
	require.NoError(t, err)
	x.SetVec(0, 10)
	assert.Equal(t, 1.0, st.Helix().AtVec(0), "seed must copy its helix")
	assert.Equal(t, -1, st.Layer())
	assert.Nil(t, st.Last())
	assert.Nil(t, st.LastUpdateState())
}

func TestChainIsAcyclic(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	d := NewDriver(f, NewDigitalFitter(f, nil, nil), NewGate(f, nil, nil), nil, nil)
	res, err := d.FitCandidate(t.Context(), cand)
	require.NoError(t, err)
	require.NotEmpty(t, res.Finished)

	maxDepth := f.Settings.NumKFLayers
	for _, st := range res.Finished {
		steps := 0
		seen := map[*TrackState]bool{}
		for n := st; n.Last() != nil; n = n.Last() {
			require.False(t, seen[n], "state visited twice")
			seen[n] = true
			require.Equal(t, n.Depth()-1, n.Last().Depth())
			require.Greater(t, n.Layer(), n.Last().Layer())
			steps++
			require.LessOrEqual(t, steps, maxDepth)
		}
		assert.Equal(t, st.Depth(), steps)
		assert.Len(t, st.Stubs(), st.NStubLayers())
	}
}

// walkToSeed follows Last from st and returns the number of steps taken,
// failing on a revisited node or a walk longer than st.Depth.
func walkToSeed(t *testing.T, st *TrackState) int {
	t.Helper()
	steps := 0
	seen := map[*TrackState]bool{}
	for n := st; n.Last() != nil; n = n.Last() {
		require.False(t, seen[n], "state visited twice")
		seen[n] = true
		require.Equal(t, n.Depth()-1, n.Last().Depth())
		steps++
		require.LessOrEqual(t, steps, st.Depth())
	}
	return steps
}

func TestChainRepeatedUpdates(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	seed, err := f.Seed(cand)
	require.NoError(t, err)
	cluster := NewStubCluster(cand.Stubs[0])

	fitters := []Fitter{NewDigitalFitter(f, nil, nil), NewFloatFitter(f, nil, nil, nil), NewInformationFitter(f, nil, nil, nil)}
	for _, fit := range fitters {
		name := fit.Type().String()
		var siblings []*TrackState
		for k := 0; k < 5; k++ {
			st, err := fit.Update(0, 0, cluster, seed)
			require.NoError(t, err, name)
			assert.Same(t, seed, st.Last(), name)
			assert.Equal(t, 1, st.Depth(), name)
			assert.Equal(t, 1, walkToSeed(t, st), name)
			for _, o := range siblings {
				assert.NotSame(t, o, st, name)
			}
			siblings = append(siblings, st)
		}
		assert.Equal(t, siblings[0].Helix().RawVector().Data, siblings[4].Helix().RawVector().Data, name)
		assert.Equal(t, siblings[0].Chi2(), siblings[4].Chi2(), name)
	}
	// Children never modify their shared prior.
	assert.Zero(t, seed.Depth())
	assert.Nil(t, seed.Last())
	assert.Equal(t, Diagonal(f.Settings.SeedSigmas[:4]...).RawSymmetric().Data, seed.Covariance().(*mat.SymDense).RawSymmetric().Data)
}

func TestChainRefedAncestorCluster(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	seed, err := f.Seed(cand)
	require.NoError(t, err)

	for _, fit := range []Fitter{NewFloatFitter(f, nil, nil, nil), NewInformationFitter(f, nil, nil, nil)} {
		name := fit.Type().String()
		st := seed
		for layer := 0; layer < 3; layer++ {
			st, err = fit.Update(0, layer, NewStubCluster(cand.Stubs[layer]), st)
			require.NoError(t, err, name)
		}
		ancestors := []*TrackState{st.Last().Last(), st.Last(), st}
		for k := 0; k < 9; k++ {
			anc := ancestors[k%len(ancestors)]
			// Alternate between the ancestor's own layer and the next one.
			layer := anc.Layer()
			if k%2 == 1 {
				layer = st.NextLayer()
			}
			next, err := fit.Update(0, layer, anc.Cluster(), st)
			require.NoError(t, err, name)
			assert.Same(t, st, next.Last(), name)
			assert.Greater(t, next.Depth(), st.Depth(), name)
			assert.Equal(t, next.Depth(), walkToSeed(t, next), name)
			st = next
		}
		assert.Equal(t, 12, st.Depth(), name)
		assert.Len(t, st.Stubs(), 12, name)
	}
}

func TestStubsAndGood(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	tp := &TruthParticle{Index: 7, QOverPt: 2 * testTrack.inv2R / f.InvPtToInvR, Z0: testTrack.z0, TanLambda: testTrack.tanL}
	other := &TruthParticle{Index: 8}
	for _, st := range cand.Stubs {
		st.AssocTPs = []*TruthParticle{tp}
	}
	cand.Stubs[2].AssocTPs = append(cand.Stubs[2].AssocTPs, other)

	st := chainState(t, f, cand, 4, 4, 3)
	stubs := st.Stubs()
	require.Len(t, stubs, 4)
	for i, s := range stubs {
		assert.Same(t, cand.Stubs[i], s)
	}
	assert.True(t, st.Good(tp))
	assert.False(t, st.Good(other))
	assert.False(t, st.Good(nil))

	cand.Stubs[1].AssocTPs = nil
	assert.False(t, st.Good(tp))
	assert.Same(t, st, st.LastUpdateState())
}

func TestReducedChi2(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	// 2 stub layers and 4 parameters leave no degrees of freedom.
	assert.Zero(t, chainState(t, f, cand, 2, 6, 2).ReducedChi2())
	assert.InDelta(t, 6.0/2, chainState(t, f, cand, 3, 6, 3).ReducedChi2(), 1e-12)
	assert.InDelta(t, 6.0/8, chainState(t, f, cand, 6, 6, 3).ReducedChi2(), 1e-12)
}

func TestComparators(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	var states []*TrackState
	for layers := 3; layers <= 6; layers++ {
		for _, chi2 := range []float64{1, 5, 5, 20} {
			states = append(states, chainState(t, f, cand, layers, chi2, 3))
		}
	}
	skipped := chainState(t, f, cand, 4, 2, 3)
	skipped = skipped.child(nil, 4, 6, 1, skipped.x, skipped.cov, 3, 3, FloatType)
	states = append(states, skipped)

	comparators := map[string]func(a, b *TrackState) int{
		"ByStubLayers":       ByStubLayers,
		"ByReducedChi2":      ByReducedChi2,
		"BySkipWeightedChi2": BySkipWeightedChi2,
		"ByChi2":             ByChi2,
		"Rank":               Rank,
	}
	for name, cmpFn := range comparators {
		for _, a := range states {
			assert.Zero(t, cmpFn(a, a), name)
			for _, b := range states {
				assert.Equal(t, cmpFn(a, b), -cmpFn(b, a), name)
				for _, c := range states {
					if cmpFn(a, b) <= 0 && cmpFn(b, c) <= 0 {
						assert.LessOrEqual(t, cmpFn(a, c), 0, "%s is not transitive", name)
					}
				}
			}
		}
	}

	sorted := slices.Clone(states)
	slices.SortStableFunc(sorted, Rank)
	assert.Equal(t, 6, sorted[0].NStubLayers())
	assert.Equal(t, 1.0, sorted[0].Chi2())
	assert.Equal(t, 3, sorted[len(sorted)-1].NStubLayers())
	assert.Equal(t, 20.0, sorted[len(sorted)-1].Chi2())

	// Skipping a layer weights chi2.
	assert.Positive(t, BySkipWeightedChi2(skipped, chainState(t, f, cand, 4, 5, 3)))
	assert.Negative(t, ByChi2(skipped, chainState(t, f, cand, 4, 5, 3)))
}

func TestTrackParamsAndPt(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	st, err := f.Seed(cand)
	require.NoError(t, err)
	p := st.TrackParams()
	assert.InDelta(t, 2*testTrack.inv2R/f.InvPtToInvR, p["qOverPt"], 1e-12)
	assert.InDelta(t, testTrack.phi0+f.PhiSectorCentre(testPhiSec), p["phi0"], 1e-12)
	assert.Equal(t, testTrack.tanL, p["t"])
	assert.Equal(t, testTrack.z0, p["z0"])
	assert.NotContains(t, p, "d0")
	assert.InDelta(t, 1/p["qOverPt"], st.Pt(), 1e-9)

	zero, err := NewSeedState(f, cand, mat.NewVecDense(4, nil), mat.NewSymDense(4, nil))
	require.NoError(t, err)
	assert.True(t, math.IsInf(zero.Pt(), 1))
}

func TestDump(t *testing.T) {
	f := testFormat(t, nil)
	tp := &TruthParticle{Index: 3, QOverPt: 2 * testTrack.inv2R / f.InvPtToInvR, Phi0: testTrack.phi0 + f.PhiSectorCentre(testPhiSec), Z0: testTrack.z0, TanLambda: testTrack.tanL}
	digital, _ := fitBoth(t, f, testTrack)
	last := digital[len(digital)-1]

	var one, all bytes.Buffer
	require.NoError(t, last.Dump(&one, nil, false))
	require.NoError(t, last.Dump(&all, tp, true))
	assert.Equal(t, 1, strings.Count(one.String(), "state depth="))
	assert.Equal(t, len(digital)+1, strings.Count(all.String(), "state depth="))
	assert.Contains(t, all.String(), "sigma)")
	assert.Contains(t, all.String(), "cuts: pt=true")
	assert.Contains(t, all.String(), "good=false")
	assert.Contains(t, last.String(), "stubLayers=6")
}
