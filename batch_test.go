package kfdigi

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverFitsCandidate(t *testing.T) {
	f := testFormat(t, nil)
	for _, fitter := range []Fitter{NewDigitalFitter(f, nil, nil), NewFloatFitter(f, nil, nil, nil)} {
		d := NewDriver(f, fitter, NewGate(f, nil, nil), nil, nil)
		res, err := d.FitCandidate(context.Background(), testCandidate(f, testTrack))
		require.NoError(t, err, fitter.Type().String())
		require.NotNil(t, res.Best, fitter.Type().String())
		assert.NoError(t, res.Err)
		assert.Equal(t, 6, res.Best.NStubLayers())
		assert.Zero(t, res.Best.NSkippedLayers())
		assert.True(t, res.Decision.Accepted)
		assert.Equal(t, fitter.Type(), res.Best.FitterType())
		assert.Greater(t, res.Updates, len(testRadii))
		for _, st := range res.Finished {
			assert.GreaterOrEqual(t, Rank(st, res.Best), 0)
		}
	}
}

func TestDriverSkipsMissingLayer(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	// Drop the layer 3 stub.
	cand.Stubs = append(cand.Stubs[:3:3], cand.Stubs[4:]...)
	d := NewDriver(f, NewDigitalFitter(f, nil, nil), NewGate(f, nil, nil), nil, nil)
	res, err := d.FitCandidate(context.Background(), cand)
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, 5, res.Best.NStubLayers())
	assert.Equal(t, 1, res.Best.NSkippedLayers())
}

func TestDriverTooFewLayers(t *testing.T) {
	f := testFormat(t, nil)
	cand := testCandidate(f, testTrack)
	cand.Stubs = cand.Stubs[:3]
	d := NewDriver(f, NewDigitalFitter(f, nil, nil), NewGate(f, nil, nil), nil, nil)
	res, err := d.FitCandidate(context.Background(), cand)
	require.NoError(t, err)
	assert.Nil(t, res.Best)
	assert.NotEmpty(t, res.Finished)
}

func TestFitBatchIsolatesMalformedCandidate(t *testing.T) {
	f := testFormat(t, nil)
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDriver(f, NewDigitalFitter(f, nil, m), NewGate(f, nil, m), nil, m)

	good := testCandidate(f, testTrack)
	bad := testCandidate(f, testTrack)
	layers := bad.Layers(f.Settings.NumKFLayers)
	layers[0] = []*StubCluster{NewStubCluster(bad.Stubs[0], bad.Stubs[1])}
	bad.Clusters = layers
	other := testCandidate(f, testTrack)

	results, err := d.FitBatch(context.Background(), []*Candidate{good, bad, other}, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, i := range []int{0, 2} {
		assert.NoError(t, results[i].Err)
		require.NotNil(t, results[i].Best)
		assert.Equal(t, 6, results[i].Best.NStubLayers())
	}
	assert.Same(t, bad, results[1].Candidate)
	assert.True(t, IsMalformedInput(results[1].Err))
	assert.Nil(t, results[1].Best)
	assert.Equal(t, 1.0, counterValue(t, m.Errors, "malformed"))
}

func TestFitBatchAbortsOnFormatError(t *testing.T) {
	f := testFormat(t, func(s *Settings) { s.Formats["resz"] = FormatSpec{Bits: 8, Frac: 6} })
	cand := testCandidate(f, testTrack)
	cand.Z0 = 5
	d := NewDriver(f, NewDigitalFitter(f, nil, nil), NewGate(f, nil, nil), nil, nil)
	_, err := d.FitBatch(context.Background(), []*Candidate{cand, testCandidate(f, testTrack)}, 0)
	require.Error(t, err)
	assert.True(t, IsFormatError(err))
}

func TestFitBatchCancelled(t *testing.T) {
	f := testFormat(t, nil)
	d := NewDriver(f, NewDigitalFitter(f, nil, nil), NewGate(f, nil, nil), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.FitBatch(ctx, []*Candidate{testCandidate(f, testTrack)}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
