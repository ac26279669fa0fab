package kfdigi

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
)

// ResolutionStudy stores the digitization residuals of randomly drawn
// track states: each state is digitized, converted back to physical units
// and compared with the original helix.
type ResolutionStudy struct {
	Samples   int
	Failures  int
	Residuals [][]float64 // per helix parameter, one entry per converted sample
}

// NewResolutionStudy draws samples helices from a normal distribution
// around the candidate helix with covariance cov and records their
// digitization residuals. Samples outside the fixed-point range are
// counted as failures.
func NewResolutionStudy(f *Format, cand *Candidate, cov mat.Symmetric, samples int, seed uint64, logger *slog.Logger) (*ResolutionStudy, error) {
	if samples < 1 {
		return nil, errors.New("resolution study requires at least one sample")
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := f.NumParams()
	mu := []float64{cand.Inv2R, cand.Phi0, cand.TanL, cand.Z0, 0}[:n]
	dist, ok := distmv.NewNormal(mu, cov, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	if !ok {
		return nil, errors.New("covariance is not positive definite")
	}
	adapter := NewStateAdapter(f, logger)
	mults := f.helixMults()
	study := &ResolutionStudy{Samples: samples, Residuals: make([][]float64, n)}
	x := make([]float64, n)
	for k := 0; k < samples; k++ {
		dist.Rand(x)
		st, err := NewSeedState(f, cand, mat.NewVecDense(n, x), cov)
		if err != nil {
			return nil, err
		}
		ds, err := adapter.DigitizeState(0, 0, st)
		if err != nil {
			if !IsFormatError(err) {
				return nil, err
			}
			study.Failures++
			logger.Debug("sample outside format", "sample", k, "error", err)
			continue
		}
		digital := []float64{ds.Inv2R.Float(), ds.Phi0.Float(), ds.TanL.Float(), ds.Z0.Float(), ds.D0.Float()}
		for i := 0; i < n; i++ {
			study.Residuals[i] = append(study.Residuals[i], digital[i]/mults[i]-x[i])
		}
	}
	return study, nil
}

// Mean returns the mean residual of each helix parameter.
func (rs *ResolutionStudy) Mean() []float64 {
	means := make([]float64, len(rs.Residuals))
	for i, r := range rs.Residuals {
		if len(r) > 0 {
			means[i] = stat.Mean(r, nil)
		}
	}
	return means
}

// StdDev returns the standard deviation of the residuals of each helix parameter.
func (rs *ResolutionStudy) StdDev() []float64 {
	devs := make([]float64, len(rs.Residuals))
	for i, r := range rs.Residuals {
		if len(r) > 1 {
			devs[i] = stat.StdDev(r, nil)
		}
	}
	return devs
}

// MaxAbs returns the largest absolute residual of each helix parameter.
func (rs *ResolutionStudy) MaxAbs() []float64 {
	maxes := make([]float64, len(rs.Residuals))
	for i, r := range rs.Residuals {
		if len(r) == 0 {
			continue
		}
		abs := make([]float64, len(r))
		for j, v := range r {
			abs[j] = math.Abs(v)
		}
		maxes[i] = floats.Max(abs)
	}
	return maxes
}

// AsCSV is used as a CSV serializer, one document per helix parameter.
func (rs *ResolutionStudy) AsCSV(headers []string) []string {
	rtn := make([]string, len(rs.Residuals))
	mean, stddev := rs.Mean(), rs.StdDev()
	for i, r := range rs.Residuals {
		header := helixNames[i]
		if i < len(headers) {
			header = headers[i]
		}
		lines := make([]string, 0, len(r)+2)
		lines = append(lines, "sample,"+header+"-residual")
		for k, v := range r {
			lines = append(lines, fmt.Sprintf("%d,%g", k, v))
		}
		lines = append(lines, fmt.Sprintf("# mean=%g stddev=%g", mean[i], stddev[i]))
		rtn[i] = strings.Join(lines, "\n")
	}
	return rtn
}
