package kfdigi

import (
	"context"
	"log/slog"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FitResult is the outcome of fitting one candidate.
type FitResult struct {
	Candidate *Candidate
	// Best is the highest ranked finished state with enough stub layers, nil if none.
	Best        *TrackState
	Decision    Decision
	Finished    []*TrackState
	Updates     int
	Divergences int
	// Err holds the malformed-input error that stopped this candidate.
	Err error
}

// Driver walks a candidate through the KF layers, trying every cluster of
// each layer and allowing skipped layers, and keeps the states the gate accepts.
type Driver struct {
	f       *Format
	fitter  Fitter
	gate    *Gate
	logger  *slog.Logger
	metrics *Metrics
}

// NewDriver returns a driver. metrics may be nil.
func NewDriver(f *Format, fitter Fitter, gate *Gate, logger *slog.Logger, metrics *Metrics) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{f: f, fitter: fitter, gate: gate, logger: logger.With("component", "driver"), metrics: metrics}
}

// FitCandidate fits one candidate. Any update or gate error stops the fit
// and is returned; the caller decides whether it is fatal.
func (d *Driver) FitCandidate(ctx context.Context, cand *Candidate) (FitResult, error) {
	s := d.f.Settings
	res := FitResult{Candidate: cand}
	seed, err := d.f.Seed(cand)
	if err != nil {
		return res, err
	}
	layers := cand.Layers(s.NumKFLayers)

	active := []*TrackState{seed}
	for len(active) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var next []*TrackState
		for _, st := range active {
			extended := false
			for skip := 0; st.NSkippedLayers()+skip <= s.MaxSkippedLayers; skip++ {
				layer := st.NextLayer() + skip
				if layer >= len(layers) {
					break
				}
				for _, cl := range layers[layer] {
					child, err := d.fitter.Update(st.NSkippedLayers()+skip, layer, cl, st)
					if err != nil {
						return res, errors.Wrapf(err, "layer %d", layer)
					}
					res.Updates++
					dec, err := d.gate.Check(child)
					if err != nil {
						return res, errors.Wrapf(err, "gating layer %d", layer)
					}
					if dec.Diverged {
						res.Divergences++
					}
					if dec.Accepted {
						next = append(next, child)
						extended = true
					}
				}
			}
			if !extended {
				res.Finished = append(res.Finished, st)
			}
		}
		slices.SortStableFunc(next, Rank)
		if len(next) > s.MaxStatesPerLayer {
			next = next[:s.MaxStatesPerLayer]
		}
		active = next
	}

	for _, st := range res.Finished {
		if st.NStubLayers() < s.MinStubLayers {
			continue
		}
		if res.Best == nil || Rank(st, res.Best) < 0 {
			res.Best = st
		}
	}
	if res.Best != nil {
		if res.Decision, err = d.gate.Check(res.Best); err != nil {
			return res, err
		}
	}
	d.logger.Debug("candidate fitted",
		"candidate", cand.ID,
		"updates", res.Updates,
		"finished", len(res.Finished),
		"found", res.Best != nil,
	)
	return res, nil
}

// FitBatch fits candidates concurrently with at most workers in flight
// (no limit when workers <= 0). Malformed input only stops its own
// candidate; any other error cancels the batch.
func (d *Driver) FitBatch(ctx context.Context, cands []*Candidate, workers int) ([]FitResult, error) {
	results := make([]FitResult, len(cands))
	g, gCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, cand := range cands {
		g.Go(func() error {
			res, err := d.FitCandidate(gCtx, cand)
			if err != nil && IsMalformedInput(err) {
				d.logger.Warn("candidate skipped", "candidate", cand.ID, "error", err)
				res.Err = err
				err = nil
			}
			if err != nil {
				d.logger.Error("fit aborted", "candidate", cand.ID, "kind", errorKind(err), "error", err)
				return errors.Wrapf(err, "candidate %s", cand.ID)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
