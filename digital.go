package kfdigi

import (
	"log/slog"

	"github.com/pkg/errors"
)

// DigitalFitter runs one update through the firmware emulation: digitize
// the stub and prior state, update in fixed point, convert back.
type DigitalFitter struct {
	f       *Format
	adapter *StateAdapter
	updater *StateUpdater
	logger  *slog.Logger
	metrics *Metrics
}

// NewDigitalFitter returns a fitter for format f. metrics may be nil.
func NewDigitalFitter(f *Format, logger *slog.Logger, metrics *Metrics) *DigitalFitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DigitalFitter{
		f:       f,
		adapter: NewStateAdapter(f, logger),
		updater: NewStateUpdater(f),
		logger:  logger.With("component", "digital_fitter"),
		metrics: metrics,
	}
}

// Type implements the Fitter interface.
func (d *DigitalFitter) Type() FitterType { return DigitalType }

// Update implements the Fitter interface. A cluster that does not hold
// exactly one stub is rejected before the updater runs.
func (d *DigitalFitter) Update(skipped, layer int, cluster *StubCluster, prior *TrackState) (*TrackState, error) {
	cand := prior.Candidate()
	if cand == nil {
		return nil, errors.New("track state has no candidate")
	}
	stub, err := d.adapter.DigitizeStub(cluster, cand.IPhiSec)
	if err != nil {
		d.metrics.countError(errorKind(err))
		return nil, err
	}
	in, err := d.adapter.DigitizeState(skipped, layer, prior)
	if err != nil {
		d.metrics.countError(errorKind(err))
		return nil, err
	}
	out, extra, err := d.updater.Update(stub, in)
	if err != nil {
		d.metrics.countError(errorKind(err))
		return nil, err
	}
	st := d.adapter.StateOut(prior, cluster, in, out, extra)
	d.metrics.countUpdate(DigitalType, st.Chi2())
	d.logger.Debug("state updated",
		"candidate", cand.ID,
		"layer", layer,
		"stub_layers", st.NStubLayers(),
		"chi2", st.Chi2(),
		"cuts", extra.Cuts.String(),
		"consistent", extra.Consistent,
		"sector_cut", extra.SectorCut,
	)
	return st, nil
}
