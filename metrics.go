package kfdigi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts fitter activity. A nil *Metrics records nothing.
type Metrics struct {
	Updates    *prometheus.CounterVec
	Decisions  *prometheus.CounterVec
	Divergence *prometheus.CounterVec
	Errors     *prometheus.CounterVec
	Chi2       prometheus.Histogram
}

// NewMetrics registers the fitter metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kfdigi",
			Subsystem: "fitter",
			Name:      "updates_total",
			Help:      "Total Kalman updates performed",
		}, []string{"fitter"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kfdigi",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total quality gate decisions",
		}, []string{"result"}),
		Divergence: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kfdigi",
			Subsystem: "gate",
			Name:      "divergence_total",
			Help:      "Firmware cut decisions that differ from the float cuts",
		}, []string{"direction"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kfdigi",
			Subsystem: "fitter",
			Name:      "errors_total",
			Help:      "Total update errors by kind",
		}, []string{"kind"}),
		Chi2: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kfdigi",
			Subsystem: "fitter",
			Name:      "state_chi2",
			Help:      "Chi-square of updated track states",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 40, 60, 100},
		}),
	}
}

func (m *Metrics) countUpdate(t FitterType, chi2 float64) {
	if m == nil {
		return
	}
	m.Updates.WithLabelValues(t.String()).Inc()
	m.Chi2.Observe(chi2)
}

func (m *Metrics) countDecision(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.Decisions.WithLabelValues(result).Inc()
}

func (m *Metrics) countDivergence(direction string) {
	if m == nil {
		return
	}
	m.Divergence.WithLabelValues(direction).Inc()
}

func (m *Metrics) countError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

// errorKind classifies an update error for metrics and logs.
func errorKind(err error) string {
	switch {
	case IsMalformedInput(err):
		return "malformed"
	case IsFormatError(err):
		return "format"
	}
	return "other"
}
