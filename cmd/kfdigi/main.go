// Command kfdigi fits the track candidates of one event with the digital
// Kalman filter emulator and reports the tracks the quality gate accepts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/l1tracking/kfdigi"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	settings    string
	event       string
	fitter      string
	csvDir      string
	dump        bool
	workers     int
	logLevel    string
	resolution  int
	seed        uint64
	metricsAddr string
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("kfdigi", flag.ContinueOnError)
	fs.StringVar(&cfg.settings, "settings", "", "JSON or YAML settings file (defaults when empty)")
	fs.StringVar(&cfg.event, "event", "", "JSON event with the track candidates to fit")
	fs.StringVar(&cfg.fitter, "fitter", "digital", "fitter to run: digital, float or information")
	fs.StringVar(&cfg.csvDir, "csv", "", "directory for the CSV exports")
	fs.BoolVar(&cfg.dump, "dump", false, "print the fit history of every accepted track")
	fs.IntVar(&cfg.workers, "workers", 4, "candidates fitted concurrently, 0 for no limit")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.IntVar(&cfg.resolution, "resolution", 0, "samples of the digitization resolution study, 0 to skip")
	fs.Uint64Var(&cfg.seed, "seed", 1, "random seed of the resolution study")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while fitting")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.event == "" {
		return cfg, errors.New("-event is required")
	}
	switch cfg.fitter {
	case "digital", "float", "information":
	default:
		return cfg, errors.Errorf("unknown fitter %q", cfg.fitter)
	}
	if cfg.workers < 0 || cfg.resolution < 0 {
		return cfg, errors.New("-workers and -resolution must be non-negative")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("kfdigi failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger, out io.Writer) error {
	settings := kfdigi.DefaultSettings()
	if cfg.settings != "" {
		var err error
		if settings, err = kfdigi.LoadSettings(cfg.settings); err != nil {
			return err
		}
	}
	f, err := kfdigi.NewFormat(settings)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := kfdigi.NewMetrics(reg)
	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.metricsAddr)
	}

	cands, err := loadEvent(cfg.event, f)
	if err != nil {
		return err
	}

	var fitter kfdigi.Fitter
	switch cfg.fitter {
	case "float":
		fitter = kfdigi.NewFloatFitter(f, nil, logger, metrics)
	case "information":
		fitter = kfdigi.NewInformationFitter(f, nil, logger, metrics)
	default:
		fitter = kfdigi.NewDigitalFitter(f, logger, metrics)
	}
	driver := kfdigi.NewDriver(f, fitter, kfdigi.NewGate(f, logger, metrics), logger, metrics)
	start := time.Now()
	results, err := driver.FitBatch(ctx, cands, cfg.workers)
	if err != nil {
		return err
	}
	logger.Info("event fitted", "candidates", len(cands), "fitter", fitter.Type(), "elapsed", time.Since(start))

	if err := report(f, results, cfg, logger, out); err != nil {
		return err
	}
	if cfg.resolution > 0 && len(cands) > 0 {
		if err := resolution(f, cands[0], cfg, logger); err != nil {
			return err
		}
	}
	logMetrics(reg, logger)
	return nil
}

// report writes the accepted tracks and their NEES against the matched truth.
func report(f *kfdigi.Format, results []kfdigi.FitResult, cfg config, logger *slog.Logger, out io.Writer) error {
	var exp kfdigi.Exporter
	if cfg.csvDir != "" {
		ce, err := kfdigi.NewCSVExporter(helixHeaders(f), cfg.csvDir, "tracks.csv")
		if err != nil {
			return err
		}
		defer ce.Close()
		exp = ce
	}

	var accepted, malformed int
	var states []*kfdigi.TrackState
	var truths []*kfdigi.TruthParticle
	for _, res := range results {
		if res.Err != nil {
			malformed++
			logger.Warn("candidate skipped", "candidate", res.Candidate.ID, "error", res.Err)
			continue
		}
		if res.Best == nil || !res.Decision.Accepted {
			continue
		}
		accepted++
		if exp != nil {
			if err := exp.Write(res.Best); err != nil {
				return err
			}
		}
		if cfg.dump {
			if err := res.Best.Dump(out, res.Candidate.MatchedTP, true); err != nil {
				return err
			}
		}
		logger.Info("track accepted",
			"candidate", res.Candidate.ID,
			"pt", res.Best.Pt(),
			"stub_layers", res.Best.NStubLayers(),
			"chi2", res.Best.Chi2(),
			"probability", res.Best.Probability(),
			"diverged", res.Decision.Diverged,
		)
		if res.Candidate.MatchedTP != nil {
			states = append(states, res.Best)
			truths = append(truths, res.Candidate.MatchedTP)
		}
	}
	logger.Info("event summary", "accepted", accepted, "malformed", malformed, "candidates", len(results))

	if len(states) > 0 {
		_, mean, err := kfdigi.NEESStudy(states, truths)
		if err != nil {
			return err
		}
		logger.Info("NEES study", "tracks", len(states), "mean", mean, "dof", f.NumParams())
	}
	return nil
}

// resolution runs the digitization study around the first candidate.
func resolution(f *kfdigi.Format, cand *kfdigi.Candidate, cfg config, logger *slog.Logger) error {
	cov := kfdigi.Diagonal(f.Settings.SeedSigmas[:f.NumParams()]...)
	rs, err := kfdigi.NewResolutionStudy(f, cand, cov, cfg.resolution, cfg.seed, logger)
	if err != nil {
		return err
	}
	headers := helixHeaders(f)
	mean, stddev, maxAbs := rs.Mean(), rs.StdDev(), rs.MaxAbs()
	for i, h := range headers {
		logger.Info("digitization residual", "param", h, "mean", mean[i], "stddev", stddev[i], "max", maxAbs[i])
	}
	logger.Info("resolution study", "samples", rs.Samples, "failures", rs.Failures)
	if cfg.csvDir == "" {
		return nil
	}
	for i, doc := range rs.AsCSV(headers) {
		path := filepath.Join(cfg.csvDir, fmt.Sprintf("resolution_%s.csv", headers[i]))
		if err := os.WriteFile(path, []byte(doc+"\n"), 0o644); err != nil {
			return errors.Wrap(err, "failed to write resolution study")
		}
	}
	return nil
}

func helixHeaders(f *kfdigi.Format) []string {
	return []string{"inv2R", "phi0", "tanL", "z0", "d0"}[:f.NumParams()]
}

// logMetrics logs the total of every counter family.
func logMetrics(g prometheus.Gatherer, logger *slog.Logger) {
	families, err := g.Gather()
	if err != nil {
		logger.Warn("could not gather metrics", "error", err)
		return
	}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		if total > 0 {
			logger.Info("metric", "name", mf.GetName(), "total", total)
		}
	}
}
