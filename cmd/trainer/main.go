// Trainer runs the units-sold training job once, or on a cron schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/storecast/unitsforecast/pkg/config"
	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/ingest"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/metadatastore"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/pipeline"
	"github.com/storecast/unitsforecast/pkg/scheduler"
	"github.com/storecast/unitsforecast/pkg/storage"
)

type options struct {
	configPath  string
	data        string
	artifacts   string
	trees       int
	seed        int64
	sample      int
	fast        bool
	synthetic   int
	schedule    string
	metricsAddr string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "trainer: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("trainer", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.data, "data", "", "CSV export to train on")
	fs.StringVar(&opts.artifacts, "artifacts", "", "artifacts directory")
	fs.IntVar(&opts.trees, "trees", 0, "number of trees in the forest")
	fs.Int64Var(&opts.seed, "seed", 0, "random seed for splitting, sampling and tree growth")
	fs.IntVar(&opts.sample, "sample", 0, "train on a seeded sample of this many rows")
	fs.BoolVar(&opts.fast, "fast", false, "fast mode: sample 500 rows and grow 10 trees")
	fs.IntVar(&opts.synthetic, "synthetic", 0, "train on N generated rows instead of a CSV export")
	fs.StringVar(&opts.schedule, "schedule", "", "cron schedule for periodic retraining, empty runs once")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while scheduled")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return opts, fs, nil
}

// applyFlags overrides configuration with the flags that were set explicitly
func applyFlags(cfg *config.Config, opts *options, fs *pflag.FlagSet) {
	if fs.Changed("data") {
		cfg.Training.DataPath = opts.data
	}
	if fs.Changed("artifacts") {
		cfg.Artifacts.Dir = opts.artifacts
	}
	if fs.Changed("trees") {
		cfg.Training.NumTrees = opts.trees
	}
	if fs.Changed("seed") {
		cfg.Training.Seed = opts.seed
	}
	if fs.Changed("sample") {
		cfg.Training.SampleSize = opts.sample
	}
	if fs.Changed("fast") {
		cfg.Training.FastMode = opts.fast
	}
	if fs.Changed("schedule") {
		cfg.Training.Schedule = opts.schedule
	}
}

func run(args []string) error {
	opts, fs, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts, fs)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "trainer"})
	logger.Info().Str("environment", cfg.Environment).Str("artifacts", cfg.Artifacts.Dir).Msg("Starting trainer")

	contract := features.Default().WithTarget(cfg.Training.Target)

	store, err := storage.NewArtifactStore(cfg.Artifacts.Dir, contract, logger)
	if err != nil {
		return err
	}

	var tracker metadatastore.Tracker = metadatastore.NopTracker{}
	if cfg.Tracking.Enabled {
		sqlite, err := metadatastore.NewSQLiteTracker(cfg.TrackingDBPath())
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.TrackingDBPath()).Msg("Run tracking disabled")
		} else {
			defer sqlite.Close()
			tracker = sqlite
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	svc := pipeline.NewService(contract, store, tracker, recorder, logger)

	source := pipeline.CSVSource(ingest.NewCSVReader(contract, logger), cfg.Training.DataPath)
	if opts.synthetic > 0 {
		source = pipeline.SyntheticSource(opts.synthetic, cfg.Training.Seed)
	}
	hp := cfg.Training.Hyperparameters()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	job := func(ctx context.Context) error {
		_, err := svc.Execute(ctx, source, hp)
		return err
	}

	if cfg.Training.Schedule == "" {
		return runOnce(ctx, svc, source, hp, logger)
	}
	return runScheduled(ctx, cfg.Training.Schedule, job, registry, opts.metricsAddr, logger)
}

func runOnce(ctx context.Context, svc *pipeline.Service, source pipeline.Source, hp *training.TrainingConfig, logger zerolog.Logger) error {
	run, err := svc.Execute(ctx, source, hp)
	if err != nil {
		return err
	}
	logger.Info().
		Str("run_id", run.ID).
		Float64("mae", run.MetricValue).
		Bool("promoted", run.Promoted).
		Msg("Training finished")
	return nil
}

func runScheduled(ctx context.Context, spec string, job scheduler.Job, registry *prometheus.Registry, metricsAddr string, logger zerolog.Logger) error {
	sched, err := scheduler.NewService(spec, job, logger)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := sched.RunNow(ctx); err != nil {
		logger.Error().Err(err).Msg("Initial training run failed")
	}
	sched.Start(ctx)
	logger.Info().Time("next_run", sched.NextRun()).Msg("Waiting for next scheduled run")

	<-ctx.Done()
	logger.Info().Msg("Shutting down trainer...")
	sched.Stop()
	return nil
}
