// Package pipeline runs the batch training job: ingest, train, evaluate,
// write reports, consider the candidate for promotion and record the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/ingest"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/metadatastore"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/models"
	"github.com/storecast/unitsforecast/pkg/reports"
	"github.com/storecast/unitsforecast/pkg/storage"
)

// DefaultMetric is the held-out metric candidates are compared on
const DefaultMetric = "mae"

// Source produces the dataset for one run
type Source func(ctx context.Context) (*ingest.Dataset, error)

// CSVSource reads the dataset from a CSV export on every run
func CSVSource(reader *ingest.CSVReader, path string) Source {
	return func(ctx context.Context) (*ingest.Dataset, error) {
		return reader.ReadFile(ctx, path)
	}
}

// SyntheticSource generates n deterministic rows on every run
func SyntheticSource(n int, seed int64) Source {
	return func(context.Context) (*ingest.Dataset, error) {
		return ingest.Synthetic(n, seed)
	}
}

// Service executes training runs
type Service struct {
	contract *features.Contract
	store    *storage.ArtifactStore
	reports  *reports.Writer
	tracker  metadatastore.Tracker
	recorder *metrics.Recorder
	logger   zerolog.Logger

	now func() time.Time
}

// NewService creates a training job service. tracker and recorder may be nil.
func NewService(contract *features.Contract, store *storage.ArtifactStore, tracker metadatastore.Tracker, recorder *metrics.Recorder, logger zerolog.Logger) *Service {
	if tracker == nil {
		tracker = metadatastore.NopTracker{}
	}
	logger = logging.Component(logger, "pipeline")
	return &Service{
		contract: contract,
		store:    store,
		reports:  reports.NewWriter(store.ReportsDir(), logger),
		tracker:  tracker,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// step is one named stage of a run
type step struct {
	name string
	run  func(ctx context.Context) error
}

// Execute performs one training run. The returned run record is populated
// as far as the run got, including on error. Nothing is promoted unless
// every stage before promotion succeeded.
func (s *Service) Execute(ctx context.Context, source Source, config *training.TrainingConfig) (*models.TrainingRun, error) {
	if config == nil {
		config = training.DefaultTrainingConfig()
	}
	run := &models.TrainingRun{
		ID:         uuid.New().String(),
		Status:     models.RunStatusRunning,
		StartedAt:  s.now().UTC(),
		NumTrees:   config.NumTrees,
		RandomSeed: config.RandomSeed,
		SampleSize: config.SampleSize,
		MetricName: DefaultMetric,
	}
	log := s.logger.With().Str("run_id", run.ID).Logger()
	log.Info().Int("trees", config.NumTrees).Int64("seed", config.RandomSeed).Int("sample_size", config.SampleSize).Msg("Starting training run")
	s.track(ctx, log, func(ctx context.Context) error { return s.tracker.SaveRun(ctx, run) })

	var (
		dataset *ingest.Dataset
		result  *training.TrainingResult
		report  *models.EvaluationReport
	)
	steps := []step{
		{"ingest", func(ctx context.Context) error {
			ds, err := source(ctx)
			if err != nil {
				return err
			}
			dataset = ds
			run.DataSource = ds.Source
			run.TotalRows = ds.Len()
			return nil
		}},
		{"train", func(ctx context.Context) error {
			res, err := training.NewTrainer(s.contract, config, log).Train(ctx, dataset.Rows, dataset.Targets)
			if err != nil {
				return err
			}
			result = res
			run.TrainingRows = res.TrainingRows
			run.HeldOutRows = len(res.HeldOutRows)
			return nil
		}},
		{"evaluate", func(context.Context) error {
			r, err := training.Evaluate(result.Pipeline, result.HeldOutRows, result.HeldOutTargets, run.ID)
			if err != nil {
				return err
			}
			report = r
			overall := r.Overall
			run.Overall = &overall
			run.MetricValue = r.Overall.MAE
			return nil
		}},
		{"report", func(context.Context) error {
			return s.reports.Write(report)
		}},
		{"promote", func(context.Context) error {
			promoted, err := s.store.Consider(result.Pipeline, run.MetricName, run.MetricValue, run.ID)
			if err != nil {
				return err
			}
			run.Promoted = promoted
			if promoted {
				run.ArtifactPath = s.store.ArtifactPath()
				if s.recorder != nil {
					s.recorder.ObservePromotion(run.MetricName, run.MetricValue)
				}
			}
			return nil
		}},
	}

	err := s.runSteps(ctx, log, steps)
	finished := s.now().UTC()
	run.FinishedAt = &finished
	elapsed := finished.Sub(run.StartedAt)

	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("Training run failed")
		s.track(ctx, log, func(ctx context.Context) error { return s.tracker.SaveRun(ctx, run) })
		s.observe(metrics.OutcomeFailed, elapsed)
		return run, err
	}

	run.Status = models.RunStatusCompleted
	s.track(ctx, log, func(ctx context.Context) error { return s.tracker.SaveRun(ctx, run) })
	s.track(ctx, log, func(ctx context.Context) error { return s.tracker.SaveReport(ctx, report) })

	outcome := metrics.OutcomeRetained
	if run.Promoted {
		outcome = metrics.OutcomePromoted
	}
	s.observe(outcome, elapsed)
	log.Info().
		Float64("mae", run.MetricValue).
		Bool("promoted", run.Promoted).
		Int("rows", run.TotalRows).
		Dur("elapsed", elapsed).
		Msg("Training run completed")
	return run, nil
}

func (s *Service) runSteps(ctx context.Context, log zerolog.Logger, steps []step) error {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
		start := time.Now()
		if err := st.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
		log.Debug().Str("step", st.name).Dur("elapsed", time.Since(start)).Msg("Step completed")
	}
	return nil
}

// track records run metadata. Tracker failures never fail the run.
func (s *Service) track(ctx context.Context, log zerolog.Logger, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to record run in tracker")
	}
}

func (s *Service) observe(outcome string, elapsed time.Duration) {
	if s.recorder != nil {
		s.recorder.ObserveTraining(outcome, elapsed)
	}
}
