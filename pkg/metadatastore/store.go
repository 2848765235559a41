package metadatastore

import (
	"context"
	"errors"

	"github.com/storecast/unitsforecast/pkg/models"
)

// ErrRunNotFound is returned when a training run id is unknown
var ErrRunNotFound = errors.New("training run not found")

// Tracker records training runs and their evaluation results.
// This is an experiment log, not the model store: promotion never depends on it.
type Tracker interface {
	// SaveRun inserts or replaces a run record
	SaveRun(ctx context.Context, run *models.TrainingRun) error
	GetRun(ctx context.Context, id string) (*models.TrainingRun, error)
	// ListRuns returns the most recent runs first. limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]*models.TrainingRun, error)

	// SaveReport stores the stratified metrics of a run's evaluation
	SaveReport(ctx context.Context, report *models.EvaluationReport) error
	GetReport(ctx context.Context, runID string) (*models.EvaluationReport, error)

	Close() error
}

// NopTracker discards everything
type NopTracker struct{}

func (NopTracker) SaveRun(context.Context, *models.TrainingRun) error { return nil }

func (NopTracker) GetRun(context.Context, string) (*models.TrainingRun, error) {
	return nil, ErrRunNotFound
}

func (NopTracker) ListRuns(context.Context, int) ([]*models.TrainingRun, error) {
	return nil, nil
}

func (NopTracker) SaveReport(context.Context, *models.EvaluationReport) error { return nil }

func (NopTracker) GetReport(context.Context, string) (*models.EvaluationReport, error) {
	return nil, ErrRunNotFound
}

func (NopTracker) Close() error { return nil }
