package mlmodel

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/ingest"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/models"
	"github.com/storecast/unitsforecast/pkg/storage"
)

func fitted(t *testing.T, seed int64) *training.Pipeline {
	t.Helper()
	ds, err := ingest.Synthetic(60, seed)
	require.NoError(t, err)
	p := training.NewPipeline(features.Default(), training.NewRandomForestRegressor(4, seed, training.TreeParams{}))
	require.NoError(t, p.Fit(context.Background(), ds.Rows, ds.Targets))
	return p
}

func sampleRow(t *testing.T) models.FeatureRow {
	t.Helper()
	ds, err := ingest.Synthetic(1, 123)
	require.NoError(t, err)
	return ds.Rows[0]
}

// countingSource serves a fixed pipeline and counts loads
type countingSource struct {
	pipeline *training.Pipeline
	stamp    storage.FileStamp
	loads    int
	missing  bool
}

func (c *countingSource) Stat() (storage.FileStamp, error) {
	if c.missing {
		return storage.FileStamp{}, storage.ErrModelNotFound
	}
	return c.stamp, nil
}

func (c *countingSource) Load() (*training.Pipeline, *storage.Artifact, error) {
	c.loads++
	return c.pipeline, storage.NewArtifact(c.pipeline, "mae", 1, "run-x", time.Now()), nil
}

func TestServiceWithoutModel(t *testing.T) {
	store, err := storage.NewArtifactStore(t.TempDir(), features.Default(), zerolog.Nop())
	require.NoError(t, err)
	svc := NewService(store, nil, nil, zerolog.Nop())

	_, err = svc.PredictOne(context.Background(), sampleRow(t))
	assert.ErrorIs(t, err, storage.ErrModelNotFound)
	_, err = svc.ExplainOne(context.Background(), sampleRow(t), 5)
	assert.ErrorIs(t, err, storage.ErrModelNotFound)
	_, err = svc.ModelInfo(context.Background())
	assert.ErrorIs(t, err, storage.ErrModelNotFound)
}

func TestServicePredictsPromotedModel(t *testing.T) {
	store, err := storage.NewArtifactStore(t.TempDir(), features.Default(), zerolog.Nop())
	require.NoError(t, err)
	p := fitted(t, 5)
	_, err = store.Consider(p, "mae", 4.2, "run-5")
	require.NoError(t, err)

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	svc := NewService(store, training.PathExplainer{}, recorder, zerolog.Nop())
	row := sampleRow(t)

	got, err := svc.PredictOne(context.Background(), row)
	require.NoError(t, err)
	want, err := p.PredictOne(row)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)
	assert.False(t, math.IsNaN(got))

	_, err = svc.PredictOne(context.Background(), row)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.ModelLoadsTotal.WithLabelValues(metrics.OutcomeSuccess)), "second call hits the cache")

	info, err := svc.ModelInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-5", info.RunID)
	assert.Equal(t, 4.2, info.MetricValue)
	assert.Equal(t, 4, info.NumTrees)
	depth := 0
	for _, tree := range p.Forest.Trees {
		depth = max(depth, tree.Depth())
	}
	assert.Equal(t, depth, info.MaxDepth)
	assert.Positive(t, info.MaxDepth)
	assert.Equal(t, features.Default().Fields(), info.Fields)
	assert.LessOrEqual(t, len(info.TopImportance), 10)
	for i := 1; i < len(info.TopImportance); i++ {
		assert.GreaterOrEqual(t, info.TopImportance[i-1].Importance, info.TopImportance[i].Importance)
	}

	require.NoError(t, os.Remove(store.ArtifactPath()))
	_, err = svc.PredictOne(context.Background(), row)
	assert.ErrorIs(t, err, storage.ErrModelNotFound, "removed artifact is not served from cache")
}

func TestServiceCache(t *testing.T) {
	src := &countingSource{pipeline: fitted(t, 1), stamp: storage.FileStamp{ModTime: time.Unix(100, 0), Size: 10}}
	svc := NewService(src, nil, nil, zerolog.Nop())
	ctx := context.Background()

	for range 3 {
		_, err := svc.Load(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.loads)

	src.stamp = storage.FileStamp{ModTime: time.Unix(200, 0), Size: 10}
	_, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads, "changed stamp reloads")

	svc.Invalidate()
	_, err = svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, src.loads)

	src.missing = true
	_, err = svc.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrModelNotFound)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = svc.Load(canceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceRejectsBadRows(t *testing.T) {
	src := &countingSource{pipeline: fitted(t, 2)}
	svc := NewService(src, nil, nil, zerolog.Nop())

	row := sampleRow(t)
	delete(row, "Price")
	_, err := svc.PredictOne(context.Background(), row)
	assert.ErrorIs(t, err, features.ErrSchema)

	row = sampleRow(t)
	row["Store ID"] = "S999"
	got, err := svc.PredictOne(context.Background(), row)
	require.NoError(t, err, "unseen category is not an error")
	assert.False(t, math.IsNaN(got))
}

func TestServiceRejectsNonFinitePrediction(t *testing.T) {
	p := fitted(t, 3)
	for _, tree := range p.Forest.Trees {
		for i := range tree.Nodes {
			tree.Nodes[i].Value = math.Inf(1)
		}
	}
	svc := NewService(&countingSource{pipeline: p}, nil, nil, zerolog.Nop())

	_, err := svc.PredictOne(context.Background(), sampleRow(t))
	assert.ErrorIs(t, err, ErrNonFinitePrediction)
}

func TestServiceExplain(t *testing.T) {
	svc := NewService(&countingSource{pipeline: fitted(t, 4)}, nil, nil, zerolog.Nop())
	row := sampleRow(t)

	full, err := svc.ExplainOne(context.Background(), row, 0)
	require.NoError(t, err)
	sum := full.BaseValue
	for _, c := range full.Contributions {
		sum += c.Contribution
	}
	assert.InDelta(t, full.Prediction, sum, 1e-6)

	top, err := svc.ExplainOne(context.Background(), row, 3)
	require.NoError(t, err)
	require.Len(t, top.Contributions, 3)
	assert.Equal(t, full.Contributions[:3], top.Contributions)
	assert.GreaterOrEqual(t, math.Abs(top.Contributions[0].Contribution), math.Abs(top.Contributions[2].Contribution))
}

func TestServiceForecastScenario(t *testing.T) {
	ds, err := ingest.Synthetic(50, 0)
	require.NoError(t, err)
	trainer := training.NewTrainer(features.Default(), &training.TrainingConfig{NumTrees: 5, RandomSeed: 0, TestSize: 0.2}, zerolog.Nop())
	result, err := trainer.Train(context.Background(), ds.Rows, ds.Targets)
	require.NoError(t, err)

	store, err := storage.NewArtifactStore(t.TempDir(), features.Default(), zerolog.Nop())
	require.NoError(t, err)
	promoted, err := store.Consider(result.Pipeline, "mae", result.HeldOutMAE, "scenario")
	require.NoError(t, err)
	require.True(t, promoted)

	row := models.FeatureRow{
		"Store ID":           "S001",
		"Product ID":         "P001",
		"Category":           "Electronics",
		"Region":             "North",
		"Inventory Level":    120.0,
		"Units Ordered":      80.0,
		"Demand Forecast":    140.5,
		"Price":              49.99,
		"Discount":           10.0,
		"Weather Condition":  "Sunny",
		"Holiday/Promotion":  0.0,
		"Competitor Pricing": 52.0,
		"Seasonality":        "Summer",
		"day_of_week":        2,
		"month":              7,
		"day":                15,
		"is_weekend":         0,
	}

	svc := NewService(store, nil, nil, zerolog.Nop())
	prediction, err := svc.PredictOne(context.Background(), row)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(prediction) || math.IsInf(prediction, 0))
	assert.GreaterOrEqual(t, prediction, 0.0)

	want, err := result.Pipeline.PredictOne(row)
	require.NoError(t, err)
	assert.InDelta(t, want, prediction, 1e-9, "served model matches the trained one")
}

type brokenSource struct{ err error }

func (b brokenSource) Stat() (storage.FileStamp, error) { return storage.FileStamp{Size: 1}, nil }

func (b brokenSource) Load() (*training.Pipeline, *storage.Artifact, error) {
	return nil, nil, b.err
}

func TestServiceUnusableArtifact(t *testing.T) {
	svc := NewService(brokenSource{err: &features.SchemaError{Reason: "field order changed"}}, nil, nil, zerolog.Nop())
	_, err := svc.PredictOne(context.Background(), sampleRow(t))
	assert.ErrorIs(t, err, ErrModelUnusable)
	assert.NotErrorIs(t, err, features.ErrSchema, "artifact mismatch is not a request error")

	svc = NewService(brokenSource{err: storage.ErrModelNotFound}, nil, nil, zerolog.Nop())
	_, err = svc.PredictOne(context.Background(), sampleRow(t))
	assert.ErrorIs(t, err, storage.ErrModelNotFound)
}
