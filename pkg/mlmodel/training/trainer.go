package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/models"
)

// TrainingConfig holds the hyperparameters of one training run
type TrainingConfig struct {
	NumTrees        int     `json:"num_trees"`
	RandomSeed      int64   `json:"random_seed"`
	TestSize        float64 `json:"test_size"` // Fraction of rows held out for evaluation
	MaxDepth        int     `json:"max_depth"`
	MinSamplesSplit int     `json:"min_samples_split"`
	MinSamplesLeaf  int     `json:"min_samples_leaf"`
	MaxFeatures     int     `json:"max_features"`
	Workers         int     `json:"workers"`
	SampleSize      int     `json:"sample_size"` // Rows drawn before splitting, 0 uses every row
}

// DefaultTrainingConfig returns the production hyperparameters
func DefaultTrainingConfig() *TrainingConfig {
	return &TrainingConfig{
		NumTrees:        200,
		RandomSeed:      42,
		TestSize:        0.2,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
	}
}

// Validate checks the configuration is usable
func (c *TrainingConfig) Validate() error {
	if c.NumTrees <= 0 {
		return fmt.Errorf("num_trees must be positive, got %d", c.NumTrees)
	}
	if c.TestSize <= 0 || c.TestSize >= 1 {
		return fmt.Errorf("test_size must be in (0, 1), got %v", c.TestSize)
	}
	if c.MaxDepth < 0 || c.MaxFeatures < 0 || c.SampleSize < 0 {
		return fmt.Errorf("max_depth, max_features and sample_size must not be negative")
	}
	return nil
}

func (c *TrainingConfig) treeParams() TreeParams {
	return TreeParams{
		MaxDepth:        c.MaxDepth,
		MinSamplesSplit: c.MinSamplesSplit,
		MinSamplesLeaf:  c.MinSamplesLeaf,
		MaxFeatures:     c.MaxFeatures,
	}
}

// TrainingResult holds the fitted pipeline and the held-out partition it was
// scored on
type TrainingResult struct {
	Pipeline       *Pipeline
	HeldOutMAE     float64
	HeldOutRows    []models.FeatureRow
	HeldOutTargets []float64
	TotalRows      int // Rows offered to the trainer
	TrainingRows   int
	Duration       time.Duration
}

// Trainer fits pipelines on a seeded train/test split
type Trainer struct {
	config   *TrainingConfig
	contract *features.Contract
	logger   zerolog.Logger
}

// NewTrainer creates a trainer. A nil config uses DefaultTrainingConfig.
func NewTrainer(contract *features.Contract, config *TrainingConfig, logger zerolog.Logger) *Trainer {
	if config == nil {
		config = DefaultTrainingConfig()
	}
	return &Trainer{
		config:   config,
		contract: contract,
		logger:   logging.Component(logger, "trainer"),
	}
}

// Config returns the trainer's configuration
func (t *Trainer) Config() *TrainingConfig {
	return t.config
}

// Split returns the training and held-out row indices for n rows. The held-out
// partition has ceil(TestSize*n) rows and the result is fixed by the seed.
func (t *Trainer) Split(n int) (train, test []int, err error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("need at least 2 rows to split, got %d", n)
	}
	nTest := int(math.Ceil(t.config.TestSize * float64(n)))
	nTest = max(1, min(nTest, n-1))

	perm := rand.New(rand.NewSource(t.config.RandomSeed)).Perm(n)
	return perm[nTest:], perm[:nTest], nil
}

// Train optionally subsamples rows, splits them, fits a pipeline on the
// training partition and scores MAE on the held-out partition
func (t *Trainer) Train(ctx context.Context, rows []models.FeatureRow, targets []float64) (*TrainingResult, error) {
	if err := t.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if len(rows) != len(targets) {
		return nil, fmt.Errorf("got %d targets for %d rows", len(targets), len(rows))
	}
	start := time.Now()
	total := len(rows)

	rows, targets = t.sample(rows, targets)
	trainIdx, testIdx, err := t.Split(len(rows))
	if err != nil {
		return nil, err
	}

	trainRows, trainTargets := pick(rows, targets, trainIdx)
	testRows, testTargets := pick(rows, targets, testIdx)

	t.logger.Info().
		Int("total_rows", total).
		Int("training_rows", len(trainRows)).
		Int("held_out_rows", len(testRows)).
		Int("num_trees", t.config.NumTrees).
		Int64("seed", t.config.RandomSeed).
		Msg("Fitting pipeline")

	forest := NewRandomForestRegressor(t.config.NumTrees, t.config.RandomSeed, t.config.treeParams())
	forest.Workers = t.config.Workers
	pipeline := NewPipeline(t.contract, forest)
	if err := pipeline.Fit(ctx, trainRows, trainTargets); err != nil {
		return nil, fmt.Errorf("failed to fit pipeline: %w", err)
	}

	preds, err := pipeline.Predict(testRows)
	if err != nil {
		return nil, fmt.Errorf("failed to score held-out rows: %w", err)
	}
	mae := calculateMAE(preds, testTargets)

	duration := time.Since(start)
	t.logger.Info().
		Float64("held_out_mae", mae).
		Dur("duration", duration).
		Msg("Pipeline fitted")

	return &TrainingResult{
		Pipeline:       pipeline,
		HeldOutMAE:     mae,
		HeldOutRows:    testRows,
		HeldOutTargets: testTargets,
		TotalRows:      total,
		TrainingRows:   len(trainRows),
		Duration:       duration,
	}, nil
}

// sample draws SampleSize rows without replacement, keeping their original order
func (t *Trainer) sample(rows []models.FeatureRow, targets []float64) ([]models.FeatureRow, []float64) {
	k := t.config.SampleSize
	if k <= 0 || k >= len(rows) {
		return rows, targets
	}
	rng := rand.New(rand.NewSource(t.config.RandomSeed ^ 0x5deece66d))
	keep := make([]bool, len(rows))
	for _, i := range rng.Perm(len(rows))[:k] {
		keep[i] = true
	}
	outRows := make([]models.FeatureRow, 0, k)
	outTargets := make([]float64, 0, k)
	for i, ok := range keep {
		if ok {
			outRows = append(outRows, rows[i])
			outTargets = append(outTargets, targets[i])
		}
	}
	return outRows, outTargets
}

// TargetsFrom extracts the numeric target column from rows
func TargetsFrom(rows []models.FeatureRow, field string) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		v, err := features.NumericValue(row, field)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func pick(rows []models.FeatureRow, targets []float64, idx []int) ([]models.FeatureRow, []float64) {
	outRows := make([]models.FeatureRow, len(idx))
	outTargets := make([]float64, len(idx))
	for k, i := range idx {
		outRows[k] = rows[i]
		outTargets[k] = targets[i]
	}
	return outRows, outTargets
}
