// Package mlmodel serves predictions from the promoted forecasting model.
package mlmodel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/models"
	"github.com/storecast/unitsforecast/pkg/storage"
)

var (
	// ErrNonFinitePrediction is returned instead of a NaN or infinite prediction
	ErrNonFinitePrediction = errors.New("model produced a non-finite prediction")
	// ErrModelUnusable means an artifact exists but cannot serve this build
	ErrModelUnusable = errors.New("promoted model is unusable")
)

// ArtifactSource is the read side of the promotion store
type ArtifactSource interface {
	Stat() (storage.FileStamp, error)
	Load() (*training.Pipeline, *storage.Artifact, error)
}

// Model is a loaded artifact together with the file stamp it was read at
type Model struct {
	Pipeline *training.Pipeline
	Artifact *storage.Artifact
	Stamp    storage.FileStamp
}

// ModelInfo describes the promoted model
type ModelInfo struct {
	RunID         string              `json:"run_id"`
	MetricName    string              `json:"metric_name"`
	MetricValue   float64             `json:"metric_value"`
	CreatedAt     time.Time           `json:"created_at"`
	FormatVersion int                 `json:"format_version"`
	NumTrees      int                 `json:"num_trees"`
	MaxDepth      int                 `json:"max_depth"` // Deepest tree in the forest
	Fields        []string            `json:"fields"`
	Features      []string            `json:"features"` // Encoded column names
	TopImportance []FeatureImportance `json:"top_importance"`
}

// FeatureImportance is one encoded column's forest importance
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

const infoImportanceLimit = 10

// Service loads the promoted pipeline on demand and caches it until the
// artifact file changes
type Service struct {
	source    ArtifactSource
	explainer training.Explainer
	recorder  *metrics.Recorder
	logger    zerolog.Logger

	mu     sync.RWMutex
	cached *Model
}

// NewService creates an inference service. A nil explainer defaults to
// training.PathExplainer; recorder may be nil.
func NewService(source ArtifactSource, explainer training.Explainer, recorder *metrics.Recorder, logger zerolog.Logger) *Service {
	if explainer == nil {
		explainer = training.PathExplainer{}
	}
	return &Service{
		source:    source,
		explainer: explainer,
		recorder:  recorder,
		logger:    logging.Component(logger, "inference"),
	}
}

// Load returns the promoted model, reading it from disk only when the artifact
// stamp (mod time, size and file identity) differs from the cached one
func (s *Service) Load(ctx context.Context) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stamp, err := s.source.Stat()
	if err != nil {
		if errors.Is(err, storage.ErrModelNotFound) {
			s.Invalidate()
		}
		return nil, err
	}

	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != nil && cached.Stamp.Same(stamp) {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cached.Stamp.Same(stamp) {
		return s.cached, nil
	}

	pipeline, artifact, err := s.source.Load()
	if err != nil {
		s.cached = nil
		s.observeLoad(err)
		if errors.Is(err, storage.ErrModelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnusable, err)
	}
	s.cached = &Model{Pipeline: pipeline, Artifact: artifact, Stamp: stamp}
	s.observeLoad(nil)
	s.logger.Info().
		Str("run_id", artifact.RunID).
		Str("metric", artifact.MetricName).
		Float64("value", artifact.MetricValue).
		Time("mod_time", stamp.ModTime).
		Msg("Loaded promoted model")
	return s.cached, nil
}

// Invalidate drops the cached model so the next call reloads it
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// PredictOne validates a feature row and predicts units sold for it
func (s *Service) PredictOne(ctx context.Context, row models.FeatureRow) (float64, error) {
	model, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	prediction, err := model.Pipeline.PredictOne(row)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(prediction) || math.IsInf(prediction, 0) {
		s.logger.Error().Str("run_id", model.Artifact.RunID).Msg("Non-finite prediction")
		return 0, ErrNonFinitePrediction
	}
	return prediction, nil
}

// ExplainOne predicts a row and attributes the prediction to its encoded
// columns, keeping the topN largest in magnitude. topN <= 0 keeps all.
func (s *Service) ExplainOne(ctx context.Context, row models.FeatureRow, topN int) (*training.Explanation, error) {
	model, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	explanation, err := model.Pipeline.Explain(row, s.explainer, topN)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(explanation.Prediction) || math.IsInf(explanation.Prediction, 0) {
		return nil, ErrNonFinitePrediction
	}
	return explanation, nil
}

// ModelInfo summarises the promoted model
func (s *Service) ModelInfo(ctx context.Context) (*ModelInfo, error) {
	model, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	importance := model.Pipeline.FeatureImportance()
	ranked := make([]FeatureImportance, 0, len(importance))
	for name, value := range importance {
		ranked = append(ranked, FeatureImportance{Feature: name, Importance: value})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Importance != ranked[j].Importance {
			return ranked[i].Importance > ranked[j].Importance
		}
		return ranked[i].Feature < ranked[j].Feature
	})
	if len(ranked) > infoImportanceLimit {
		ranked = ranked[:infoImportanceLimit]
	}

	depth := 0
	for _, tree := range model.Pipeline.Forest.Trees {
		depth = max(depth, tree.Depth())
	}

	a := model.Artifact
	return &ModelInfo{
		RunID:         a.RunID,
		MetricName:    a.MetricName,
		MetricValue:   a.MetricValue,
		CreatedAt:     a.CreatedAt,
		FormatVersion: a.FormatVersion,
		NumTrees:      len(model.Pipeline.Forest.Trees),
		MaxDepth:      depth,
		Fields:        a.Fields,
		Features:      model.Pipeline.Encoder.FeatureNames(),
		TopImportance: ranked,
	}, nil
}

func (s *Service) observeLoad(err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load promoted model")
	}
	if s.recorder == nil {
		return
	}
	switch {
	case err == nil:
		s.recorder.ObserveModelLoad(metrics.OutcomeSuccess)
	case errors.Is(err, storage.ErrModelNotFound):
		s.recorder.ObserveModelLoad(metrics.OutcomeNotFound)
	default:
		s.recorder.ObserveModelLoad(metrics.OutcomeError)
	}
}
