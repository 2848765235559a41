package training

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/models"
)

// Contribution is the share of a prediction attributed to one encoded column
type Contribution struct {
	Feature      string  `json:"feature"`
	Field        string  `json:"field"` // Contracted field the column encodes
	Value        float64 `json:"value"` // Encoded input value
	Contribution float64 `json:"contribution"`
}

// Explanation decomposes one prediction
type Explanation struct {
	Prediction    float64        `json:"prediction"`
	Lower         float64        `json:"lower"` // 95% band over tree predictions
	Upper         float64        `json:"upper"`
	BaseValue     float64        `json:"base_value"`
	Contributions []Contribution `json:"contributions"`
}

// Pipeline couples the feature encoder with the forest so training and
// inference always transform rows the same way
type Pipeline struct {
	Encoder *OneHotEncoder         `json:"encoder"`
	Forest  *RandomForestRegressor `json:"forest"`

	contract *features.Contract
}

// NewPipeline creates an unfitted pipeline for the contract
func NewPipeline(contract *features.Contract, forest *RandomForestRegressor) *Pipeline {
	return &Pipeline{
		Encoder:  NewOneHotEncoder(contract),
		Forest:   forest,
		contract: contract,
	}
}

// RestorePipeline binds decoded pipeline state to a contract and checks it
// is usable for prediction
func RestorePipeline(contract *features.Contract, encoder *OneHotEncoder, forest *RandomForestRegressor) (*Pipeline, error) {
	if encoder == nil || forest == nil {
		return nil, &features.SchemaError{Reason: "artifact has no encoder or forest"}
	}
	if !slices.Equal(encoder.Categorical, contract.Categorical()) || !slices.Equal(encoder.Numeric, contract.Numeric()) {
		return nil, &features.SchemaError{Reason: "artifact encoder fields do not match the feature contract"}
	}
	if !encoder.Fitted() {
		return nil, &features.SchemaError{Reason: "artifact encoder has no vocabulary"}
	}
	if err := forest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid forest: %w", err)
	}
	if encoder.Width() != forest.NumFeatures {
		return nil, &features.SchemaError{Reason: fmt.Sprintf("encoder emits %d columns, forest expects %d", encoder.Width(), forest.NumFeatures)}
	}
	return &Pipeline{Encoder: encoder, Forest: forest, contract: contract}, nil
}

// Contract returns the feature contract the pipeline was built for
func (p *Pipeline) Contract() *features.Contract {
	return p.contract
}

// Fit learns the encoder vocabulary and grows the forest
func (p *Pipeline) Fit(ctx context.Context, rows []models.FeatureRow, targets []float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("no training rows")
	}
	if len(rows) != len(targets) {
		return fmt.Errorf("got %d targets for %d rows", len(targets), len(rows))
	}
	for _, row := range rows {
		if err := p.contract.Validate(row); err != nil {
			return err
		}
	}
	if err := p.Encoder.Fit(rows); err != nil {
		return err
	}
	X, err := p.Encoder.Transform(rows)
	if err != nil {
		return err
	}
	return p.Forest.Fit(ctx, X, targets)
}

// Predict returns one prediction per row
func (p *Pipeline) Predict(rows []models.FeatureRow) ([]float64, error) {
	for _, row := range rows {
		if err := p.contract.Validate(row); err != nil {
			return nil, err
		}
	}
	X, err := p.Encoder.Transform(rows)
	if err != nil {
		return nil, err
	}
	return p.Forest.Predict(X)
}

// PredictOne returns the prediction for a single row
func (p *Pipeline) PredictOne(row models.FeatureRow) (float64, error) {
	if err := p.contract.Validate(row); err != nil {
		return 0, err
	}
	x, err := p.Encoder.TransformOne(row)
	if err != nil {
		return 0, err
	}
	return p.Forest.PredictRow(x)
}

// Explain attributes a single prediction to its encoded columns, ranked by
// absolute contribution. topN <= 0 keeps every column.
func (p *Pipeline) Explain(row models.FeatureRow, explainer Explainer, topN int) (*Explanation, error) {
	if err := p.contract.Validate(row); err != nil {
		return nil, err
	}
	x, err := p.Encoder.TransformOne(row)
	if err != nil {
		return nil, err
	}
	prediction, lower, upper, err := p.Forest.PredictWithInterval(x)
	if err != nil {
		return nil, err
	}
	base, contribs, err := explainer.Explain(p.Forest, x)
	if err != nil {
		return nil, err
	}
	if len(contribs) != len(x) {
		return nil, fmt.Errorf("explainer returned %d contributions for %d columns", len(contribs), len(x))
	}

	names := p.Encoder.FeatureNames()
	out := make([]Contribution, len(contribs))
	for j, c := range contribs {
		out[j] = Contribution{Feature: names[j], Field: p.Encoder.SourceField(j), Value: x[j], Contribution: c}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return math.Abs(out[a].Contribution) > math.Abs(out[b].Contribution)
	})
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}

	return &Explanation{Prediction: prediction, Lower: lower, Upper: upper, BaseValue: base, Contributions: out}, nil
}

// FeatureImportance maps each encoded column name to its forest importance
func (p *Pipeline) FeatureImportance() map[string]float64 {
	names := p.Encoder.FeatureNames()
	importance := p.Forest.FeatureImportance()
	out := make(map[string]float64, len(names))
	for j, name := range names {
		if j < len(importance) {
			out[name] = importance[j]
		}
	}
	return out
}
