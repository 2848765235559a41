package storage

import (
	"fmt"
	"time"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
)

// ArtifactFormatVersion is the artifact schema this build reads and writes
const ArtifactFormatVersion = 1

// Artifact is the persisted form of a promoted pipeline
type Artifact struct {
	FormatVersion   int                             `json:"format_version"`
	ContractVersion int                             `json:"contract_version"`
	Target          string                          `json:"target"`
	Fields          []string                        `json:"fields"`      // Contracted fields in training order
	Categorical     []string                        `json:"categorical"` // Subset of Fields that were one-hot encoded
	Encoder         *training.OneHotEncoder         `json:"encoder"`
	Forest          *training.RandomForestRegressor `json:"forest"`
	MetricName      string                          `json:"metric_name"`
	MetricValue     float64                         `json:"metric_value"`
	RunID           string                          `json:"run_id"`
	CreatedAt       time.Time                       `json:"created_at"`
}

// NewArtifact captures a fitted pipeline with the metric it was scored on
func NewArtifact(p *training.Pipeline, metricName string, metricValue float64, runID string, createdAt time.Time) *Artifact {
	c := p.Contract()
	return &Artifact{
		FormatVersion:   ArtifactFormatVersion,
		ContractVersion: c.Version,
		Target:          c.Target,
		Fields:          c.Fields(),
		Categorical:     c.Categorical(),
		Encoder:         p.Encoder,
		Forest:          p.Forest,
		MetricName:      metricName,
		MetricValue:     metricValue,
		RunID:           runID,
		CreatedAt:       createdAt.UTC(),
	}
}

// Pipeline checks the artifact against the running contract and rebuilds the
// pipeline it holds
func (a *Artifact) Pipeline(contract *features.Contract) (*training.Pipeline, error) {
	if a.FormatVersion != ArtifactFormatVersion {
		return nil, &features.SchemaError{Reason: fmt.Sprintf("unsupported artifact format version %d, want %d", a.FormatVersion, ArtifactFormatVersion)}
	}
	if err := contract.Check(a.Fields, a.Categorical); err != nil {
		return nil, err
	}
	return training.RestorePipeline(contract, a.Encoder, a.Forest)
}
