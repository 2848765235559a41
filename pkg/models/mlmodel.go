package models

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

// FeatureRow is one record of model inputs keyed by contracted field name.
// Categorical fields hold strings, numeric fields hold any Go number.
type FeatureRow map[string]any

// Clone returns a shallow copy of the row
func (r FeatureRow) Clone() FeatureRow {
	out := make(FeatureRow, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RunStatus represents the lifecycle state of a training run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"   // Run started, not finished
	RunStatusCompleted RunStatus = "completed" // Run trained and evaluated successfully
	RunStatusFailed    RunStatus = "failed"    // Run aborted, nothing promoted
)

// ErrorMetrics holds regression error metrics for a set of predictions.
// MAPE is a percentage and is NaN when every actual value is zero.
type ErrorMetrics struct {
	MAE   float64 `json:"mae"`
	RMSE  float64 `json:"rmse"`
	MAPE  float64 `json:"mape"`
	Count int     `json:"count"`
}

type errorMetricsJSON struct {
	MAE   float64  `json:"mae"`
	RMSE  float64  `json:"rmse"`
	MAPE  *float64 `json:"mape"`
	Count int      `json:"count"`
}

// MarshalJSON encodes an undefined MAPE as null
func (m ErrorMetrics) MarshalJSON() ([]byte, error) {
	out := errorMetricsJSON{MAE: m.MAE, RMSE: m.RMSE, Count: m.Count}
	if !math.IsNaN(m.MAPE) && !math.IsInf(m.MAPE, 0) {
		mape := m.MAPE
		out.MAPE = &mape
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null MAPE back to NaN
func (m *ErrorMetrics) UnmarshalJSON(data []byte) error {
	var in errorMetricsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.MAE, m.RMSE, m.Count = in.MAE, in.RMSE, in.Count
	m.MAPE = math.NaN()
	if in.MAPE != nil {
		m.MAPE = *in.MAPE
	}
	return nil
}

// GroupMetrics holds error metrics for one stratum of held-out rows
type GroupMetrics struct {
	Key []string `json:"key"` // One value per grouping column
	ErrorMetrics
}

// MarshalJSON flattens the embedded metrics next to the key
func (g GroupMetrics) MarshalJSON() ([]byte, error) {
	metrics, err := g.ErrorMetrics.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var flat map[string]any
	if err := json.Unmarshal(metrics, &flat); err != nil {
		return nil, err
	}
	flat["key"] = g.Key
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flattened form written by MarshalJSON
func (g *GroupMetrics) UnmarshalJSON(data []byte) error {
	var key struct {
		Key []string `json:"key"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	g.Key = key.Key
	return g.ErrorMetrics.UnmarshalJSON(data)
}

// MetricsTable is one stratified breakdown of an evaluation
type MetricsTable struct {
	Name    string         `json:"name"`    // e.g. "store_product"
	Columns []string       `json:"columns"` // Grouping fields, e.g. ["Store ID", "Product ID"]
	Groups  []GroupMetrics `json:"groups"`
}

// TotalCount returns the number of rows covered by the table
func (t MetricsTable) TotalCount() int {
	total := 0
	for _, g := range t.Groups {
		total += g.Count
	}
	return total
}

// EvaluationReport holds aggregate and stratified metrics from one held-out run
type EvaluationReport struct {
	RunID          string       `json:"run_id"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Overall        ErrorMetrics `json:"overall"`
	ByStore        MetricsTable `json:"by_store"`
	ByProduct      MetricsTable `json:"by_product"`
	ByStoreProduct MetricsTable `json:"by_store_product"`
	ByCategory     MetricsTable `json:"by_category"`
	ByRegion       MetricsTable `json:"by_region"`
}

// Tables returns the stratified tables in a fixed order
func (r *EvaluationReport) Tables() []MetricsTable {
	return []MetricsTable{r.ByStore, r.ByProduct, r.ByStoreProduct, r.ByCategory, r.ByRegion}
}

// TrainingRun records one execution of the training job
type TrainingRun struct {
	ID           string        `json:"id"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	DataSource   string        `json:"data_source"`
	TotalRows    int           `json:"total_rows"`
	TrainingRows int           `json:"training_rows"`
	HeldOutRows  int           `json:"held_out_rows"`
	NumTrees     int           `json:"num_trees"`
	RandomSeed   int64         `json:"random_seed"`
	SampleSize   int           `json:"sample_size,omitempty"`
	MetricName   string        `json:"metric_name"`
	MetricValue  float64       `json:"metric_value"`
	Overall      *ErrorMetrics `json:"overall,omitempty"`
	Promoted     bool          `json:"promoted"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	Error        string        `json:"error,omitempty"`
}
