package training

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/models"
)

// Stratification tables produced by Evaluate
var reportTables = []struct {
	name    string
	columns []string
}{
	{"store", []string{"Store ID"}},
	{"product", []string{"Product ID"}},
	{"store_product", []string{"Store ID", "Product ID"}},
	{"category", []string{"Category"}},
	{"region", []string{"Region"}},
}

// Evaluate scores the pipeline on held-out rows overall and per stratum
func Evaluate(pipeline *Pipeline, rows []models.FeatureRow, targets []float64, runID string) (*models.EvaluationReport, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to evaluate")
	}
	if len(rows) != len(targets) {
		return nil, fmt.Errorf("got %d targets for %d rows", len(targets), len(rows))
	}

	preds, err := pipeline.Predict(rows)
	if err != nil {
		return nil, err
	}

	report := &models.EvaluationReport{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Overall:     ErrorMetricsFor(targets, preds),
	}

	tables := make([]models.MetricsTable, len(reportTables))
	for i, spec := range reportTables {
		table, err := stratify(spec.name, spec.columns, rows, targets, preds)
		if err != nil {
			return nil, err
		}
		tables[i] = table
	}
	report.ByStore = tables[0]
	report.ByProduct = tables[1]
	report.ByStoreProduct = tables[2]
	report.ByCategory = tables[3]
	report.ByRegion = tables[4]

	return report, nil
}

func stratify(name string, columns []string, rows []models.FeatureRow, targets, preds []float64) (models.MetricsTable, error) {
	type bucket struct {
		key     []string
		actual  []float64
		predict []float64
	}
	buckets := make(map[string]*bucket)
	for i, row := range rows {
		key := make([]string, len(columns))
		for j, col := range columns {
			v, err := features.CategoricalValue(row, col)
			if err != nil {
				return models.MetricsTable{}, err
			}
			key[j] = v
		}
		id := strings.Join(key, "\x00")
		b, ok := buckets[id]
		if !ok {
			b = &bucket{key: key}
			buckets[id] = b
		}
		b.actual = append(b.actual, targets[i])
		b.predict = append(b.predict, preds[i])
	}

	groups := make([]models.GroupMetrics, 0, len(buckets))
	for _, b := range buckets {
		groups = append(groups, models.GroupMetrics{Key: b.key, ErrorMetrics: ErrorMetricsFor(b.actual, b.predict)})
	}
	slices.SortFunc(groups, func(a, b models.GroupMetrics) int {
		return slices.Compare(a.Key, b.Key)
	})

	return models.MetricsTable{Name: name, Columns: columns, Groups: groups}, nil
}

// ErrorMetricsFor computes MAE, RMSE and MAPE. MAPE skips zero actuals and
// is NaN when none remain.
func ErrorMetricsFor(actual, predicted []float64) models.ErrorMetrics {
	return models.ErrorMetrics{
		MAE:   calculateMAE(predicted, actual),
		RMSE:  calculateRMSE(predicted, actual),
		MAPE:  calculateMAPE(predicted, actual),
		Count: len(actual),
	}
}

func calculateMAE(predictions, labels []float64) float64 {
	if len(predictions) == 0 {
		return math.NaN()
	}
	errs := make([]float64, len(predictions))
	for i := range predictions {
		errs[i] = math.Abs(predictions[i] - labels[i])
	}
	return stat.Mean(errs, nil)
}

func calculateRMSE(predictions, labels []float64) float64 {
	if len(predictions) == 0 {
		return math.NaN()
	}
	sq := make([]float64, len(predictions))
	for i := range predictions {
		d := predictions[i] - labels[i]
		sq[i] = d * d
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

func calculateMAPE(predictions, labels []float64) float64 {
	pct := make([]float64, 0, len(predictions))
	for i := range predictions {
		if labels[i] == 0 {
			continue
		}
		pct = append(pct, math.Abs((labels[i]-predictions[i])/labels[i]))
	}
	if len(pct) == 0 {
		return math.NaN()
	}
	return stat.Mean(pct, nil) * 100
}
