package reports

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/storecast/unitsforecast/pkg/models"
)

func sampleReport() *models.EvaluationReport {
	metrics := func(mae, mape float64, count int) models.ErrorMetrics {
		return models.ErrorMetrics{MAE: mae, RMSE: mae * 1.5, MAPE: mape, Count: count}
	}
	return &models.EvaluationReport{
		RunID:       "run-42",
		GeneratedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Overall:     metrics(4, 12.5, 3),
		ByStore: models.MetricsTable{Name: "store", Columns: []string{"Store ID"}, Groups: []models.GroupMetrics{
			{Key: []string{"S001"}, ErrorMetrics: metrics(3, 10, 2)},
			{Key: []string{"S002"}, ErrorMetrics: metrics(6, math.NaN(), 1)},
		}},
		ByProduct: models.MetricsTable{Name: "product", Columns: []string{"Product ID"}, Groups: []models.GroupMetrics{
			{Key: []string{"P001"}, ErrorMetrics: metrics(4, 12.5, 3)},
		}},
		ByStoreProduct: models.MetricsTable{Name: "store_product", Columns: []string{"Store ID", "Product ID"}, Groups: []models.GroupMetrics{
			{Key: []string{"S001", "P001"}, ErrorMetrics: metrics(3, 10, 2)},
			{Key: []string{"S002", "P001"}, ErrorMetrics: metrics(6, math.NaN(), 1)},
		}},
		ByCategory: models.MetricsTable{Name: "category", Columns: []string{"Category"}, Groups: []models.GroupMetrics{
			{Key: []string{"Toys"}, ErrorMetrics: metrics(4, 12.5, 3)},
		}},
		ByRegion: models.MetricsTable{Name: "region", Columns: []string{"Region"}, Groups: []models.GroupMetrics{
			{Key: []string{"North"}, ErrorMetrics: metrics(4, 12.5, 3)},
		}},
	}
}

func TestWriteProducesEveryFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, zerolog.Nop())
	report := sampleReport()
	require.NoError(t, w.Write(report))

	expected := []string{
		SummaryFile,
		ReportFile,
		WorkbookFile,
		"metrics_by_store.csv",
		"metrics_by_product.csv",
		"metrics_by_store_product.csv",
		"metrics_by_category.csv",
		"metrics_by_region.csv",
	}
	for _, base := range []string{dir, w.RunDir("run-42")} {
		for _, name := range expected {
			_, err := os.Stat(filepath.Join(base, name))
			assert.NoError(t, err, "%s/%s", base, name)
		}
	}
}

func TestSummaryJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewWriter(dir, zerolog.Nop()).Write(sampleReport()))

	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "run-42", summary["run_id"])
	assert.Equal(t, 4.0, summary["mae"])
	assert.Equal(t, 12.5, summary["mape"])
	assert.Equal(t, 3.0, summary["count"])

	data, err = os.ReadFile(filepath.Join(dir, ReportFile))
	require.NoError(t, err)
	var report models.EvaluationReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.ByStore.Groups, 2)
	assert.True(t, math.IsNaN(report.ByStore.Groups[1].MAPE), "null mape decodes to NaN")
	assert.Equal(t, []string{"S002"}, report.ByStore.Groups[1].Key)
}

func TestTableCSV(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewWriter(dir, zerolog.Nop()).Write(sampleReport()))

	file, err := os.Open(filepath.Join(dir, "metrics_by_store_product.csv"))
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, []string{"Store ID", "Product ID", "mae", "rmse", "mape", "count"}, records[0])
	assert.Equal(t, []string{"S001", "P001", "3", "4.5", "10", "2"}, records[1])
	assert.Equal(t, "", records[2][4], "undefined mape is an empty cell")
}

func TestWorkbook(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewWriter(dir, zerolog.Nop()).Write(sampleReport()))

	f, err := excelize.OpenFile(filepath.Join(dir, WorkbookFile))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"overall", "store", "product", "store_product", "category", "region"}, f.GetSheetList())

	rows, err := f.GetRows("store")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Store ID", "mae", "rmse", "mape", "count"}, rows[0])
	assert.Equal(t, "S001", rows[1][0])

	overall, err := f.GetRows("overall")
	require.NoError(t, err)
	assert.Equal(t, []string{"run_id", "run-42"}, overall[0])
}

func TestWriteRequiresRunID(t *testing.T) {
	report := sampleReport()
	report.RunID = ""
	assert.Error(t, NewWriter(t.TempDir(), zerolog.Nop()).Write(report))
}
