// Package reports writes evaluation reports as JSON, CSV and XLSX files.
package reports

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/models"
)

// File names written into the reports directory
const (
	SummaryFile  = "evaluation_summary.json"
	ReportFile   = "evaluation_report.json"
	WorkbookFile = "evaluation_report.xlsx"
	runsDir      = "runs"
)

var metricColumns = []string{"mae", "rmse", "mape", "count"}

// Summary is the overall block of a report with its run identity
type Summary struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	models.ErrorMetrics
}

// MarshalJSON keeps the metric fields at the top level
func (s Summary) MarshalJSON() ([]byte, error) {
	metrics, err := s.ErrorMetrics.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var flat map[string]any
	if err := json.Unmarshal(metrics, &flat); err != nil {
		return nil, err
	}
	flat["run_id"] = s.RunID
	flat["generated_at"] = s.GeneratedAt
	return json.Marshal(flat)
}

// Writer saves reports to a directory. The latest report sits at the top
// level and every run is archived under runs/<run_id>/.
type Writer struct {
	dir    string
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at dir
func NewWriter(dir string, logger zerolog.Logger) *Writer {
	return &Writer{
		dir:    dir,
		logger: logging.Component(logger, "reports"),
	}
}

// Dir returns the reports directory
func (w *Writer) Dir() string {
	return w.dir
}

// RunDir returns the archive directory for a run
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.dir, runsDir, runID)
}

// TableFile returns the CSV file name for a stratified table
func TableFile(table models.MetricsTable) string {
	return "metrics_by_" + table.Name + ".csv"
}

// Write saves the report to the top-level directory and the run archive
func (w *Writer) Write(report *models.EvaluationReport) error {
	if report.RunID == "" {
		return fmt.Errorf("report has no run id")
	}
	for _, dir := range []string{w.dir, w.RunDir(report.RunID)} {
		if err := w.writeTo(dir, report); err != nil {
			return err
		}
	}
	w.logger.Info().
		Str("run_id", report.RunID).
		Str("dir", w.dir).
		Msg("Saved evaluation report")
	return nil
}

func (w *Writer) writeTo(dir string, report *models.EvaluationReport) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}

	summary := Summary{RunID: report.RunID, GeneratedAt: report.GeneratedAt, ErrorMetrics: report.Overall}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	full, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ReportFile), full, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	for _, table := range report.Tables() {
		if err := writeTableCSV(filepath.Join(dir, TableFile(table)), table); err != nil {
			return fmt.Errorf("failed to write %s table: %w", table.Name, err)
		}
	}

	if err := writeWorkbook(filepath.Join(dir, WorkbookFile), report); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeTableCSV(path string, table models.MetricsTable) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	out := csv.NewWriter(file)
	if err := out.Write(append(append([]string{}, table.Columns...), metricColumns...)); err != nil {
		return err
	}
	for _, g := range table.Groups {
		record := append(append([]string{}, g.Key...),
			formatFloat(g.MAE), formatFloat(g.RMSE), formatFloat(g.MAPE), strconv.Itoa(g.Count))
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return err
	}
	return file.Close()
}

// formatFloat renders NaN as an empty cell
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeWorkbook(path string, report *models.EvaluationReport) error {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet = "overall"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	rows := [][]any{
		{"run_id", report.RunID},
		{"generated_at", report.GeneratedAt.Format(time.RFC3339)},
		{"mae", cellValue(report.Overall.MAE)},
		{"rmse", cellValue(report.Overall.RMSE)},
		{"mape", cellValue(report.Overall.MAPE)},
		{"count", report.Overall.Count},
	}
	for i, row := range rows {
		if err := f.SetSheetRow(summarySheet, cell(1, i+1), &row); err != nil {
			return err
		}
	}

	for _, table := range report.Tables() {
		if _, err := f.NewSheet(table.Name); err != nil {
			return err
		}
		header := make([]any, 0, len(table.Columns)+len(metricColumns))
		for _, c := range table.Columns {
			header = append(header, c)
		}
		for _, c := range metricColumns {
			header = append(header, c)
		}
		if err := f.SetSheetRow(table.Name, cell(1, 1), &header); err != nil {
			return err
		}
		for i, g := range table.Groups {
			row := make([]any, 0, len(header))
			for _, k := range g.Key {
				row = append(row, k)
			}
			row = append(row, cellValue(g.MAE), cellValue(g.RMSE), cellValue(g.MAPE), g.Count)
			if err := f.SetSheetRow(table.Name, cell(1, i+2), &row); err != nil {
				return err
			}
		}
	}

	return f.SaveAs(path)
}

// cellValue leaves undefined metrics blank in the workbook
func cellValue(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}
