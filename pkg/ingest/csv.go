// Package ingest loads retail history rows for training.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/models"
)

// calendarFields are derived from Date when the export does not carry them
var calendarFields = map[string]bool{
	features.DayOfWeekField: true,
	features.MonthField:     true,
	features.DayField:       true,
	features.IsWeekendField: true,
}

// Dataset is a typed table of training rows with their targets
type Dataset struct {
	Rows    []models.FeatureRow
	Targets []float64
	Source  string
}

// Len returns the number of rows
func (d *Dataset) Len() int {
	return len(d.Rows)
}

// CSVReader parses retail inventory exports into contracted feature rows.
// Categorical columns stay strings, numeric columns and the target are parsed
// as float64, and calendar fields are derived from Date when absent.
type CSVReader struct {
	contract  *features.Contract
	delimiter rune
	logger    zerolog.Logger
}

// NewCSVReader creates a reader for comma separated files
func NewCSVReader(contract *features.Contract, logger zerolog.Logger) *CSVReader {
	return &CSVReader{
		contract:  contract,
		delimiter: ',',
		logger:    logging.Component(logger, "ingest"),
	}
}

// ReadFile opens path and parses it
func (r *CSVReader) ReadFile(ctx context.Context, path string) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	ds, err := r.Read(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ds.Source = path
	r.logger.Info().Str("path", path).Int("rows", ds.Len()).Msg("Loaded raw data")
	return ds, nil
}

// Read parses CSV records from in. The first record must be a header.
func (r *CSVReader) Read(ctx context.Context, in io.Reader) (*Dataset, error) {
	reader := csv.NewReader(in)
	reader.Comma = r.delimiter
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("data file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	columns := make([]string, len(header))
	position := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		columns[i] = name
		position[name] = i
	}

	_, hasDate := position[features.DateField]
	deriveCalendar := false
	for _, field := range r.contract.Fields() {
		if _, ok := position[field]; ok {
			continue
		}
		if calendarFields[field] && hasDate {
			deriveCalendar = true
			continue
		}
		return nil, &features.SchemaError{Field: field, Reason: "column missing from header"}
	}
	if _, ok := position[r.contract.Target]; !ok {
		return nil, &features.SchemaError{Field: r.contract.Target, Reason: "target column missing from header"}
	}

	ds := &Dataset{}
	line := 1
	for {
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row, target, err := r.parseRecord(columns, record, hasDate)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ds.Rows = append(ds.Rows, row)
		ds.Targets = append(ds.Targets, target)
	}

	if len(ds.Rows) == 0 {
		return nil, fmt.Errorf("data file has a header but no rows")
	}

	if deriveCalendar {
		rows, err := features.Transform(ds.Rows)
		if err != nil {
			return nil, err
		}
		ds.Rows = rows
	}
	return ds, nil
}

func (r *CSVReader) parseRecord(columns, record []string, hasDate bool) (models.FeatureRow, float64, error) {
	row := make(models.FeatureRow, len(columns))
	var target float64
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		value := strings.TrimSpace(record[i])

		kind, contracted := r.contract.Kind(name)
		isTarget := name == r.contract.Target
		if !contracted && !isTarget && !(hasDate && name == features.DateField) {
			continue
		}
		if value == "" {
			return nil, 0, &features.SchemaError{Field: name, Reason: "missing value"}
		}

		switch {
		case isTarget:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, 0, &features.SchemaError{Field: name, Reason: fmt.Sprintf("invalid number %q", value)}
			}
			target = f
		case name == features.DateField:
			row[name] = value
		case kind == features.KindNumeric:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, 0, &features.SchemaError{Field: name, Reason: fmt.Sprintf("invalid number %q", value)}
			}
			row[name] = f
		default:
			row[name] = value
		}
	}
	return row, target, nil
}
