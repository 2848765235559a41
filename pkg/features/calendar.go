package features

import (
	"fmt"
	"strings"
	"time"

	"github.com/storecast/unitsforecast/pkg/models"
)

// Names of the derived calendar fields and the raw date column
const (
	DateField      = "Date"
	DayOfWeekField = "day_of_week"
	MonthField     = "month"
	DayField       = "day"
	IsWeekendField = "is_weekend"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Calendar holds the features derived from a date
type Calendar struct {
	DayOfWeek int // 0=Monday..6=Sunday
	Month     int // 1-12
	Day       int // 1-31
	IsWeekend int // 1 iff Saturday or Sunday
}

// DeriveCalendar computes the calendar features of t
func DeriveCalendar(t time.Time) Calendar {
	// time.Weekday counts from Sunday
	dow := (int(t.Weekday()) + 6) % 7
	weekend := 0
	if dow >= 5 {
		weekend = 1
	}
	return Calendar{
		DayOfWeek: dow,
		Month:     int(t.Month()),
		Day:       t.Day(),
		IsWeekend: weekend,
	}
}

// Apply writes the calendar fields into row
func (c Calendar) Apply(row models.FeatureRow) {
	row[DayOfWeekField] = c.DayOfWeek
	row[MonthField] = c.Month
	row[DayField] = c.Day
	row[IsWeekendField] = c.IsWeekend
}

// ParseDate parses the date formats seen in retail exports
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// Transform returns copies of rows augmented with calendar features derived
// from their Date field. Input rows are not modified.
func Transform(rows []models.FeatureRow) ([]models.FeatureRow, error) {
	out := make([]models.FeatureRow, len(rows))
	for i, row := range rows {
		raw, ok := row[DateField]
		if !ok {
			return nil, &SchemaError{Field: DateField, Reason: fmt.Sprintf("missing in row %d", i)}
		}
		var t time.Time
		switch v := raw.(type) {
		case time.Time:
			t = v
		case string:
			parsed, err := ParseDate(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			t = parsed
		default:
			return nil, &SchemaError{Field: DateField, Reason: fmt.Sprintf("expected date, got %T in row %d", raw, i)}
		}
		augmented := row.Clone()
		DeriveCalendar(t).Apply(augmented)
		out[i] = augmented
	}
	return out, nil
}

// ValidateCalendar checks caller-supplied calendar fields against the rules
// Transform uses to derive them.
func ValidateCalendar(c Calendar) error {
	if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
		return &SchemaError{Field: DayOfWeekField, Reason: "must be between 0 (Monday) and 6 (Sunday)"}
	}
	if c.Month < 1 || c.Month > 12 {
		return &SchemaError{Field: MonthField, Reason: "must be between 1 and 12"}
	}
	if c.Day < 1 || c.Day > 31 {
		return &SchemaError{Field: DayField, Reason: "must be between 1 and 31"}
	}
	want := 0
	if c.DayOfWeek >= 5 {
		want = 1
	}
	if c.IsWeekend != want {
		return &SchemaError{Field: IsWeekendField, Reason: fmt.Sprintf("must be %d when day_of_week is %d", want, c.DayOfWeek)}
	}
	return nil
}
