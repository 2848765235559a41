package features

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storecast/unitsforecast/pkg/models"
)

func sampleRow() models.FeatureRow {
	return models.FeatureRow{
		"Store ID":           "S001",
		"Product ID":         "P001",
		"Category":           "Electronics",
		"Region":             "North",
		"Inventory Level":    120,
		"Units Ordered":      80,
		"Demand Forecast":    140.5,
		"Price":              49.99,
		"Discount":           10,
		"Weather Condition":  "Sunny",
		"Holiday/Promotion":  0,
		"Competitor Pricing": 52.0,
		"Seasonality":        "Summer",
		"day_of_week":        2,
		"month":              7,
		"day":                15,
		"is_weekend":         0,
	}
}

func TestDefaultContract(t *testing.T) {
	c := Default()

	assert.Len(t, c.Fields(), 17)
	assert.Equal(t, "Units Sold", c.Target)
	assert.Equal(t, []string{
		"Store ID", "Product ID", "Category", "Region", "Weather Condition", "Seasonality",
	}, c.Categorical())
	assert.Equal(t, []string{
		"Inventory Level", "Units Ordered", "Demand Forecast", "Price", "Discount",
		"Holiday/Promotion", "Competitor Pricing", "day_of_week", "month", "day", "is_weekend",
	}, c.Numeric())

	kind, ok := c.Kind("Price")
	assert.True(t, ok)
	assert.Equal(t, KindNumeric, kind)
	_, ok = c.Kind("Units Sold")
	assert.False(t, ok)
}

func TestContractValidate(t *testing.T) {
	c := Default()

	t.Run("valid row", func(t *testing.T) {
		require.NoError(t, c.Validate(sampleRow()))
	})

	t.Run("json numbers are accepted", func(t *testing.T) {
		row := sampleRow()
		row["Price"] = json.Number("49.99")
		require.NoError(t, c.Validate(row))
	})

	t.Run("numeric strings are accepted", func(t *testing.T) {
		row := sampleRow()
		row["Discount"] = " 10 "
		require.NoError(t, c.Validate(row))
	})

	t.Run("empty categorical", func(t *testing.T) {
		row := sampleRow()
		row["Category"] = ""
		assert.ErrorIs(t, c.Validate(row), ErrSchema)
	})

	t.Run("missing field", func(t *testing.T) {
		row := sampleRow()
		delete(row, "Region")
		err := c.Validate(row)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSchema))
		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr)
		assert.Equal(t, "Region", schemaErr.Field)
	})

	t.Run("wrong categorical type", func(t *testing.T) {
		row := sampleRow()
		row["Store ID"] = 1
		assert.ErrorIs(t, c.Validate(row), ErrSchema)
	})

	t.Run("wrong numeric type", func(t *testing.T) {
		row := sampleRow()
		row["Price"] = "cheap"
		assert.ErrorIs(t, c.Validate(row), ErrSchema)
	})

	t.Run("non finite numeric", func(t *testing.T) {
		row := sampleRow()
		row["Price"] = math.Inf(1)
		assert.ErrorIs(t, c.Validate(row), ErrSchema)
	})
}

func TestContractCheck(t *testing.T) {
	c := Default()
	require.NoError(t, c.Check(c.Fields(), c.Categorical()))

	reordered := c.Fields()
	reordered[0], reordered[1] = reordered[1], reordered[0]
	assert.ErrorIs(t, c.Check(reordered, c.Categorical()), ErrSchema)
	assert.ErrorIs(t, c.Check(c.Fields()[:16], c.Categorical()), ErrSchema)
}

func TestWithTarget(t *testing.T) {
	assert.Same(t, Default(), Default().WithTarget(""))
	assert.Same(t, Default(), Default().WithTarget(Default().Target))

	c := Default().WithTarget("Units Ordered Next Week")
	assert.Equal(t, "Units Ordered Next Week", c.Target)
	assert.Equal(t, "Units Sold", Default().Target, "default contract is untouched")
	assert.Equal(t, Default().Fields(), c.Fields())
}

func TestParseRejectsBadContracts(t *testing.T) {
	_, err := Parse([]byte("fields: []"))
	assert.Error(t, err)

	_, err = Parse([]byte("fields:\n  - name: a\n    kind: text\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("fields:\n  - name: a\n    kind: numeric\n  - name: a\n    kind: numeric\n"))
	assert.Error(t, err)
}

func TestDeriveCalendar(t *testing.T) {
	tests := []struct {
		date string
		want Calendar
	}{
		{"2022-01-03", Calendar{DayOfWeek: 0, Month: 1, Day: 3, IsWeekend: 0}},  // Monday
		{"2022-07-15", Calendar{DayOfWeek: 4, Month: 7, Day: 15, IsWeekend: 0}}, // Friday
		{"2022-07-16", Calendar{DayOfWeek: 5, Month: 7, Day: 16, IsWeekend: 1}}, // Saturday
		{"2022-07-17", Calendar{DayOfWeek: 6, Month: 7, Day: 17, IsWeekend: 1}}, // Sunday
		{"2024-02-29", Calendar{DayOfWeek: 3, Month: 2, Day: 29, IsWeekend: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			d, err := ParseDate(tt.date)
			require.NoError(t, err)
			assert.Equal(t, tt.want, DeriveCalendar(d))
			assert.NoError(t, ValidateCalendar(tt.want))
		})
	}
}

func TestTransform(t *testing.T) {
	rows := []models.FeatureRow{
		{"Date": "2022-01-01", "Store ID": "S001"},
		{"Date": time.Date(2022, 1, 4, 0, 0, 0, 0, time.UTC), "Store ID": "S002"},
	}

	out, err := Transform(rows)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 5, out[0][DayOfWeekField])
	assert.Equal(t, 1, out[0][IsWeekendField])
	assert.Equal(t, 1, out[1][DayOfWeekField])
	assert.Equal(t, 4, out[1][DayField])
	assert.Equal(t, "S002", out[1]["Store ID"])

	// Inputs are untouched
	_, mutated := rows[0][DayOfWeekField]
	assert.False(t, mutated)

	_, err = Transform([]models.FeatureRow{{"Store ID": "S001"}})
	assert.ErrorIs(t, err, ErrSchema)

	_, err = Transform([]models.FeatureRow{{"Date": "yesterday"}})
	assert.Error(t, err)
}

func TestValidateCalendar(t *testing.T) {
	assert.ErrorIs(t, ValidateCalendar(Calendar{DayOfWeek: 7, Month: 1, Day: 1}), ErrSchema)
	assert.ErrorIs(t, ValidateCalendar(Calendar{DayOfWeek: 0, Month: 13, Day: 1}), ErrSchema)
	assert.ErrorIs(t, ValidateCalendar(Calendar{DayOfWeek: 0, Month: 1, Day: 0}), ErrSchema)
	assert.ErrorIs(t, ValidateCalendar(Calendar{DayOfWeek: 6, Month: 1, Day: 1, IsWeekend: 0}), ErrSchema)
	assert.NoError(t, ValidateCalendar(Calendar{DayOfWeek: 6, Month: 1, Day: 1, IsWeekend: 1}))
}
