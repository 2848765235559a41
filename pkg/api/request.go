package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/models"
)

// PredictRequest is the JSON body of /predict and /explain. Keys follow the
// original form API. Calendar fields may be replaced by a Date, in which case
// they are derived from it.
type PredictRequest struct {
	StoreID           string   `json:"Store_ID" validate:"required"`
	ProductID         string   `json:"Product_ID" validate:"required"`
	Category          string   `json:"Category" validate:"required"`
	Region            string   `json:"Region" validate:"required"`
	InventoryLevel    *float64 `json:"Inventory_Level" validate:"required"`
	UnitsOrdered      *float64 `json:"Units_Ordered" validate:"required"`
	DemandForecast    *float64 `json:"Demand_Forecast" validate:"required"`
	Price             *float64 `json:"Price" validate:"required"`
	Discount          *float64 `json:"Discount" validate:"required"`
	WeatherCondition  string   `json:"Weather_Condition" validate:"required"`
	HolidayPromotion  *float64 `json:"Holiday_Promotion" validate:"required"`
	CompetitorPricing *float64 `json:"Competitor_Pricing" validate:"required"`
	Seasonality       string   `json:"Seasonality" validate:"required"`

	Date      string `json:"Date,omitempty"`
	DayOfWeek *int   `json:"day_of_week" validate:"required_without=Date"`
	Month     *int   `json:"month" validate:"required_without=Date"`
	Day       *int   `json:"day" validate:"required_without=Date"`
	IsWeekend *int   `json:"is_weekend" validate:"required_without=Date"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks required fields and calendar consistency
func (r *PredictRequest) Validate() error {
	if err := getValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
			}
			return &features.SchemaError{Reason: strings.Join(msgs, "; ")}
		}
		return err
	}
	_, err := r.calendar()
	return err
}

// calendar resolves the calendar fields, deriving them from Date when set.
// Explicit fields sent alongside a Date must agree with it.
func (r *PredictRequest) calendar() (features.Calendar, error) {
	if r.Date != "" {
		t, err := features.ParseDate(r.Date)
		if err != nil {
			return features.Calendar{}, &features.SchemaError{Field: features.DateField, Reason: err.Error()}
		}
		derived := features.DeriveCalendar(t)
		for _, f := range []struct {
			name string
			got  *int
			want int
		}{
			{features.DayOfWeekField, r.DayOfWeek, derived.DayOfWeek},
			{features.MonthField, r.Month, derived.Month},
			{features.DayField, r.Day, derived.Day},
			{features.IsWeekendField, r.IsWeekend, derived.IsWeekend},
		} {
			if f.got != nil && *f.got != f.want {
				return features.Calendar{}, &features.SchemaError{Field: f.name, Reason: fmt.Sprintf("is %d but Date implies %d", *f.got, f.want)}
			}
		}
		return derived, nil
	}

	c := features.Calendar{
		DayOfWeek: *r.DayOfWeek,
		Month:     *r.Month,
		Day:       *r.Day,
		IsWeekend: *r.IsWeekend,
	}
	if err := features.ValidateCalendar(c); err != nil {
		return features.Calendar{}, err
	}
	return c, nil
}

// ToRow converts a validated request into a feature row
func (r *PredictRequest) ToRow() (models.FeatureRow, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c, err := r.calendar()
	if err != nil {
		return nil, err
	}

	row := models.FeatureRow{
		"Store ID":           r.StoreID,
		"Product ID":         r.ProductID,
		"Category":           r.Category,
		"Region":             r.Region,
		"Inventory Level":    *r.InventoryLevel,
		"Units Ordered":      *r.UnitsOrdered,
		"Demand Forecast":    *r.DemandForecast,
		"Price":              *r.Price,
		"Discount":           *r.Discount,
		"Weather Condition":  r.WeatherCondition,
		"Holiday/Promotion":  *r.HolidayPromotion,
		"Competitor Pricing": *r.CompetitorPricing,
		"Seasonality":        r.Seasonality,
	}
	c.Apply(row)
	return row, nil
}
