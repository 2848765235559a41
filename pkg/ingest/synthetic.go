package ingest

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/storecast/unitsforecast/pkg/models"
)

var (
	syntheticStores     = []string{"S001", "S002"}
	syntheticProducts   = []string{"P001", "P002"}
	syntheticCategories = []string{"Electronics", "Clothing", "Home"}
	syntheticRegions    = []string{"North", "South"}
	syntheticWeather    = []string{"Sunny", "Rainy"}
	syntheticSeasons    = []string{"Spring", "Summer"}
)

// Synthetic generates n rows shaped like the retail inventory export, fully
// determined by seed. Units Sold tracks Demand Forecast and Discount with
// bounded noise so a fitted model has signal to find.
func Synthetic(n int, seed int64) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("synthetic row count must be positive, got %d", n)
	}
	rng := rand.New(rand.NewSource(seed))
	choice := func(values []string) string {
		return values[rng.Intn(len(values))]
	}
	between := func(lo, hi int) int {
		return lo + rng.Intn(hi-lo+1)
	}
	uniform := func(lo, hi float64) float64 {
		return lo + rng.Float64()*(hi-lo)
	}

	ds := &Dataset{
		Rows:    make([]models.FeatureRow, n),
		Targets: make([]float64, n),
		Source:  fmt.Sprintf("synthetic:%d:%d", n, seed),
	}
	for i := range n {
		demand := uniform(50, 200)
		discount := between(0, 20)
		dow := between(0, 6)
		weekend := 0
		if dow >= 5 {
			weekend = 1
		}

		ds.Rows[i] = models.FeatureRow{
			"Store ID":           choice(syntheticStores),
			"Product ID":         choice(syntheticProducts),
			"Category":           choice(syntheticCategories),
			"Region":             choice(syntheticRegions),
			"Inventory Level":    float64(between(50, 200)),
			"Units Ordered":      float64(between(10, 200)),
			"Demand Forecast":    demand,
			"Price":              uniform(10, 100),
			"Discount":           float64(discount),
			"Weather Condition":  choice(syntheticWeather),
			"Holiday/Promotion":  float64(between(0, 1)),
			"Competitor Pricing": uniform(10, 120),
			"Seasonality":        choice(syntheticSeasons),
			"day_of_week":        float64(dow),
			"month":              float64(between(1, 12)),
			"day":                float64(between(1, 28)),
			"is_weekend":         float64(weekend),
		}

		units := 0.8*demand + float64(discount) + uniform(-15, 15)
		ds.Targets[i] = math.Max(0, math.Round(units))
	}
	return ds, nil
}
