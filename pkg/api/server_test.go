package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/ingest"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/models"
	"github.com/storecast/unitsforecast/pkg/storage"
)

const validBody = `{
	"Store_ID": "S001", "Product_ID": "P001", "Category": "Electronics", "Region": "North",
	"Inventory_Level": 120, "Units_Ordered": 40, "Demand_Forecast": 110.5, "Price": 45.2,
	"Discount": 10, "Weather_Condition": "Sunny", "Holiday_Promotion": 0,
	"Competitor_Pricing": 47.0, "Seasonality": "Summer",
	"day_of_week": 5, "month": 7, "day": 16, "is_weekend": 1
}`

// stubPredictor returns canned results and records the last row seen
type stubPredictor struct {
	err     error
	lastRow models.FeatureRow
	lastTop int
}

func (s *stubPredictor) PredictOne(_ context.Context, row models.FeatureRow) (float64, error) {
	s.lastRow = row
	return 42.5, s.err
}

func (s *stubPredictor) ExplainOne(_ context.Context, row models.FeatureRow, topN int) (*training.Explanation, error) {
	s.lastRow, s.lastTop = row, topN
	if s.err != nil {
		return nil, s.err
	}
	return &training.Explanation{
		Prediction:    42.5,
		Lower:         38,
		Upper:         47,
		BaseValue:     40,
		Contributions: []training.Contribution{{Feature: "Price", Field: "Price", Value: 45.2, Contribution: 2.5}},
	}, nil
}

func (s *stubPredictor) ModelInfo(context.Context) (*mlmodel.ModelInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mlmodel.ModelInfo{RunID: "run-1", MetricName: "mae", MetricValue: 3}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	srv := NewServer(&stubPredictor{}, nil, nil, zerolog.Nop())
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestPredict(t *testing.T) {
	stub := &stubPredictor{}
	srv := NewServer(stub, nil, nil, zerolog.Nop())

	rec := do(t, srv.Handler(), http.MethodPost, "/predict", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 42.5, decode(t, rec)["prediction"])

	assert.Equal(t, "S001", stub.lastRow["Store ID"])
	assert.Equal(t, 47.0, stub.lastRow["Competitor Pricing"])
	assert.Equal(t, 1, stub.lastRow[features.IsWeekendField])
	assert.NoError(t, features.Default().Validate(stub.lastRow))
}

func TestPredictStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		detail string
	}{
		{"model not found", storage.ErrModelNotFound, validBody, http.StatusNotFound, ModelNotFoundMessage},
		{"schema error", &features.SchemaError{Field: "Price", Reason: "bad"}, validBody, http.StatusUnprocessableEntity, ""},
		{"internal", errors.New("disk on fire"), validBody, http.StatusInternalServerError, "Prediction failed"},
		{"malformed json", nil, `{"Store_ID":`, http.StatusUnprocessableEntity, ""},
		{"missing field", nil, strings.Replace(validBody, `"Price": 45.2,`, "", 1), http.StatusUnprocessableEntity, ""},
		{"wrong type", nil, strings.Replace(validBody, `"Price": 45.2`, `"Price": "cheap"`, 1), http.StatusUnprocessableEntity, ""},
		{"inconsistent weekend", nil, strings.Replace(validBody, `"is_weekend": 1`, `"is_weekend": 0`, 1), http.StatusUnprocessableEntity, ""},
		{"month out of range", nil, strings.Replace(validBody, `"month": 7`, `"month": 13`, 1), http.StatusUnprocessableEntity, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(&stubPredictor{err: tc.err}, nil, nil, zerolog.Nop())
			rec := do(t, srv.Handler(), http.MethodPost, "/predict", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.detail != "" {
				assert.Equal(t, tc.detail, decode(t, rec)["detail"])
			}
		})
	}

	t.Run("internal error is opaque", func(t *testing.T) {
		srv := NewServer(&stubPredictor{err: errors.New("disk on fire")}, nil, nil, zerolog.Nop())
		rec := do(t, srv.Handler(), http.MethodPost, "/predict", validBody)
		assert.NotContains(t, rec.Body.String(), "disk")
	})
}

func TestPredictWithDate(t *testing.T) {
	stub := &stubPredictor{}
	srv := NewServer(stub, nil, nil, zerolog.Nop())

	body := `{"Store_ID": "S001", "Product_ID": "P001", "Category": "Toys", "Region": "North",
		"Inventory_Level": 1, "Units_Ordered": 1, "Demand_Forecast": 1, "Price": 1, "Discount": 0,
		"Weather_Condition": "Rainy", "Holiday_Promotion": 1, "Competitor_Pricing": 1,
		"Seasonality": "Winter", "Date": "2024-03-04"}`
	rec := do(t, srv.Handler(), http.MethodPost, "/predict", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, stub.lastRow[features.DayOfWeekField], "2024-03-04 is a Monday")
	assert.Equal(t, 3, stub.lastRow[features.MonthField])
	assert.Equal(t, 0, stub.lastRow[features.IsWeekendField])

	conflicting := strings.Replace(body, `"Date": "2024-03-04"`, `"Date": "2024-03-04", "day_of_week": 3`, 1)
	rec = do(t, srv.Handler(), http.MethodPost, "/predict", conflicting)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExplain(t *testing.T) {
	stub := &stubPredictor{}
	srv := NewServer(stub, nil, nil, zerolog.Nop())

	rec := do(t, srv.Handler(), http.MethodPost, "/explain?top_n=3", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, 40.0, out["base_value"])
	assert.Equal(t, 38.0, out["lower"])
	assert.Equal(t, 47.0, out["upper"])
	require.Len(t, out["contributions"], 1)
	assert.Equal(t, "Price", out["contributions"].([]any)[0].(map[string]any)["field"])
	assert.Equal(t, 3, stub.lastTop)

	do(t, srv.Handler(), http.MethodPost, "/explain", validBody)
	assert.Equal(t, defaultTopN, stub.lastTop)

	rec = do(t, srv.Handler(), http.MethodPost, "/explain?top_n=many", validBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyAndModel(t *testing.T) {
	srv := NewServer(&stubPredictor{}, nil, nil, zerolog.Nop())
	rec := do(t, srv.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", decode(t, rec)["run_id"])

	rec = do(t, srv.Handler(), http.MethodGet, "/model", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mae", decode(t, rec)["metric_name"])

	srv = NewServer(&stubPredictor{err: storage.ErrModelNotFound}, nil, nil, zerolog.Nop())
	rec = do(t, srv.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, srv.Handler(), http.MethodGet, "/model", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)
	srv := NewServer(&stubPredictor{}, recorder, reg, zerolog.Nop())

	do(t, srv.Handler(), http.MethodPost, "/predict", validBody)
	rec := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `unitsforecast_predictions_total{endpoint="predict",outcome="success"} 1`)

	rec = do(t, NewServer(&stubPredictor{}, nil, nil, zerolog.Nop()).Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestEndToEnd serves a model promoted through the real store
func TestEndToEnd(t *testing.T) {
	store, err := storage.NewArtifactStore(t.TempDir(), features.Default(), zerolog.Nop())
	require.NoError(t, err)
	svc := mlmodel.NewService(store, nil, nil, zerolog.Nop())
	h := NewServer(svc, nil, nil, zerolog.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/predict", validBody)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ModelNotFoundMessage, decode(t, rec)["detail"])

	ds, err := ingest.Synthetic(50, 0)
	require.NoError(t, err)
	p := training.NewPipeline(features.Default(), training.NewRandomForestRegressor(5, 0, training.TreeParams{}))
	require.NoError(t, p.Fit(context.Background(), ds.Rows, ds.Targets))
	_, err = store.Consider(p, "mae", 5, "run-e2e")
	require.NoError(t, err)

	rec = do(t, h, http.MethodPost, "/predict", validBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prediction, ok := decode(t, rec)["prediction"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, prediction, 0.0)

	var buf bytes.Buffer
	buf.WriteString(strings.Replace(validBody, `"Store_ID": "S001"`, `"Store_ID": "S_UNSEEN"`, 1))
	rec = do(t, h, http.MethodPost, "/predict", buf.String())
	assert.Equal(t, http.StatusOK, rec.Code, "unseen categories still predict")
}
