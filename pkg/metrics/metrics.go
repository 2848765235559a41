// Package metrics exposes Prometheus instruments for training and inference.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "model_not_found"
	OutcomeSchemaError = "schema_error"
	OutcomeError       = "error"
	OutcomePromoted    = "promoted"
	OutcomeRetained    = "retained"
	OutcomeFailed      = "failed"
)

// Recorder holds the service's instruments, registered on one registry
type Recorder struct {
	PredictionsTotal   *prometheus.CounterVec
	PredictionDuration *prometheus.HistogramVec
	TrainingRunsTotal  *prometheus.CounterVec
	TrainingDuration   prometheus.Histogram
	PromotionsTotal    prometheus.Counter
	BestMetric         *prometheus.GaugeVec
	ModelLoadsTotal    *prometheus.CounterVec
}

// NewRecorder registers every instrument on reg. A nil reg uses a private
// registry so repeated construction in tests does not collide.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Recorder{
		PredictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitsforecast_predictions_total",
				Help: "Total number of prediction requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		PredictionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unitsforecast_prediction_duration_seconds",
				Help:    "Duration of prediction requests in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"endpoint"},
		),
		TrainingRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitsforecast_training_runs_total",
				Help: "Total number of training runs by outcome",
			},
			[]string{"outcome"},
		),
		TrainingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "unitsforecast_training_duration_seconds",
				Help:    "Wall time of training runs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		PromotionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "unitsforecast_promotions_total",
				Help: "Total number of models promoted to best",
			},
		),
		BestMetric: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unitsforecast_best_metric",
				Help: "Held-out metric of the currently promoted model",
			},
			[]string{"metric"},
		),
		ModelLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unitsforecast_model_loads_total",
				Help: "Total number of artifact loads by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObservePrediction records one prediction request
func (r *Recorder) ObservePrediction(endpoint, outcome string, elapsed time.Duration) {
	r.PredictionsTotal.WithLabelValues(endpoint, outcome).Inc()
	r.PredictionDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveTraining records a finished training run
func (r *Recorder) ObserveTraining(outcome string, elapsed time.Duration) {
	r.TrainingRunsTotal.WithLabelValues(outcome).Inc()
	r.TrainingDuration.Observe(elapsed.Seconds())
}

// ObservePromotion records a promotion and the new best value
func (r *Recorder) ObservePromotion(metric string, value float64) {
	r.PromotionsTotal.Inc()
	r.BestMetric.WithLabelValues(metric).Set(value)
}

// ObserveModelLoad records an artifact load attempt
func (r *Recorder) ObserveModelLoad(outcome string) {
	r.ModelLoadsTotal.WithLabelValues(outcome).Inc()
}
