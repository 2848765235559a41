// Package api exposes the inference service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/models"
	"github.com/storecast/unitsforecast/pkg/storage"
)

// ModelNotFoundMessage is the body detail returned before any model is promoted
const ModelNotFoundMessage = "Model not found. Train the model first."

const (
	defaultTopN  = 10
	maxBodyBytes = 1 << 20
)

// Predictor is the inference surface the server needs
type Predictor interface {
	PredictOne(ctx context.Context, row models.FeatureRow) (float64, error)
	ExplainOne(ctx context.Context, row models.FeatureRow, topN int) (*training.Explanation, error)
	ModelInfo(ctx context.Context) (*mlmodel.ModelInfo, error)
}

// Server provides HTTP API endpoints
type Server struct {
	predictor Predictor
	recorder  *metrics.Recorder
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer creates the API server. recorder and gatherer may be nil, in
// which case /metrics is not mounted.
func NewServer(predictor Predictor, recorder *metrics.Recorder, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		predictor: predictor,
		recorder:  recorder,
		gatherer:  gatherer,
		logger:    logging.Component(logger, "api"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerRoutes sets up the HTTP routes
func (s *Server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/model", s.handleModel)
	r.Post("/predict", s.handlePredict)
	r.Post("/explain", s.handleExplain)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.router = r
}

// accessLog logs one line per request with its status and latency
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}

// handleHealth handles liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether a promoted model can be served
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	info, err := s.predictor.ModelInfo(r.Context())
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": errorDetail(err)})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready", "run_id": info.RunID})
}

// handleModel describes the promoted model
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	info, err := s.predictor.ModelInfo(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handlePredict handles POST /predict
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	row, err := decodeRow(w, r)
	if err == nil {
		var prediction float64
		prediction, err = s.predictor.PredictOne(r.Context(), row)
		if err == nil {
			s.observe("predict", nil, start)
			respondJSON(w, http.StatusOK, map[string]float64{"prediction": prediction})
			return
		}
	}
	s.observe("predict", err, start)
	s.respondError(w, r, err)
}

// handleExplain handles POST /explain?top_n=N
func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	topN := defaultTopN
	if raw := r.URL.Query().Get("top_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"detail": "top_n must be a non-negative integer"})
			return
		}
		topN = n
	}

	row, err := decodeRow(w, r)
	if err == nil {
		var explanation *training.Explanation
		explanation, err = s.predictor.ExplainOne(r.Context(), row, topN)
		if err == nil {
			s.observe("explain", nil, start)
			respondJSON(w, http.StatusOK, explanation)
			return
		}
	}
	s.observe("explain", err, start)
	s.respondError(w, r, err)
}

// decodeRow reads a PredictRequest body and converts it to a feature row.
// Decode failures are reported as schema errors.
func decodeRow(w http.ResponseWriter, r *http.Request) (models.FeatureRow, error) {
	var req PredictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, &features.SchemaError{Reason: "invalid request body: " + err.Error()}
	}
	return req.ToRow()
}

func (s *Server) observe(endpoint string, err error, start time.Time) {
	if s.recorder == nil {
		return
	}
	s.recorder.ObservePrediction(endpoint, outcome(err), time.Since(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, storage.ErrModelNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, features.ErrSchema):
		return metrics.OutcomeSchemaError
	default:
		return metrics.OutcomeError
	}
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, features.ErrSchema):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorDetail returns the client-facing message for err. Internal failures
// are not described.
func errorDetail(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return ModelNotFoundMessage
	case http.StatusUnprocessableEntity:
		return err.Error()
	default:
		return "Prediction failed"
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	respondJSON(w, status, map[string]string{"detail": errorDetail(err)})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
