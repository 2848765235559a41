// Server serves units-sold predictions from the promoted model over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/storecast/unitsforecast/pkg/api"
	"github.com/storecast/unitsforecast/pkg/config"
	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/metrics"
	"github.com/storecast/unitsforecast/pkg/mlmodel"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
	"github.com/storecast/unitsforecast/pkg/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "server"})
	logger.Info().Str("environment", cfg.Environment).Msg("Starting units forecast server")

	contract := features.Default().WithTarget(cfg.Training.Target)
	store, err := storage.NewArtifactStore(cfg.Artifacts.Dir, contract, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	svc := mlmodel.NewService(store, training.PathExplainer{}, recorder, logger)
	if _, err := svc.Load(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("No model loaded at startup, predictions return 404 until one is promoted")
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewServer(svc, recorder, registry, logger).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("Starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
