// Package config loads layered configuration for the trainer and the server.
//
// Layers are applied in order, each overriding the previous one: struct
// defaults, an optional YAML file, then environment variables. A .env file in
// the working directory is loaded into the environment first when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
)

// DefaultConfigPaths lists the config files searched when no path is given
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// ConfigPathEnvVar overrides the config file path
const ConfigPathEnvVar = "CONFIG_PATH"

// Fast mode hyperparameters
const (
	FastSampleSize = 500
	FastNumTrees   = 10
)

// Config holds the application configuration
type Config struct {
	Environment string          `koanf:"environment" validate:"oneof=development test staging production"`
	Log         LogConfig       `koanf:"log"`
	Server      ServerConfig    `koanf:"server"`
	Artifacts   ArtifactsConfig `koanf:"artifacts"`
	Training    TrainingConfig  `koanf:"training"`
	Tracking    TrackingConfig  `koanf:"tracking"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type ArtifactsConfig struct {
	Dir string `koanf:"dir" validate:"required"`
}

// TrainingConfig configures the batch training job
type TrainingConfig struct {
	DataPath        string  `koanf:"data_path"`
	Target          string  `koanf:"target" validate:"required"`
	NumTrees        int     `koanf:"n_estimators" validate:"min=1"`
	Seed            int64   `koanf:"seed"`
	TestSize        float64 `koanf:"test_size" validate:"gt=0,lt=1"`
	MaxDepth        int     `koanf:"max_depth" validate:"min=0"`
	MinSamplesSplit int     `koanf:"min_samples_split" validate:"min=2"`
	MinSamplesLeaf  int     `koanf:"min_samples_leaf" validate:"min=1"`
	MaxFeatures     int     `koanf:"max_features" validate:"min=0"`
	Workers         int     `koanf:"workers" validate:"min=0"`
	SampleSize      int     `koanf:"sample_size" validate:"min=0"`
	FastMode        bool    `koanf:"fast_mode"`
	Schedule        string  `koanf:"schedule"` // Cron spec, empty runs once
	MetricName      string  `koanf:"metric_name" validate:"oneof=mae"`
}

type TrackingConfig struct {
	Enabled bool   `koanf:"enabled"`
	DBPath  string `koanf:"db_path"` // Defaults to <artifacts.dir>/tracking.db
}

// defaultConfig returns the values applied before any file or environment layer
func defaultConfig() *Config {
	hp := training.DefaultTrainingConfig()
	return &Config{
		Environment: "development",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Dir: "artifacts",
		},
		Training: TrainingConfig{
			DataPath:        filepath.Join("data", "retail_store_inventory.csv"),
			Target:          "Units Sold",
			NumTrees:        hp.NumTrees,
			Seed:            hp.RandomSeed,
			TestSize:        hp.TestSize,
			MinSamplesSplit: hp.MinSamplesSplit,
			MinSamplesLeaf:  hp.MinSamplesLeaf,
			MetricName:      "mae",
		},
		Tracking: TrackingConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration. An empty path falls back to CONFIG_PATH and
// then DefaultConfigPaths; a missing file is not an error.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var envMappings = map[string]string{
	"environment": "environment",

	"log_level":  "log.level",
	"log_format": "log.format",

	"port":                  "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",

	"artifacts_dir": "artifacts.dir",

	"data_path":         "training.data_path",
	"target_column":     "training.target",
	"n_estimators":      "training.n_estimators",
	"random_seed":       "training.seed",
	"test_size":         "training.test_size",
	"max_depth":         "training.max_depth",
	"min_samples_split": "training.min_samples_split",
	"min_samples_leaf":  "training.min_samples_leaf",
	"max_features":      "training.max_features",
	"train_workers":     "training.workers",
	"sample_size":       "training.sample_size",
	"fast_train":        "training.fast_mode",
	"train_schedule":    "training.schedule",

	"tracking_enabled": "tracking.enabled",
	"tracking_db_path": "tracking.db_path",
}

// envTransformFunc maps known environment variables onto config keys.
// Unknown variables map to "" and are ignored.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(c)
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// TrackingDBPath resolves the SQLite path of the run tracker
func (c *Config) TrackingDBPath() string {
	if c.Tracking.DBPath != "" {
		return c.Tracking.DBPath
	}
	return filepath.Join(c.Artifacts.Dir, "tracking.db")
}

// Hyperparameters converts the training section into trainer parameters.
// Fast mode caps the run at FastSampleSize rows and FastNumTrees trees.
func (t TrainingConfig) Hyperparameters() *training.TrainingConfig {
	hp := &training.TrainingConfig{
		NumTrees:        t.NumTrees,
		RandomSeed:      t.Seed,
		TestSize:        t.TestSize,
		MaxDepth:        t.MaxDepth,
		MinSamplesSplit: t.MinSamplesSplit,
		MinSamplesLeaf:  t.MinSamplesLeaf,
		MaxFeatures:     t.MaxFeatures,
		Workers:         t.Workers,
		SampleSize:      t.SampleSize,
	}
	if t.FastMode {
		hp.SampleSize = FastSampleSize
		hp.NumTrees = FastNumTrees
	}
	return hp
}
