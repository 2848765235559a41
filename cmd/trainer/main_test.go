package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storecast/unitsforecast/pkg/config"
)

func TestApplyFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts, fs, err := parseFlags([]string{"--trees", "7", "--fast", "--artifacts", "out"})
	require.NoError(t, err)
	applyFlags(cfg, opts, fs)

	assert.Equal(t, 7, cfg.Training.NumTrees)
	assert.True(t, cfg.Training.FastMode)
	assert.Equal(t, "out", cfg.Artifacts.Dir)
	assert.Equal(t, int64(42), cfg.Training.Seed, "unset flags keep config values")

	_, _, err = parseFlags([]string{"--trees", "many"})
	assert.Error(t, err)
}

func TestRunSynthetic(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "disabled")

	require.NoError(t, run([]string{"--synthetic", "50", "--trees", "5", "--seed", "0", "--artifacts", dir}))

	for _, path := range []string{
		filepath.Join(dir, "models", "best_model.json"),
		filepath.Join(dir, "metrics", "best_metrics.json"),
		filepath.Join(dir, "reports", "evaluation_summary.json"),
		filepath.Join(dir, "tracking.db"),
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}

	assert.Error(t, run([]string{"--data", filepath.Join(dir, "missing.csv"), "--artifacts", dir}))
	assert.Error(t, run([]string{"--synthetic", "50", "--trees", "0", "--artifacts", dir}), "flags are validated")
}
