// Package storage persists the best trained model and the metric it was
// promoted with.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/features"
	"github.com/storecast/unitsforecast/pkg/logging"
	"github.com/storecast/unitsforecast/pkg/mlmodel/training"
)

// ErrModelNotFound is returned when no usable promoted model exists
var ErrModelNotFound = errors.New("model not found")

const (
	modelsDir   = "models"
	metricsDir  = "metrics"
	reportsDir  = "reports"
	modelFile   = "best_model.json"
	metricsFile = "best_metrics.json"
)

// FileStamp identifies one version of the artifact on disk. Promotions
// always rename a new file into place, so the file identity changes even when
// mod time and size do not.
type FileStamp struct {
	ModTime time.Time
	Size    int64

	info fs.FileInfo
}

// Same reports whether both stamps describe the same file version. Stamps
// without file identity compare by mod time and size only.
func (f FileStamp) Same(other FileStamp) bool {
	if !f.ModTime.Equal(other.ModTime) || f.Size != other.Size {
		return false
	}
	if f.info == nil || other.info == nil {
		return true
	}
	return os.SameFile(f.info, other.info)
}

// ArtifactStore keeps the single best artifact and its metric record under
// an artifacts directory. Promotions within a process are serialised; across
// processes the last writer wins.
type ArtifactStore struct {
	baseDir  string
	contract *features.Contract
	logger   zerolog.Logger
	now      func() time.Time
	rename   func(oldpath, newpath string) error

	mu sync.Mutex
}

// NewArtifactStore creates the store and its directory layout
func NewArtifactStore(baseDir string, contract *features.Contract, logger zerolog.Logger) (*ArtifactStore, error) {
	for _, dir := range []string{modelsDir, metricsDir, reportsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &ArtifactStore{
		baseDir:  baseDir,
		contract: contract,
		logger:   logging.Component(logger, "artifact_store"),
		now:      time.Now,
		rename:   os.Rename,
	}, nil
}

// BaseDir returns the artifacts root
func (s *ArtifactStore) BaseDir() string {
	return s.baseDir
}

// ArtifactPath returns the location of the promoted model
func (s *ArtifactStore) ArtifactPath() string {
	return filepath.Join(s.baseDir, modelsDir, modelFile)
}

// MetricsPath returns the location of the best-metric record
func (s *ArtifactStore) MetricsPath() string {
	return filepath.Join(s.baseDir, metricsDir, metricsFile)
}

// ReportsDir returns the directory evaluation reports are written to
func (s *ArtifactStore) ReportsDir() string {
	return filepath.Join(s.baseDir, reportsDir)
}

// Stat returns the stamp of the current artifact, or ErrModelNotFound
func (s *ArtifactStore) Stat() (FileStamp, error) {
	info, err := os.Stat(s.ArtifactPath())
	if errors.Is(err, fs.ErrNotExist) {
		return FileStamp{}, ErrModelNotFound
	}
	if err != nil {
		return FileStamp{}, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return FileStamp{ModTime: info.ModTime(), Size: info.Size(), info: info}, nil
}

// BestMetric returns the recorded best value for metricName. A missing,
// unreadable or non-finite record reports no prior best.
func (s *ArtifactStore) BestMetric(metricName string) (float64, bool) {
	record, err := s.readMetrics()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.MetricsPath()).Msg("Ignoring unreadable best-metric record")
		}
		return 0, false
	}
	value, ok := record[metricName]
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

func (s *ArtifactStore) readMetrics() (map[string]float64, error) {
	data, err := os.ReadFile(s.MetricsPath())
	if err != nil {
		return nil, err
	}
	var record map[string]float64
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt best-metric record: %w", err)
	}
	return record, nil
}

// Consider promotes candidate when there is no prior best for metricName or
// metricValue is strictly lower. Nothing is written when it is not promoted.
func (s *ArtifactStore) Consider(candidate *training.Pipeline, metricName string, metricValue float64, runID string) (bool, error) {
	if math.IsNaN(metricValue) || math.IsInf(metricValue, 0) {
		return false, fmt.Errorf("candidate %s is not finite: %v", metricName, metricValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best, ok := s.BestMetric(metricName)
	if ok && metricValue >= best {
		s.logger.Info().
			Str("run_id", runID).
			Str("metric", metricName).
			Float64("candidate", metricValue).
			Float64("best", best).
			Msg("Candidate not promoted")
		return false, nil
	}

	artifact := NewArtifact(candidate, metricName, metricValue, runID, s.now())
	data, err := json.Marshal(artifact)
	if err != nil {
		return false, fmt.Errorf("failed to marshal artifact: %w", err)
	}
	record, err := s.readMetrics()
	if err != nil {
		record = make(map[string]float64)
	}
	record[metricName] = metricValue
	metrics, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal best-metric record: %w", err)
	}

	if err := s.commit(data, metrics); err != nil {
		return false, err
	}

	event := s.logger.Info().
		Str("run_id", runID).
		Str("metric", metricName).
		Float64("value", metricValue)
	if ok {
		event = event.Float64("previous", best)
	}
	event.Msg("Promoted new best model")
	return true, nil
}

// Load reads and validates the promoted artifact. A missing or corrupt file
// yields ErrModelNotFound; a contract mismatch yields a schema error.
func (s *ArtifactStore) Load() (*training.Pipeline, *Artifact, error) {
	data, err := os.ReadFile(s.ArtifactPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrModelNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		s.logger.Warn().Err(err).Str("path", s.ArtifactPath()).Msg("Artifact is corrupt")
		return nil, nil, fmt.Errorf("%w: corrupt artifact: %v", ErrModelNotFound, err)
	}

	pipeline, err := artifact.Pipeline(s.contract)
	if err != nil {
		if errors.Is(err, features.ErrSchema) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrModelNotFound, err)
	}
	return pipeline, &artifact, nil
}

// commit replaces the artifact and the best-metric record as a pair. Both
// files are staged first; if the metric cannot be put in place the previous
// artifact is restored, or the new one removed when there was none.
func (s *ArtifactStore) commit(artifact, metrics []byte) error {
	artifactTmp, err := stageFile(s.ArtifactPath(), artifact)
	if err != nil {
		return fmt.Errorf("failed to stage artifact: %w", err)
	}
	metricsTmp, err := stageFile(s.MetricsPath(), metrics)
	if err != nil {
		os.Remove(artifactTmp)
		return fmt.Errorf("failed to stage best-metric record: %w", err)
	}

	previous, err := os.ReadFile(s.ArtifactPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(artifactTmp)
		os.Remove(metricsTmp)
		return fmt.Errorf("failed to read current artifact: %w", err)
	}
	hadPrevious := err == nil

	if err := s.rename(artifactTmp, s.ArtifactPath()); err != nil {
		os.Remove(artifactTmp)
		os.Remove(metricsTmp)
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := s.rename(metricsTmp, s.MetricsPath()); err != nil {
		os.Remove(metricsTmp)
		if rerr := s.rollback(previous, hadPrevious); rerr != nil {
			return fmt.Errorf("failed to write best-metric record: %w (restoring artifact: %v)", err, rerr)
		}
		return fmt.Errorf("failed to write best-metric record: %w", err)
	}
	return nil
}

func (s *ArtifactStore) rollback(previous []byte, hadPrevious bool) error {
	if !hadPrevious {
		s.logger.Warn().Str("path", s.ArtifactPath()).Msg("Removing unpaired artifact")
		return os.Remove(s.ArtifactPath())
	}
	s.logger.Warn().Str("path", s.ArtifactPath()).Msg("Restoring previous artifact")
	tmp, err := stageFile(s.ArtifactPath(), previous)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.ArtifactPath()); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// stageFile writes data to a synced temporary file next to path and returns
// its name
func stageFile(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}
