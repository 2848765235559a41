package metadatastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/storecast/unitsforecast/pkg/models"
)

// SQLiteTracker persists training runs in a SQLite database
type SQLiteTracker struct {
	db *sql.DB
}

// NewSQLiteTracker opens (creating if needed) the tracking database at dbPath
func NewSQLiteTracker(dbPath string) (*SQLiteTracker, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialised by SQLite anyway
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	tracker := &SQLiteTracker{db: db}
	if err := tracker.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return tracker, nil
}

// Close closes the database connection
func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}

// retryOnBusy retries an operation that failed with SQLITE_BUSY, on top of
// the busy_timeout pragma
func (s *SQLiteTracker) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			// 10ms, 20ms, 40ms, ...
			time.Sleep(time.Duration(10*(1<<uint(i))) * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func (s *SQLiteTracker) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		data_source TEXT,
		metric_name TEXT,
		metric_value REAL,
		promoted INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_training_runs_started_at ON training_runs(started_at);

	CREATE TABLE IF NOT EXISTS run_metrics (
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		group_key TEXT NOT NULL,
		mae REAL,
		rmse REAL,
		mape REAL,
		count INTEGER NOT NULL,
		PRIMARY KEY (run_id, table_name, group_key)
	);

	CREATE TABLE IF NOT EXISTS run_reports (
		run_id TEXT PRIMARY KEY,
		generated_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts or replaces a run record
func (s *SQLiteTracker) SaveRun(ctx context.Context, run *models.TrainingRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal training run: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO training_runs (id, status, started_at, finished_at, data_source, metric_name, metric_value, promoted, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var finished any
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	promoted := 0
	if run.Promoted {
		promoted = 1
	}

	err = s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.ID,
			string(run.Status),
			run.StartedAt.UTC(),
			finished,
			run.DataSource,
			run.MetricName,
			finiteOrNil(run.MetricValue),
			promoted,
			string(data),
		)
		return err
	}, 5)
	if err != nil {
		return fmt.Errorf("failed to save training run: %w", err)
	}
	return nil
}

// GetRun returns a run by id
func (s *SQLiteTracker) GetRun(ctx context.Context, id string) (*models.TrainingRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM training_runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get training run: %w", err)
	}

	var run models.TrainingRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs newest first
func (s *SQLiteTracker) ListRuns(ctx context.Context, limit int) ([]*models.TrainingRun, error) {
	query := `SELECT data FROM training_runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.TrainingRun, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		var run models.TrainingRun
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal training run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// SaveReport stores the full report and one row per stratum
func (s *SQLiteTracker) SaveReport(ctx context.Context, report *models.EvaluationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	return s.retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_reports (run_id, generated_at, data) VALUES (?, ?, ?)`,
			report.RunID, report.GeneratedAt.UTC(), string(data)); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_metrics WHERE run_id = ?`, report.RunID); err != nil {
			return fmt.Errorf("failed to clear run metrics: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_metrics (run_id, table_name, group_key, mae, rmse, mape, count) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		insert := func(table, key string, m models.ErrorMetrics) error {
			_, err := stmt.ExecContext(ctx, report.RunID, table, key,
				finiteOrNil(m.MAE), finiteOrNil(m.RMSE), finiteOrNil(m.MAPE), m.Count)
			return err
		}
		if err := insert("overall", "", report.Overall); err != nil {
			return fmt.Errorf("failed to save run metrics: %w", err)
		}
		for _, table := range report.Tables() {
			for _, g := range table.Groups {
				if err := insert(table.Name, strings.Join(g.Key, "/"), g.ErrorMetrics); err != nil {
					return fmt.Errorf("failed to save run metrics: %w", err)
				}
			}
		}
		return tx.Commit()
	}, 5)
}

// GetReport returns the stored report for a run
func (s *SQLiteTracker) GetReport(ctx context.Context, runID string) (*models.EvaluationReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM run_reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report models.EvaluationReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

func finiteOrNil(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
