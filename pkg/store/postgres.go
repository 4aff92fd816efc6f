package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"auditfuse/pkg/fusion"
)

// PostgresConfig holds connection settings for the postgres-backed store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Postgres is the production ResultStore.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection pool and verifies connectivity.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying pool for the migration runner.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) SaveRun(ctx context.Context, run *DetectionRun) error {
	metrics, _ := json.Marshal(run.Metrics)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO detection_runs
		(run_id, started_at, completed_at, detectors_used, total_records, anomalies_found, performance_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.StartedAt, run.CompletedAt, pq.Array(run.DetectorsUsed),
		run.TotalRecords, run.AnomaliesFound, metrics)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (p *Postgres) SaveAnomalies(ctx context.Context, runID string, anomalies []fusion.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range anomalies {
		contextJSON, _ := json.Marshal(a.Context)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO anomaly_results
			(anomaly_id, run_id, record_id, anomaly_type, severity, confidence,
			 combined_score, contributing_detectors, explanation, context, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, a.ID, runID, a.RecordID, string(a.Type), string(a.Severity), a.Confidence,
			a.CombinedScore, pq.Array(a.ContributingDetectors), a.Explanation, contextJSON, time.Now())
		if err != nil {
			return fmt.Errorf("insert anomaly %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anomalies: %w", err)
	}
	return nil
}

func (p *Postgres) SavePerformance(ctx context.Context, rows []DetectorPerformance) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO detection_performance
			(performance_id, run_id, detector_name, status, dataset_size, candidates_found, duration_ms, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), row.RunID, row.Detector, row.Status,
			row.DatasetSize, row.Candidates, row.Duration.Milliseconds(), row.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert performance row for %s: %w", row.Detector, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit performance rows: %w", err)
	}
	return nil
}

func (p *Postgres) SaveFeedback(ctx context.Context, fb *Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO anomaly_feedback
		(feedback_id, anomaly_id, feedback_type, feedback_value, expert_name, comments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, fb.ID, fb.AnomalyID, fb.Kind, fb.Value, fb.Expert, fb.Comments, fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (p *Postgres) ListFeedback(ctx context.Context, anomalyID string) ([]Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT feedback_id, anomaly_id, feedback_type, feedback_value, expert_name, comments, created_at
		FROM anomaly_feedback
		WHERE anomaly_id = $1
		ORDER BY created_at
	`, anomalyID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var fb Feedback
		if err := rows.Scan(&fb.ID, &fb.AnomalyID, &fb.Kind, &fb.Value, &fb.Expert, &fb.Comments, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
