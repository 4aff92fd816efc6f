// Package store persists detection runs, fused anomalies, per-detector
// performance rows and expert feedback. The store feeds tuning, never the
// scoring hot path.
package store

import (
	"context"
	"time"

	"auditfuse/pkg/fusion"
)

// DetectionRun is the immutable record of one coordinator invocation.
type DetectionRun struct {
	ID             string             `json:"run_id"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	DetectorsUsed  []string           `json:"detectors_used"`
	TotalRecords   int                `json:"total_records"`
	AnomaliesFound int                `json:"anomalies_found"`
	Metrics        map[string]float64 `json:"performance_metrics"`
}

// DetectorPerformance is one detector's timing/volume row for one run,
// recorded independently of whether fusion accepted its candidates.
type DetectorPerformance struct {
	RunID       string        `json:"run_id"`
	Detector    string        `json:"detector_name"`
	Status      string        `json:"status"`
	DatasetSize int           `json:"dataset_size"`
	Candidates  int           `json:"candidates_found"`
	Duration    time.Duration `json:"duration"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// Feedback is an expert verdict on a persisted anomaly, used for threshold
// and weight tuning.
type Feedback struct {
	ID        string    `json:"feedback_id"`
	AnomalyID string    `json:"anomaly_id"`
	Kind      string    `json:"feedback_type"` // confirmed / false_positive / needs_review
	Value     string    `json:"feedback_value"`
	Expert    string    `json:"expert_name"`
	Comments  string    `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultStore is the persistence boundary of the engine. Implementations
// must be safe for concurrent use; writes are append-mostly.
type ResultStore interface {
	SaveRun(ctx context.Context, run *DetectionRun) error
	SaveAnomalies(ctx context.Context, runID string, anomalies []fusion.Anomaly) error
	SavePerformance(ctx context.Context, rows []DetectorPerformance) error
	SaveFeedback(ctx context.Context, fb *Feedback) error
	ListFeedback(ctx context.Context, anomalyID string) ([]Feedback, error)
}
