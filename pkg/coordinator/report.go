package coordinator

import (
	"time"

	"auditfuse/pkg/detector"
	"auditfuse/pkg/fusion"
)

// RunConfig is the caller-supplied configuration for one detection run.
type RunConfig struct {
	// Detectors selects a subset of configured detectors by name; empty
	// means "every enabled detector".
	Detectors []string `json:"detectors,omitempty"`
	// UseEnsemble controls weighted fusion. Nil defaults to true; false is
	// an explicit degraded/debug mode that unions candidates unweighted.
	UseEnsemble *bool `json:"use_ensemble,omitempty"`
	// MinConfidence gates fused anomalies; zero defaults to 0.7.
	MinConfidence float64 `json:"min_confidence,omitempty"`
	// AnalyzeFeatureImportance adds per-feature deviation scores for the
	// flagged records.
	AnalyzeFeatureImportance bool `json:"analyze_feature_importance,omitempty"`
	// Persist writes the run, anomalies and performance rows to the result
	// store.
	Persist bool `json:"persist,omitempty"`
}

func (rc RunConfig) useEnsemble() bool {
	return rc.UseEnsemble == nil || *rc.UseEnsemble
}

// Run statuses for the report.
const (
	ReportStatusSuccess  = "success"
	ReportStatusDegraded = "degraded"
	ReportStatusError    = "error"
)

// DetectorReport is one detector's raw outcome within a report.
type DetectorReport struct {
	Status         string               `json:"status"`
	Skipped        bool                 `json:"skipped,omitempty"`
	Error          string               `json:"error,omitempty"`
	Candidates     []detector.Candidate `json:"anomalies,omitempty"`
	CandidateCount int                  `json:"anomalies_count"`
	ExecutionTime  float64              `json:"execution_time"`
}

// Report is the externally visible result of one detection run.
type Report struct {
	RunID             string                    `json:"run_id"`
	Status            string                    `json:"status"`
	Error             string                    `json:"error,omitempty"`
	StartedAt         time.Time                 `json:"started_at"`
	CompletedAt       time.Time                 `json:"completed_at"`
	TotalRecords      int                       `json:"total_records"`
	AnomaliesFound    int                       `json:"anomalies_found"`
	Anomalies         []fusion.Anomaly          `json:"anomalies"`
	DetectorResults   map[string]DetectorReport `json:"detector_results"`
	DetectorsUsed     []string                  `json:"detectors_used"`
	Metrics           map[string]float64        `json:"performance_metrics"`
	FeatureImportance map[string]float64        `json:"feature_importance,omitempty"`
	Persisted         bool                      `json:"persisted"`
}
