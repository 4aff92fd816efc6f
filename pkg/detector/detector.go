// Package detector holds the anomaly detection strategies of the engine and
// the registry that runs them. Every detector consumes the feature vectors
// produced by pkg/feature and emits zero or more per-record candidates; the
// fusion engine reconciles the candidates afterwards.
package detector

import (
	"context"
	"errors"

	"auditfuse/pkg/feature"
)

// AnomalyType categorizes what kind of irregularity a candidate describes.
type AnomalyType string

const (
	TypeStatistical AnomalyType = "statistical"
	TypePattern     AnomalyType = "pattern"
	TypeBusiness    AnomalyType = "business"
	TypeTemporal    AnomalyType = "temporal"
	TypeContextual  AnomalyType = "contextual"
)

// Candidate is one detector's unfused verdict on one record. Candidates live
// only within a single detection run.
type Candidate struct {
	RecordID     string      `json:"record_id"`
	DetectorName string      `json:"detector_name"`
	RawScore     float64     `json:"raw_score"`
	Confidence   float64     `json:"confidence"`
	Type         AnomalyType `json:"anomaly_type"`
	Explanation  string      `json:"explanation"`
}

// Detector is the contract every detection strategy implements. Detect must
// treat the batch as read-only and honor ctx cancellation in long loops.
type Detector interface {
	Name() string
	// RequiresFittedModel reports whether the detector depends on a
	// previously trained model. Such detectors return ErrModelUnavailable
	// when no model handle is present, and the registry records them as
	// skipped rather than failed.
	RequiresFittedModel() bool
	Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error)
}

// ErrModelUnavailable signals that a model-backed detector has nothing to
// score with. It is not a failure; the detector is skipped for the run.
var ErrModelUnavailable = errors.New("no fitted model available")

// Config is the per-detector tuning snapshot for one run. It is copied by
// the registry at run start and never mutated mid-run.
type Config struct {
	Name      string  `json:"name"`
	Enabled   bool    `json:"enabled"`
	Weight    float64 `json:"weight"`
	Threshold float64 `json:"threshold"`
}

// Canonical detector names.
const (
	NameIsolationForest = "isolation_forest"
	NameDBSCAN          = "dbscan"
	NameClassifier      = "classifier"
	NameAutoencoder     = "autoencoder"
	NameAuditRules      = "audit_rules"
)

// DefaultConfigs mirrors the engine's stock detector lineup: every detector
// enabled, ensemble weights favoring the supervised classifier when a model
// exists.
func DefaultConfigs() []Config {
	return []Config{
		{Name: NameIsolationForest, Enabled: true, Weight: 0.3, Threshold: 0.5},
		{Name: NameDBSCAN, Enabled: true, Weight: 0.3, Threshold: 0.5},
		{Name: NameClassifier, Enabled: true, Weight: 0.4, Threshold: 0.7},
		{Name: NameAutoencoder, Enabled: true, Weight: 0.3, Threshold: 0.5},
		{Name: NameAuditRules, Enabled: true, Weight: 1.0, Threshold: 0.5},
	}
}

// matrix extracts the shared value rows from a batch. Detectors operate on
// the raw float rows; record identity is re-attached by row index.
func matrix(batch []feature.Vector) [][]float64 {
	rows := make([][]float64, len(batch))
	for i := range batch {
		rows[i] = batch[i].Values
	}
	return rows
}
