package coordinator

import "fmt"

// ConfigurationError aborts a run before any detector executes: the run
// configuration referenced an unknown detector or carried invalid values.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// FeatureExtractionError aborts a run: the batch was malformed beyond what
// imputation can absorb.
type FeatureExtractionError struct {
	Reason string
}

func (e *FeatureExtractionError) Error() string {
	return "feature extraction error: " + e.Reason
}

// PersistenceError wraps a result-store write failure. Detection still
// succeeds; the report is returned with degraded status.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
