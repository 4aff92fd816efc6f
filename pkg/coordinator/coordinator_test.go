package coordinator

import (
	"context"
	"errors"
	"testing"

	"auditfuse/pkg/detector"
	"auditfuse/pkg/feature"
	"auditfuse/pkg/fusion"
	"auditfuse/pkg/store"
)

func auditBatch() []feature.Record {
	return []feature.Record{
		{ID: "1", Fields: map[string]any{"amount": 50000.0, "account": "opex", "posting_date": "2024-01-10"}},
		{ID: "2", Fields: map[string]any{"amount": 15000000.0, "account": "opex", "posting_date": "2024-01-11"}},
		{ID: "3", Fields: map[string]any{"amount": 20000.0, "account": "capex", "posting_date": "2024-01-12"}},
		{ID: "4", Fields: map[string]any{"amount": 0.0, "account": "opex", "posting_date": "2024-01-13"}},
		{ID: "5", Fields: map[string]any{"amount": 30000.0, "account": "capex", "posting_date": "2024-01-14"}},
	}
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	coord, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord
}

func findAnomaly(anomalies []fusion.Anomaly, recordID string) (fusion.Anomaly, bool) {
	for _, a := range anomalies {
		if a.RecordID == recordID {
			return a, true
		}
	}
	return fusion.Anomaly{}, false
}

func TestDetectAnomalies_EndToEnd(t *testing.T) {
	mem := store.NewMemory()
	coord := newTestCoordinator(t, Config{Store: mem})

	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors: []string{detector.NameIsolationForest, detector.NameAuditRules},
		Persist:   true,
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}

	if report.Status != ReportStatusSuccess {
		t.Fatalf("status = %s (%s), want success", report.Status, report.Error)
	}
	if report.TotalRecords != 5 {
		t.Errorf("total records = %d, want 5", report.TotalRecords)
	}
	if report.AnomaliesFound < 2 {
		t.Fatalf("anomalies found = %d, want at least 2 (ceiling and zero-amount records)", report.AnomaliesFound)
	}

	ceiling, ok := findAnomaly(report.Anomalies, "2")
	if !ok {
		t.Fatal("record 2 (amount above ceiling) not flagged")
	}
	if ceiling.Severity != fusion.SeverityHigh && ceiling.Severity != fusion.SeverityCritical {
		t.Errorf("record 2 severity = %s, want high or critical", ceiling.Severity)
	}

	zero, ok := findAnomaly(report.Anomalies, "4")
	if !ok {
		t.Fatal("record 4 (zero amount) not flagged")
	}
	if zero.Type != detector.TypeBusiness {
		t.Errorf("record 4 type = %s, want business", zero.Type)
	}
	if !contains(zero.ContributingDetectors, detector.NameAuditRules) {
		t.Errorf("record 4 contributors = %v, want audit_rules", zero.ContributingDetectors)
	}

	for _, a := range report.Anomalies {
		if a.Confidence < 0 || a.Confidence > 1 {
			t.Errorf("record %s: confidence %f out of [0,1]", a.RecordID, a.Confidence)
		}
		if a.ID == "" {
			t.Errorf("record %s: anomaly id not assigned", a.RecordID)
		}
		if a.Context["record"] == nil {
			t.Errorf("record %s: context snapshot missing", a.RecordID)
		}
	}

	for _, name := range []string{detector.NameIsolationForest, detector.NameAuditRules} {
		dr, ok := report.DetectorResults[name]
		if !ok {
			t.Fatalf("detector %s missing from results", name)
		}
		if dr.Status != string(detector.StatusSuccess) {
			t.Errorf("detector %s status = %s (%s)", name, dr.Status, dr.Error)
		}
	}

	if _, ok := report.Metrics["anomaly_rate"]; !ok {
		t.Error("anomaly_rate metric missing")
	}

	// persistence side effects
	if !report.Persisted {
		t.Fatal("report not marked persisted")
	}
	if _, ok := mem.Run(report.RunID); !ok {
		t.Error("detection run not stored")
	}
	if got := mem.Anomalies(report.RunID); len(got) != report.AnomaliesFound {
		t.Errorf("stored anomalies = %d, want %d", len(got), report.AnomaliesFound)
	}
	if got := mem.Performance(); len(got) != 2 {
		t.Errorf("stored performance rows = %d, want 2", len(got))
	}
}

func TestDetectAnomalies_ClassifierSkippedWithoutModel(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors: []string{detector.NameClassifier},
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if report.Status != ReportStatusSuccess {
		t.Errorf("status = %s, want success; a skipped detector is not a failure", report.Status)
	}
	dr := report.DetectorResults[detector.NameClassifier]
	if !dr.Skipped || dr.Status != string(detector.StatusSkipped) {
		t.Errorf("classifier result = %+v, want skipped", dr)
	}
	if report.AnomaliesFound != 0 {
		t.Errorf("anomalies found = %d, want 0", report.AnomaliesFound)
	}
}

type alwaysAnomalous struct{}

func (alwaysAnomalous) PredictProba([]float64) float64 { return 0.95 }

func (alwaysAnomalous) Algorithm() string { return "stub" }

type singleModelSource struct{ model detector.FittedClassifier }

func (s singleModelSource) Classifier(string) (detector.FittedClassifier, bool) {
	if s.model == nil {
		return nil, false
	}
	return s.model, true
}

func TestDetectAnomalies_ClassifierRunsWithModel(t *testing.T) {
	coord := newTestCoordinator(t, Config{Models: singleModelSource{model: alwaysAnomalous{}}})

	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors: []string{detector.NameClassifier},
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	dr := report.DetectorResults[detector.NameClassifier]
	if dr.Status != string(detector.StatusSuccess) {
		t.Fatalf("classifier result = %+v, want success", dr)
	}
	if dr.CandidateCount != 5 {
		t.Errorf("classifier candidates = %d, want all 5 records", dr.CandidateCount)
	}
	if report.AnomaliesFound != 5 {
		t.Errorf("anomalies found = %d, want 5 at probability 0.95", report.AnomaliesFound)
	}
}

func TestDetectAnomalies_UnknownDetector(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	_, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors: []string{"ghost"},
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestDetectAnomalies_EmptyBatchFailsClosed(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	report, err := coord.DetectAnomalies(context.Background(), nil, RunConfig{})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if report.Status != ReportStatusError {
		t.Errorf("status = %s, want error", report.Status)
	}
	if report.Error == "" {
		t.Error("error-status report carries no error text")
	}
	if report.AnomaliesFound != 0 || len(report.DetectorResults) != 0 {
		t.Errorf("fail-closed report ran detectors anyway: %+v", report)
	}
}

func TestDetectAnomalies_UnionMode(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	useEnsemble := false
	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors:   []string{detector.NameAuditRules},
		UseEnsemble: &useEnsemble,
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	zero, ok := findAnomaly(report.Anomalies, "4")
	if !ok {
		t.Fatal("record 4 not flagged in union mode")
	}
	// union keeps the rule detector's verdict unweighted
	if zero.Confidence != 0.9 {
		t.Errorf("record 4 confidence = %f, want the raw 0.9", zero.Confidence)
	}
}

func TestDetectAnomalies_FeatureImportance(t *testing.T) {
	coord := newTestCoordinator(t, Config{})

	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors:                []string{detector.NameAuditRules},
		AnalyzeFeatureImportance: true,
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(report.FeatureImportance) == 0 {
		t.Fatal("feature importance requested but empty")
	}
	if _, ok := report.FeatureImportance["amount"]; !ok {
		t.Errorf("amount missing from importance map: %v", report.FeatureImportance)
	}
}

type failingStore struct{ store.ResultStore }

func (failingStore) SaveRun(context.Context, *store.DetectionRun) error {
	return errors.New("connection refused")
}

func TestDetectAnomalies_PersistenceFailureDegrades(t *testing.T) {
	coord := newTestCoordinator(t, Config{Store: failingStore{}})

	report, err := coord.DetectAnomalies(context.Background(), auditBatch(), RunConfig{
		Detectors: []string{detector.NameAuditRules},
		Persist:   true,
	})
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if report.Status != ReportStatusDegraded {
		t.Errorf("status = %s, want degraded", report.Status)
	}
	if report.Persisted {
		t.Error("degraded report must not claim persistence")
	}
	if report.AnomaliesFound < 2 {
		t.Errorf("detection results lost on persistence failure: %d anomalies", report.AnomaliesFound)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Detectors: []detector.Config{{Name: "ghost", Enabled: true}}})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("unknown detector: err = %v, want ConfigurationError", err)
	}

	_, err = New(Config{Detectors: []detector.Config{{Name: detector.NameAuditRules, Enabled: true, Weight: -1}}})
	if !errors.As(err, &cfgErr) {
		t.Errorf("negative weight: err = %v, want ConfigurationError", err)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
