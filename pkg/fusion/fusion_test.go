package fusion

import (
	"math"
	"reflect"
	"testing"

	"auditfuse/pkg/detector"
)

func cand(record, name string, conf, raw float64, typ detector.AnomalyType) detector.Candidate {
	return detector.Candidate{
		RecordID:     record,
		DetectorName: name,
		Confidence:   conf,
		RawScore:     raw,
		Type:         typ,
		Explanation:  name + " flagged " + record,
	}
}

func TestFuse_WeightedMean(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "isolation_forest", 0.6, 1.0, detector.TypeStatistical),
		cand("r1", "audit_rules", 0.9, 2.0, detector.TypeBusiness),
	}
	weights := map[string]float64{"isolation_forest": 0.5, "audit_rules": 1.0}

	got := NewEngine(0.7).Fuse(candidates, weights)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}

	wantConf := (0.6*0.5 + 0.9*1.0) / 1.5
	wantScore := (1.0*0.5 + 2.0*1.0) / 1.5
	if math.Abs(got[0].Confidence-wantConf) > 1e-12 {
		t.Errorf("confidence = %f, want %f", got[0].Confidence, wantConf)
	}
	if math.Abs(got[0].CombinedScore-wantScore) > 1e-12 {
		t.Errorf("combined score = %f, want %f", got[0].CombinedScore, wantScore)
	}
}

func TestFuse_ConfidenceBounded(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "a", 1.0, 5.0, detector.TypeStatistical),
		cand("r1", "b", 0.8, 0.5, detector.TypePattern),
		cand("r2", "a", 0.95, 0.0, detector.TypeStatistical),
	}
	got := NewEngine(0.1).Fuse(candidates, map[string]float64{"a": 2.0, "b": 0.25})
	for _, a := range got {
		if a.Confidence < 0 || a.Confidence > 1 {
			t.Errorf("record %s: confidence %f out of [0,1]", a.RecordID, a.Confidence)
		}
	}
}

func TestFuse_Idempotent(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "isolation_forest", 0.81, 1.3, detector.TypeStatistical),
		cand("r2", "audit_rules", 0.9, 1.0, detector.TypeBusiness),
		cand("r1", "dbscan", 0.8, 1.0, detector.TypePattern),
	}
	weights := map[string]float64{"isolation_forest": 0.3, "dbscan": 0.3, "audit_rules": 1.0}

	e := NewEngine(0.7)
	first := e.Fuse(candidates, weights)
	second := e.Fuse(candidates, weights)

	if len(first) != len(second) {
		t.Fatalf("result lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if math.Float64bits(first[i].Confidence) != math.Float64bits(second[i].Confidence) {
			t.Errorf("anomaly %d: confidence not bit-identical", i)
		}
		if math.Float64bits(first[i].CombinedScore) != math.Float64bits(second[i].CombinedScore) {
			t.Errorf("anomaly %d: combined score not bit-identical", i)
		}
		if first[i].RecordID != second[i].RecordID || first[i].Severity != second[i].Severity {
			t.Errorf("anomaly %d: ordering or severity differs", i)
		}
	}
}

func TestFuse_WeightMonotonicity(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "high", 0.9, 1.0, detector.TypeStatistical),
		cand("r1", "low", 0.5, 1.0, detector.TypePattern),
	}
	e := NewEngine(0.1)

	before := e.Fuse(candidates, map[string]float64{"high": 1.0, "low": 1.0})
	after := e.Fuse(candidates, map[string]float64{"high": 3.0, "low": 1.0})

	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("expected single anomalies, got %d and %d", len(before), len(after))
	}
	if after[0].Confidence <= before[0].Confidence {
		t.Errorf("raising the high-confidence weight should raise fused confidence: %f -> %f",
			before[0].Confidence, after[0].Confidence)
	}
}

func TestFuse_DeduplicatesPerRecord(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "isolation_forest", 0.9, 1.0, detector.TypeStatistical),
		cand("r1", "audit_rules", 0.9, 1.0, detector.TypeBusiness),
		cand("r1", "dbscan", 0.8, 1.0, detector.TypePattern),
	}
	got := NewEngine(0.7).Fuse(candidates, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly for 1 record, got %d", len(got))
	}
	want := []string{"audit_rules", "dbscan", "isolation_forest"}
	if !reflect.DeepEqual(got[0].ContributingDetectors, want) {
		t.Errorf("contributing detectors = %v, want %v", got[0].ContributingDetectors, want)
	}
}

func TestFuse_MinConfidenceGate(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "a", 0.69, 0.0, detector.TypeStatistical),
		cand("r2", "a", 0.71, 0.0, detector.TypeStatistical),
	}
	got := NewEngine(0.7).Fuse(candidates, nil)
	if len(got) != 1 || got[0].RecordID != "r2" {
		t.Fatalf("expected only r2 to survive the 0.7 gate, got %+v", got)
	}
}

func TestFuse_DominantType(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "a", 0.9, 1.0, detector.TypeBusiness),
		cand("r1", "b", 0.9, 1.0, detector.TypePattern),
		cand("r1", "c", 0.9, 1.0, detector.TypePattern),
	}
	got := NewEngine(0.7).Fuse(candidates, nil)
	if len(got) != 1 || got[0].Type != detector.TypePattern {
		t.Fatalf("dominant type = %v, want pattern", got[0].Type)
	}

	// tie resolves to the earliest-seen type
	tied := candidates[:2]
	got = NewEngine(0.7).Fuse(tied, nil)
	if got[0].Type != detector.TypeBusiness {
		t.Errorf("tied dominant type = %v, want business (first seen)", got[0].Type)
	}
}

func TestFuse_Ordering(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r3", "a", 0.8, 0.0, detector.TypeStatistical),
		cand("r1", "a", 0.9, 0.0, detector.TypeStatistical),
		cand("r2", "a", 0.8, 0.0, detector.TypeStatistical),
	}
	got := NewEngine(0.7).Fuse(candidates, nil)
	wantOrder := []string{"r1", "r2", "r3"}
	if len(got) != 3 {
		t.Fatalf("expected 3 anomalies, got %d", len(got))
	}
	for i, a := range got {
		if a.RecordID != wantOrder[i] {
			t.Errorf("position %d: record %s, want %s", i, a.RecordID, wantOrder[i])
		}
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		confidence float64
		score      float64
		want       Severity
	}{
		{0.9, 0.0, SeverityCritical}, // boundary is inclusive
		{0.0, 3.0, SeverityCritical},
		{0.89, 2.9, SeverityHigh},
		{0.8, 0.0, SeverityHigh},
		{0.0, 2.0, SeverityHigh},
		{0.7, 0.0, SeverityMedium},
		{0.0, 1.0, SeverityMedium},
		{0.69, 0.99, SeverityLow},
		{0.0, 0.0, SeverityLow},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.confidence, tt.score); got != tt.want {
			t.Errorf("SeverityFor(%f, %f) = %s, want %s", tt.confidence, tt.score, got, tt.want)
		}
	}
}

func TestUnion_BestVerdictPerRecord(t *testing.T) {
	candidates := []detector.Candidate{
		cand("r1", "a", 0.75, 1.0, detector.TypeStatistical),
		cand("r1", "b", 0.95, 2.0, detector.TypeBusiness),
		cand("r2", "a", 0.6, 0.5, detector.TypeStatistical),
	}
	got := NewEngine(0.7).Union(candidates)
	if len(got) != 2 {
		t.Fatalf("expected 2 anomalies, got %d", len(got))
	}
	if got[0].RecordID != "r1" || got[0].Confidence != 0.95 || got[0].Type != detector.TypeBusiness {
		t.Errorf("r1 union verdict = %+v, want detector b's", got[0])
	}
	if !reflect.DeepEqual(got[0].ContributingDetectors, []string{"a", "b"}) {
		t.Errorf("r1 contributors = %v, want [a b]", got[0].ContributingDetectors)
	}
}

func TestFuse_EmptyInput(t *testing.T) {
	got := NewEngine(0.7).Fuse(nil, nil)
	if len(got) != 0 {
		t.Errorf("Fuse(nil) = %v, want empty", got)
	}
}
