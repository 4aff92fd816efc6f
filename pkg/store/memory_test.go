package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditfuse/pkg/fusion"
)

func TestMemory_RunRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &DetectionRun{
		ID:             "run-1",
		StartedAt:      time.Now(),
		CompletedAt:    time.Now(),
		DetectorsUsed:  []string{"isolation_forest", "audit_rules"},
		TotalRecords:   5,
		AnomaliesFound: 2,
		Metrics:        map[string]float64{"anomaly_rate": 0.4},
	}
	require.NoError(t, m.SaveRun(ctx, run))

	got, ok := m.Run("run-1")
	require.True(t, ok)
	assert.Equal(t, run.TotalRecords, got.TotalRecords)
	assert.Equal(t, run.DetectorsUsed, got.DetectorsUsed)

	// stored run is a copy, later caller mutation must not leak in
	run.TotalRecords = 99
	got, _ = m.Run("run-1")
	assert.Equal(t, 5, got.TotalRecords)
}

func TestMemory_Anomalies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	anomalies := []fusion.Anomaly{
		{ID: "a1", RecordID: "r2", Severity: fusion.SeverityHigh, Confidence: 0.85},
		{ID: "a2", RecordID: "r4", Severity: fusion.SeverityCritical, Confidence: 0.9},
	}
	require.NoError(t, m.SaveAnomalies(ctx, "run-1", anomalies))

	got := m.Anomalies("run-1")
	require.Len(t, got, 2)
	assert.Equal(t, "r2", got[0].RecordID)
	assert.Empty(t, m.Anomalies("run-2"))
}

func TestMemory_Performance(t *testing.T) {
	m := NewMemory()
	rows := []DetectorPerformance{
		{RunID: "run-1", Detector: "isolation_forest", Status: "success", DatasetSize: 5, Candidates: 1},
		{RunID: "run-1", Detector: "classifier", Status: "skipped", DatasetSize: 5},
	}
	require.NoError(t, m.SavePerformance(context.Background(), rows))
	assert.Len(t, m.Performance(), 2)
}

func TestMemory_Feedback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fb := &Feedback{ID: "f1", AnomalyID: "a1", Kind: "confirmed", Expert: "lead-auditor"}
	require.NoError(t, m.SaveFeedback(ctx, fb))
	require.NoError(t, m.SaveFeedback(ctx, &Feedback{ID: "f2", AnomalyID: "a1", Kind: "needs_review"}))

	got, err := m.ListFeedback(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "confirmed", got[0].Kind)

	other, err := m.ListFeedback(ctx, "a2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
