package store

import (
	"context"
	"sync"

	"auditfuse/pkg/fusion"
)

// Memory is an in-process ResultStore for tests and single-node runs
// without a database.
type Memory struct {
	mu          sync.RWMutex
	runs        map[string]*DetectionRun
	anomalies   map[string][]fusion.Anomaly // keyed by run id
	performance []DetectorPerformance
	feedback    map[string][]Feedback // keyed by anomaly id
}

func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*DetectionRun),
		anomalies: make(map[string][]fusion.Anomaly),
		feedback:  make(map[string][]Feedback),
	}
}

func (m *Memory) SaveRun(_ context.Context, run *DetectionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) SaveAnomalies(_ context.Context, runID string, anomalies []fusion.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies[runID] = append(m.anomalies[runID], anomalies...)
	return nil
}

func (m *Memory) SavePerformance(_ context.Context, rows []DetectorPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.performance = append(m.performance, rows...)
	return nil
}

func (m *Memory) SaveFeedback(_ context.Context, fb *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback[fb.AnomalyID] = append(m.feedback[fb.AnomalyID], *fb)
	return nil
}

func (m *Memory) ListFeedback(_ context.Context, anomalyID string) ([]Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Feedback, len(m.feedback[anomalyID]))
	copy(out, m.feedback[anomalyID])
	return out, nil
}

// Run returns a stored run by id (test helper).
func (m *Memory) Run(id string) (*DetectionRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	return run, ok
}

// Anomalies returns the anomalies stored for a run (test helper).
func (m *Memory) Anomalies(runID string) []fusion.Anomaly {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fusion.Anomaly, len(m.anomalies[runID]))
	copy(out, m.anomalies[runID])
	return out
}

// Performance returns all stored performance rows (test helper).
func (m *Memory) Performance() []DetectorPerformance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DetectorPerformance, len(m.performance))
	copy(out, m.performance)
	return out
}
