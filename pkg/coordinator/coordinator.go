// Package coordinator is the façade of the anomaly-fusion engine: it drives
// feature building, parallel detection, fusion and persistence for one batch
// and returns a single report (or a single structured error).
package coordinator

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"auditfuse/pkg/detector"
	"auditfuse/pkg/feature"
	"auditfuse/pkg/fusion"
	"auditfuse/pkg/store"
)

// Config assembles the engine. Zero-value sub-configs fall back to their
// package defaults.
type Config struct {
	Builder         feature.BuilderConfig
	Registry        detector.RegistryConfig
	Detectors       []detector.Config // nil means detector.DefaultConfigs()
	IsolationForest detector.IsolationForestConfig
	DBSCAN          detector.DBSCANConfig
	Autoencoder     detector.AutoencoderConfig
	Rules           detector.RuleConfig

	// Models resolves the supervised classifier handle; nil means the
	// classifier detector is always skipped.
	Models detector.ModelSource
	// ClassifierModel is the registry key of the fitted classifier
	// (default "classifier").
	ClassifierModel string

	// Store receives runs, anomalies and performance rows; nil disables
	// persistence regardless of RunConfig.Persist.
	Store store.ResultStore
}

// Coordinator owns the per-run lifecycle of feature vectors, candidates and
// the detection run record.
type Coordinator struct {
	builder  *feature.Builder
	registry *detector.Registry
	configs  []detector.Config
	store    store.ResultStore
}

// New builds the coordinator and registers the detector lineup.
func New(cfg Config) (*Coordinator, error) {
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = "classifier"
	}
	configs := cfg.Detectors
	if configs == nil {
		configs = detector.DefaultConfigs()
	}

	registry := detector.NewRegistry(cfg.Registry)
	classifierThreshold := thresholdFor(configs, detector.NameClassifier, 0.7)

	detectors := []detector.Detector{
		detector.NewIsolationForestDetector(cfg.IsolationForest),
		detector.NewDBSCANDetector(cfg.DBSCAN),
		detector.NewAutoencoderDetector(cfg.Autoencoder),
		detector.NewRuleDetector(cfg.Rules),
		detector.NewClassifierDetectorFromSource(classifierThreshold, cfg.Models, cfg.ClassifierModel),
	}
	for _, d := range detectors {
		if err := registry.Register(d); err != nil {
			return nil, fmt.Errorf("register %s: %w", d.Name(), err)
		}
	}

	for _, dc := range configs {
		if !registry.Has(dc.Name) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown detector %q in configuration", dc.Name)}
		}
		if dc.Weight < 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("detector %q has negative weight", dc.Name)}
		}
	}

	return &Coordinator{
		builder:  feature.NewBuilder(cfg.Builder),
		registry: registry,
		configs:  configs,
		store:    cfg.Store,
	}, nil
}

// DetectAnomalies runs the full pipeline for one batch. Callers receive
// either a report or a single typed error; a batch that yields no usable
// features produces an error-status report, not an error.
func (c *Coordinator) DetectAnomalies(ctx context.Context, records []feature.Record, rc RunConfig) (*Report, error) {
	started := time.Now()
	report := &Report{
		RunID:           uuid.New().String(),
		Status:          ReportStatusSuccess,
		StartedAt:       started,
		TotalRecords:    len(records),
		DetectorResults: make(map[string]DetectorReport),
		Metrics:         make(map[string]float64),
	}

	runConfigs, err := c.snapshotConfigs(rc)
	if err != nil {
		runsTotal.WithLabelValues(ReportStatusError).Inc()
		return nil, err
	}
	for _, dc := range runConfigs {
		if dc.Enabled {
			report.DetectorsUsed = append(report.DetectorsUsed, dc.Name)
		}
	}
	sort.Strings(report.DetectorsUsed)

	vectors := c.builder.Build(records)
	if len(vectors) == 0 {
		// fail closed: zero anomalies, zero detectors invoked
		report.Status = ReportStatusError
		report.Error = (&FeatureExtractionError{Reason: "no usable features extracted from batch"}).Error()
		report.CompletedAt = time.Now()
		runsTotal.WithLabelValues(ReportStatusError).Inc()
		log.Printf("[coordinator] run %s aborted: %s", report.RunID, report.Error)
		return report, nil
	}

	runs := c.registry.RunAll(ctx, vectors, runConfigs)

	// deterministic candidate order: map iteration must not leak into
	// fusion tie-breaking
	runNames := make([]string, 0, len(runs))
	for name := range runs {
		runNames = append(runNames, name)
	}
	sort.Strings(runNames)

	var allCandidates []detector.Candidate
	perfRows := make([]store.DetectorPerformance, 0, len(runs))
	for _, name := range runNames {
		run := runs[name]
		report.DetectorResults[name] = DetectorReport{
			Status:         string(run.Status),
			Skipped:        run.Status == detector.StatusSkipped,
			Error:          run.Err,
			Candidates:     run.Candidates,
			CandidateCount: len(run.Candidates),
			ExecutionTime:  run.Duration.Seconds(),
		}
		perfRows = append(perfRows, store.DetectorPerformance{
			RunID:       report.RunID,
			Detector:    name,
			Status:      string(run.Status),
			DatasetSize: len(vectors),
			Candidates:  len(run.Candidates),
			Duration:    run.Duration,
			RecordedAt:  time.Now(),
		})
		allCandidates = append(allCandidates, run.Candidates...)
	}

	engine := fusion.NewEngine(rc.MinConfidence)
	var anomalies []fusion.Anomaly
	if rc.useEnsemble() {
		anomalies = engine.Fuse(allCandidates, weightsFrom(runConfigs))
	} else {
		anomalies = engine.Union(allCandidates)
	}
	c.finalizeAnomalies(anomalies, records, vectors)

	report.Anomalies = anomalies
	report.AnomaliesFound = len(anomalies)
	report.CompletedAt = time.Now()

	elapsed := report.CompletedAt.Sub(started).Seconds()
	report.Metrics["detection_time"] = elapsed
	report.Metrics["records_per_second"] = float64(len(records)) / math.Max(elapsed, 0.001)
	report.Metrics["anomaly_rate"] = float64(len(anomalies)) / math.Max(float64(len(records)), 1)

	if rc.AnalyzeFeatureImportance {
		report.FeatureImportance = analyzeFeatureImportance(vectors, anomalies)
	}

	if rc.Persist && c.store != nil {
		if ctx.Err() != nil {
			// abandoned run, nothing may be persisted
			log.Printf("[coordinator] run %s cancelled, skipping persistence", report.RunID)
		} else if err := c.persist(ctx, report, perfRows); err != nil {
			perr := &PersistenceError{Err: err}
			log.Printf("[coordinator] run %s: %v", report.RunID, perr)
			report.Status = ReportStatusDegraded
			report.Error = perr.Error()
		} else {
			report.Persisted = true
		}
	}

	runsTotal.WithLabelValues(report.Status).Inc()
	runDuration.Observe(elapsed)
	anomaliesTotal.Add(float64(len(anomalies)))
	log.Printf("[coordinator] run %s: %d/%d anomalies in %.3fs", report.RunID, len(anomalies), len(records), elapsed)
	return report, nil
}

// snapshotConfigs resolves the run's detector set into an immutable copy of
// the configured detectors. An explicit request enables a detector even if
// its stored config has it disabled.
func (c *Coordinator) snapshotConfigs(rc RunConfig) ([]detector.Config, error) {
	byName := make(map[string]detector.Config, len(c.configs))
	for _, dc := range c.configs {
		byName[dc.Name] = dc
	}

	if len(rc.Detectors) == 0 {
		out := make([]detector.Config, len(c.configs))
		copy(out, c.configs)
		return out, nil
	}

	out := make([]detector.Config, 0, len(rc.Detectors))
	for _, name := range rc.Detectors {
		dc, ok := byName[name]
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown detector %q in run config", name)}
		}
		dc.Enabled = true
		out = append(out, dc)
	}
	return out, nil
}

// finalizeAnomalies attaches ids and context snapshots after fusion so the
// fusion math itself stays reproducible.
func (c *Coordinator) finalizeAnomalies(anomalies []fusion.Anomaly, records []feature.Record, vectors []feature.Vector) {
	byID := make(map[string]feature.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	featureCount := 0
	if len(vectors) > 0 {
		featureCount = len(vectors[0].Names)
	}
	now := time.Now()
	for i := range anomalies {
		anomalies[i].ID = uuid.New().String()
		ctx := map[string]any{
			"feature_count": featureCount,
			"detected_at":   now.Format(time.RFC3339),
		}
		if rec, ok := byID[anomalies[i].RecordID]; ok {
			ctx["record"] = rec.Fields
		}
		anomalies[i].Context = ctx
	}
}

func (c *Coordinator) persist(ctx context.Context, report *Report, perfRows []store.DetectorPerformance) error {
	run := &store.DetectionRun{
		ID:             report.RunID,
		StartedAt:      report.StartedAt,
		CompletedAt:    report.CompletedAt,
		DetectorsUsed:  report.DetectorsUsed,
		TotalRecords:   report.TotalRecords,
		AnomaliesFound: report.AnomaliesFound,
		Metrics:        report.Metrics,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := c.store.SaveAnomalies(ctx, report.RunID, report.Anomalies); err != nil {
		return fmt.Errorf("save anomalies: %w", err)
	}
	if err := c.store.SavePerformance(ctx, perfRows); err != nil {
		return fmt.Errorf("save performance: %w", err)
	}
	return nil
}

func weightsFrom(configs []detector.Config) map[string]float64 {
	weights := make(map[string]float64, len(configs))
	for _, dc := range configs {
		weights[dc.Name] = dc.Weight
	}
	return weights
}

func thresholdFor(configs []detector.Config, name string, fallback float64) float64 {
	for _, dc := range configs {
		if dc.Name == name && dc.Threshold > 0 {
			return dc.Threshold
		}
	}
	return fallback
}

// analyzeFeatureImportance scores each feature by the average absolute
// z-deviation of the flagged records from the batch distribution.
func analyzeFeatureImportance(vectors []feature.Vector, anomalies []fusion.Anomaly) map[string]float64 {
	if len(vectors) == 0 || len(anomalies) == 0 {
		return nil
	}
	flagged := make(map[string]bool, len(anomalies))
	for _, a := range anomalies {
		flagged[a.RecordID] = true
	}

	names := vectors[0].Names
	n := len(names)
	mean := make([]float64, n)
	std := make([]float64, n)
	for _, v := range vectors {
		for i := 0; i < n && i < len(v.Values); i++ {
			mean[i] += v.Values[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	for _, v := range vectors {
		for i := 0; i < n && i < len(v.Values); i++ {
			d := v.Values[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(vectors)))
	}

	importance := make(map[string]float64, n)
	count := 0
	for _, v := range vectors {
		if !flagged[v.RecordID] {
			continue
		}
		count++
		for i := 0; i < n && i < len(v.Values); i++ {
			if std[i] > 0 {
				importance[names[i]] += math.Abs(v.Values[i]-mean[i]) / std[i]
			}
		}
	}
	if count == 0 {
		return nil
	}
	for name := range importance {
		importance[name] /= float64(count)
	}
	return importance
}

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditfuse",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Detection runs by final status.",
		},
		[]string{"status"},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "auditfuse",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "End-to-end detection run duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	anomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "auditfuse",
			Subsystem: "runs",
			Name:      "anomalies_total",
			Help:      "Total fused anomalies surfaced to callers.",
		},
	)
)

func init() {
	_ = prometheus.Register(runsTotal)
	_ = prometheus.Register(runDuration)
	_ = prometheus.Register(anomaliesTotal)
}
