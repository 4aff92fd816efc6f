package detector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"auditfuse/pkg/feature"
)

// RunStatus classifies a detector's outcome within one run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusSkipped RunStatus = "skipped"
	StatusError   RunStatus = "error"
)

// Run is one detector's outcome for one batch, including the timing and
// candidate count recorded for the result store regardless of what fusion
// later keeps.
type Run struct {
	Detector   string
	Status     RunStatus
	Candidates []Candidate
	Err        string
	Duration   time.Duration
}

// RegistryConfig bounds detector execution.
type RegistryConfig struct {
	// Workers caps concurrently executing detectors (default 4).
	Workers int
	// Timeout bounds a single detector's wall time (default 30s). A
	// timed-out detector is recorded as an execution failure with zero
	// candidates; the run continues.
	Timeout time.Duration
}

// Registry holds the configured detector instances and orchestrates their
// parallel execution. It is the single point that applies the enabled flag
// and isolates detector failures from the run.
type Registry struct {
	mu        sync.RWMutex
	cfg       RegistryConfig
	detectors map[string]Detector
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Registry{
		cfg:       cfg,
		detectors: make(map[string]Detector),
	}
}

// Register adds a detector instance. Adding a detector means implementing
// the Detector interface, not branching on its name.
func (r *Registry) Register(d Detector) error {
	if d == nil {
		return fmt.Errorf("detector cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.detectors[d.Name()]; exists {
		return fmt.Errorf("detector %q already registered", d.Name())
	}
	r.detectors[d.Name()] = d
	return nil
}

// Has reports whether a detector name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.detectors[name]
	return ok
}

// Names returns the registered detector names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	return names
}

// RunAll executes every enabled, registered detector from configs against
// the shared read-only batch on a bounded worker pool and returns each
// detector's outcome keyed by name. A detector panic or error degrades that
// detector to zero candidates; it never aborts the run.
func (r *Registry) RunAll(ctx context.Context, batch []feature.Vector, configs []Config) map[string]*Run {
	r.mu.RLock()
	type job struct {
		name string
		det  Detector
	}
	jobs := make([]job, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		det, ok := r.detectors[cfg.Name]
		if !ok {
			continue
		}
		jobs = append(jobs, job{name: cfg.Name, det: det})
	}
	r.mu.RUnlock()

	results := make(map[string]*Run, len(jobs))
	var resultMu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.cfg.Workers)

	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			run := r.runOne(ctx, j.det, batch)
			resultMu.Lock()
			results[j.name] = run
			resultMu.Unlock()
		}(j)
	}
	wg.Wait()
	return results
}

// runOne executes a single detector with timeout and panic isolation.
func (r *Registry) runOne(ctx context.Context, det Detector, batch []feature.Vector) (run *Run) {
	start := time.Now()
	run = &Run{Detector: det.Name(), Status: StatusSuccess}

	defer func() {
		if rec := recover(); rec != nil {
			run.Status = StatusError
			run.Err = fmt.Sprintf("panic: %v", rec)
			run.Candidates = nil
			log.Printf("[detector] %s panicked: %v", det.Name(), rec)
		}
		run.Duration = time.Since(start)
		detectorRuns.WithLabelValues(det.Name(), string(run.Status)).Inc()
		detectorDuration.WithLabelValues(det.Name()).Observe(run.Duration.Seconds())
	}()

	detectCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	candidates, err := det.Detect(detectCtx, batch)
	switch {
	case err == nil:
		run.Candidates = candidates
	case errors.Is(err, ErrModelUnavailable):
		run.Status = StatusSkipped
		run.Err = err.Error()
		log.Printf("[detector] %s skipped: %v", det.Name(), err)
	default:
		run.Status = StatusError
		run.Err = err.Error()
		log.Printf("[detector] %s failed: %v", det.Name(), err)
	}
	return run
}

var (
	detectorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "auditfuse",
			Subsystem: "detector",
			Name:      "runs_total",
			Help:      "Detector executions by detector and outcome.",
		},
		[]string{"detector", "status"},
	)
	detectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "auditfuse",
			Subsystem: "detector",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a single detector execution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"detector"},
	)
)

func init() {
	_ = prometheus.Register(detectorRuns)
	_ = prometheus.Register(detectorDuration)
}
