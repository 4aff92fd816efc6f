// Package model manages fitted model handles. Detectors never hold models
// across runs; the coordinator resolves a handle here per invocation and
// passes it in explicitly, which keeps runs deterministic and testable.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"auditfuse/pkg/detector"
)

// Metadata describes a registered model.
type Metadata struct {
	Name         string             `json:"name"`
	Version      string             `json:"version"`
	Algorithm    string             `json:"algorithm"`
	SampleCount  int                `json:"sample_count"`
	FeatureCount int                `json:"feature_count"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	TrainedAt    time.Time          `json:"trained_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type entry struct {
	meta       Metadata
	classifier detector.FittedClassifier
}

// Registry is an in-process model registry with an optional redis metadata
// mirror so operators can inspect what is deployed without touching the
// engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	rdb     *redis.Client
}

// Options configures the registry. RedisAddr is optional; without it the
// registry is purely in-process.
type Options struct {
	RedisAddr string
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	if opts.RedisAddr != "" {
		r.rdb = redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	}
	return r
}

// RegisterClassifier stores a fitted classifier under name, replacing any
// previous version.
func (r *Registry) RegisterClassifier(ctx context.Context, name string, model detector.FittedClassifier, meta Metadata) error {
	if model == nil {
		return fmt.Errorf("model cannot be nil")
	}
	meta.Name = name
	meta.Algorithm = model.Algorithm()
	meta.UpdatedAt = time.Now()
	if meta.TrainedAt.IsZero() {
		meta.TrainedAt = meta.UpdatedAt
	}

	r.mu.Lock()
	r.entries[name] = &entry{meta: meta, classifier: model}
	count := len(r.entries)
	r.mu.Unlock()

	modelsRegistered.Set(float64(count))
	r.mirrorMetadata(ctx, meta)
	return nil
}

// Classifier returns the fitted classifier registered under name, or false
// when none exists.
func (r *Registry) Classifier(name string) (detector.FittedClassifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.classifier == nil {
		return nil, false
	}
	return e.classifier, true
}

// List returns metadata for every registered model.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	return out
}

// mirrorMetadata writes metadata to redis, best effort. Registration never
// fails because the cache is down.
func (r *Registry) mirrorMetadata(ctx context.Context, meta Metadata) {
	if r.rdb == nil {
		return
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return
	}
	r.rdb.Set(ctx, "auditfuse:model:"+meta.Name, payload, 0)
}

var modelsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "auditfuse",
	Subsystem: "models",
	Name:      "registered",
	Help:      "Number of fitted models currently registered.",
})

func init() {
	_ = prometheus.Register(modelsRegistered)
}
