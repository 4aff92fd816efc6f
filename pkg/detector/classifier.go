package detector

import (
	"context"
	"fmt"

	"auditfuse/pkg/feature"
)

// FittedClassifier is the handle to a previously trained binary classifier.
// Implementations live in pkg/model; the detector only consumes the
// probability surface.
type FittedClassifier interface {
	// PredictProba returns the anomaly-class probability in [0,1].
	PredictProba(values []float64) float64
	Algorithm() string
}

// ModelSource resolves fitted classifier handles by name. The model
// registry satisfies this; resolution happens at the start of every Detect
// call so no model state hides inside the detector between runs.
type ModelSource interface {
	Classifier(name string) (FittedClassifier, bool)
}

// ClassifierDetector scores records with a supervised model trained on
// labeled historical anomalies. Without a fitted model the detector is
// skipped for the run, never failed.
type ClassifierDetector struct {
	threshold float64
	model     FittedClassifier
	source    ModelSource
	modelName string
}

// NewClassifierDetector creates the detector around an explicit model
// handle. A nil handle is valid and means "skip until a model is fitted".
func NewClassifierDetector(threshold float64, model FittedClassifier) *ClassifierDetector {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.7
	}
	return &ClassifierDetector{threshold: threshold, model: model}
}

// NewClassifierDetectorFromSource creates the detector resolving modelName
// from source on every run.
func NewClassifierDetectorFromSource(threshold float64, source ModelSource, modelName string) *ClassifierDetector {
	d := NewClassifierDetector(threshold, nil)
	d.source = source
	d.modelName = modelName
	return d
}

func (d *ClassifierDetector) resolve() (FittedClassifier, bool) {
	if d.model != nil {
		return d.model, true
	}
	if d.source != nil {
		return d.source.Classifier(d.modelName)
	}
	return nil, false
}

func (d *ClassifierDetector) Name() string { return NameClassifier }

func (d *ClassifierDetector) RequiresFittedModel() bool { return true }

func (d *ClassifierDetector) Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error) {
	model, ok := d.resolve()
	if !ok {
		return nil, ErrModelUnavailable
	}

	var candidates []Candidate
	for i := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prob := model.PredictProba(batch[i].Values)
		if prob <= d.threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			RecordID:     batch[i].RecordID,
			DetectorName: d.Name(),
			RawScore:     prob,
			Confidence:   prob,
			Type:         TypeBusiness,
			Explanation:  fmt.Sprintf("%s classified record as anomalous with probability %.3f", model.Algorithm(), prob),
		})
	}
	return candidates, nil
}
