package detector

import (
	"context"
	"errors"
	"testing"

	"auditfuse/pkg/feature"
)

// stubClassifier reports the first feature value as the anomaly probability.
type stubClassifier struct{}

func (stubClassifier) PredictProba(values []float64) float64 { return values[0] }

func (stubClassifier) Algorithm() string { return "stub" }

// stubSource resolves a single named classifier.
type stubSource struct {
	name  string
	model FittedClassifier
}

func (s *stubSource) Classifier(name string) (FittedClassifier, bool) {
	if s.model == nil || name != s.name {
		return nil, false
	}
	return s.model, true
}

func classifierBatch(probs ...float64) []feature.Vector {
	batch := make([]feature.Vector, len(probs))
	for i, p := range probs {
		batch[i] = feature.Vector{
			RecordID: string(rune('a' + i)),
			Names:    []string{"p"},
			Values:   []float64{p},
		}
	}
	return batch
}

func TestClassifier_NoModelIsSkipped(t *testing.T) {
	d := NewClassifierDetector(0.7, nil)
	_, err := d.Detect(context.Background(), classifierBatch(0.9))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestClassifier_ThresholdIsExclusive(t *testing.T) {
	d := NewClassifierDetector(0.7, stubClassifier{})
	candidates, err := d.Detect(context.Background(), classifierBatch(0.5, 0.7, 0.71, 0.95))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates above threshold, got %v", candidates)
	}
	for _, c := range candidates {
		if c.Confidence != c.RawScore {
			t.Errorf("candidate %s: confidence %f != probability %f", c.RecordID, c.Confidence, c.RawScore)
		}
		if c.Type != TypeBusiness {
			t.Errorf("candidate %s: type %s, want business", c.RecordID, c.Type)
		}
	}
}

func TestClassifier_ResolvesFromSource(t *testing.T) {
	source := &stubSource{name: "classifier"}
	d := NewClassifierDetectorFromSource(0.7, source, "classifier")

	if _, err := d.Detect(context.Background(), classifierBatch(0.9)); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("before registration: err = %v, want ErrModelUnavailable", err)
	}

	// registering the model between runs makes the next run pick it up
	source.model = stubClassifier{}
	candidates, err := d.Detect(context.Background(), classifierBatch(0.9))
	if err != nil {
		t.Fatalf("after registration: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %v", candidates)
	}
}

func TestClassifier_RequiresFittedModel(t *testing.T) {
	if !NewClassifierDetector(0.7, nil).RequiresFittedModel() {
		t.Error("classifier must report a fitted-model requirement")
	}
}
