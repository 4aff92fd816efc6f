package model

import (
	"context"
	"testing"
)

func trainedClassifier(t *testing.T) *LogisticClassifier {
	t.Helper()
	c := NewLogisticClassifier()
	if err := c.Train([][]float64{{0}, {1}}, []int{0, 1}, LogisticConfig{}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return c
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry(Options{})

	if _, ok := r.Classifier("classifier"); ok {
		t.Fatal("empty registry resolved a classifier")
	}

	c := trainedClassifier(t)
	err := r.RegisterClassifier(context.Background(), "classifier", c, Metadata{
		Version:     "v1",
		SampleCount: 2,
	})
	if err != nil {
		t.Fatalf("RegisterClassifier: %v", err)
	}

	got, ok := r.Classifier("classifier")
	if !ok {
		t.Fatal("registered classifier not resolvable")
	}
	if got.Algorithm() != "logistic-regression" {
		t.Errorf("algorithm = %s", got.Algorithm())
	}
}

func TestRegistry_NilModelRejected(t *testing.T) {
	r := NewRegistry(Options{})
	if err := r.RegisterClassifier(context.Background(), "x", nil, Metadata{}); err == nil {
		t.Error("nil model should be rejected")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(Options{})
	r.RegisterClassifier(context.Background(), "a", trainedClassifier(t), Metadata{Version: "v1"})
	r.RegisterClassifier(context.Background(), "a", trainedClassifier(t), Metadata{Version: "v2"})
	r.RegisterClassifier(context.Background(), "b", trainedClassifier(t), Metadata{Version: "v1"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries after re-registration, got %d", len(list))
	}
	for _, meta := range list {
		if meta.Algorithm != "logistic-regression" {
			t.Errorf("metadata algorithm = %s", meta.Algorithm)
		}
		if meta.UpdatedAt.IsZero() || meta.TrainedAt.IsZero() {
			t.Errorf("metadata timestamps not set: %+v", meta)
		}
	}
}
