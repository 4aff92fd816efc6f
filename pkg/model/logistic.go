package model

import (
	"fmt"
	"math"
)

// LogisticClassifier is a binary classifier over feature vectors, trained on
// expert-labeled anomalies. It implements detector.FittedClassifier.
type LogisticClassifier struct {
	weights []float64
	bias    float64
	trained bool
}

// LogisticConfig sets the training hyperparameters. Zero values fall back to
// 200 epochs and learning rate 0.1.
type LogisticConfig struct {
	Epochs       int
	LearningRate float64
}

func NewLogisticClassifier() *LogisticClassifier {
	return &LogisticClassifier{}
}

// Train fits the classifier with full-batch gradient descent. Labels are 0
// (normal) or 1 (anomalous).
func (c *LogisticClassifier) Train(data [][]float64, labels []int, cfg LogisticConfig) error {
	if len(data) == 0 {
		return fmt.Errorf("no training data provided")
	}
	if len(data) != len(labels) {
		return fmt.Errorf("data/label size mismatch: %d vs %d", len(data), len(labels))
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 200
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}

	numFeatures := len(data[0])
	c.weights = make([]float64, numFeatures)
	c.bias = 0

	n := float64(len(data))
	grad := make([]float64, numFeatures)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for i := range grad {
			grad[i] = 0
		}
		biasGrad := 0.0
		for i, row := range data {
			err := c.PredictProba(row) - float64(labels[i])
			for j, v := range row {
				grad[j] += err * v
			}
			biasGrad += err
		}
		for j := range c.weights {
			c.weights[j] -= cfg.LearningRate * grad[j] / n
		}
		c.bias -= cfg.LearningRate * biasGrad / n
	}

	c.trained = true
	return nil
}

// PredictProba returns the anomaly-class probability for one feature vector.
func (c *LogisticClassifier) PredictProba(values []float64) float64 {
	z := c.bias
	for i, w := range c.weights {
		if i < len(values) {
			z += w * values[i]
		}
	}
	return 1.0 / (1.0 + math.Exp(-z))
}

// Algorithm returns the model family name.
func (c *LogisticClassifier) Algorithm() string { return "logistic-regression" }

// Trained reports whether Train completed at least once.
func (c *LogisticClassifier) Trained() bool { return c.trained }
