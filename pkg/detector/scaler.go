package detector

import (
	"fmt"
	"math"
)

// StandardScaler normalizes features to zero mean and unit variance.
// Detectors that compare distances fit one scaler per run on the batch.
type StandardScaler struct {
	mean []float64
	std  []float64
}

func NewStandardScaler() *StandardScaler {
	return &StandardScaler{}
}

func (s *StandardScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("no data provided")
	}

	numFeatures := len(data[0])
	s.mean = make([]float64, numFeatures)
	s.std = make([]float64, numFeatures)

	for _, sample := range data {
		for i, value := range sample {
			s.mean[i] += value
		}
	}
	for i := range s.mean {
		s.mean[i] /= float64(len(data))
	}

	for _, sample := range data {
		for i, value := range sample {
			diff := value - s.mean[i]
			s.std[i] += diff * diff
		}
	}
	for i := range s.std {
		s.std[i] = math.Sqrt(s.std[i] / float64(len(data)))
		if s.std[i] == 0 {
			s.std[i] = 1.0 // avoid division by zero
		}
	}

	return nil
}

func (s *StandardScaler) Transform(data [][]float64) ([][]float64, error) {
	if len(s.mean) == 0 {
		return nil, fmt.Errorf("scaler not fitted")
	}

	result := make([][]float64, len(data))
	for i, sample := range data {
		scaled := make([]float64, len(sample))
		for j, value := range sample {
			if j < len(s.mean) {
				scaled[j] = (value - s.mean[j]) / s.std[j]
			} else {
				scaled[j] = value
			}
		}
		result[i] = scaled
	}

	return result, nil
}

// FitTransform fits the scaler on data and returns the scaled copy.
func (s *StandardScaler) FitTransform(data [][]float64) ([][]float64, error) {
	if err := s.Fit(data); err != nil {
		return nil, err
	}
	return s.Transform(data)
}
