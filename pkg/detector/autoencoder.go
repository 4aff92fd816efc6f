package detector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"auditfuse/pkg/feature"
)

// AutoencoderDetector flags records that a compressing reconstruction model
// cannot reproduce. The model is a tied-weight linear autoencoder trained on
// the current batch; reconstruction error above a percentile cutoff matching
// the contamination rate marks a record anomalous.
type AutoencoderDetector struct {
	hiddenRatio   float64
	epochs        int
	learningRate  float64
	contamination float64
	seed          int64
}

// AutoencoderConfig configures the detector. Zero values fall back to a
// half-width hidden layer, 50 epochs, learning rate 0.01, contamination 0.1
// and seed 42.
type AutoencoderConfig struct {
	HiddenRatio   float64
	Epochs        int
	LearningRate  float64
	Contamination float64
	Seed          int64
}

func NewAutoencoderDetector(cfg AutoencoderConfig) *AutoencoderDetector {
	if cfg.HiddenRatio <= 0 || cfg.HiddenRatio >= 1 {
		cfg.HiddenRatio = 0.5
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 50
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return &AutoencoderDetector{
		hiddenRatio:   cfg.HiddenRatio,
		epochs:        cfg.Epochs,
		learningRate:  cfg.LearningRate,
		contamination: cfg.Contamination,
		seed:          cfg.Seed,
	}
}

func (d *AutoencoderDetector) Name() string { return NameAutoencoder }

func (d *AutoencoderDetector) RequiresFittedModel() bool { return false }

func (d *AutoencoderDetector) Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error) {
	if len(batch) < 2 {
		return nil, nil
	}

	scaled, err := NewStandardScaler().FitTransform(matrix(batch))
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	inputDim := len(scaled[0])
	hiddenDim := int(float64(inputDim) * d.hiddenRatio)
	if hiddenDim < 1 {
		hiddenDim = 1
	}

	ae := newLinearAutoencoder(inputDim, hiddenDim, rand.New(rand.NewSource(d.seed)))
	if err := ae.Train(ctx, scaled, d.epochs, d.learningRate); err != nil {
		return nil, fmt.Errorf("train autoencoder: %w", err)
	}

	errors := make([]float64, len(scaled))
	for i, row := range scaled {
		errors[i] = ae.ReconstructionError(row)
	}

	cutoff := percentile(errors, 100*(1-d.contamination))

	var candidates []Candidate
	for i, e := range errors {
		if e <= cutoff {
			continue
		}
		// normalize error against the cutoff; three cutoffs of error
		// saturates confidence at 1.0
		confidence := math.Min(e/cutoff, 3.0) / 3.0
		candidates = append(candidates, Candidate{
			RecordID:     batch[i].RecordID,
			DetectorName: d.Name(),
			RawScore:     e,
			Confidence:   confidence,
			Type:         TypePattern,
			Explanation:  fmt.Sprintf("reconstruction error %.3f exceeds cutoff %.3f", e, cutoff),
		})
	}
	return candidates, nil
}

// percentile returns the p-th percentile (0-100) with linear interpolation
// between closest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// linearAutoencoder compresses inputs through a tied-weight bottleneck:
// h = Wx + b1, x' = Wᵀh + b2.
type linearAutoencoder struct {
	weights   [][]float64 // hidden x input
	hiddenB   []float64
	outputB   []float64
	inputDim  int
	hiddenDim int
}

func newLinearAutoencoder(inputDim, hiddenDim int, rng *rand.Rand) *linearAutoencoder {
	ae := &linearAutoencoder{
		weights:   make([][]float64, hiddenDim),
		hiddenB:   make([]float64, hiddenDim),
		outputB:   make([]float64, inputDim),
		inputDim:  inputDim,
		hiddenDim: hiddenDim,
	}
	// Xavier-style init keeps early reconstructions in range.
	scale := math.Sqrt(2.0 / float64(inputDim+hiddenDim))
	for h := range ae.weights {
		ae.weights[h] = make([]float64, inputDim)
		for i := range ae.weights[h] {
			ae.weights[h][i] = (rng.Float64()*2 - 1) * scale
		}
	}
	return ae
}

func (ae *linearAutoencoder) Train(ctx context.Context, data [][]float64, epochs int, lr float64) error {
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, x := range data {
			ae.step(x, lr)
		}
	}
	return nil
}

// step runs one gradient-descent update on a single sample.
func (ae *linearAutoencoder) step(x []float64, lr float64) {
	hidden, output := ae.forward(x)

	n := float64(ae.inputDim)
	outErr := make([]float64, ae.inputDim)
	for i := range outErr {
		outErr[i] = 2 * (output[i] - x[i]) / n
	}

	// backprop through the tied decoder
	hiddenErr := make([]float64, ae.hiddenDim)
	for h := 0; h < ae.hiddenDim; h++ {
		sum := 0.0
		for i := 0; i < ae.inputDim; i++ {
			sum += ae.weights[h][i] * outErr[i]
		}
		hiddenErr[h] = sum
	}

	for h := 0; h < ae.hiddenDim; h++ {
		for i := 0; i < ae.inputDim; i++ {
			grad := outErr[i]*hidden[h] + hiddenErr[h]*x[i]
			ae.weights[h][i] -= lr * grad
		}
		ae.hiddenB[h] -= lr * hiddenErr[h]
	}
	for i := 0; i < ae.inputDim; i++ {
		ae.outputB[i] -= lr * outErr[i]
	}
}

func (ae *linearAutoencoder) forward(x []float64) (hidden, output []float64) {
	hidden = make([]float64, ae.hiddenDim)
	for h := 0; h < ae.hiddenDim; h++ {
		sum := ae.hiddenB[h]
		for i := 0; i < ae.inputDim; i++ {
			sum += ae.weights[h][i] * x[i]
		}
		hidden[h] = sum
	}
	output = make([]float64, ae.inputDim)
	for i := 0; i < ae.inputDim; i++ {
		sum := ae.outputB[i]
		for h := 0; h < ae.hiddenDim; h++ {
			sum += ae.weights[h][i] * hidden[h]
		}
		output[i] = sum
	}
	return hidden, output
}

// ReconstructionError returns the mean squared error between a sample and
// its reconstruction.
func (ae *linearAutoencoder) ReconstructionError(x []float64) float64 {
	_, output := ae.forward(x)
	mse := 0.0
	for i := range x {
		diff := output[i] - x[i]
		mse += diff * diff
	}
	return mse / float64(len(x))
}
