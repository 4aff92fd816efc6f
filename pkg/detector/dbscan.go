package detector

import (
	"context"
	"fmt"
	"math"

	"auditfuse/pkg/feature"
)

// DBSCANDetector flags records that fall outside every dense region of the
// feature space. It never ranks by magnitude: membership in the noise
// cluster is the only signal, reported at a fixed baseline confidence.
type DBSCANDetector struct {
	eps                float64
	minSamples         int
	baselineConfidence float64
}

// DBSCANConfig configures the detector. Zero values fall back to eps 0.5,
// minSamples 5 and baseline confidence 0.8.
type DBSCANConfig struct {
	Eps                float64
	MinSamples         int
	BaselineConfidence float64
}

func NewDBSCANDetector(cfg DBSCANConfig) *DBSCANDetector {
	if cfg.Eps <= 0 {
		cfg.Eps = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.BaselineConfidence <= 0 || cfg.BaselineConfidence > 1 {
		cfg.BaselineConfidence = 0.8
	}
	return &DBSCANDetector{
		eps:                cfg.Eps,
		minSamples:         cfg.MinSamples,
		baselineConfidence: cfg.BaselineConfidence,
	}
}

func (d *DBSCANDetector) Name() string { return NameDBSCAN }

func (d *DBSCANDetector) RequiresFittedModel() bool { return false }

func (d *DBSCANDetector) Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	scaled, err := NewStandardScaler().FitTransform(matrix(batch))
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	labels, err := dbscan(ctx, scaled, d.eps, d.minSamples)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for i, label := range labels {
		if label != noiseLabel {
			continue
		}
		candidates = append(candidates, Candidate{
			RecordID:     batch[i].RecordID,
			DetectorName: d.Name(),
			RawScore:     1.0,
			Confidence:   d.baselineConfidence,
			Type:         TypePattern,
			Explanation:  "density clustering assigned record to the noise cluster",
		})
	}
	return candidates, nil
}

const (
	noiseLabel     = -1
	unvisitedLabel = 0
)

// dbscan returns a cluster label per row; noiseLabel marks points that
// belong to no dense region.
func dbscan(ctx context.Context, data [][]float64, eps float64, minSamples int) ([]int, error) {
	labels := make([]int, len(data))
	cluster := 0

	for i := range data {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if labels[i] != unvisitedLabel {
			continue
		}

		neighbors := regionQuery(data, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = noiseLabel
			continue
		}

		cluster++
		labels[i] = cluster

		// Expand the cluster over density-reachable points.
		for q := 0; q < len(neighbors); q++ {
			j := neighbors[q]
			if labels[j] == noiseLabel {
				labels[j] = cluster // border point
			}
			if labels[j] != unvisitedLabel {
				continue
			}
			labels[j] = cluster

			jNeighbors := regionQuery(data, j, eps)
			if len(jNeighbors) >= minSamples {
				neighbors = append(neighbors, jNeighbors...)
			}
		}
	}
	return labels, nil
}

func regionQuery(data [][]float64, idx int, eps float64) []int {
	var neighbors []int
	for j := range data {
		if j == idx {
			continue
		}
		if euclideanDistance(data[idx], data[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func euclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
