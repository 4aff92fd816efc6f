package detector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"auditfuse/pkg/feature"
)

// IsolationForestDetector is the unsupervised tree-ensemble detector. The
// forest is rebuilt on every batch, so no fitted model is carried between
// runs; the seed keeps identical batches producing identical verdicts.
type IsolationForestDetector struct {
	numTrees      int
	sampleSize    int
	contamination float64
	seed          int64
}

// IsolationForestConfig configures the detector. Zero values fall back to
// 100 trees, sample size 256, contamination 0.1 and seed 42.
type IsolationForestConfig struct {
	NumTrees      int
	SampleSize    int
	Contamination float64
	Seed          int64
}

func NewIsolationForestDetector(cfg IsolationForestConfig) *IsolationForestDetector {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return &IsolationForestDetector{
		numTrees:      cfg.NumTrees,
		sampleSize:    cfg.SampleSize,
		contamination: cfg.Contamination,
		seed:          cfg.Seed,
	}
}

func (d *IsolationForestDetector) Name() string { return NameIsolationForest }

func (d *IsolationForestDetector) RequiresFittedModel() bool { return false }

// Detect fits a forest on the batch and flags the records whose decision
// score falls below the contamination-derived cutoff. Negative decision
// scores mark the isolated (anomalous) region.
func (d *IsolationForestDetector) Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error) {
	if len(batch) < 2 {
		return nil, nil
	}

	scaled, err := NewStandardScaler().FitTransform(matrix(batch))
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	forest := newIsolationForest(d.numTrees, d.sampleSize, rand.New(rand.NewSource(d.seed)))
	if err := forest.Fit(ctx, scaled); err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}

	decisions := make([]float64, len(scaled))
	for i, row := range scaled {
		// 0.5 - anomalyScore: short average paths push the decision
		// negative, matching the "lower is more anomalous" convention.
		decisions[i] = 0.5 - forest.AnomalyScore(row)
	}

	cutoff := contaminationCutoff(decisions, d.contamination)

	var candidates []Candidate
	for i, dec := range decisions {
		if dec > cutoff {
			continue
		}
		candidates = append(candidates, Candidate{
			RecordID:     batch[i].RecordID,
			DetectorName: d.Name(),
			RawScore:     dec,
			Confidence:   sigmoid(-dec),
			Type:         TypeStatistical,
			Explanation:  fmt.Sprintf("isolation forest flagged statistical outlier, decision score %.3f", dec),
		})
	}
	return candidates, nil
}

// contaminationCutoff returns the decision value below which (inclusively)
// roughly a contamination fraction of the batch falls.
func contaminationCutoff(decisions []float64, contamination float64) float64 {
	sorted := make([]float64, len(decisions))
	copy(sorted, decisions)
	sort.Float64s(sorted)

	k := int(math.Ceil(contamination * float64(len(sorted))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[k-1]
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// isolationForest is an ensemble of randomly split trees. Points that
// isolate in few splits score close to 1.
type isolationForest struct {
	trees      []*isolationTree
	numTrees   int
	sampleSize int
	maxDepth   int
	rng        *rand.Rand
}

type isolationTree struct {
	root *treeNode
}

type treeNode struct {
	splitFeature int
	splitValue   float64
	left         *treeNode
	right        *treeNode
	size         int
}

func newIsolationForest(numTrees, sampleSize int, rng *rand.Rand) *isolationForest {
	return &isolationForest{
		numTrees:   numTrees,
		sampleSize: sampleSize,
		maxDepth:   int(math.Ceil(math.Log2(float64(sampleSize)))),
		rng:        rng,
	}
}

func (f *isolationForest) Fit(ctx context.Context, data [][]float64) error {
	if len(data) == 0 {
		return fmt.Errorf("no training data provided")
	}
	f.trees = make([]*isolationTree, f.numTrees)
	for i := 0; i < f.numTrees; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sample := f.sample(data)
		f.trees[i] = &isolationTree{root: f.buildTree(sample, 0)}
	}
	return nil
}

// AnomalyScore returns 2^(-E(path)/c(n)); values near 1 indicate isolation.
func (f *isolationForest) AnomalyScore(row []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree.root, row, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	return math.Pow(2, -avg/c)
}

func (f *isolationForest) sample(data [][]float64) [][]float64 {
	if len(data) <= f.sampleSize {
		return data
	}
	sample := make([][]float64, f.sampleSize)
	for i := range sample {
		sample[i] = data[f.rng.Intn(len(data))]
	}
	return sample
}

func (f *isolationForest) buildTree(data [][]float64, depth int) *treeNode {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &treeNode{size: len(data)}
	}

	featureIdx := f.rng.Intn(len(data[0]))
	minVal, maxVal := featureRange(data, featureIdx)
	if minVal == maxVal {
		return &treeNode{size: len(data)}
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[featureIdx] < splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	node := &treeNode{
		splitFeature: featureIdx,
		splitValue:   splitValue,
		size:         len(data),
	}
	node.left = f.buildTree(left, depth+1)
	node.right = f.buildTree(right, depth+1)
	return node
}

func pathLength(node *treeNode, row []float64, depth int) float64 {
	if node.left == nil && node.right == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if row[node.splitFeature] < node.splitValue {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

func featureRange(data [][]float64, featureIdx int) (float64, float64) {
	min, max := data[0][featureIdx], data[0][featureIdx]
	for _, row := range data {
		if row[featureIdx] < min {
			min = row[featureIdx]
		}
		if row[featureIdx] > max {
			max = row[featureIdx]
		}
	}
	return min, max
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points (harmonic approximation).
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}
