// Package fusion reconciles per-detector anomaly candidates into one ranked,
// severity-tagged anomaly per record. The math is deterministic: the same
// candidate set always produces bit-identical confidences, scores and order.
package fusion

import (
	"fmt"
	"sort"
	"strings"

	"auditfuse/pkg/detector"
)

// Severity is the four-level classification derived from fused confidence
// and combined score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is the fused, externally visible verdict for one record.
type Anomaly struct {
	ID                    string               `json:"anomaly_id"`
	RecordID              string               `json:"record_id"`
	Type                  detector.AnomalyType `json:"anomaly_type"`
	Severity              Severity             `json:"severity"`
	Confidence            float64              `json:"confidence"`
	CombinedScore         float64              `json:"combined_score"`
	ContributingDetectors []string             `json:"contributing_detectors"`
	Explanation           string               `json:"explanation"`
	Context               map[string]any       `json:"context,omitempty"`
}

// Engine merges detector candidates. minConfidence is the global gate below
// which a fused group is discarded.
type Engine struct {
	minConfidence float64
}

func NewEngine(minConfidence float64) *Engine {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = 0.7
	}
	return &Engine{minConfidence: minConfidence}
}

// Fuse groups candidates by record, computes the weighted ensemble verdict
// per group and returns the surviving anomalies ranked by confidence
// (descending, record id ascending on ties). Detectors missing from weights
// contribute with weight 1.
func (e *Engine) Fuse(candidates []detector.Candidate, weights map[string]float64) []Anomaly {
	groups := make(map[string][]detector.Candidate)
	order := make([]string, 0)
	for _, c := range candidates {
		if _, seen := groups[c.RecordID]; !seen {
			order = append(order, c.RecordID)
		}
		groups[c.RecordID] = append(groups[c.RecordID], c)
	}

	anomalies := make([]Anomaly, 0, len(groups))
	for _, recordID := range order {
		group := groups[recordID]

		totalWeight := 0.0
		confidence := 0.0
		score := 0.0
		for _, c := range group {
			w := weightFor(weights, c.DetectorName)
			totalWeight += w
			confidence += c.Confidence * w
			score += c.RawScore * w
		}
		if totalWeight == 0 {
			continue
		}
		confidence /= totalWeight
		score /= totalWeight

		if confidence < e.minConfidence {
			continue
		}

		anomalies = append(anomalies, Anomaly{
			RecordID:              recordID,
			Type:                  dominantType(group),
			Severity:              SeverityFor(confidence, score),
			Confidence:            confidence,
			CombinedScore:         score,
			ContributingDetectors: detectorSet(group),
			Explanation:           combinedExplanation(group),
		})
	}

	sortAnomalies(anomalies)
	return anomalies
}

// Union merges candidates without weighting: a degraded/debug mode keeping
// the best single verdict per record. Severity and ordering rules still
// apply.
func (e *Engine) Union(candidates []detector.Candidate) []Anomaly {
	best := make(map[string]detector.Candidate)
	contributors := make(map[string][]detector.Candidate)
	for _, c := range candidates {
		contributors[c.RecordID] = append(contributors[c.RecordID], c)
		if cur, ok := best[c.RecordID]; !ok || c.Confidence > cur.Confidence {
			best[c.RecordID] = c
		}
	}

	anomalies := make([]Anomaly, 0, len(best))
	for recordID, c := range best {
		anomalies = append(anomalies, Anomaly{
			RecordID:              recordID,
			Type:                  c.Type,
			Severity:              SeverityFor(c.Confidence, c.RawScore),
			Confidence:            c.Confidence,
			CombinedScore:         c.RawScore,
			ContributingDetectors: detectorSet(contributors[recordID]),
			Explanation:           c.Explanation,
		})
	}

	sortAnomalies(anomalies)
	return anomalies
}

// SeverityFor maps fused confidence and combined score onto the four-level
// scale. Evaluated in order, first match wins; boundaries are inclusive.
func SeverityFor(confidence, score float64) Severity {
	switch {
	case confidence >= 0.9 || score >= 3.0:
		return SeverityCritical
	case confidence >= 0.8 || score >= 2.0:
		return SeverityHigh
	case confidence >= 0.7 || score >= 1.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func weightFor(weights map[string]float64, name string) float64 {
	if w, ok := weights[name]; ok && w >= 0 {
		return w
	}
	return 1.0
}

// dominantType picks the most common anomaly type in a group; ties resolve
// to the earliest-seen type.
func dominantType(group []detector.Candidate) detector.AnomalyType {
	counts := make(map[detector.AnomalyType]int)
	var first []detector.AnomalyType
	for _, c := range group {
		if counts[c.Type] == 0 {
			first = append(first, c.Type)
		}
		counts[c.Type]++
	}
	best := first[0]
	for _, t := range first {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

func detectorSet(group []detector.Candidate) []string {
	seen := make(map[string]bool)
	names := make([]string, 0, len(group))
	for _, c := range group {
		if !seen[c.DetectorName] {
			seen[c.DetectorName] = true
			names = append(names, c.DetectorName)
		}
	}
	sort.Strings(names)
	return names
}

func combinedExplanation(group []detector.Candidate) string {
	names := make([]string, 0, len(group))
	fragments := make([]string, 0, len(group))
	for _, c := range group {
		names = append(names, c.DetectorName)
		fragments = append(fragments, c.Explanation)
	}
	return fmt.Sprintf("detected by %s: %s", strings.Join(names, ","), strings.Join(fragments, "; "))
}

func sortAnomalies(anomalies []Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Confidence != anomalies[j].Confidence {
			return anomalies[i].Confidence > anomalies[j].Confidence
		}
		return anomalies[i].RecordID < anomalies[j].RecordID
	})
}
