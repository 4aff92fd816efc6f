package detector

import (
	"context"
	"fmt"
	"math"
	"strings"

	"auditfuse/pkg/feature"
)

// RuleDetector runs deterministic auditor-authored checks over monetary
// fields. It needs no model and no training, which makes it the tie-breaker
// of last resort when the statistical detectors disagree.
type RuleDetector struct {
	amountVocabulary []string
	noNegativeVocab  []string
	amountCeiling    float64
}

// RuleConfig configures the rule checks. Zero values fall back to the stock
// audit rules: ceiling 10,000,000 and "receivable"-named fields treated as
// never-negative.
type RuleConfig struct {
	// AmountVocabulary marks the fields the rules apply to, matching the
	// feature builder's monetary vocabulary.
	AmountVocabulary []string
	// NoNegativeVocabulary marks fields whose balance must never go
	// negative (e.g. receivables).
	NoNegativeVocabulary []string
	AmountCeiling        float64
}

func NewRuleDetector(cfg RuleConfig) *RuleDetector {
	if len(cfg.AmountVocabulary) == 0 {
		cfg.AmountVocabulary = []string{"amount", "money", "value", "balance"}
	}
	if len(cfg.NoNegativeVocabulary) == 0 {
		cfg.NoNegativeVocabulary = []string{"receivable"}
	}
	if cfg.AmountCeiling <= 0 {
		cfg.AmountCeiling = 10_000_000
	}
	return &RuleDetector{
		amountVocabulary: cfg.AmountVocabulary,
		noNegativeVocab:  cfg.NoNegativeVocabulary,
		amountCeiling:    cfg.AmountCeiling,
	}
}

func (d *RuleDetector) Name() string { return NameAuditRules }

func (d *RuleDetector) RequiresFittedModel() bool { return false }

func (d *RuleDetector) Detect(ctx context.Context, batch []feature.Vector) ([]Candidate, error) {
	var candidates []Candidate
	for i := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		violations := d.checkRecord(batch[i])
		if len(violations) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			RecordID:     batch[i].RecordID,
			DetectorName: d.Name(),
			// one point of score per violated rule
			RawScore:    float64(len(violations)),
			Confidence:  0.9,
			Type:        TypeBusiness,
			Explanation: "audit rule violation: " + strings.Join(violations, "; "),
		})
	}
	return candidates, nil
}

func (d *RuleDetector) checkRecord(v feature.Vector) []string {
	var violations []string
	for i, name := range v.Names {
		if !d.isRawAmountField(name) {
			continue
		}
		value := v.Values[i]
		if value == 0 {
			violations = append(violations, fmt.Sprintf("%s is zero", name))
		}
		if value < 0 && matchesAny(name, d.noNegativeVocab) {
			violations = append(violations, fmt.Sprintf("%s is negative", name))
		}
		if math.Abs(value) > d.amountCeiling {
			violations = append(violations, fmt.Sprintf("%s exceeds ceiling %.0f", name, d.amountCeiling))
		}
	}
	return violations
}

// isRawAmountField matches monetary fields while excluding the builder's
// derived columns, which carry the same stem.
func (d *RuleDetector) isRawAmountField(name string) bool {
	if !matchesAny(name, d.amountVocabulary) {
		return false
	}
	for _, suffix := range []string{"_log", "_zscore", "_percentile", "_frequency", "_label"} {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}

func matchesAny(name string, vocab []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range vocab {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
