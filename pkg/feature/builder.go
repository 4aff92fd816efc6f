// Package feature converts raw audit records into fixed-schema numeric
// feature vectors. The schema (feature names and their order) is identical
// for every vector built from one batch; detectors rely on that contract.
package feature

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one raw audit transaction or ledger line. The engine never
// mutates it.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Vector is the numeric representation of one Record for one run.
type Vector struct {
	RecordID string    `json:"record_id"`
	Names    []string  `json:"names"`
	Values   []float64 `json:"values"`
}

// BuilderConfig configures feature derivation.
type BuilderConfig struct {
	// AmountVocabulary marks monetary fields by substring match on the
	// field name (case-insensitive).
	AmountVocabulary []string
	// DateVocabulary marks date-like fields the same way.
	DateVocabulary []string
	// DateLayouts are tried in order when parsing date-like values.
	DateLayouts []string
}

// Builder derives feature vectors from record batches.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder creates a Builder, filling vocabulary defaults.
func NewBuilder(cfg BuilderConfig) *Builder {
	if len(cfg.AmountVocabulary) == 0 {
		cfg.AmountVocabulary = []string{"amount", "money", "value", "balance"}
	}
	if len(cfg.DateVocabulary) == 0 {
		cfg.DateVocabulary = []string{"date", "time"}
	}
	if len(cfg.DateLayouts) == 0 {
		cfg.DateLayouts = []string{
			"2006-01-02",
			"2006/01/02",
			"2006-01-02 15:04:05",
			time.RFC3339,
			"01/02/2006",
		}
	}
	return &Builder{cfg: cfg}
}

type fieldKind int

const (
	kindNumeric fieldKind = iota
	kindDate
	kindCategorical
)

// Build converts a batch of records into vectors sharing one ordered schema.
// A batch with zero usable records yields an empty slice, not an error.
func (b *Builder) Build(records []Record) []Vector {
	usable := make([]Record, 0, len(records))
	for _, r := range records {
		if len(r.Fields) > 0 {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return nil
	}

	fields := b.collectFields(usable)

	var names []string
	columns := make([][]float64, 0)
	appendCol := func(name string, col []float64) {
		names = append(names, name)
		columns = append(columns, col)
	}

	for _, f := range fields {
		switch b.classify(f, usable) {
		case kindNumeric:
			raw := b.numericColumn(f, usable)
			appendCol(f, raw)
			if b.isMonetary(f) {
				logCol := make([]float64, len(raw))
				for i, v := range raw {
					logCol[i] = math.Log1p(math.Abs(v))
				}
				appendCol(f+"_log", logCol)
				appendCol(f+"_zscore", zscoreColumn(raw))
				appendCol(f+"_percentile", percentileColumn(raw))
			}
		case kindDate:
			year, month, day, weekday, quarter, diff := b.dateColumns(f, usable)
			appendCol(f+"_year", year)
			appendCol(f+"_month", month)
			appendCol(f+"_day", day)
			appendCol(f+"_weekday", weekday)
			appendCol(f+"_quarter", quarter)
			appendCol(f+"_time_diff", diff)
		case kindCategorical:
			freq, label := b.categoricalColumns(f, usable)
			appendCol(f+"_frequency", freq)
			appendCol(f+"_label", label)
		}
	}

	vectors := make([]Vector, len(usable))
	for i, r := range usable {
		values := make([]float64, len(columns))
		for j, col := range columns {
			v := col[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			values[j] = v
		}
		vectors[i] = Vector{RecordID: r.ID, Names: names, Values: values}
	}
	return vectors
}

// collectFields returns the sorted union of field names across the batch.
func (b *Builder) collectFields(records []Record) []string {
	seen := make(map[string]bool)
	for _, r := range records {
		for name := range r.Fields {
			seen[name] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for name := range seen {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields
}

func (b *Builder) classify(field string, records []Record) fieldKind {
	if b.matchesVocab(field, b.cfg.DateVocabulary) {
		for _, r := range records {
			v, ok := r.Fields[field]
			if !ok || v == nil {
				continue
			}
			if _, parsed := b.parseDate(v); parsed {
				return kindDate
			}
		}
	}
	numeric := false
	for _, r := range records {
		v, ok := r.Fields[field]
		if !ok || v == nil {
			continue
		}
		if _, isNum := toFloat(v); !isNum {
			return kindCategorical
		}
		numeric = true
	}
	if numeric {
		return kindNumeric
	}
	// Field exists but every value is missing; treat as categorical so the
	// "unknown" sentinel flows through frequency/label derivation.
	return kindCategorical
}

func (b *Builder) isMonetary(field string) bool {
	return b.matchesVocab(field, b.cfg.AmountVocabulary)
}

func (b *Builder) matchesVocab(field string, vocab []string) bool {
	lower := strings.ToLower(field)
	for _, kw := range vocab {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// numericColumn extracts the field as floats, imputing missing values with
// the batch median.
func (b *Builder) numericColumn(field string, records []Record) []float64 {
	col := make([]float64, len(records))
	present := make([]float64, 0, len(records))
	missing := make([]int, 0)
	for i, r := range records {
		v, ok := r.Fields[field]
		if !ok || v == nil {
			missing = append(missing, i)
			continue
		}
		f, isNum := toFloat(v)
		if !isNum {
			missing = append(missing, i)
			continue
		}
		col[i] = f
		present = append(present, f)
	}
	med := median(present)
	for _, i := range missing {
		col[i] = med
	}
	return col
}

func (b *Builder) dateColumns(field string, records []Record) (year, month, day, weekday, quarter, diff []float64) {
	n := len(records)
	year = make([]float64, n)
	month = make([]float64, n)
	day = make([]float64, n)
	weekday = make([]float64, n)
	quarter = make([]float64, n)
	diff = make([]float64, n)

	var prev time.Time
	var havePrev bool
	for i, r := range records {
		v, ok := r.Fields[field]
		if !ok || v == nil {
			continue
		}
		t, parsed := b.parseDate(v)
		if !parsed {
			continue
		}
		year[i] = float64(t.Year())
		month[i] = float64(t.Month())
		day[i] = float64(t.Day())
		// Monday=0 .. Sunday=6
		weekday[i] = float64((int(t.Weekday()) + 6) % 7)
		quarter[i] = float64((int(t.Month())-1)/3 + 1)
		if havePrev {
			diff[i] = t.Sub(prev).Hours() / 24
		}
		prev, havePrev = t, true
	}
	return
}

func (b *Builder) categoricalColumns(field string, records []Record) (freq, label []float64) {
	n := len(records)
	tokens := make([]string, n)
	counts := make(map[string]int, n)
	for i, r := range records {
		tok := "unknown"
		if v, ok := r.Fields[field]; ok && v != nil {
			tok = stringify(v)
		}
		tokens[i] = tok
		counts[tok]++
	}

	freq = make([]float64, n)
	label = make([]float64, n)
	labels := make(map[string]int, len(counts))
	for i, tok := range tokens {
		freq[i] = float64(counts[tok])
		idx, ok := labels[tok]
		if !ok {
			idx = len(labels)
			labels[tok] = idx
		}
		label[i] = float64(idx)
	}
	return
}

func (b *Builder) parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range b.cfg.DateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return "unknown"
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// zscoreColumn emits |z| against the batch mean/stddev; all zeros when the
// column has zero variance.
func zscoreColumn(values []float64) []float64 {
	out := make([]float64, len(values))
	mean, std := meanStd(values)
	if std == 0 {
		return out
	}
	for i, v := range values {
		out[i] = math.Abs((v - mean) / std)
	}
	return out
}

// percentileColumn ranks each value within the batch (average rank for
// ties), scaled to (0, 1].
func percentileColumn(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, c int) bool { return values[idx[a]] < values[idx[c]] })

	i := 0
	for i < n {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		// average 1-based rank across the tie group
		avgRank := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			out[idx[k]] = avgRank / float64(n)
		}
		i = j + 1
	}
	return out
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	// sample stddev
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	} else {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}
