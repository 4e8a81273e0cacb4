package eval

import (
	"fmt"
	"strings"

	"promptc/internal/contract"
)

// Metric scores one prediction against its label. Implementations must be
// pure functions of their arguments.
type Metric interface {
	ID() string
	Score(expected, actual map[string]any) (float64, error)
}

// metricRegistry maps metric ids to constructors.
var metricRegistry = map[string]func() Metric{
	"exact_match":   func() Metric { return ExactMatch{} },
	"field_overlap": func() Metric { return FieldOverlap{Field: "answer"} },
}

// MetricByID resolves a metric id.
func MetricByID(id string) (Metric, error) {
	ctor, ok := metricRegistry[id]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", id)
	}
	return ctor(), nil
}

// ExactMatch scores 1.0 when the canonical encodings are identical.
type ExactMatch struct{}

// ID implements Metric.
func (ExactMatch) ID() string { return "exact_match" }

// Score implements Metric.
func (ExactMatch) Score(expected, actual map[string]any) (float64, error) {
	a, err := contract.CanonicalJSON(expected)
	if err != nil {
		return 0, err
	}
	b, err := contract.CanonicalJSON(actual)
	if err != nil {
		return 0, err
	}
	if string(a) == string(b) {
		return 1, nil
	}
	return 0, nil
}

// FieldOverlap scores token overlap (F1) on a single string field.
type FieldOverlap struct {
	Field string
}

// ID implements Metric.
func (m FieldOverlap) ID() string { return "field_overlap" }

// Score implements Metric.
func (m FieldOverlap) Score(expected, actual map[string]any) (float64, error) {
	want, ok := expected[m.Field].(string)
	if !ok {
		return 0, fmt.Errorf("expected value has no string field %q", m.Field)
	}
	got, ok := actual[m.Field].(string)
	if !ok {
		return 0, nil
	}

	wantTokens := tokenSet(want)
	gotTokens := tokenSet(got)
	if len(wantTokens) == 0 || len(gotTokens) == 0 {
		return 0, nil
	}

	var overlap int
	for tok := range gotTokens {
		if wantTokens[tok] {
			overlap++
		}
	}
	if overlap == 0 {
		return 0, nil
	}
	precision := float64(overlap) / float64(len(gotTokens))
	recall := float64(overlap) / float64(len(wantTokens))
	return 2 * precision * recall / (precision + recall), nil
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(tok, ".,;:!?\"'")] = true
	}
	delete(out, "")
	return out
}
