// Package eval runs signatures against labeled datasets with bounded
// concurrency and caches the resulting reports by content-derived keys.
package eval

import (
	"fmt"
	"sort"

	"promptc/internal/contract"
)

// Split partitions examples. The holdout split is never used for candidate
// selection; it only gates promotion.
type Split string

const (
	SplitTrain   Split = "train"
	SplitHoldout Split = "holdout"
)

// Example is one labeled evaluation input.
type Example struct {
	ID       string         `json:"id" yaml:"id"`
	Input    map[string]any `json:"input" yaml:"input"`
	Expected map[string]any `json:"expected" yaml:"expected"`
	Split    Split          `json:"split" yaml:"split"`
	Tags     []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Dataset is an append-only, curated example collection.
type Dataset struct {
	ID       string    `json:"id" yaml:"id"`
	Examples []Example `json:"examples" yaml:"examples"`
}

// identityExample mirrors Example for hashing. Tags are sorted so tag order
// is irrelevant, but tag content is part of dataset identity: changing a
// tag set changes the hash and invalidates cached reports.
type identityExample struct {
	ID       string         `json:"id"`
	Input    map[string]any `json:"input"`
	Expected map[string]any `json:"expected"`
	Split    Split          `json:"split"`
	Tags     []string       `json:"tags"`
}

// Hash returns the dataset identity hash. It covers every field that
// affects selection, including tags.
func (d *Dataset) Hash() (string, error) {
	items := make([]identityExample, len(d.Examples))
	for i, ex := range d.Examples {
		tags := append([]string(nil), ex.Tags...)
		sort.Strings(tags)
		items[i] = identityExample{
			ID:       ex.ID,
			Input:    ex.Input,
			Expected: ex.Expected,
			Split:    ex.Split,
			Tags:     tags,
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	h, err := contract.HashJSON(map[string]any{"id": d.ID, "examples": items})
	if err != nil {
		return "", fmt.Errorf("dataset hash: %w", err)
	}
	return "d_" + h, nil
}

// BySplit returns the examples in one split, sorted by example id.
func (d *Dataset) BySplit(split Split) []Example {
	var out []Example
	for _, ex := range d.Examples {
		if ex.Split == split {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Append adds an example; duplicate ids are rejected so example identity
// stays stable.
func (d *Dataset) Append(ex Example) error {
	if ex.ID == "" {
		return fmt.Errorf("example id required")
	}
	for _, existing := range d.Examples {
		if existing.ID == ex.ID {
			return fmt.Errorf("example %s already in dataset %s", ex.ID, d.ID)
		}
	}
	d.Examples = append(d.Examples, ex)
	return nil
}
