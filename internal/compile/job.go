package compile

import (
	"fmt"

	"promptc/internal/contract"
)

// SearchSpace bounds what an optimizer may vary. Empty fields fall back
// to whatever the signature declares.
type SearchSpace struct {
	InstructionVariants []string  `json:"instruction_variants,omitempty" yaml:"instruction_variants,omitempty"`
	FewShotIDs          []string  `json:"few_shot_ids,omitempty" yaml:"few_shot_ids,omitempty"`
	MaxFewShot          int       `json:"max_few_shot,omitempty" yaml:"max_few_shot,omitempty"`
	Temperatures        []float64 `json:"temperatures,omitempty" yaml:"temperatures,omitempty"`
	MaxIterations       []int64   `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

type OptimizerSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// JobSpec is the full input to a compile run. Its hash, together with
// the dataset hash, is the idempotency key: re-submitting an identical
// job against an identical dataset returns the cached artifact.
type JobSpec struct {
	SignatureID string        `json:"signature_id" yaml:"signature_id"`
	DatasetID   string        `json:"dataset_id" yaml:"dataset_id"`
	MetricID    string        `json:"metric_id" yaml:"metric_id"`
	Search      SearchSpace   `json:"search" yaml:"search"`
	Optimizer   OptimizerSpec `json:"optimizer" yaml:"optimizer"`
}

func (j *JobSpec) Validate() error {
	if j.SignatureID == "" {
		return fmt.Errorf("job: signature_id is required")
	}
	if j.MetricID == "" {
		return fmt.Errorf("job: metric_id is required")
	}
	if j.Optimizer.ID == "" {
		return fmt.Errorf("job: optimizer id is required")
	}
	return nil
}

// Hash content-addresses the job over its canonical JSON form.
func (j *JobSpec) Hash() (string, error) {
	h, err := contract.HashJSON(j)
	if err != nil {
		return "", fmt.Errorf("hash job: %w", err)
	}
	return "j_" + h, nil
}
