// Package artifact defines the immutable, content-addressed policy bundle
// produced by the compiler, and the store interface it is kept in.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promptc/internal/contract"
)

// ErrNotFound means an unknown compiled_id was referenced. Callers never
// substitute a fallback artifact.
var ErrNotFound = errors.New("artifact not found")

// EvalSummary is the evaluation evidence frozen into an artifact.
type EvalSummary struct {
	DatasetHash  string  `json:"dataset_hash"`
	MetricID     string  `json:"metric_id"`
	HoldoutScore float64 `json:"holdout_score"`
	TrainScore   float64 `json:"train_score"`
	Examples     int     `json:"examples"`
}

// Provenance records where an artifact came from.
type Provenance struct {
	OptimizerID string    `json:"optimizer_id"`
	JobHash     string    `json:"job_hash"`
	DatasetHash string    `json:"dataset_hash"`
	SourceRef   string    `json:"source_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CompiledArtifact is an immutable, shippable policy bundle. Once stored it
// is referenced forever by its compiled_id and never mutated.
type CompiledArtifact struct {
	SignatureID      string          `json:"signatureId"`
	CompiledID       string          `json:"compiled_id"`
	Params           contract.Params `json:"params"`
	PromptIRHash     string          `json:"promptIrHash"`
	OutputSchemaHash string          `json:"outputSchemaHash"`
	Eval             EvalSummary     `json:"eval"`
	Provenance       Provenance      `json:"provenance"`
}

// identityContent is exactly the set of fields that determine compiled_id.
// Evaluation evidence and provenance describe an artifact but do not change
// what it does, so they stay out of the identity.
type identityContent struct {
	SignatureID      string          `json:"signature_id"`
	Params           contract.Params `json:"params"`
	PromptIRHash     string          `json:"prompt_ir_hash"`
	OutputSchemaHash string          `json:"output_schema_hash"`
}

// ComputeID returns the deterministic compiled_id for the given content.
func ComputeID(signatureID string, params contract.Params, promptIRHash, outputSchemaHash string) (string, error) {
	h, err := contract.HashJSON(identityContent{
		SignatureID:      signatureID,
		Params:           params,
		PromptIRHash:     promptIRHash,
		OutputSchemaHash: outputSchemaHash,
	})
	if err != nil {
		return "", fmt.Errorf("compute compiled_id: %w", err)
	}
	return "c_" + h, nil
}

// New builds an artifact with its compiled_id filled in.
func New(sig *contract.Signature, params contract.Params) (*CompiledArtifact, error) {
	irHash, err := sig.Prompt.Hash()
	if err != nil {
		return nil, err
	}
	outHash, err := sig.OutputSchema.Hash()
	if err != nil {
		return nil, err
	}
	id, err := ComputeID(sig.ID, params, irHash, outHash)
	if err != nil {
		return nil, err
	}
	return &CompiledArtifact{
		SignatureID:      sig.ID,
		CompiledID:       id,
		Params:           params,
		PromptIRHash:     irHash,
		OutputSchemaHash: outHash,
	}, nil
}

// Store is content-addressed artifact persistence. Append-only: Put of an
// existing id with identical content is a no-op, differing content is an
// error.
type Store interface {
	Put(ctx context.Context, a *CompiledArtifact) error
	Get(ctx context.Context, compiledID string) (*CompiledArtifact, error)
	ListBySignature(ctx context.Context, signatureID string) ([]*CompiledArtifact, error)
}

// MemStore is the in-memory Store used in tests and single-process setups.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*CompiledArtifact
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*CompiledArtifact)}
}

// Put stores the artifact under its compiled_id.
func (s *MemStore) Put(_ context.Context, a *CompiledArtifact) error {
	if a.CompiledID == "" {
		return fmt.Errorf("artifact missing compiled_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[a.CompiledID]; ok {
		if existing.SignatureID != a.SignatureID {
			return fmt.Errorf("compiled_id %s already bound to %s", a.CompiledID, existing.SignatureID)
		}
		return nil
	}
	cp := *a
	s.items[a.CompiledID] = &cp
	return nil
}

// Get returns the artifact or ErrNotFound.
func (s *MemStore) Get(_ context.Context, compiledID string) (*CompiledArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[compiledID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, compiledID)
	}
	cp := *a
	return &cp, nil
}

// ListBySignature returns all artifacts compiled for a signature.
func (s *MemStore) ListBySignature(_ context.Context, signatureID string) ([]*CompiledArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CompiledArtifact
	for _, a := range s.items {
		if a.SignatureID == signatureID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}
