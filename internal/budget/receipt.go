package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome tags the terminal state of one invocation.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeContractViolation Outcome = "contract_violation"
	OutcomeBudgetExceeded    Outcome = "budget_exceeded"
	OutcomeProviderFailure   Outcome = "provider_failure"
	OutcomeArtifactNotFound  Outcome = "artifact_not_found"
	OutcomeError             Outcome = "error"
)

// Receipt is the immutable audit record of one invocation. One receipt is
// written per Predict call and per kernel run, success or failure.
type Receipt struct {
	ID          string    `json:"id"`
	SignatureID string    `json:"signature_id"`
	CompiledID  *string   `json:"compiled_id"` // nil when signature defaults were used
	StrategyID  string    `json:"strategy_id"`
	Limits      Limits    `json:"limits"`
	Usage       Usage     `json:"usage"`
	PromptHash  string    `json:"prompt_hash,omitempty"`
	InputHash   string    `json:"input_hash,omitempty"`
	OutputHash  string    `json:"output_hash,omitempty"`
	InputJSON   string    `json:"input_json,omitempty"`
	OutputJSON  string    `json:"output_json,omitempty"`
	Outcome     Outcome   `json:"outcome"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	BlobIDs     []string  `json:"blob_ids,omitempty"` // kernel runs link their blobs here
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewReceipt starts a receipt for a run.
func NewReceipt(signatureID, strategyID string, limits Limits) *Receipt {
	return &Receipt{
		ID:          uuid.NewString(),
		SignatureID: signatureID,
		StrategyID:  strategyID,
		Limits:      limits,
		StartedAt:   time.Now().UTC(),
	}
}

// Sink receives finished receipts. Implementations must treat receipts as
// immutable once recorded.
type Sink interface {
	Record(ctx context.Context, r *Receipt) error
}

// MemorySink collects receipts in memory. Used in tests and as a fallback
// when no persistence store is configured.
type MemorySink struct {
	mu       sync.Mutex
	receipts []*Receipt
}

// Record appends a copy of the receipt.
func (s *MemorySink) Record(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.receipts = append(s.receipts, &cp)
	return nil
}

// Receipts returns the recorded receipts in order.
func (s *MemorySink) Receipts() []*Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out
}
