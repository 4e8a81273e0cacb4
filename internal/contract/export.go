package contract

import (
	"fmt"

	"promptc/internal/logging"
)

// ContractExportError means a signature's contract cannot be statically
// described (usually a schema problem).
type ContractExportError struct {
	SignatureID string
	Reason      error
}

func (e *ContractExportError) Error() string {
	return fmt.Sprintf("contract export for %s failed: %v", e.SignatureID, e.Reason)
}

func (e *ContractExportError) Unwrap() error { return e.Reason }

// ContractExport is the deterministic JSON form of a signature's contract.
// Stable under whitespace and key ordering so downstream hashes reproduce.
type ContractExport struct {
	SignatureID        string      `json:"signatureId"`
	InputSchema        *Schema     `json:"inputSchemaJson"`
	OutputSchema       *Schema     `json:"outputSchemaJson"`
	PromptIR           PromptIR    `json:"promptIr"`
	DefaultParams      Params      `json:"defaultParams"`
	DefaultConstraints Constraints `json:"defaultConstraints"`
	ToolContract       *ToolPolicy `json:"toolContract,omitempty"`

	// Content hashes of the parts artifacts bind to.
	PromptIRHash     string `json:"promptIrHash"`
	InputSchemaHash  string `json:"inputSchemaHash"`
	OutputSchemaHash string `json:"outputSchemaHash"`
}

// ExportContract produces the canonical contract export for a signature.
func ExportContract(sig *Signature) (*ContractExport, error) {
	if err := sig.Validate(); err != nil {
		return nil, &ContractExportError{SignatureID: sig.ID, Reason: err}
	}

	irHash, err := sig.Prompt.Hash()
	if err != nil {
		return nil, &ContractExportError{SignatureID: sig.ID, Reason: err}
	}
	inHash, err := sig.InputSchema.Hash()
	if err != nil {
		return nil, &ContractExportError{SignatureID: sig.ID, Reason: err}
	}
	outHash, err := sig.OutputSchema.Hash()
	if err != nil {
		return nil, &ContractExportError{SignatureID: sig.ID, Reason: err}
	}

	export := &ContractExport{
		SignatureID:        sig.ID,
		InputSchema:        sig.InputSchema,
		OutputSchema:       sig.OutputSchema,
		PromptIR:           sig.Prompt,
		DefaultParams:      sig.Defaults,
		DefaultConstraints: sig.Constraints,
		PromptIRHash:       irHash,
		InputSchemaHash:    inHash,
		OutputSchemaHash:   outHash,
	}
	if i := sig.Prompt.FindBlock(BlockToolPolicy); i >= 0 {
		export.ToolContract = sig.Prompt.Blocks[i].Tools
	}

	logging.Get(logging.CategoryContract).Debugw("exported contract",
		"signature", sig.ID, "prompt_ir_hash", irHash)
	return export, nil
}

// MarshalCanonical returns the canonical JSON bytes of the export.
func (e *ContractExport) MarshalCanonical() ([]byte, error) {
	return CanonicalJSON(e)
}
