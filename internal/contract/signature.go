// Package contract defines the typed contract model: signatures, prompt IR,
// schemas, params, and the deterministic canonical encoding everything in
// the system is hashed with.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"promptc/internal/budget"
)

// ErrSignatureNotFound reports a lookup of an unregistered signature id.
var ErrSignatureNotFound = errors.New("unknown signature")

// Strategy ids selectable by an artifact's params.
const (
	StrategyDirect   = "direct"
	StrategyBudgeted = "budgeted" // RLM-lite execution kernel
)

// ModelSettings are the provider knobs an artifact may pin.
type ModelSettings struct {
	Model           string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature     float64 `json:"temperature" yaml:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
}

// DecodePolicy bounds the decode/repair loop.
type DecodePolicy struct {
	MaxRepairAttempts int `json:"max_repair_attempts" yaml:"max_repair_attempts"`
}

// ToolNarrowing restricts the signature's tool policy. It can only remove
// tools and lower the call ceiling, never widen them.
type ToolNarrowing struct {
	Keep         []string `json:"keep" yaml:"keep"`
	MaxToolCalls int      `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
}

// Params is the optimizable knob set. The compiler produces Params; once
// frozen into an artifact they are never mutated.
type Params struct {
	InstructionVariant string         `json:"instruction_variant,omitempty" yaml:"instruction_variant,omitempty"`
	FewShotIDs         []string       `json:"few_shot_ids,omitempty" yaml:"few_shot_ids,omitempty"`
	Model              ModelSettings  `json:"model" yaml:"model"`
	Decode             DecodePolicy   `json:"decode" yaml:"decode"`
	Tools              *ToolNarrowing `json:"tools,omitempty" yaml:"tools,omitempty"`
	Strategy           string         `json:"strategy" yaml:"strategy"`
	Budgets            budget.Limits  `json:"budgets" yaml:"budgets"`
}

// Hash returns the content hash of the params.
func (p Params) Hash() (string, error) {
	return HashJSON(p)
}

// Constraints bound what the compiler may do to a signature.
type Constraints struct {
	AllowedStrategies []string `json:"allowed_strategies,omitempty" yaml:"allowed_strategies,omitempty"`
	MaxFewShot        int      `json:"max_few_shot,omitempty" yaml:"max_few_shot,omitempty"`
}

var signatureIDPattern = regexp.MustCompile(`^[a-z0-9_-]+/[A-Za-z][A-Za-z0-9]*\.v[0-9]+$`)

// Signature is a named, versioned unit of behavior. Immutable once
// published: a new version is a new id.
type Signature struct {
	ID           string      `json:"id" yaml:"id"` // domain/Name.vN
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema  *Schema     `json:"input_schema" yaml:"input_schema"`
	OutputSchema *Schema     `json:"output_schema" yaml:"output_schema"`
	Prompt       PromptIR    `json:"prompt" yaml:"prompt"`
	Defaults     Params      `json:"defaults" yaml:"defaults"`
	Constraints  Constraints `json:"constraints" yaml:"constraints"`

	// Optimizer raw material: named instruction variants and the few-shot
	// pool the compiler selects from.
	InstructionVariants map[string]string `json:"instruction_variants,omitempty" yaml:"instruction_variants,omitempty"`
	FewShotPool         []FewShotExample  `json:"few_shot_pool,omitempty" yaml:"few_shot_pool,omitempty"`
}

// Validate checks the signature is complete and well formed.
func (s *Signature) Validate() error {
	if !signatureIDPattern.MatchString(s.ID) {
		return fmt.Errorf("signature id %q: want domain/Name.vN", s.ID)
	}
	if s.InputSchema == nil || s.OutputSchema == nil {
		return fmt.Errorf("signature %s: input and output schemas required", s.ID)
	}
	if err := s.InputSchema.CheckDescribable(); err != nil {
		return fmt.Errorf("signature %s input schema: %w", s.ID, err)
	}
	if err := s.OutputSchema.CheckDescribable(); err != nil {
		return fmt.Errorf("signature %s output schema: %w", s.ID, err)
	}
	if err := s.Prompt.Validate(); err != nil {
		return fmt.Errorf("signature %s prompt: %w", s.ID, err)
	}
	if s.Defaults.Strategy == "" {
		return fmt.Errorf("signature %s: defaults.strategy required", s.ID)
	}
	if s.Defaults.Strategy != StrategyDirect && s.Defaults.Strategy != StrategyBudgeted {
		return fmt.Errorf("signature %s: unknown strategy %q", s.ID, s.Defaults.Strategy)
	}
	return nil
}

// FewShotByID returns pool examples matching ids, in id order. Unknown ids
// are an error so a compiled artifact can never reference a dropped example.
func (s *Signature) FewShotByID(ids []string) ([]FewShotExample, error) {
	byID := make(map[string]FewShotExample, len(s.FewShotPool))
	for _, ex := range s.FewShotPool {
		byID[ex.ID] = ex
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := make([]FewShotExample, 0, len(sorted))
	for _, id := range sorted {
		ex, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("signature %s: unknown few-shot example %q", s.ID, id)
		}
		out = append(out, ex)
	}
	return out, nil
}

// Catalog holds the published signatures. Signatures are registered at
// startup and never change afterwards.
type Catalog struct {
	mu   sync.RWMutex
	sigs map[string]*Signature
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sigs: make(map[string]*Signature)}
}

// Register validates and adds a signature. Re-registering an id fails.
func (c *Catalog) Register(sig *Signature) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sigs[sig.ID]; exists {
		return fmt.Errorf("signature %s already registered", sig.ID)
	}
	c.sigs[sig.ID] = sig
	return nil
}

// Get returns a signature by id.
func (c *Catalog) Get(id string) (*Signature, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sig, ok := c.sigs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSignatureNotFound, id)
	}
	return sig, nil
}

// IDs returns the registered signature ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sigs))
	for id := range c.sigs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
