// Package llm is the boundary to the external model-calling and
// tool-execution services. It does no rendering, decoding, or retrying of
// its own beyond the bounded provider retry wrapper; all policy lives in
// the callers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProvider is the sentinel for external call failures. Retried only at
// the runtime layer with bounded attempts.
var ErrProvider = errors.New("provider failure")

// ProviderError carries the provider name and underlying cause.
type ProviderError struct {
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// Request is a rendered prompt plus constraints for one model call.
type Request struct {
	System          string
	Prompt          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	// JSONOnly asks the provider for a JSON response when it supports
	// constrained output.
	JSONOnly bool
}

// Usage is the provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the raw provider payload.
type Response struct {
	Text  string
	Usage Usage
}

// ModelClient calls the external model-inference provider.
type ModelClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrToolFailure is the sentinel for tool execution failures.
var ErrToolFailure = errors.New("tool failure")

// ToolRunner calls the external tool-execution service with
// schema-validated arguments.
type ToolRunner interface {
	Run(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// NopToolRunner rejects every tool call. Used when a deployment has no
// tool-execution service wired.
type NopToolRunner struct{}

// Run implements ToolRunner.
func (NopToolRunner) Run(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: no tool runner configured (tool %q)", ErrToolFailure, name)
}
