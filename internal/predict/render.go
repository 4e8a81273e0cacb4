package predict

import (
	"fmt"
	"strings"

	"promptc/internal/contract"
	"promptc/internal/llm"
)

// Render deterministically turns a transformed Prompt IR plus the request
// input into the provider's input shape. Rendering never calls out and
// never retries; identical inputs yield byte-identical requests.
func Render(sig *contract.Signature, ir contract.PromptIR, params contract.Params, input map[string]any) (llm.Request, error) {
	var system []string
	var body strings.Builder
	jsonOnly := false

	for _, block := range ir.Blocks {
		switch block.Kind {
		case contract.BlockSystem:
			system = append(system, block.Text)

		case contract.BlockInstruction:
			body.WriteString("## Task\n")
			body.WriteString(block.Text)
			body.WriteString("\n\n")

		case contract.BlockContext:
			body.WriteString("## Context\n")
			body.WriteString(block.Text)
			body.WriteString("\n\n")

		case contract.BlockRubric:
			body.WriteString("## Rubric\n")
			body.WriteString(block.Text)
			body.WriteString("\n\n")

		case contract.BlockFewShot:
			if len(block.Examples) == 0 {
				continue
			}
			body.WriteString("## Examples\n")
			for _, ex := range block.Examples {
				in, err := contract.CanonicalJSON(ex.Input)
				if err != nil {
					return llm.Request{}, fmt.Errorf("render few-shot %s: %w", ex.ID, err)
				}
				out, err := contract.CanonicalJSON(ex.Output)
				if err != nil {
					return llm.Request{}, fmt.Errorf("render few-shot %s: %w", ex.ID, err)
				}
				fmt.Fprintf(&body, "Input: %s\nOutput: %s\n\n", in, out)
			}

		case contract.BlockToolPolicy:
			if block.Tools != nil && len(block.Tools.AllowedTools) > 0 {
				fmt.Fprintf(&body, "## Tools\nAvailable tools: %s (at most %d calls).\n\n",
					strings.Join(block.Tools.AllowedTools, ", "), block.Tools.MaxToolCalls)
			}

		case contract.BlockOutputFormat:
			schema, err := contract.CanonicalJSON(sig.OutputSchema)
			if err != nil {
				return llm.Request{}, fmt.Errorf("render output schema: %w", err)
			}
			body.WriteString("## Output format\n")
			body.WriteString("Respond with a single JSON object matching this schema:\n")
			body.Write(schema)
			body.WriteString("\n")
			if block.Strict {
				body.WriteString("Output JSON only, no prose and no code fences.\n")
				jsonOnly = true
			}
			body.WriteString("\n")
		}
	}

	inputJSON, err := contract.CanonicalJSON(input)
	if err != nil {
		return llm.Request{}, fmt.Errorf("render input: %w", err)
	}
	body.WriteString("## Input\n")
	body.Write(inputJSON)
	body.WriteString("\n")

	return llm.Request{
		System:          strings.Join(system, "\n\n"),
		Prompt:          body.String(),
		Model:           params.Model.Model,
		Temperature:     params.Model.Temperature,
		MaxOutputTokens: params.Model.MaxOutputTokens,
		JSONOnly:        jsonOnly,
	}, nil
}
