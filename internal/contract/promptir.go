package contract

import (
	"fmt"
	"sort"
)

// BlockKind enumerates the typed blocks a Prompt IR may contain.
type BlockKind string

const (
	BlockSystem       BlockKind = "system"
	BlockInstruction  BlockKind = "instruction"
	BlockFewShot      BlockKind = "few_shot"
	BlockToolPolicy   BlockKind = "tool_policy"
	BlockOutputFormat BlockKind = "output_format"
	BlockContext      BlockKind = "context"
	BlockRubric       BlockKind = "rubric"
)

// IRVersion tags the current Prompt IR encoding.
const IRVersion = "ir.v1"

// FewShotExample is one worked example embedded in a prompt.
type FewShotExample struct {
	ID     string         `json:"id" yaml:"id"`
	Input  map[string]any `json:"input" yaml:"input"`
	Output map[string]any `json:"output" yaml:"output"`
}

// ToolPolicy declares which tools the model may request and how often.
type ToolPolicy struct {
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
	MaxToolCalls int      `json:"max_tool_calls" yaml:"max_tool_calls"`
}

// Narrow returns a policy restricted to the intersection with keep. A
// narrowed policy never gains tools or call budget.
func (p ToolPolicy) Narrow(keep []string, maxCalls int) ToolPolicy {
	allowed := make([]string, 0, len(keep))
	set := make(map[string]bool, len(p.AllowedTools))
	for _, t := range p.AllowedTools {
		set[t] = true
	}
	for _, t := range keep {
		if set[t] {
			allowed = append(allowed, t)
		}
	}
	sort.Strings(allowed)
	out := ToolPolicy{AllowedTools: allowed, MaxToolCalls: p.MaxToolCalls}
	if maxCalls > 0 && (out.MaxToolCalls == 0 || maxCalls < out.MaxToolCalls) {
		out.MaxToolCalls = maxCalls
	}
	return out
}

// Block is one typed Prompt IR element. Exactly the fields for its Kind are
// set; everything else stays zero.
type Block struct {
	Kind BlockKind `json:"kind" yaml:"kind"`

	// BlockSystem, BlockInstruction, BlockContext, BlockRubric
	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// BlockFewShot
	Examples []FewShotExample `json:"examples,omitempty" yaml:"examples,omitempty"`

	// BlockToolPolicy
	Tools *ToolPolicy `json:"tools,omitempty" yaml:"tools,omitempty"`

	// BlockOutputFormat
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// PromptIR is the structured, normalizable prompt representation. It is
// rendered deterministically into the model provider's input shape.
type PromptIR struct {
	Version string  `json:"version" yaml:"version"`
	Blocks  []Block `json:"blocks" yaml:"blocks"`
}

// Clone returns a deep copy; transforms mutate only clones.
func (ir PromptIR) Clone() PromptIR {
	out := PromptIR{Version: ir.Version, Blocks: make([]Block, len(ir.Blocks))}
	for i, b := range ir.Blocks {
		nb := b
		if b.Examples != nil {
			nb.Examples = make([]FewShotExample, len(b.Examples))
			copy(nb.Examples, b.Examples)
		}
		if b.Tools != nil {
			tp := *b.Tools
			tp.AllowedTools = append([]string(nil), b.Tools.AllowedTools...)
			nb.Tools = &tp
		}
		out.Blocks[i] = nb
	}
	return out
}

// Validate checks block shape against its kind.
func (ir PromptIR) Validate() error {
	if ir.Version == "" {
		return fmt.Errorf("prompt IR missing version")
	}
	for i, b := range ir.Blocks {
		switch b.Kind {
		case BlockSystem, BlockInstruction, BlockContext, BlockRubric:
			if b.Text == "" {
				return fmt.Errorf("block %d (%s): empty text", i, b.Kind)
			}
		case BlockFewShot:
			for j, ex := range b.Examples {
				if ex.ID == "" {
					return fmt.Errorf("block %d example %d: missing id", i, j)
				}
			}
		case BlockToolPolicy:
			if b.Tools == nil {
				return fmt.Errorf("block %d (%s): missing tool policy", i, b.Kind)
			}
		case BlockOutputFormat:
			// strict flag only; schema comes from the signature
		default:
			return fmt.Errorf("block %d: unknown kind %q", i, b.Kind)
		}
	}
	return nil
}

// Hash returns the content hash of the normalized IR.
func (ir PromptIR) Hash() (string, error) {
	return HashJSON(ir)
}

// FindBlock returns the index of the first block of the given kind, or -1.
func (ir PromptIR) FindBlock(kind BlockKind) int {
	for i, b := range ir.Blocks {
		if b.Kind == kind {
			return i
		}
	}
	return -1
}
