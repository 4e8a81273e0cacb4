package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ActionKind enumerates the closed action set. The controller may emit
// nothing outside it.
type ActionKind string

const (
	ActionPreview  ActionKind = "preview"
	ActionSearch   ActionKind = "search"
	ActionLoad     ActionKind = "load"
	ActionChunk    ActionKind = "chunk"
	ActionWriteVar ActionKind = "write_var"
	ActionExtract  ActionKind = "extract_over_chunks"
	ActionSubLM    ActionKind = "sub_lm"
	ActionToolCall ActionKind = "tool_call"
	ActionFinal    ActionKind = "final"
)

type PreviewAction struct {
	Var      string `json:"var"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

type SearchAction struct {
	Var        string `json:"var"`
	Query      string `json:"query"`
	MaxMatches int    `json:"max_matches,omitempty"`
}

type LoadAction struct {
	Var    string `json:"var"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type ChunkAction struct {
	Var        string `json:"var"`
	ChunkBytes int    `json:"chunk_bytes"`
	Into       string `json:"into"`
}

type WriteVarAction struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type ExtractAction struct {
	ChunksVar string `json:"chunks_var"`
	Prompt    string `json:"prompt"`
	Into      string `json:"into"`
	MaxCalls  int64  `json:"max_calls,omitempty"`
}

type SubLMAction struct {
	Prompt     string `json:"prompt"`
	ContextVar string `json:"context_var,omitempty"`
	Into       string `json:"into,omitempty"`
}

type ToolCallAction struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	Into string          `json:"into,omitempty"`
}

type FinalAction struct {
	Output json.RawMessage `json:"output"`
}

// Action is a tagged union: Kind selects exactly one populated variant.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Preview  *PreviewAction  `json:"preview,omitempty"`
	Search   *SearchAction   `json:"search,omitempty"`
	Load     *LoadAction     `json:"load,omitempty"`
	Chunk    *ChunkAction    `json:"chunk,omitempty"`
	WriteVar *WriteVarAction `json:"write_var,omitempty"`
	Extract  *ExtractAction  `json:"extract_over_chunks,omitempty"`
	SubLM    *SubLMAction    `json:"sub_lm,omitempty"`
	ToolCall *ToolCallAction `json:"tool_call,omitempty"`
	Final    *FinalAction    `json:"final,omitempty"`
}

// ParseAction decodes and validates one controller emission. Unknown
// kinds, missing variants and malformed payloads are all rejected
// before any execution happens.
func ParseAction(raw []byte) (*Action, error) {
	var a Action
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Action) Validate() error {
	switch a.Kind {
	case ActionPreview:
		if a.Preview == nil || a.Preview.Var == "" {
			return fmt.Errorf("action preview: var is required")
		}
		if a.Preview.MaxBytes < 0 {
			return fmt.Errorf("action preview: max_bytes must be >= 0")
		}
	case ActionSearch:
		if a.Search == nil || a.Search.Var == "" || a.Search.Query == "" {
			return fmt.Errorf("action search: var and query are required")
		}
	case ActionLoad:
		if a.Load == nil || a.Load.Var == "" {
			return fmt.Errorf("action load: var is required")
		}
		if a.Load.Offset < 0 || a.Load.Length <= 0 {
			return fmt.Errorf("action load: offset must be >= 0 and length > 0")
		}
	case ActionChunk:
		if a.Chunk == nil || a.Chunk.Var == "" || a.Chunk.Into == "" {
			return fmt.Errorf("action chunk: var and into are required")
		}
		if a.Chunk.ChunkBytes <= 0 {
			return fmt.Errorf("action chunk: chunk_bytes must be > 0")
		}
	case ActionWriteVar:
		if a.WriteVar == nil || a.WriteVar.Name == "" || len(a.WriteVar.Value) == 0 {
			return fmt.Errorf("action write_var: name and value are required")
		}
	case ActionExtract:
		if a.Extract == nil || a.Extract.ChunksVar == "" || a.Extract.Prompt == "" || a.Extract.Into == "" {
			return fmt.Errorf("action extract_over_chunks: chunks_var, prompt and into are required")
		}
	case ActionSubLM:
		if a.SubLM == nil || a.SubLM.Prompt == "" {
			return fmt.Errorf("action sub_lm: prompt is required")
		}
	case ActionToolCall:
		if a.ToolCall == nil || a.ToolCall.Name == "" {
			return fmt.Errorf("action tool_call: name is required")
		}
	case ActionFinal:
		if a.Final == nil || len(a.Final.Output) == 0 {
			return fmt.Errorf("action final: output is required")
		}
	default:
		return fmt.Errorf("action: unknown kind %q", a.Kind)
	}
	if n := a.populated(); n != 1 {
		return fmt.Errorf("action %s: exactly one variant must be set, got %d", a.Kind, n)
	}
	return nil
}

func (a *Action) populated() int {
	n := 0
	for _, set := range []bool{
		a.Preview != nil, a.Search != nil, a.Load != nil, a.Chunk != nil,
		a.WriteVar != nil, a.Extract != nil, a.SubLM != nil, a.ToolCall != nil,
		a.Final != nil,
	} {
		if set {
			n++
		}
	}
	return n
}
