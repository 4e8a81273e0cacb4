package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"promptc/internal/contract"
)

// ErrContractViolation means the decode/repair pipeline could not produce
// output satisfying the declared schema. Never silently coerced.
var ErrContractViolation = errors.New("contract violation")

// DecodeError reports why one decode stage failed; it feeds the repair
// prompt.
type DecodeError struct {
	Stage  string // strip, parse, schema
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at %s: %s", e.Stage, e.Detail)
}

// Decode runs the staged pipeline on raw model text: strip known wrappers,
// strict parse, tolerant parse, then schema validation. Adapters never
// retry; the repair loop lives in the pipeline.
func Decode(raw string, schema *contract.Schema) (map[string]any, error) {
	stripped := stripWrappers(raw)
	if stripped == "" {
		return nil, &DecodeError{Stage: "strip", Detail: "empty response"}
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(stripped), &value); err != nil {
		tolerant, ok := extractJSONObject(stripped)
		if !ok {
			return nil, &DecodeError{Stage: "parse", Detail: err.Error()}
		}
		if err := json.Unmarshal([]byte(tolerant), &value); err != nil {
			return nil, &DecodeError{Stage: "parse", Detail: err.Error()}
		}
	}

	if err := schema.Validate(map[string]any(value)); err != nil {
		return nil, &DecodeError{Stage: "schema", Detail: err.Error()}
	}
	return value, nil
}

// stripWrappers removes the formatting the known providers wrap JSON in:
// whitespace and markdown code fences.
func stripWrappers(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

// extractJSONObject scans for the first balanced top-level JSON object,
// tolerating prose around it.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
