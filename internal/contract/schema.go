package contract

import (
	"encoding/json"
	"fmt"
)

// Schema is the statically-describable subset of JSON Schema the contract
// model supports. Signatures declare their input and output shapes with it,
// and the decode pipeline validates model output against it.
type Schema struct {
	Type        string             `json:"type" yaml:"type"` // object, array, string, number, integer, boolean
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Hash returns the content hash of the schema.
func (s *Schema) Hash() (string, error) {
	return HashJSON(s)
}

// Validate checks value against the schema. The error names the first
// offending path.
func (s *Schema) Validate(value any) error {
	return s.validateAt("$", value)
}

func (s *Schema) validateAt(path string, value any) error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for _, req := range s.Required {
			if _, ok := obj[req]; !ok {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for name, sub := range s.Properties {
			if v, ok := obj[name]; ok {
				if err := sub.validateAt(path+"."+name, v); err != nil {
					return err
				}
			}
		}
		return nil
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, value)
		}
		for i, el := range arr {
			if err := s.Items.validateAt(fmt.Sprintf("%s[%d]", path, i), el); err != nil {
				return err
			}
		}
		return nil
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if str == allowed {
					return nil
				}
			}
			return fmt.Errorf("%s: %q not in enum %v", path, str, s.Enum)
		}
		return nil
	case "number":
		switch value.(type) {
		case float64, json.Number, int, int64:
			return nil
		}
		return fmt.Errorf("%s: expected number, got %T", path, value)
	case "integer":
		switch t := value.(type) {
		case int, int64:
			return nil
		case float64:
			if t == float64(int64(t)) {
				return nil
			}
			return fmt.Errorf("%s: expected integer, got fractional %v", path, t)
		case json.Number:
			if _, err := t.Int64(); err == nil {
				return nil
			}
			return fmt.Errorf("%s: expected integer, got %v", path, t)
		}
		return fmt.Errorf("%s: expected integer, got %T", path, value)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
		return nil
	case "":
		return fmt.Errorf("%s: schema has no type", path)
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
	}
}

// CheckDescribable verifies the schema tree is statically describable:
// every node has a known type and object/array nodes declare their shape.
func (s *Schema) CheckDescribable() error {
	return s.checkDescribableAt("$")
}

func (s *Schema) checkDescribableAt(path string) error {
	if s == nil {
		return fmt.Errorf("%s: nil schema", path)
	}
	switch s.Type {
	case "object":
		for name, sub := range s.Properties {
			if err := sub.checkDescribableAt(path + "." + name); err != nil {
				return err
			}
		}
		return nil
	case "array":
		if s.Items == nil {
			return fmt.Errorf("%s: array schema without items", path)
		}
		return s.Items.checkDescribableAt(path + "[]")
	case "string", "number", "integer", "boolean":
		return nil
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
	}
}
