package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a named JSON schema compiled once for validating model output
// and tool arguments. It marshals to its raw definition so it can be handed
// straight to a vendor SDK.
type Schema struct {
	Name       string
	Definition map[string]any
	compiled   *jsonschema.Schema
}

// NewSchema compiles def. The definition must be a JSON schema object.
func NewSchema(name string, def map[string]any) (*Schema, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("schema %s: marshal: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}
	return &Schema{Name: name, Definition: def, compiled: compiled}, nil
}

// MustSchema is NewSchema for package-level definitions; it panics on an
// invalid definition.
func MustSchema(name string, def map[string]any) *Schema {
	s, err := NewSchema(name, def)
	if err != nil {
		panic(err)
	}
	return s
}

// MarshalJSON implements json.Marshaler.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Definition)
}

// Validate checks raw JSON against the schema.
func (s *Schema) Validate(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty document")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.compiled.Validate(doc)
}

// decode validates raw and unmarshals it into out, reporting any failure as
// ErrMalformedOutput under op.
func (s *Schema) decode(op string, raw []byte, out any) error {
	if err := s.Validate(raw); err != nil {
		return malformed(op, "%s: %v (raw content: %.200s)", s.Name, err, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return malformed(op, "%s: decode: %v", s.Name, err)
	}
	return nil
}

// properties and required split an object schema into the parts the
// Anthropic tool input schema takes separately.
func (s *Schema) properties() any {
	return s.Definition["properties"]
}

func (s *Schema) required() []string {
	switch r := s.Definition["required"].(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Object builds an object schema with additionalProperties disabled, the
// shape strict structured output requires.
func Object(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
