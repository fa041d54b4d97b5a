package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates raw tool-call arguments against a compiled JSON schema.
// A nil Validator accepts any arguments.
type Validator struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document into a Validator. Empty input
// returns a nil Validator, which accepts everything.
func CompileSchema(raw json.RawMessage) (*Validator, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks the argument payload against the compiled schema. Empty
// arguments are validated as an empty object so schemas without required
// fields accept calls with no arguments.
func (v *Validator) Validate(args json.RawMessage) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}
	return v.schema.Validate(payload)
}
