package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/kaptinlin/jsonschema"

	"agentflow/pkg/bus"
)

const (
	KindDocument  = "document"
	KindImage     = "image"
	KindAPISpec   = "api_spec"
	KindTextInput = "text_input"
)

// DefaultRoutes maps each workflow kind to the topic that receives its
// request.
func DefaultRoutes() map[string]bus.Topic {
	return map[string]bus.Topic{
		KindDocument:  "document-parser",
		KindImage:     "image-analyzer",
		KindAPISpec:   "api-spec-parser",
		KindTextInput: "requirement-analyzer",
	}
}

var defaultSchemas = map[string]string{
	KindDocument: `{
		"type": "object",
		"required": ["content"],
		"properties": {
			"content": {"type": "string", "minLength": 1},
			"filename": {"type": "string"},
			"format": {"enum": ["text", "markdown", "html"]}
		}
	}`,
	KindImage: `{
		"type": "object",
		"anyOf": [
			{"required": ["image_base64"]},
			{"required": ["url"]}
		],
		"properties": {
			"image_base64": {"type": "string", "minLength": 1},
			"url": {"type": "string", "minLength": 1},
			"description": {"type": "string"}
		}
	}`,
	KindAPISpec: `{
		"type": "object",
		"required": ["spec"],
		"properties": {
			"spec": {"type": "string", "minLength": 1},
			"format": {"enum": ["json", "yaml"]}
		}
	}`,
	KindTextInput: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1}
		}
	}`,
}

// Validator checks request payloads against a JSON Schema per workflow kind.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas plus extra, which may override
// them or add new kinds.
func NewValidator(extra map[string]string) (*Validator, error) {
	sources := maps.Clone(defaultSchemas)
	maps.Copy(sources, extra)

	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for kind, source := range sources {
		schema, err := compiler.Compile([]byte(source))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}

	return v, nil
}

// Kinds lists the kinds with a schema.
func (v *Validator) Kinds() []string {
	return slices.Sorted(maps.Keys(v.schemas))
}

func (v *Validator) Validate(kind string, payload map[string]any) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown workflow kind %q", ErrValidation, kind)
	}
	if payload == nil {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}

	result := schema.Validate(payload)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s payload: %s", ErrValidation, kind, result.Error())
	}
	return nil
}
