// Package validation checks a parsed program document against the embedded
// JSON Schema before it is compiled into a runnable program, so malformed
// documents fail with a precise path instead of a nil-map panic deep in the
// engine.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomlang/loom/pkg/ir"
)

// programSchemaJSON is the JSON Schema for program documents.
// Embedded as a constant to avoid filesystem dependencies.
const programSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomlang.dev/schemas/program.json",
  "type": "object",
  "required": ["name", "flows"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "ai_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "provider": { "type": "string" },
          "model": { "type": "string" },
          "prompt": { "type": "string" },
          "params": { "type": "object" }
        },
        "additionalProperties": false
      }
    },
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "goal": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "tools": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "kind": { "type": "string", "enum": ["http", "mcp"] },
          "url": { "type": "string" },
          "method": { "type": "string" },
          "headers": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "mcp_tool": { "type": "string" },
          "timeout": { "$ref": "#/$defs/duration" }
        },
        "additionalProperties": false
      }
    },
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "fields"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "primary_key": { "type": "string" },
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": { "$ref": "#/$defs/field" }
          }
        },
        "additionalProperties": false
      }
    },
    "frames": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": { "type": "object" }
      }
    },
    "flows": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "steps"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "steps": {
            "type": "array",
            "minItems": 1,
            "items": { "$ref": "#/$defs/step" }
          },
          "error_steps": {
            "type": "array",
            "items": { "$ref": "#/$defs/stmt" }
          }
        },
        "additionalProperties": false
      }
    },
    "schedules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["cron", "flow"],
        "properties": {
          "cron": { "type": "string", "minLength": 1 },
          "flow": { "type": "string", "minLength": 1 },
          "vars": { "type": "object" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "field": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["string", "number", "boolean", "list", "map", "any"]
        },
        "required": { "type": "boolean" },
        "at_least": { "type": "number" },
        "at_most": { "type": "number" },
        "min_length": { "type": "integer", "minimum": 0 },
        "max_length": { "type": "integer", "minimum": 0 },
        "enum": { "type": "array" },
        "pattern": { "type": "string" },
        "references": {
          "type": "object",
          "required": ["record"],
          "properties": {
            "record": { "type": "string", "minLength": 1 },
            "field": { "type": "string" }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["script", "ai", "agent", "tool", "when", "do", "goto_flow"]
        },
        "target": { "type": "string" },
        "params": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "body": {
          "type": "array",
          "items": { "$ref": "#/$defs/stmt" }
        },
        "branches": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["steps"],
            "properties": {
              "condition": { "type": "string" },
              "steps": {
                "type": "array",
                "items": { "$ref": "#/$defs/stmt" }
              }
            },
            "additionalProperties": false
          }
        },
        "timeout": { "$ref": "#/$defs/duration" },
        "mode": { "type": "string", "enum": ["call", "detach"] },
        "transform": { "type": "string" },
        "on_error": {
          "type": "array",
          "items": { "$ref": "#/$defs/stmt" }
        }
      },
      "additionalProperties": false
    },
    "stmt": { "type": "object" }
  }
}`

// DocumentValidator validates program documents against the embedded schema.
// It is safe for concurrent use.
type DocumentValidator struct {
	schema *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded program schema.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(programSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal program schema: %w", err)
	}
	if err := c.AddResource("https://loomlang.dev/schemas/program.json", doc); err != nil {
		return nil, fmt.Errorf("add program schema resource: %w", err)
	}

	compiled, err := c.Compile("https://loomlang.dev/schemas/program.json")
	if err != nil {
		return nil, fmt.Errorf("compile program schema: %w", err)
	}

	return &DocumentValidator{schema: compiled}, nil
}

// ValidateDocument checks a decoded program document against the schema.
func (v *DocumentValidator) ValidateDocument(document any) error {
	doc, err := toJSONValue(document)
	if err != nil {
		return ir.NewError(ir.ErrCodeValidation, "failed to serialize program document").WithCause(err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a value through JSON so numbers become json.Number,
// which is what the schema validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// toFlowError converts a jsonschema validation error into the engine's error
// type, collecting leaf violations with their instance locations.
func toFlowError(err error) error {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return ir.NewError(ir.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return ir.NewError(ir.ErrCodeValidation, verr.Error()).WithCause(err)
	}
	if len(violations) == 1 {
		return ir.NewErrorf(ir.ErrCodeValidation, "program document invalid: %s", violations[0]).
			WithCause(err).
			WithDetails(map[string]any{"violations": violations})
	}
	return ir.NewErrorf(ir.ErrCodeValidation,
		"program document invalid: %d violations", len(violations)).
		WithCause(err).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
