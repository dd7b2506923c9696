package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/rendis/taskpilot/pkg/schema"
)

const workflowSchemaURL = "https://taskpilot.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for the workflow document. It checks
// shape and types only; value rules belong to the semantic stage.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskpilot.dev/schemas/workflow.json",
  "type": "object",
  "required": ["workflow_id", "version", "steps"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "integer" },
    "mode": { "type": "string" },
    "business_key": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "bindings": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "action": { "type": "string" },
        "params": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "required_inputs": {
          "type": "array",
          "items": { "type": "string" }
        },
        "pre_check": { "$ref": "#/$defs/assertion" },
        "post_check": { "$ref": "#/$defs/assertion" },
        "retry": { "$ref": "#/$defs/retry" },
        "on_failure": { "type": "string" },
        "timeout_seconds": { "type": "integer" },
        "captures": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "ambiguous": { "type": "boolean" },
        "ambiguity": { "type": "string" },
        "confirmed": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "assertion": {
      "type": "object",
      "properties": {
        "condition": { "type": "string" },
        "expect": { "type": "string" },
        "lang": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer" },
        "backoff_seconds": { "type": "integer" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks workflow documents against the embedded schema.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDefinition checks an in-memory definition and returns every violation.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}
	v.validate(doc, result)
	return result
}

// ValidateDocument checks a raw JSON or YAML document before it is decoded
// into a definition, so unknown fields and type mismatches are reported.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "document is not valid JSON or YAML: "+err.Error())
		return result
	}
	doc, err := toJSONValue(raw)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to normalize document: "+err.Error())
		return result
	}
	v.validate(doc, result)
	return result
}

func (v *JSONSchemaValidator) validate(doc any, result *schema.ValidationResult) {
	err := v.workflowSchema.Validate(doc)
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	for _, viol := range collectViolations(verr) {
		result.AddError(viol.path, schema.ErrCodeValidation, viol.message)
	}
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf errors
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
