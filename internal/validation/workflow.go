package validation

import (
	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/pkg/schema"
)

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (action kinds, inputs, post-checks, retries, ids, bindings, ambiguity)
//
// Both stages always run so a single call reports every violation.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator. A nil registry selects
// the default one-handler-per-kind registry.
func NewWorkflowValidator(registry *actions.Registry) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	ev, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = actions.NewDefaultRegistry()
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic:   &semanticChecker{registry: registry, evaluator: ev},
	}, nil
}

// Validate runs every check and returns the aggregated result. It has no
// side effects.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition, opts ...Option) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateDefinition(def)
	result.Merge(wv.semantic.check(def, buildOptions(opts)))
	return result
}

// ValidateDefinition returns a validation_failed error carrying every
// violation, or nil.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition, opts ...Option) error {
	return wv.Validate(def, opts...).ToError()
}

// ValidateDocument validates a raw document structurally and, when it decodes,
// semantically.
func (wv *WorkflowValidator) ValidateDocument(data []byte, opts ...Option) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := wv.jsonSchema.ValidateDocument(data)
	def, err := schema.DecodeWorkflow(data)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(wv.semantic.check(def, buildOptions(opts)))
	return def, result
}

var _ Validator = (*WorkflowValidator)(nil)
