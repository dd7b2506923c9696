package validation

import "github.com/rendis/taskpilot/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	Validate(def *schema.WorkflowDefinition, opts ...Option) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition, opts ...Option) error
}

// Semantic violation codes.
const (
	CodeUnknownActionKind     = "unknown_action_kind"
	CodeUnboundRequiredInput  = "unbound_required_input"
	CodeMissingPostCheck      = "missing_post_check"
	CodeInvalidRetryPolicy    = "invalid_retry_policy"
	CodeDuplicateStepID       = "duplicate_step_id"
	CodeDanglingBinding       = "dangling_binding"
	CodeInvalidParams         = "invalid_params"
	CodeInvalidExpression     = "invalid_expression"
	CodeInvalidPlaceholder    = "invalid_placeholder"
	CodeInvalidFailureRoute   = "invalid_failure_route"
	CodeInvalidTimeout        = "invalid_timeout"
	CodeInvalidStepIdentifier = "invalid_step_id"
)

// Option adjusts a single validation call.
type Option func(*options)

type options struct {
	recordFields map[string]bool
}

// WithRecordFields declares the columns the record batch provides. Required
// inputs found here count as bound.
func WithRecordFields(fields ...string) Option {
	return func(o *options) {
		if o.recordFields == nil {
			o.recordFields = make(map[string]bool, len(fields))
		}
		for _, f := range fields {
			o.recordFields[f] = true
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
