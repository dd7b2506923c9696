package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/pkg/schema"
)

// semanticChecker runs the independent per-definition checks. Every check
// appends to the same result; none stops another.
type semanticChecker struct {
	registry  *actions.Registry
	evaluator *expressions.Evaluator
}

func (c *semanticChecker) check(def *schema.WorkflowDefinition, o *options) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID != "" {
			if first, dup := seen[step.ID]; dup {
				result.AddStepError(path+".id", step.ID, CodeDuplicateStepID,
					fmt.Sprintf("step id %q already used by steps[%d]", step.ID, first))
			} else {
				seen[step.ID] = i
			}
		} else {
			result.AddStepError(path+".id", "", CodeInvalidStepIdentifier, "step id is empty")
		}

		c.checkAction(step, path, result)
		checkRequiredInputs(def, step, path, o, result)
		checkPostCheck(step, path, result)
		checkRetry(step, path, result)
		checkRoute(step, path, result)
		c.checkExpressions(step, path, result)
		checkPlaceholders(step, path, result)

		if step.Ambiguous && !step.Confirmed {
			msg := "step is ambiguous and must be confirmed"
			if step.Ambiguity != "" {
				msg += ": " + step.Ambiguity
			}
			result.AddStepError(path, step.ID, schema.ErrCodeCompileAmbiguous, msg)
		}
	}

	checkBindings(def, result)
	return result
}

// checkAction enforces the closed action set, then per-kind params.
func (c *semanticChecker) checkAction(step *schema.Step, path string, result *schema.ValidationResult) {
	if !step.Action.Known() {
		result.AddStepError(path+".action", step.ID, CodeUnknownActionKind,
			fmt.Sprintf("unknown action kind %q", step.Action))
		return
	}
	a, err := c.registry.Get(step.Action)
	if err != nil {
		result.AddStepError(path+".action", step.ID, CodeUnknownActionKind, err.Error())
		return
	}
	if err := a.Validate(step.Params); err != nil {
		result.AddStepError(path+".params", step.ID, CodeInvalidParams, schema.Classify(err).Message)
	}
}

// Every required input is bound or present in the record schema.
func checkRequiredInputs(def *schema.WorkflowDefinition, step *schema.Step, path string, o *options, result *schema.ValidationResult) {
	for j, field := range step.RequiredInputs {
		if _, bound := def.Bindings[field]; bound {
			continue
		}
		if o.recordFields[field] {
			continue
		}
		result.AddStepError(fmt.Sprintf("%s.required_inputs[%d]", path, j), step.ID, CodeUnboundRequiredInput,
			fmt.Sprintf("required input %q is neither bound nor a record field", field))
	}
}

// Mutating kinds need a post-check.
func checkPostCheck(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.Action.Mutating() && step.PostCheck.Empty() {
		result.AddStepError(path+".post_check", step.ID, CodeMissingPostCheck,
			fmt.Sprintf("%s changes external state and needs a post_check", step.Action))
	}
}

// Retries are bounded.
func checkRetry(step *schema.Step, path string, result *schema.ValidationResult) {
	if step.Retry.MaxAttempts < 1 {
		result.AddStepError(path+".retry.max_attempts", step.ID, CodeInvalidRetryPolicy,
			fmt.Sprintf("max_attempts must be at least 1, got %d", step.Retry.MaxAttempts))
	}
	if step.Retry.BackoffSeconds < 0 {
		result.AddStepError(path+".retry.backoff_seconds", step.ID, CodeInvalidRetryPolicy,
			fmt.Sprintf("backoff_seconds must not be negative, got %d", step.Retry.BackoffSeconds))
	}
}

func checkRoute(step *schema.Step, path string, result *schema.ValidationResult) {
	switch step.OnFailure {
	case "", schema.RouteFailRecord, schema.RouteNeedsReview:
	default:
		result.AddStepError(path+".on_failure", step.ID, CodeInvalidFailureRoute,
			fmt.Sprintf("on_failure must be %q or %q, got %q", schema.RouteFailRecord, schema.RouteNeedsReview, step.OnFailure))
	}
	if step.TimeoutSeconds < 0 || step.TimeoutSeconds > schema.MaxTimeoutSeconds {
		result.AddStepError(path+".timeout_seconds", step.ID, CodeInvalidTimeout,
			fmt.Sprintf("timeout_seconds must be between 0 and %d, got %d", schema.MaxTimeoutSeconds, step.TimeoutSeconds))
	}
}

func (c *semanticChecker) checkExpressions(step *schema.Step, path string, result *schema.ValidationResult) {
	checks := []struct {
		name string
		a    *schema.Assertion
	}{{"pre_check", step.PreCheck}, {"post_check", step.PostCheck}}
	for _, chk := range checks {
		if chk.a == nil || chk.a.Expect == "" {
			continue
		}
		if err := c.evaluator.CheckExpect(chk.a.Lang, chk.a.Expect); err != nil {
			result.AddStepError(path+"."+chk.name+".expect", step.ID, CodeInvalidExpression, schema.Classify(err).Message)
		}
	}
	for _, name := range sortedKeys(step.Captures) {
		if err := c.evaluator.CheckCapture(step.Captures[name]); err != nil {
			result.AddStepError(path+".captures."+name, step.ID, CodeInvalidExpression, schema.Classify(err).Message)
		}
	}
}

func checkPlaceholders(step *schema.Step, path string, result *schema.ValidationResult) {
	for _, k := range sortedKeys(step.Params) {
		if _, err := expressions.References(step.Params[k]); err != nil {
			result.AddStepError(path+".params."+k, step.ID, CodeInvalidPlaceholder, schema.Classify(err).Message)
		}
	}
}

// Every binding's placeholder is used by at least one step param. A
// placeholder in {{ }} form must be the record placeholder of its own field.
func checkBindings(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for _, field := range sortedKeys(def.Bindings) {
		placeholder := def.Bindings[field]
		canonical := expressions.Placeholder(expressions.NamespaceRecord, field)
		if strings.TrimSpace(placeholder) == "" ||
			(strings.Contains(placeholder, "{{") && placeholder != canonical) {
			result.AddError("bindings."+field, CodeInvalidPlaceholder,
				fmt.Sprintf("binding %q has placeholder %q; use a literal token or %s", field, placeholder, canonical))
			continue
		}
		used := false
		for i := range def.Steps {
			for _, v := range def.Steps[i].Params {
				if placeholder != "" && strings.Contains(v, placeholder) {
					used = true
					break
				}
			}
			if used {
				break
			}
		}
		if !used {
			result.AddError("bindings."+field, CodeDanglingBinding,
				fmt.Sprintf("binding %q -> %q is not used by any step param", field, placeholder))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
