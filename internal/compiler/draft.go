package compiler

import (
	"sort"

	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Diagnostic severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Diagnostic is a note the compiler attaches to its output. EventIndex is -1
// when the note is not tied to a single event.
type Diagnostic struct {
	Severity   string `json:"severity"`
	EventIndex int    `json:"event_index"`
	StepID     string `json:"step_id,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

// BindingProposal suggests replacing a param literal with a record
// placeholder because the literal equals a sample record value.
type BindingProposal struct {
	Field       string `json:"field"`
	Placeholder string `json:"placeholder"`
	StepID      string `json:"step_id"`
	Param       string `json:"param"`
}

// Draft is the compiler output: an unvalidated definition plus what the
// author still has to decide.
type Draft struct {
	Definition  *schema.WorkflowDefinition `json:"definition"`
	Diagnostics []Diagnostic               `json:"diagnostics,omitempty"`
	Proposals   []BindingProposal          `json:"proposals,omitempty"`
}

// Ambiguous returns the ids of steps that still need confirmation.
func (d *Draft) Ambiguous() []string {
	var ids []string
	for _, s := range d.Definition.Steps {
		if s.Ambiguous && !s.Confirmed {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// ConfirmBinding applies every proposal for field: the literals become the
// record placeholder, the field becomes a required input of those steps and
// the binding is added to the definition.
func (d *Draft) ConfirmBinding(field string) error {
	var applied, kept []BindingProposal
	for _, p := range d.Proposals {
		if p.Field == field {
			applied = append(applied, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(applied) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no binding proposal for field %q", field)
	}

	def := d.Definition
	for _, p := range applied {
		idx := def.StepIndex(p.StepID)
		if idx < 0 {
			continue
		}
		step := &def.Steps[idx]
		step.Params[p.Param] = p.Placeholder
		step.RequiredInputs = addInput(step.RequiredInputs, field)
	}
	if def.Bindings == nil {
		def.Bindings = make(map[string]string)
	}
	def.Bindings[field] = expressions.Placeholder(expressions.NamespaceRecord, field)
	d.Proposals = kept
	return nil
}

// ConfirmStep marks an ambiguous step as reviewed by the author.
func (d *Draft) ConfirmStep(stepID string) error {
	idx := d.Definition.StepIndex(stepID)
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	d.Definition.Steps[idx].Confirmed = true
	return nil
}

func addInput(inputs []string, field string) []string {
	for _, f := range inputs {
		if f == field {
			return inputs
		}
	}
	inputs = append(inputs, field)
	sort.Strings(inputs)
	return inputs
}
