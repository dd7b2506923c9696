// Package compiler turns a recorded event log into a draft workflow
// definition. The draft is not validated; ambiguous steps and binding
// proposals are left for the author to confirm.
package compiler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/pkg/schema"
)

// eventActions maps recorded event kinds to action kinds.
var eventActions = map[string]schema.ActionKind{
	"open_url":    schema.ActionOpenTarget,
	"navigate":    schema.ActionOpenTarget,
	"click":       schema.ActionClick,
	"mouse_click": schema.ActionClick,
	"fill":        schema.ActionFillField,
	"type":        schema.ActionFillField,
	"wait_for":    schema.ActionWaitFor,
	"fetch_code":  schema.ActionFetchOneTime,
	"otp":         schema.ActionFetchOneTime,
	"write_cell":  schema.ActionWriteCell,
}

// noopEvents are recorded but never become steps.
var noopEvents = map[string]bool{
	"mouse_scroll":   true,
	"window_switch":  true,
	"clipboard_copy": true,
}

const (
	valueExpect       = "evidence.value == params.value"
	defaultCaptureVar = "otp"
	payloadCapture    = "capture"
)

// Options configures a compile.
type Options struct {
	WorkflowID  string
	Name        string
	Version     int
	BusinessKey string
	// SampleRecords feed binding proposals. Optional.
	SampleRecords []map[string]string
}

// Compiler builds drafts from event logs.
type Compiler struct {
	logger *slog.Logger
}

// New creates a Compiler. A nil logger falls back to logging.Default.
func New(logger *slog.Logger) *Compiler {
	return &Compiler{logger: logging.Default(logger)}
}

// Compile compiles log with a default Compiler.
func Compile(log *schema.EventLog, opts Options) (*Draft, error) {
	return New(nil).Compile(log, opts)
}

// pendingStep is a step under construction together with where it came from.
type pendingStep struct {
	step   schema.Step
	event  int
	region int
	target string
}

type pendingDiag struct {
	diag Diagnostic
	from *pendingStep
}

type builder struct {
	steps []*pendingStep
	diags []pendingDiag
}

// Compile maps every event to a step, attaches checkpoints, folds repeated
// fills and flags ambiguity. It fails with compile_unsupported_action on the
// first event kind outside the mapping table.
func (c *Compiler) Compile(log *schema.EventLog, opts Options) (*Draft, error) {
	if log == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "event log is nil")
	}
	def, err := newDefinition(log, opts)
	if err != nil {
		return nil, err
	}

	markers, err := sortedMarkers(log)
	if err != nil {
		return nil, err
	}

	b := &builder{}
	region, next := 0, 0
	for i, ev := range log.Events {
		if err := b.addEvent(i, region, ev); err != nil {
			return nil, err
		}
		for next < len(markers) && markers[next].After == i {
			b.closeRegion(region, markers[next])
			region++
			next++
		}
	}
	if len(b.steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "event log contains no compilable events")
	}

	b.finalize()
	b.flagConflicts()

	draft := &Draft{Definition: def}
	for _, p := range b.steps {
		def.Steps = append(def.Steps, p.step)
	}
	for _, pd := range b.diags {
		d := pd.diag
		if pd.from != nil {
			d.StepID = pd.from.step.ID
		}
		draft.Diagnostics = append(draft.Diagnostics, d)
	}
	for _, p := range b.steps {
		if p.step.Ambiguous {
			draft.Diagnostics = append(draft.Diagnostics, Diagnostic{
				Severity:   SeverityWarning,
				EventIndex: p.event,
				StepID:     p.step.ID,
				Code:       schema.ErrCodeCompileAmbiguous,
				Message:    p.step.Ambiguity,
			})
		}
	}
	draft.Proposals = proposeBindings(def, opts.SampleRecords)

	c.logger.Debug("compiled event log",
		"workflow_id", def.WorkflowID,
		"events", len(log.Events),
		"steps", len(def.Steps),
		"ambiguous", len(draft.Ambiguous()),
		"proposals", len(draft.Proposals),
	)
	return draft, nil
}

func newDefinition(log *schema.EventLog, opts Options) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{
		WorkflowID:  opts.WorkflowID,
		Name:        opts.Name,
		Version:     opts.Version,
		Mode:        schema.DefaultMode,
		BusinessKey: opts.BusinessKey,
	}
	if def.WorkflowID == "" {
		def.WorkflowID = log.SessionID
	}
	if def.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if def.Name == "" {
		def.Name = log.Name
	}
	if def.Name == "" {
		def.Name = def.WorkflowID
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	if def.BusinessKey == "" {
		def.BusinessKey = schema.DefaultBusinessKey
	}
	return def, nil
}

func sortedMarkers(log *schema.EventLog) ([]schema.CheckpointMarker, error) {
	markers := make([]schema.CheckpointMarker, len(log.Checkpoints))
	copy(markers, log.Checkpoints)
	for _, m := range markers {
		if m.After < 0 || m.After >= len(log.Events) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"checkpoint %q points at event %d; log has %d events", m.Name, m.After, len(log.Events))
		}
	}
	sort.SliceStable(markers, func(i, j int) bool { return markers[i].After < markers[j].After })
	return markers, nil
}

func (b *builder) note(severity string, event int, from *pendingStep, format string, args ...any) {
	b.diags = append(b.diags, pendingDiag{
		diag: Diagnostic{Severity: severity, EventIndex: event, Message: fmt.Sprintf(format, args...)},
		from: from,
	})
}

func (b *builder) addEvent(i, region int, ev schema.RecordedEvent) error {
	kind := strings.ToLower(strings.TrimSpace(ev.Kind))
	if noopEvents[kind] {
		b.note(SeverityInfo, i, nil, "%s is a declared no-op", kind)
		return nil
	}
	action, ok := eventActions[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnsupportedAction, "event %d: unsupported event kind %q", i, ev.Kind).
			WithDetails(map[string]any{"event_index": i, "kind": ev.Kind})
	}

	key := ev.Target.Key()
	params := buildParams(action, ev)

	if action == schema.ActionFillField && key != "" && len(b.steps) > 0 {
		last := b.steps[len(b.steps)-1]
		if last.step.Action == schema.ActionFillField && last.region == region && last.target == key {
			last.step.Params[actions.ParamValue] = params[actions.ParamValue]
			last.event = i
			b.note(SeverityInfo, i, last, "fill folded into the previous fill of %s", ev.Target.Locator())
			return nil
		}
	}

	p := &pendingStep{
		step:   schema.Step{Action: action, Params: params},
		event:  i,
		region: region,
		target: key,
	}
	if action == schema.ActionFetchOneTime {
		name := ev.Payload[payloadCapture]
		if name == "" {
			name = defaultCaptureVar
		}
		p.step.Captures = map[string]string{name: ".code"}
	}
	if targetsControl(action, ev) {
		switch {
		case key == "":
			markAmbiguous(&p.step, "target has neither selector nor name")
		case ev.Target.Matches > 1 && ev.Target.Index == nil:
			markAmbiguous(&p.step, fmt.Sprintf("target %q matches %d elements", ev.Target.Locator(), ev.Target.Matches))
		}
	}
	b.steps = append(b.steps, p)
	return nil
}

// closeRegion turns a checkpoint into the post-check of the region's last
// mutating step, or into a wait step when the region mutated nothing.
func (b *builder) closeRegion(region int, m schema.CheckpointMarker) {
	condition := m.Condition
	if condition == "" {
		condition = "checkpoint:" + m.Name
	}
	for j := len(b.steps) - 1; j >= 0 && b.steps[j].region == region; j-- {
		s := &b.steps[j].step
		if !s.Action.Mutating() {
			continue
		}
		if s.PostCheck == nil {
			s.PostCheck = &schema.Assertion{Condition: condition}
			return
		}
		break
	}
	b.steps = append(b.steps, &pendingStep{
		step: schema.Step{
			Action: schema.ActionWaitFor,
			Params: map[string]string{actions.ParamCondition: condition},
		},
		event:  m.After,
		region: region,
	})
}

// finalize assigns ids and fills in defaults and generated post-checks.
func (b *builder) finalize() {
	for i, p := range b.steps {
		s := &p.step
		s.ID = fmt.Sprintf("step_%03d", i+1)
		s.Retry = schema.RetryPolicy{MaxAttempts: schema.DefaultMaxAttempts, BackoffSeconds: schema.DefaultBackoffSeconds}
		s.OnFailure = schema.RouteNeedsReview
		s.TimeoutSeconds = schema.DefaultTimeoutSeconds
		if fields := expressions.RecordFields(s.Params); len(fields) > 0 {
			s.RequiredInputs = fields
		}
		if s.PostCheck != nil {
			continue
		}
		switch s.Action {
		case schema.ActionFillField:
			s.PostCheck = &schema.Assertion{Condition: "value:" + s.Params[actions.ParamTarget], Expect: valueExpect}
		case schema.ActionWriteCell:
			addr := connector.CellAddress(actions.CellRequest(s.Params))
			s.PostCheck = &schema.Assertion{Condition: "cell:" + addr, Expect: valueExpect}
		}
	}
}

// flagConflicts marks steps that act on the same control with different
// params from regions more than one apart.
func (b *builder) flagConflicts() {
	for i, a := range b.steps {
		if a.target == "" {
			continue
		}
		for _, c := range b.steps[i+1:] {
			if c.target != a.target || c.step.Action != a.step.Action {
				continue
			}
			if c.region-a.region <= 1 || sameParams(a.step.Params, c.step.Params) {
				continue
			}
			markAmbiguous(&a.step, fmt.Sprintf("conflicts with %s on the same control", c.step.ID))
			markAmbiguous(&c.step, fmt.Sprintf("conflicts with %s on the same control", a.step.ID))
		}
	}
}

func markAmbiguous(s *schema.Step, reason string) {
	s.Ambiguous = true
	if s.Ambiguity == "" {
		s.Ambiguity = reason
	} else {
		s.Ambiguity += "; " + reason
	}
}

func sameParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// targetsControl reports whether the step locates a UI control.
func targetsControl(action schema.ActionKind, ev schema.RecordedEvent) bool {
	switch action {
	case schema.ActionFillField, schema.ActionClick:
		return true
	case schema.ActionWaitFor:
		return ev.Payload[actions.ParamCondition] == ""
	}
	return false
}

func locator(t schema.TargetDescriptor) string {
	loc := t.Locator()
	if t.Index != nil {
		loc += fmt.Sprintf(" >> nth=%d", *t.Index)
	}
	return loc
}

func buildParams(action schema.ActionKind, ev schema.RecordedEvent) map[string]string {
	params := make(map[string]string)
	copyParam := func(names ...string) {
		for _, n := range names {
			if v, ok := ev.Payload[n]; ok && v != "" {
				params[n] = v
			}
		}
	}
	switch action {
	case schema.ActionOpenTarget:
		copyParam(actions.ParamURL)
	case schema.ActionFillField:
		params[actions.ParamTarget] = locator(ev.Target)
		params[actions.ParamValue] = ev.Payload[actions.ParamValue]
		if params[actions.ParamValue] == "" {
			params[actions.ParamValue] = ev.Payload["text"]
		}
	case schema.ActionClick:
		params[actions.ParamTarget] = locator(ev.Target)
	case schema.ActionWaitFor:
		params[actions.ParamCondition] = ev.Payload[actions.ParamCondition]
		if params[actions.ParamCondition] == "" {
			params[actions.ParamCondition] = "visible:" + locator(ev.Target)
		}
	case schema.ActionFetchOneTime:
		copyParam(actions.ParamSenderFilter, actions.ParamWindowMinutes, actions.ParamPattern)
	case schema.ActionWriteCell:
		copyParam(actions.ParamSheet, actions.ParamRow, actions.ParamColumn, actions.ParamValue)
	}
	return params
}

// proposeBindings suggests a record placeholder for every literal param that
// exactly equals a sample value. The first matching field in sorted order
// wins; targets and conditions are never proposed.
func proposeBindings(def *schema.WorkflowDefinition, samples []map[string]string) []BindingProposal {
	if len(samples) == 0 {
		return nil
	}
	var out []BindingProposal
	for _, step := range def.Steps {
		for _, param := range sortedKeys(step.Params) {
			if param == actions.ParamTarget || param == actions.ParamCondition {
				continue
			}
			literal := step.Params[param]
			if literal == "" || strings.Contains(literal, "{{") {
				continue
			}
			if field := matchField(samples, literal); field != "" {
				out = append(out, BindingProposal{
					Field:       field,
					Placeholder: expressions.Placeholder(expressions.NamespaceRecord, field),
					StepID:      step.ID,
					Param:       param,
				})
			}
		}
	}
	return out
}

func matchField(samples []map[string]string, literal string) string {
	for _, rec := range samples {
		for _, field := range sortedKeys(rec) {
			if rec[field] == literal {
				return field
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
