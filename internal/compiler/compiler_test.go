package compiler

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

func loadLog(t *testing.T, name string) *schema.EventLog {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	log, err := schema.DecodeEventLog(data)
	require.NoError(t, err)
	return log
}

func sampleRecords() []map[string]string {
	return []map[string]string{
		{"email": "ana@example.com", "first_name": "Ana", "last_name": "Diaz"},
	}
}

func assertGolden(t *testing.T, name string, draft *Draft) {
	t.Helper()
	out, err := json.MarshalIndent(draft, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(out, '\n'))
}

func ev(kind string, target schema.TargetDescriptor, payload map[string]string) schema.RecordedEvent {
	return schema.RecordedEvent{Kind: kind, Target: target, Payload: payload}
}

func sel(s string) schema.TargetDescriptor {
	return schema.TargetDescriptor{Selector: s, Matches: 1}
}

// --- Golden ---

func TestNew_Logger(t *testing.T) {
	assert.NotNil(t, New(nil).logger)

	logger := slog.New(slog.DiscardHandler)
	assert.Same(t, logger, New(logger).logger)
}

func TestCompile_SignupGolden(t *testing.T) {
	draft, err := Compile(loadLog(t, "signup.yaml"), Options{
		WorkflowID:    "zoom-signup",
		SampleRecords: sampleRecords(),
	})
	require.NoError(t, err)
	assertGolden(t, "signup", draft)
}

// --- Event mapping ---

func TestCompile_EventMapping(t *testing.T) {
	log := &schema.EventLog{Events: []schema.RecordedEvent{
		ev("open_url", schema.TargetDescriptor{}, map[string]string{"url": "https://a"}),
		ev("mouse_click", sel("#a"), nil),
		ev("type", sel("#b"), map[string]string{"value": "x"}),
		ev("wait_for", schema.TargetDescriptor{}, map[string]string{"condition": "visible:#c"}),
		ev("fetch_code", schema.TargetDescriptor{}, map[string]string{"capture": "code", "window_minutes": "5"}),
		ev("write_cell", schema.TargetDescriptor{}, map[string]string{"sheet": "Users", "row": "2", "column": "D", "value": "done"}),
		ev("window_switch", schema.TargetDescriptor{}, nil),
		ev("clipboard_copy", schema.TargetDescriptor{}, nil),
	}}

	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)

	steps := draft.Definition.Steps
	require.Len(t, steps, 6)
	kinds := make([]schema.ActionKind, len(steps))
	for i, s := range steps {
		kinds[i] = s.Action
	}
	assert.Equal(t, []schema.ActionKind{
		schema.ActionOpenTarget, schema.ActionClick, schema.ActionFillField,
		schema.ActionWaitFor, schema.ActionFetchOneTime, schema.ActionWriteCell,
	}, kinds)

	assert.Equal(t, map[string]string{"code": ".code"}, steps[4].Captures)
	assert.Equal(t, "5", steps[4].Params["window_minutes"])
	assert.Equal(t, &schema.Assertion{Condition: "cell:Users!D:2", Expect: valueExpect}, steps[5].PostCheck)

	var noops int
	for _, d := range draft.Diagnostics {
		if d.Severity == SeverityInfo {
			noops++
		}
	}
	assert.Equal(t, 2, noops)
}

func TestCompile_UnsupportedKind(t *testing.T) {
	log := &schema.EventLog{Events: []schema.RecordedEvent{
		ev("navigate", schema.TargetDescriptor{}, map[string]string{"url": "https://a"}),
		ev("drag_drop", sel("#x"), nil),
	}}
	_, err := Compile(log, Options{WorkflowID: "w"})
	require.Error(t, err)
	se := schema.Classify(err)
	assert.Equal(t, schema.ErrCodeUnsupportedAction, se.Code)
	assert.Contains(t, se.Message, "event 1")
	assert.Contains(t, se.Message, "drag_drop")
}

func TestCompile_NothingCompilable(t *testing.T) {
	log := &schema.EventLog{Events: []schema.RecordedEvent{ev("mouse_scroll", schema.TargetDescriptor{}, nil)}}
	_, err := Compile(log, Options{WorkflowID: "w"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCompile_CheckpointOutOfRange(t *testing.T) {
	log := &schema.EventLog{
		Events:      []schema.RecordedEvent{ev("click", sel("#a"), nil)},
		Checkpoints: []schema.CheckpointMarker{{Name: "late", After: 3}},
	}
	_, err := Compile(log, Options{WorkflowID: "w"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCompile_WorkflowIDRequired(t *testing.T) {
	log := &schema.EventLog{Events: []schema.RecordedEvent{ev("click", sel("#a"), nil)}}
	_, err := Compile(log, Options{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	log.SessionID = "sess-1"
	draft, err := Compile(log, Options{})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", draft.Definition.WorkflowID)
	assert.Equal(t, "sess-1", draft.Definition.Name)
}

// --- Regions and folding ---

func TestCompile_CheckpointWithoutMutationBecomesWait(t *testing.T) {
	log := &schema.EventLog{
		Events: []schema.RecordedEvent{
			ev("navigate", schema.TargetDescriptor{}, map[string]string{"url": "https://a"}),
		},
		Checkpoints: []schema.CheckpointMarker{{Name: "loaded", After: 0}},
	}
	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)
	require.Len(t, draft.Definition.Steps, 2)
	wait := draft.Definition.Steps[1]
	assert.Equal(t, schema.ActionWaitFor, wait.Action)
	assert.Equal(t, "checkpoint:loaded", wait.Params["condition"])
}

func TestCompile_FoldOnlyWithinRegion(t *testing.T) {
	log := &schema.EventLog{
		Events: []schema.RecordedEvent{
			ev("fill", sel("#q"), map[string]string{"value": "a"}),
			ev("fill", sel("#q"), map[string]string{"value": "b"}),
			ev("fill", sel("#q"), map[string]string{"value": "c"}),
		},
		Checkpoints: []schema.CheckpointMarker{{Name: "typed", After: 1, Condition: "visible:#results"}},
	}
	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)

	steps := draft.Definition.Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "b", steps[0].Params["value"])
	assert.Equal(t, "visible:#results", steps[0].PostCheck.Condition)
	assert.Empty(t, steps[0].PostCheck.Expect)
	assert.Equal(t, "c", steps[1].Params["value"])
	assert.Equal(t, "value:#q", steps[1].PostCheck.Condition)
}

// --- Ambiguity ---

func TestCompile_AmbiguousTargets(t *testing.T) {
	idx := 1
	log := &schema.EventLog{Events: []schema.RecordedEvent{
		ev("click", schema.TargetDescriptor{}, nil),
		ev("click", schema.TargetDescriptor{Role: "link", Name: "Next", Matches: 3}, nil),
		ev("click", schema.TargetDescriptor{Role: "link", Name: "Next", Matches: 3, Index: &idx}, nil),
	}}
	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)

	steps := draft.Definition.Steps
	assert.True(t, steps[0].Ambiguous)
	assert.Contains(t, steps[0].Ambiguity, "neither selector nor name")
	assert.True(t, steps[1].Ambiguous)
	assert.False(t, steps[2].Ambiguous)
	assert.Equal(t, "link[name=Next] >> nth=1", steps[2].Params["target"])
	assert.Equal(t, []string{"step_001", "step_002"}, draft.Ambiguous())
}

func TestCompile_ConflictAcrossDistantRegions(t *testing.T) {
	log := &schema.EventLog{
		Events: []schema.RecordedEvent{
			ev("fill", sel("#plan"), map[string]string{"value": "basic"}),
			ev("click", sel("#next"), nil),
			ev("fill", sel("#plan"), map[string]string{"value": "pro"}),
		},
		Checkpoints: []schema.CheckpointMarker{
			{Name: "one", After: 0, Condition: "visible:#a"},
			{Name: "two", After: 1, Condition: "visible:#b"},
		},
	}
	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)
	steps := draft.Definition.Steps
	require.Len(t, steps, 3)
	assert.True(t, steps[0].Ambiguous)
	assert.True(t, steps[2].Ambiguous)
	assert.Contains(t, steps[0].Ambiguity, "step_003")
	assert.False(t, steps[1].Ambiguous)
}

func TestCompile_AdjacentRegionsDoNotConflict(t *testing.T) {
	log := &schema.EventLog{
		Events: []schema.RecordedEvent{
			ev("fill", sel("#plan"), map[string]string{"value": "basic"}),
			ev("fill", sel("#plan"), map[string]string{"value": "pro"}),
		},
		Checkpoints: []schema.CheckpointMarker{{Name: "one", After: 0, Condition: "visible:#a"}},
	}
	draft, err := Compile(log, Options{WorkflowID: "w"})
	require.NoError(t, err)
	assert.Empty(t, draft.Ambiguous())
}

// --- Bindings ---

func TestDraft_ConfirmBinding(t *testing.T) {
	draft, err := Compile(loadLog(t, "signup.yaml"), Options{WorkflowID: "zoom-signup", SampleRecords: sampleRecords()})
	require.NoError(t, err)
	require.Len(t, draft.Proposals, 2)

	require.NoError(t, draft.ConfirmBinding("email"))
	def := draft.Definition
	assert.Equal(t, "{{record.email}}", def.Steps[1].Params["value"])
	assert.Equal(t, []string{"email"}, def.Steps[1].RequiredInputs)
	assert.Equal(t, map[string]string{"email": "{{record.email}}"}, def.Bindings)
	require.Len(t, draft.Proposals, 1)
	assert.Equal(t, "first_name", draft.Proposals[0].Field)

	err = draft.ConfirmBinding("email")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDraft_ProposalsNeverAutoApplied(t *testing.T) {
	draft, err := Compile(loadLog(t, "signup.yaml"), Options{WorkflowID: "zoom-signup", SampleRecords: sampleRecords()})
	require.NoError(t, err)
	assert.Empty(t, draft.Definition.Bindings)
	assert.Equal(t, "ana@example.com", draft.Definition.Steps[1].Params["value"])
}

func TestDraft_ValidatesAfterConfirmation(t *testing.T) {
	draft, err := Compile(loadLog(t, "signup.yaml"), Options{WorkflowID: "zoom-signup", SampleRecords: sampleRecords()})
	require.NoError(t, err)

	wv, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(draft.Definition)
	assert.Equal(t, []string{schema.ErrCodeCompileAmbiguous}, result.Codes())

	require.NoError(t, draft.ConfirmStep("step_004"))
	require.NoError(t, draft.ConfirmBinding("email"))
	require.NoError(t, draft.ConfirmBinding("first_name"))
	result = wv.Validate(draft.Definition, validation.WithRecordFields("email", "first_name"))
	assert.True(t, result.Valid(), "%+v", result.Errors)

	assert.True(t, schema.IsCode(draft.ConfirmStep("step_999"), schema.ErrCodeNotFound))
}
