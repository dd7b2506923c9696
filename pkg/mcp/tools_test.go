package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

// --- Mocks ---

type mockRunner struct {
	mu       sync.Mutex
	started  []engine.StartRequest
	killed   []string
	startErr error
	reports  map[string]*engine.Report
}

func newMockRunner() *mockRunner {
	return &mockRunner{reports: make(map[string]*engine.Report)}
}

func (m *mockRunner) StartRun(_ context.Context, req engine.StartRequest) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	r := &engine.Report{
		RunID:        req.RunID,
		WorkflowID:   req.Definition.WorkflowID,
		Mode:         req.Mode,
		Status:       schema.RunStatusCompleted,
		TotalRecords: len(req.Records),
	}
	m.reports[req.RunID] = r
	return r, nil
}

func (m *mockRunner) Report(_ context.Context, runID string) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	return r, nil
}

func (m *mockRunner) Kill(_ context.Context, runID, _, requestedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[runID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	m.killed = append(m.killed, runID+"/"+requestedBy)
	return nil
}

type mockReviewer struct {
	entries []*store.ReviewEntry
	acted   []review.Action
	actErr  error
}

func (m *mockReviewer) List(_ context.Context, f review.Filter) ([]*store.ReviewEntry, error) {
	var out []*store.ReviewEntry
	for _, e := range m.entries {
		if f.RunID != "" && e.RunID != f.RunID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *mockReviewer) Act(_ context.Context, a review.Action) (*engine.RecordOutcome, error) {
	m.acted = append(m.acted, a)
	if m.actErr != nil {
		return nil, m.actErr
	}
	return &engine.RecordOutcome{Key: a.Key, Status: schema.RecordStatusSkipped}, nil
}

type mockWorkflows map[string]*schema.WorkflowDefinition

func (m mockWorkflows) GetWorkflow(_ context.Context, id string, _ int) (*schema.WorkflowDefinition, error) {
	if def, ok := m[id]; ok {
		return def, nil
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

type mockRecords []map[string]string

func (m mockRecords) ReadRecords(context.Context, string) ([]map[string]string, error) {
	return m, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, runner *mockRunner, reviewer *mockReviewer) *Server {
	t.Helper()
	v, err := validation.NewWorkflowValidator(actions.NewDefaultRegistry())
	require.NoError(t, err)
	return NewServer(ServerDeps{
		Runner:    runner,
		Review:    reviewer,
		Workflows: mockWorkflows{"wf-saved": workflowDoc()},
		Records:   mockRecords{{"email": "a@x.com"}},
		Validator: v,
	})
}

func workflowDoc() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: "wf-saved",
		Version:    1,
		Steps: []schema.Step{{
			ID:     "step_001",
			Action: schema.ActionOpenTarget,
			Params: map[string]string{"url": "https://admin.example.com"},
			Retry:  schema.RetryPolicy{MaxAttempts: 1},
		}},
	}
}

func inlineWorkflow(withPostCheck bool) map[string]any {
	step := map[string]any{
		"id":     "step_001",
		"action": "click",
		"params": map[string]any{"target": "#save"},
		"retry":  map[string]any{"max_attempts": 2, "backoff_seconds": 0},
	}
	if withPostCheck {
		step["post_check"] = map[string]any{"condition": "visible:#saved", "expect": "evidence.visible == true"}
	}
	return map[string]any{
		"workflow_id": "wf-inline",
		"version":     1,
		"steps":       []any{step},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

// --- run ---

func TestRunTool_InlineWorkflowAndRecords(t *testing.T) {
	runner := newMockRunner()
	s := newTestServer(t, runner, &mockReviewer{})

	threshold := 0.25
	result, err := s.handleRun(context.Background(), buildRequest("taskpilot.run", map[string]any{
		"workflow":   inlineWorkflow(true),
		"records":    []any{map[string]any{"email": "a@x.com", "row": 2}},
		"target":     "admin",
		"mode":       "live",
		"scope":      "target",
		"threshold":  threshold,
		"min_sample": 5,
		"operator":   "ops-1",
	}))
	require.NoError(t, err)

	var report engine.Report
	unmarshalResult(t, result, &report)
	assert.Equal(t, "wf-inline", report.WorkflowID)
	assert.Equal(t, schema.ModeLive, report.Mode)
	assert.Equal(t, 1, report.TotalRecords)

	require.Len(t, runner.started, 1)
	req := runner.started[0]
	assert.NotEmpty(t, req.RunID)
	assert.Equal(t, "admin", req.Target)
	assert.Equal(t, schema.ScopeTarget, req.Options.Scope)
	assert.Equal(t, 5, req.Options.MinSample)
	require.NotNil(t, req.Options.Threshold)
	assert.InDelta(t, threshold, *req.Options.Threshold, 1e-9)
	assert.Equal(t, "2", req.Records[0]["row"], "record values are flattened to strings")

	assert.Equal(t, "ops-1", s.owner(req.RunID), "operator owns the run for notifications")
}

func TestRunTool_SavedWorkflowAndSource(t *testing.T) {
	runner := newMockRunner()
	s := newTestServer(t, runner, &mockReviewer{})

	result, err := s.handleRun(context.Background(), buildRequest("taskpilot.run", map[string]any{
		"workflow_id": "wf-saved",
		"source":      "users.yaml",
		"operator":    "ops-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.started, 1)
	assert.Equal(t, "wf-saved", runner.started[0].Definition.WorkflowID)
	assert.Equal(t, []map[string]string{{"email": "a@x.com"}}, runner.started[0].Records)
	assert.Empty(t, string(runner.started[0].Mode), "engine applies the dry-run default")
}

func TestRunTool_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing operator", map[string]any{"workflow_id": "wf-saved", "source": "x"}, "operator is required"},
		{"missing workflow", map[string]any{"source": "x", "operator": "ops"}, "workflow or workflow_id is required"},
		{"unknown workflow", map[string]any{"workflow_id": "nope", "source": "x", "operator": "ops"}, schema.ErrCodeNotFound},
		{"missing records", map[string]any{"workflow_id": "wf-saved", "operator": "ops"}, "records or source is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := newMockRunner()
			s := newTestServer(t, runner, &mockReviewer{})
			result, err := s.handleRun(context.Background(), buildRequest("taskpilot.run", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
			assert.Empty(t, runner.started)
		})
	}
}

func TestRunTool_StartFailureForgetsOwner(t *testing.T) {
	runner := newMockRunner()
	runner.startErr = schema.NewError(schema.ErrCodeValidation, "workflow invalid")
	s := newTestServer(t, runner, &mockReviewer{})

	result, err := s.handleRun(context.Background(), buildRequest("taskpilot.run", map[string]any{
		"workflow_id": "wf-saved",
		"source":      "users.yaml",
		"operator":    "ops-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "["+schema.ErrCodeValidation+"] workflow invalid")

	require.Len(t, runner.started, 1)
	assert.Empty(t, s.owner(runner.started[0].RunID))
}

// --- status / kill ---

func TestStatusTool(t *testing.T) {
	runner := newMockRunner()
	runner.reports["run-1"] = &engine.Report{RunID: "run-1", Status: schema.RunStatusSafeStopped, SafeStopped: true}
	s := newTestServer(t, runner, &mockReviewer{})

	result, err := s.handleStatus(context.Background(), buildRequest("taskpilot.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	var report engine.Report
	unmarshalResult(t, result, &report)
	assert.Equal(t, schema.RunStatusSafeStopped, report.Status)
	assert.True(t, report.SafeStopped)

	result, err = s.handleStatus(context.Background(), buildRequest("taskpilot.status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleStatus(context.Background(), buildRequest("taskpilot.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestKillTool(t *testing.T) {
	runner := newMockRunner()
	runner.reports["run-1"] = &engine.Report{RunID: "run-1"}
	s := newTestServer(t, runner, &mockReviewer{})

	result, err := s.handleKill(context.Background(), buildRequest("taskpilot.kill", map[string]any{
		"run_id":   "run-1",
		"reason":   "wrong sheet",
		"operator": "ops-2",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"run-1/ops-2"}, runner.killed)

	result, err = s.handleKill(context.Background(), buildRequest("taskpilot.kill", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "operator is required")
}

// --- review ---

func TestReviewListTool(t *testing.T) {
	reviewer := &mockReviewer{entries: []*store.ReviewEntry{
		{RunID: "run-1", RecordKey: "b@x.com", Status: store.ReviewOpen, ErrorCode: schema.ErrCodePermissionDenied},
		{RunID: "run-2", RecordKey: "c@x.com", Status: store.ReviewOpen},
	}}
	s := newTestServer(t, newMockRunner(), reviewer)

	result, err := s.handleReviewList(context.Background(), buildRequest("taskpilot.review_list", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)

	var out struct {
		Entries []store.ReviewEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "b@x.com", out.Entries[0].RecordKey)
}

func TestReviewActTool(t *testing.T) {
	reviewer := &mockReviewer{}
	s := newTestServer(t, newMockRunner(), reviewer)

	result, err := s.handleReviewAct(context.Background(), buildRequest("taskpilot.review_act", map[string]any{
		"action":     "resolve",
		"run_id":     "run-1",
		"record_key": "b@x.com",
		"status":     "failed",
		"operator":   "ops-1",
		"note":       "account closed",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, reviewer.acted, 1)
	a := reviewer.acted[0]
	assert.Equal(t, review.ActionResolve, a.Kind)
	assert.Equal(t, "b@x.com", a.Key)
	assert.Equal(t, schema.RecordStatusFailed, a.Status)
	assert.Equal(t, "account closed", a.Note)
}

func TestReviewActTool_Errors(t *testing.T) {
	reviewer := &mockReviewer{actErr: schema.NewError(schema.ErrCodeConflict, "record is not awaiting an operator")}
	s := newTestServer(t, newMockRunner(), reviewer)

	result, err := s.handleReviewAct(context.Background(), buildRequest("taskpilot.review_act", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "action is required")

	result, err = s.handleReviewAct(context.Background(), buildRequest("taskpilot.review_act", map[string]any{
		"action": "skip", "run_id": "run-1", "record_key": "a@x.com", "operator": "ops",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "review skip failed: [conflict]")
}

// --- validate ---

func TestValidateTool(t *testing.T) {
	s := newTestServer(t, newMockRunner(), &mockReviewer{})

	t.Run("valid object", func(t *testing.T) {
		result, err := s.handleValidate(context.Background(), buildRequest("taskpilot.validate", map[string]any{
			"workflow": inlineWorkflow(true),
		}))
		require.NoError(t, err)
		var out struct {
			Valid      bool   `json:"valid"`
			WorkflowID string `json:"workflow_id"`
		}
		unmarshalResult(t, result, &out)
		assert.True(t, out.Valid)
		assert.Equal(t, "wf-inline", out.WorkflowID)
	})

	t.Run("mutating step without post_check", func(t *testing.T) {
		result, err := s.handleValidate(context.Background(), buildRequest("taskpilot.validate", map[string]any{
			"workflow": inlineWorkflow(false),
		}))
		require.NoError(t, err)
		var out struct {
			Valid  bool                     `json:"valid"`
			Errors []schema.ValidationIssue `json:"errors"`
		}
		unmarshalResult(t, result, &out)
		assert.False(t, out.Valid)
		require.NotEmpty(t, out.Errors)
		assert.Equal(t, validation.CodeMissingPostCheck, out.Errors[0].Code)
	})

	t.Run("unbound input checked against record fields", func(t *testing.T) {
		doc := `
workflow_id: wf-yaml
version: 1
steps:
  - id: step_001
    action: fill-field
    params: {target: "#email", value: "{{record.email}}"}
    required_inputs: [email]
    post_check: {condition: "text:#email", expect: "evidence.text == record.email"}
    retry: {max_attempts: 1, backoff_seconds: 0}
`
		result, err := s.handleValidate(context.Background(), buildRequest("taskpilot.validate", map[string]any{
			"document": doc,
		}))
		require.NoError(t, err)
		var out struct {
			Valid bool `json:"valid"`
		}
		unmarshalResult(t, result, &out)
		assert.False(t, out.Valid)

		result, err = s.handleValidate(context.Background(), buildRequest("taskpilot.validate", map[string]any{
			"document":      doc,
			"record_fields": []any{"email"},
		}))
		require.NoError(t, err)
		unmarshalResult(t, result, &out)
		assert.True(t, out.Valid)
	})

	t.Run("missing document", func(t *testing.T) {
		result, err := s.handleValidate(context.Background(), buildRequest("taskpilot.validate", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

// --- compile ---

const recordedLog = `
session_id: teach-01
events:
  - kind: navigate
    target: {}
    payload: {url: "https://admin.example.com/users"}
    timestamp: 2026-03-01T10:00:00Z
  - kind: fill
    target: {selector: "#email", matches: 1}
    payload: {value: "ana@example.com"}
    timestamp: 2026-03-01T10:00:02Z
  - kind: click
    target: {role: button, name: "Save", matches: 2}
    timestamp: 2026-03-01T10:00:04Z
`

func TestCompileTool(t *testing.T) {
	s := newTestServer(t, newMockRunner(), &mockReviewer{})

	result, err := s.handleCompile(context.Background(), buildRequest("taskpilot.compile", map[string]any{
		"document":       recordedLog,
		"workflow_id":    "wf-users",
		"sample_records": []any{map[string]any{"email": "ana@example.com"}},
	}))
	require.NoError(t, err)

	var out struct {
		Draft struct {
			Definition schema.WorkflowDefinition `json:"definition"`
			Proposals  []struct {
				Field string `json:"field"`
			} `json:"proposals"`
		} `json:"draft"`
		Ambiguous []string `json:"ambiguous"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "wf-users", out.Draft.Definition.WorkflowID)
	assert.NotEmpty(t, out.Draft.Definition.Steps)
	assert.NotEmpty(t, out.Ambiguous, "click matched two elements")
	require.NotEmpty(t, out.Draft.Proposals)
	assert.Equal(t, "email", out.Draft.Proposals[0].Field)
}

func TestCompileTool_Errors(t *testing.T) {
	s := newTestServer(t, newMockRunner(), &mockReviewer{})

	result, err := s.handleCompile(context.Background(), buildRequest("taskpilot.compile", map[string]any{
		"document": recordedLog,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow_id is required")

	result, err = s.handleCompile(context.Background(), buildRequest("taskpilot.compile", map[string]any{
		"document":    "events: [",
		"workflow_id": "wf",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}
