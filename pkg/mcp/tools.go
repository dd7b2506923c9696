package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskpilot/internal/compiler"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

// handleRun starts a run and returns its report once it stops.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operator, err := req.RequireString("operator")
	if err != nil {
		return mcp.NewToolResultError("operator is required"), nil
	}
	s.captureSession(ctx, operator)

	def, err := s.resolveWorkflow(ctx, req)
	if err != nil {
		return toolError("workflow", err), nil
	}
	records, err := s.resolveRecords(ctx, req)
	if err != nil {
		return toolError("records", err), nil
	}

	opts := engine.RunOptions{
		Scope:     schema.IdempotencyScope(req.GetString("scope", "")),
		MinSample: req.GetInt("min_sample", 0),
	}
	if v, ok := req.GetArguments()["threshold"].(float64); ok {
		opts.Threshold = &v
	}

	runID := uuid.Must(uuid.NewV7()).String()
	s.claim(runID, operator)
	ctx = logging.WithOperator(logging.WithRunID(ctx, runID), operator)

	report, err := s.runner.StartRun(ctx, engine.StartRequest{
		Definition: def,
		Records:    records,
		Target:     req.GetString("target", ""),
		Mode:       schema.RunMode(req.GetString("mode", "")),
		RunID:      runID,
		Options:    opts,
	})
	if err != nil {
		s.forget(runID)
		return toolError("run", err), nil
	}
	return marshalResult(report)
}

// handleStatus returns the report of a run folded from the store.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	report, err := s.runner.Report(ctx, runID)
	if err != nil {
		return toolError("status", err), nil
	}
	return marshalResult(report)
}

func (s *Server) handleReviewList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.review.List(ctx, review.Filter{
		RunID:  req.GetString("run_id", ""),
		Status: req.GetString("status", ""),
		Limit:  req.GetInt("limit", 0),
	})
	if err != nil {
		return toolError("review list", err), nil
	}
	return marshalResult(map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleReviewAct(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	operator := req.GetString("operator", "")
	if operator != "" {
		s.captureSession(ctx, operator)
	}

	out, err := s.review.Act(ctx, review.Action{
		Kind:     action,
		RunID:    req.GetString("run_id", ""),
		Key:      req.GetString("record_key", ""),
		Status:   schema.RecordStatus(req.GetString("status", "")),
		Operator: operator,
		Note:     req.GetString("note", ""),
	})
	if err != nil {
		return toolError("review "+action, err), nil
	}
	return marshalResult(out)
}

func (s *Server) handleKill(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	operator, err := req.RequireString("operator")
	if err != nil {
		return mcp.NewToolResultError("operator is required"), nil
	}
	s.captureSession(ctx, operator)

	if err := s.runner.Kill(ctx, runID, req.GetString("reason", ""), operator); err != nil {
		return toolError("kill", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleValidate reports every violation at once; an invalid definition is a
// successful call with valid=false.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}
	data, err := documentArg(req, "workflow")
	if err != nil {
		return toolError("validate", err), nil
	}
	opts := []validation.Option{validation.WithRecordFields(req.GetStringSlice("record_fields", nil)...)}
	def, result := s.validator.ValidateDocument(data, opts...)

	out := map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	}
	if def != nil {
		out["workflow_id"] = def.WorkflowID
		out["version"] = def.Version
	}
	return marshalResult(out)
}

func (s *Server) handleCompile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	data, err := documentArg(req, "event_log")
	if err != nil {
		return toolError("compile", err), nil
	}
	log, err := schema.DecodeEventLog(data)
	if err != nil {
		return toolError("compile", schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)), nil
	}

	var samples []map[string]string
	if raw, ok := req.GetArguments()["sample_records"]; ok {
		if samples, err = decodeRecords(raw); err != nil {
			return toolError("compile", err), nil
		}
	}

	draft, err := s.compiler.Compile(log, compiler.Options{
		WorkflowID:    workflowID,
		Name:          req.GetString("name", ""),
		Version:       req.GetInt("version", 1),
		BusinessKey:   req.GetString("business_key", ""),
		SampleRecords: samples,
	})
	if err != nil {
		return toolError("compile", err), nil
	}
	return marshalResult(map[string]any{
		"draft":     draft,
		"ambiguous": draft.Ambiguous(),
	})
}

// --- Helpers ---

// resolveWorkflow returns the inline workflow argument, or the saved version
// named by workflow_id and version.
func (s *Server) resolveWorkflow(ctx context.Context, req mcp.CallToolRequest) (*schema.WorkflowDefinition, error) {
	if _, ok := req.GetArguments()["workflow"]; ok {
		data, err := documentArg(req, "workflow")
		if err != nil {
			return nil, err
		}
		def, err := schema.DecodeWorkflow(data)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		return def, nil
	}
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow or workflow_id is required")
	}
	if s.workflows == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no workflow store configured")
	}
	return s.workflows.GetWorkflow(ctx, workflowID, req.GetInt("version", 1))
}

func (s *Server) resolveRecords(ctx context.Context, req mcp.CallToolRequest) ([]map[string]string, error) {
	if raw, ok := req.GetArguments()["records"]; ok {
		return decodeRecords(raw)
	}
	source := req.GetString("source", "")
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "records or source is required")
	}
	if s.records == nil {
		return nil, schema.NewError(schema.ErrCodeConnector, "no record reader configured")
	}
	return s.records.ReadRecords(ctx, source)
}

// documentArg returns the object argument key, or the document text
// argument, as bytes for the JSON/YAML decoders.
func documentArg(req mcp.CallToolRequest, key string) ([]byte, error) {
	args := req.GetArguments()
	if obj, ok := args[key]; ok && obj != nil {
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %s", key, err.Error())
		}
		return data, nil
	}
	if doc, ok := args["document"].(string); ok && doc != "" {
		return []byte(doc), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s or document is required", key)
}

func decodeRecords(raw any) ([]map[string]string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid records: %s", err.Error())
	}
	return connector.DecodeRecords(data)
}

// captureSession binds the operator to its current MCP session for
// notifications.
func (s *Server) captureSession(ctx context.Context, operator string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operator, session.SessionID())
	}
}

// toolError renders err as a tool error result carrying its code.
func toolError(op string, err error) *mcp.CallToolResult {
	se := schema.Classify(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: [%s] %s", op, se.Code, se.Message))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
