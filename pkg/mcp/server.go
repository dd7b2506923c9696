// Package mcp exposes taskpilot to agents over the Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskpilot/internal/compiler"
	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/internal/streaming"
	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Runner is the part of the engine the tools drive.
type Runner interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*engine.Report, error)
	Report(ctx context.Context, runID string) (*engine.Report, error)
	Kill(ctx context.Context, runID, reason, requestedBy string) error
}

// Reviewer lists and acts on review entries. Satisfied by *review.Service.
type Reviewer interface {
	List(ctx context.Context, f review.Filter) ([]*store.ReviewEntry, error)
	Act(ctx context.Context, a review.Action) (*engine.RecordOutcome, error)
}

// WorkflowSource loads saved workflow versions.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error)
}

// RecordReader loads a batch from a source path.
type RecordReader interface {
	ReadRecords(ctx context.Context, source string) ([]map[string]string, error)
}

// ServerDeps holds the dependencies of a Server. Notifier defaults to MCP
// push over the server's own sessions.
type ServerDeps struct {
	Runner    Runner
	Review    Reviewer
	Workflows WorkflowSource
	Records   RecordReader
	Validator *validation.WorkflowValidator
	Compiler  *compiler.Compiler
	Hub       streaming.EventHub
	Sessions  *SessionRegistry
	Notifier  OperatorNotifier
	Logger    *slog.Logger
}

// Server wraps an MCP server with the taskpilot tool handlers.
type Server struct {
	runner    Runner
	review    Reviewer
	workflows WorkflowSource
	records   RecordReader
	validator *validation.WorkflowValidator
	compiler  *compiler.Compiler
	hub       streaming.EventHub
	sessions  *SessionRegistry
	notifier  OperatorNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer

	ownersMu sync.RWMutex
	owners   map[string]string // run id → operator
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		runner:    deps.Runner,
		review:    deps.Review,
		workflows: deps.Workflows,
		records:   deps.Records,
		validator: deps.Validator,
		compiler:  deps.Compiler,
		hub:       deps.Hub,
		sessions:  deps.Sessions,
		logger:    logging.Default(deps.Logger),
		owners:    make(map[string]string),
	}
	if s.sessions == nil {
		s.sessions = NewSessionRegistry()
	}
	if s.compiler == nil {
		s.compiler = compiler.New(s.logger)
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"taskpilot",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("taskpilot replays recorded back-office workflows over record batches with evidence for every step. "+
			"Use taskpilot.compile to turn an event log into a draft, taskpilot.validate before running, taskpilot.run to execute a batch, "+
			"taskpilot.status for the run summary, taskpilot.review_list and taskpilot.review_act for records awaiting an operator, "+
			"and taskpilot.kill to stop a run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEServer returns an SSE transport for the server. Operators reached
// through it receive run notifications.
func (s *Server) SSEServer(baseURL string) *server.SSEServer {
	return server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
}

// MCPServer returns the underlying MCPServer.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: reviewListTool(), Handler: s.handleReviewList},
		{Tool: reviewActTool(), Handler: s.handleReviewAct},
		{Tool: killTool(), Handler: s.handleKill},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: compileTool(), Handler: s.handleCompile},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("taskpilot.run",
		mcp.WithDescription("Run a workflow over a batch of records"),
		mcp.WithObject("workflow", mcp.Description("Inline workflow definition")),
		mcp.WithString("workflow_id", mcp.Description("ID of a saved workflow (when workflow is omitted)")),
		mcp.WithNumber("version", mcp.Description("Version of the saved workflow")),
		mcp.WithArray("records", mcp.Description("Record batch as an array of flat objects")),
		mcp.WithString("source", mcp.Description("Path of a JSON or YAML record file (when records is omitted)")),
		mcp.WithString("target", mcp.Description("Target system name used for idempotency")),
		mcp.WithString("mode", mcp.Enum(string(schema.ModeDryRun), string(schema.ModeLive)), mcp.Description("Run mode (default: dry-run)")),
		mcp.WithString("scope", mcp.Enum(string(schema.ScopeRun), string(schema.ScopeTarget)), mcp.Description("Idempotency scope")),
		mcp.WithNumber("threshold", mcp.Description("Safe-stop failure rate between 0 and 1")),
		mcp.WithNumber("min_sample", mcp.Description("Smallest denominator for the failure rate")),
		mcp.WithString("operator", mcp.Required(), mcp.Description("Operator starting the run; receives review notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("taskpilot.status",
		mcp.WithDescription("Get the summary of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func reviewListTool() mcp.Tool {
	return mcp.NewTool("taskpilot.review_list",
		mcp.WithDescription("List records awaiting an operator"),
		mcp.WithString("run_id", mcp.Description("Restrict to one run")),
		mcp.WithString("status", mcp.Enum(store.ReviewOpen, store.ReviewClosed, "all"), mcp.Description("Entry status (default: open)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries")),
	)
}

func reviewActTool() mcp.Tool {
	return mcp.NewTool("taskpilot.review_act",
		mcp.WithDescription("Retry, skip or resolve a record awaiting an operator"),
		mcp.WithString("action", mcp.Required(), mcp.Enum(review.ActionRetry, review.ActionSkip, review.ActionResolve)),
		mcp.WithString("run_id", mcp.Required()),
		mcp.WithString("record_key", mcp.Required()),
		mcp.WithString("status",
			mcp.Enum(string(schema.RecordStatusSuccess), string(schema.RecordStatusFailed), string(schema.RecordStatusSkipped)),
			mcp.Description("Final status (resolve only)")),
		mcp.WithString("operator", mcp.Required()),
		mcp.WithString("note", mcp.Description("Reason recorded in the audit log")),
	)
}

func killTool() mcp.Tool {
	return mcp.NewTool("taskpilot.kill",
		mcp.WithDescription("Stop a run; records pause at their last checkpoint"),
		mcp.WithString("run_id", mcp.Required()),
		mcp.WithString("reason", mcp.Description("Why the run is stopped")),
		mcp.WithString("operator", mcp.Required()),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("taskpilot.validate",
		mcp.WithDescription("Validate a workflow definition and report every violation"),
		mcp.WithObject("workflow", mcp.Description("Workflow definition object")),
		mcp.WithString("document", mcp.Description("Workflow definition as JSON or YAML text")),
		mcp.WithArray("record_fields", mcp.Description("Columns the record batch provides"), mcp.WithStringItems()),
	)
}

func compileTool() mcp.Tool {
	return mcp.NewTool("taskpilot.compile",
		mcp.WithDescription("Compile a recorded event log into a draft workflow"),
		mcp.WithObject("event_log", mcp.Description("Event log object")),
		mcp.WithString("document", mcp.Description("Event log as JSON or YAML text")),
		mcp.WithString("workflow_id", mcp.Required()),
		mcp.WithString("name"),
		mcp.WithNumber("version", mcp.Description("Workflow version (default: 1)")),
		mcp.WithString("business_key", mcp.Description("Record field used as the business key")),
		mcp.WithArray("sample_records", mcp.Description("Sample records used to propose bindings")),
	)
}
