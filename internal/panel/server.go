// Package panel serves the operator HTTP API: read-only views of runs,
// review entries and schedules, the operator actions, and a Server-Sent
// Events stream of the audit log.
package panel

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/internal/streaming"
)

// Runner is the part of the engine the panel drives.
type Runner interface {
	Report(ctx context.Context, runID string) (*engine.Report, error)
	Kill(ctx context.Context, runID, reason, requestedBy string) error
}

// Reviewer lists and acts on review entries.
type Reviewer interface {
	List(ctx context.Context, f review.Filter) ([]*store.ReviewEntry, error)
	Act(ctx context.Context, a review.Action) (*engine.RecordOutcome, error)
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Store  store.Store
	Runner Runner
	Review Reviewer
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// PanelServer serves the operator API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	deps.Logger = logging.Default(deps.Logger)
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunReport)
	mux.HandleFunc("POST /api/runs/{id}/kill", s.handleKillRun)

	mux.HandleFunc("GET /api/review", s.handleReviewList)
	mux.HandleFunc("POST /api/review/{run}/{key}/{action}", s.handleReviewAct)

	mux.HandleFunc("GET /api/schedules", s.handleSchedules)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
