// Package review is the operator surface over records that ended in
// needs_review or failed. Every action is appended to the audit log through
// the engine; nothing here rewrites history.
package review

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Operator is the part of the engine the review queue drives.
type Operator interface {
	RetryRecord(ctx context.Context, runID, key, operator, note string) (*engine.RecordOutcome, error)
	SkipRecord(ctx context.Context, runID, key, operator, note string) (*engine.RecordOutcome, error)
	ResolveRecord(ctx context.Context, runID, key string, status schema.RecordStatus, operator, note string) (*engine.RecordOutcome, error)
}

// Queue is the read side of the review projection.
type Queue interface {
	ListReviewEntries(ctx context.Context, filter store.ReviewFilter) ([]*store.ReviewEntry, error)
}

// Action kinds accepted by Act.
const (
	ActionRetry   = "retry"
	ActionSkip    = "skip"
	ActionResolve = "resolve"
)

// Filter selects review entries. Status is open, closed or all; empty means
// open.
type Filter struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Action is one operator decision on a review entry.
type Action struct {
	Kind     string              `json:"action"`
	RunID    string              `json:"run_id"`
	Key      string              `json:"record_key"`
	Status   schema.RecordStatus `json:"status,omitempty"`
	Operator string              `json:"operator"`
	Note     string              `json:"note,omitempty"`
}

// Service lists and acts on review entries.
type Service struct {
	queue    Queue
	operator Operator
	logger   *slog.Logger
}

// NewService creates a review service.
func NewService(queue Queue, operator Operator, logger *slog.Logger) *Service {
	return &Service{queue: queue, operator: operator, logger: logging.Default(logger)}
}

// List returns review entries oldest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*store.ReviewEntry, error) {
	status := strings.ToLower(strings.TrimSpace(f.Status))
	switch status {
	case "":
		status = store.ReviewOpen
	case store.ReviewOpen, store.ReviewClosed:
	case "all":
		status = ""
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"review status must be open, closed or all, got %q", f.Status)
	}
	if f.Limit < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "limit must not be negative")
	}
	entries, err := s.queue.ListReviewEntries(ctx, store.ReviewFilter{RunID: f.RunID, Status: status, Limit: f.Limit})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list review entries: %s", err.Error()).WithCause(err)
	}
	return entries, nil
}

// Retry reopens the record at its failed step and runs it again.
func (s *Service) Retry(ctx context.Context, runID, key, operator, note string) (*engine.RecordOutcome, error) {
	return s.Act(ctx, Action{Kind: ActionRetry, RunID: runID, Key: key, Operator: operator, Note: note})
}

// Skip closes the record as skipped.
func (s *Service) Skip(ctx context.Context, runID, key, operator, note string) (*engine.RecordOutcome, error) {
	return s.Act(ctx, Action{Kind: ActionSkip, RunID: runID, Key: key, Operator: operator, Note: note})
}

// Resolve closes the record with a status the operator established.
func (s *Service) Resolve(ctx context.Context, runID, key string, status schema.RecordStatus, operator, note string) (*engine.RecordOutcome, error) {
	return s.Act(ctx, Action{Kind: ActionResolve, RunID: runID, Key: key, Status: status, Operator: operator, Note: note})
}

// Act applies a.
func (s *Service) Act(ctx context.Context, a Action) (*engine.RecordOutcome, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithOperator(logging.WithRecordKey(logging.WithRunID(ctx, a.RunID), a.Key), a.Operator)

	var (
		out *engine.RecordOutcome
		err error
	)
	switch a.Kind {
	case ActionRetry:
		out, err = s.operator.RetryRecord(ctx, a.RunID, a.Key, a.Operator, a.Note)
	case ActionSkip:
		out, err = s.operator.SkipRecord(ctx, a.RunID, a.Key, a.Operator, a.Note)
	case ActionResolve:
		out, err = s.operator.ResolveRecord(ctx, a.RunID, a.Key, a.Status, a.Operator, a.Note)
	}
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("review action rejected", "action", a.Kind, "error", err)
		return nil, err
	}
	logging.LogWith(ctx, s.logger).Info("review action applied", "action", a.Kind, "status", out.Status)
	return out, nil
}

func (a Action) validate() error {
	var missing []string
	if a.RunID == "" {
		missing = append(missing, "run_id")
	}
	if strings.TrimSpace(a.Key) == "" {
		missing = append(missing, "record_key")
	}
	if strings.TrimSpace(a.Operator) == "" {
		missing = append(missing, "operator")
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "review action is missing %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	switch a.Kind {
	case ActionRetry, ActionSkip:
	case ActionResolve:
		if a.Status == schema.RecordStatusPending {
			return schema.NewError(schema.ErrCodeValidation, "resolve requires a status")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown review action %q", a.Kind)
	}
	return nil
}
