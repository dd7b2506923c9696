package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/taskpilot/pkg/schema"
)

// WorkflowSummary lists a stored workflow version without its steps.
type WorkflowSummary struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	Name       string    `json:"name"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobRun is one execution of a workflow version over a record batch.
// Counters are not persisted; they are folded from the audit log.
type JobRun struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	Digest          string           `json:"digest"`
	Target          string           `json:"target,omitempty"`
	Mode            schema.RunMode   `json:"mode"`
	Status          schema.RunStatus `json:"status"`
	TotalRecords    int              `json:"total_records"`
	Options         json.RawMessage  `json:"options,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// RunRecord is one input row of a run, in batch order.
type RunRecord struct {
	RunID    string            `json:"run_id"`
	Position int               `json:"position"`
	Key      string            `json:"key"`
	Fields   map[string]string `json:"fields"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string
	Target     string
	Status     *schema.RunStatus
	Limit      int
}

// AuditEvent is an immutable transition fact. Sequence is contiguous per
// (RunID, RecordKey); run-level events carry an empty RecordKey.
type AuditEvent struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	RecordKey   string          `json:"record_key,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Attempt     int             `json:"attempt,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Checkpoint is the last committed audit offset for a record plus an opaque
// snapshot of the record state at that offset. Status mirrors the snapshot so
// idempotency checks need not decode it.
type Checkpoint struct {
	RunID     string              `json:"run_id"`
	RecordKey string              `json:"record_key"`
	Offset    int64               `json:"offset"`
	Status    schema.RecordStatus `json:"status,omitempty"`
	Snapshot  json.RawMessage     `json:"snapshot"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ReviewEntry is an open or closed item in the review queue.
type ReviewEntry struct {
	RunID       string     `json:"run_id"`
	RecordKey   string     `json:"record_key"`
	StepID      string     `json:"step_id,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	EvidenceRef string     `json:"evidence_ref,omitempty"`
	Message     string     `json:"message,omitempty"`
	Status      string     `json:"status"` // open | closed
	Disposition string     `json:"disposition,omitempty"`
	Operator    string     `json:"operator,omitempty"`
	Note        string     `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Review entry states.
const (
	ReviewOpen   = "open"
	ReviewClosed = "closed"
)

// ReviewFilter specifies criteria for listing review entries.
type ReviewFilter struct {
	RunID  string
	Status string
	Limit  int
}

// ReviewPayload is the subset of an audit payload the review projection reads.
type ReviewPayload struct {
	Message string `json:"message,omitempty"`
	Note    string `json:"note,omitempty"`
}

// KillRequest is a durable cancellation signal for a run.
type KillRequest struct {
	RunID       string    `json:"run_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Schedule triggers runs of a workflow on a cron expression.
type Schedule struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	Source          string         `json:"source"`
	Target          string         `json:"target,omitempty"`
	Mode            schema.RunMode `json:"mode"`
	CronExpression  string         `json:"cron_expression"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastRunID       string         `json:"last_run_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled *bool
}

// ScheduleUpdate holds the mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
	LastRunID     string
}
