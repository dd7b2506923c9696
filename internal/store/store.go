package store

import (
	"context"

	"github.com/rendis/taskpilot/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (immutable per version)
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*WorkflowSummary, error)

	// Job runs
	CreateRun(ctx context.Context, run *JobRun, records []*RunRecord) error
	GetRun(ctx context.Context, id string) (*JobRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*JobRun, error)
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus) error
	ListRecords(ctx context.Context, runID string) ([]*RunRecord, error)

	// Audit log (append-only) and checkpoints
	AppendAudit(ctx context.Context, event *AuditEvent, cp *Checkpoint) error
	EventsSince(ctx context.Context, runID, recordKey string, since int64) ([]*AuditEvent, error)
	RunEvents(ctx context.Context, runID string) ([]*AuditEvent, error)
	GetCheckpoint(ctx context.Context, runID, recordKey string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)
	PriorTerminal(ctx context.Context, target, recordKey, excludeRunID string) (*Checkpoint, error)

	// Review queue (projection of audit events)
	ListReviewEntries(ctx context.Context, filter ReviewFilter) ([]*ReviewEntry, error)
	GetReviewEntry(ctx context.Context, runID, recordKey string) (*ReviewEntry, error)

	// Kill switch
	RequestKill(ctx context.Context, req *KillRequest) error
	GetKillRequest(ctx context.Context, runID string) (*KillRequest, error)
	ClearKill(ctx context.Context, runID string) error

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
