package schema

// Audit event types. Every state transition of a run, record or step
// attempt is appended as exactly one of these.
const (
	EventRunStarted     = "run_started"
	EventRunResumed     = "run_resumed"
	EventRunCompleted   = "run_completed"
	EventRunSafeStopped = "run_safe_stopped"
	EventRunAborted     = "run_aborted"

	EventRecordStarted     = "record_started"
	EventRecordSucceeded   = "record_succeeded"
	EventRecordFailed      = "record_failed"
	EventRecordNeedsReview = "record_needs_review"
	EventRecordSkipped     = "record_skipped"
	EventRecordResolved    = "record_resolved"
	EventRecordReopened    = "record_reopened"

	EventStepAttemptStarted = "step_attempt_started"
	EventStepPreChecking    = "step_prechecking"
	EventStepActing         = "step_acting"
	EventStepPostChecking   = "step_postchecking"
	EventStepSucceeded      = "step_succeeded"
	EventStepFailed         = "step_failed"
	EventStepRetryScheduled = "step_retry_scheduled"
)

// CheckpointEvents are the event types that advance a record's checkpoint in
// the same transaction as their append.
var CheckpointEvents = map[string]bool{
	EventRecordStarted:     true,
	EventStepSucceeded:     true,
	EventStepFailed:        true,
	EventRecordSucceeded:   true,
	EventRecordFailed:      true,
	EventRecordNeedsReview: true,
	EventRecordSkipped:     true,
	EventRecordResolved:    true,
	EventRecordReopened:    true,
}

// RunStatus is the lifecycle state of a JobRun.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSafeStopped RunStatus = "safe_stopped"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusAborted     RunStatus = "aborted"
)

// RecordStatus is the lifecycle state of a record within a run. The empty
// value means the record has not reached a terminal status.
type RecordStatus string

const (
	RecordStatusPending     RecordStatus = ""
	RecordStatusSuccess     RecordStatus = "success"
	RecordStatusFailed      RecordStatus = "failed"
	RecordStatusNeedsReview RecordStatus = "needs_review"
	RecordStatusSkipped     RecordStatus = "skipped"
)

// Terminal reports whether the status ends processing of the record.
func (s RecordStatus) Terminal() bool {
	return s != RecordStatusPending
}

// StepStatus is the state of the current step attempt.
type StepStatus string

const (
	StepStatusPending      StepStatus = "pending"
	StepStatusPreChecking  StepStatus = "prechecking"
	StepStatusActing       StepStatus = "acting"
	StepStatusPostChecking StepStatus = "postchecking"
	StepStatusSucceeded    StepStatus = "succeeded"
	StepStatusFailed       StepStatus = "failed"
)

// RunMode selects whether connectors may cause side effects.
type RunMode string

const (
	ModeDryRun RunMode = "dry-run"
	ModeLive   RunMode = "live"
)

// IdempotencyScope selects how far back the idempotency guard looks.
type IdempotencyScope string

const (
	ScopeRun    IdempotencyScope = "run"
	ScopeTarget IdempotencyScope = "target"
)
