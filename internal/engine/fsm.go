package engine

import (
	"context"
	"slices"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Emitter appends an audit event and applies it to whatever state it
// belongs to. Transitions are only visible once the emit succeeds.
type Emitter interface {
	Emit(ctx context.Context, event *store.AuditEvent) error
}

// --- Step FSM ---

// ValidStepTransitions is the attempt state machine. failed -> pending is a
// scheduled retry of the same step.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:      {schema.StepStatusPreChecking},
	schema.StepStatusPreChecking:  {schema.StepStatusActing, schema.StepStatusFailed},
	schema.StepStatusActing:       {schema.StepStatusPostChecking, schema.StepStatusFailed},
	schema.StepStatusPostChecking: {schema.StepStatusSucceeded, schema.StepStatusFailed},
	schema.StepStatusFailed:       {schema.StepStatusPending},
	schema.StepStatusSucceeded:    {},
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusPreChecking:
		return schema.EventStepPreChecking
	case schema.StepStatusActing:
		return schema.EventStepActing
	case schema.StepStatusPostChecking:
		return schema.EventStepPostChecking
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusPending:
		if from == schema.StepStatusFailed {
			return schema.EventStepRetryScheduled
		}
	}
	return ""
}

// StepFSM tracks the attempts of one step of one record. Each call to
// Transition is audited through the emitter before the status moves.
type StepFSM struct {
	emitter Emitter
	stepID  string
	attempt int
	status  schema.StepStatus
}

// NewStepFSM creates a machine for stepID in the pending state.
func NewStepFSM(emitter Emitter, stepID string) *StepFSM {
	return &StepFSM{emitter: emitter, stepID: stepID, status: schema.StepStatusPending}
}

// resumeStepFSM rebuilds a machine for attempt n of stepID that was left in
// status by a previous process.
func resumeStepFSM(emitter Emitter, stepID string, n int, status schema.StepStatus) *StepFSM {
	return &StepFSM{emitter: emitter, stepID: stepID, attempt: n, status: status}
}

// Status returns the current attempt status.
func (f *StepFSM) Status() schema.StepStatus { return f.status }

// Begin starts attempt number n from pending.
func (f *StepFSM) Begin(ctx context.Context, n int) error {
	if f.status != schema.StepStatusPending {
		return f.invalid(schema.StepStatusPending)
	}
	f.attempt = n
	return f.emitter.Emit(ctx, &store.AuditEvent{
		StepID:  f.stepID,
		Type:    schema.EventStepAttemptStarted,
		Attempt: n,
	})
}

// Transition validates and audits a move to status to. ev may carry the
// error code, evidence and payload of the transition; its type, step and
// attempt are filled in.
func (f *StepFSM) Transition(ctx context.Context, to schema.StepStatus, ev *store.AuditEvent) error {
	if !slices.Contains(ValidStepTransitions[f.status], to) {
		return f.invalid(to)
	}
	if ev == nil {
		ev = &store.AuditEvent{}
	}
	ev.Type = stepEventType(f.status, to)
	ev.StepID = f.stepID
	ev.Attempt = f.attempt
	if err := f.emitter.Emit(ctx, ev); err != nil {
		return err
	}
	f.status = to
	return nil
}

func (f *StepFSM) invalid(to schema.StepStatus) error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", f.status, to).
		WithStep(f.stepID).
		WithDetails(map[string]any{"from": string(f.status), "to": string(to), "attempt": f.attempt})
}

// --- Run FSM ---

// ValidRunTransitions is the run lifecycle. running -> running is a resume
// of an interrupted process.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	"":                          {schema.RunStatusRunning},
	schema.RunStatusRunning:     {schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusSafeStopped, schema.RunStatusAborted},
	schema.RunStatusSafeStopped: {schema.RunStatusRunning, schema.RunStatusAborted},
	schema.RunStatusAborted:     {schema.RunStatusRunning},
	schema.RunStatusCompleted:   {},
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == "" {
			return schema.EventRunStarted
		}
		return schema.EventRunResumed
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusSafeStopped:
		return schema.EventRunSafeStopped
	case schema.RunStatusAborted:
		return schema.EventRunAborted
	}
	return ""
}

// RunFSM audits run lifecycle transitions and persists the new status.
type RunFSM struct {
	emitter Emitter
	store   runStatusStore
}

type runStatusStore interface {
	UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus) error
}

// NewRunFSM creates a run machine.
func NewRunFSM(emitter Emitter, s runStatusStore) *RunFSM {
	return &RunFSM{emitter: emitter, store: s}
}

// Transition moves run from its current status to to. The audit event is
// appended before the status column changes. A run leaving the empty status
// was just created and its row already reads running.
func (f *RunFSM) Transition(ctx context.Context, run *store.JobRun, to schema.RunStatus, payload eventPayload) error {
	from := run.Status
	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}
	if err := f.emitter.Emit(ctx, &store.AuditEvent{
		RunID:   run.ID,
		Type:    runEventType(from, to),
		Payload: encodePayload(payload),
	}); err != nil {
		return err
	}
	if from != "" && from != to {
		if err := f.store.UpdateRunStatus(ctx, run.ID, to); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
		}
	}
	run.Status = to
	return nil
}
