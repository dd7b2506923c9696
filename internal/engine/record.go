package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// errStopped ends a record at its last checkpoint because the run was
// killed or safe-stopped.
var errStopped = errors.New("record stopped at checkpoint")

// recordRun drives one record through the workflow. It owns the record's
// state; every event goes through Emit, which audits it before the state
// advances.
type recordRun struct {
	e     *Engine
	jr    *jobRun
	rec   *store.RunRecord
	state *RecordState
	fresh bool
}

func (e *Engine) newRecordRun(jr *jobRun, rec *store.RunRecord) *recordRun {
	if st, ok := jr.states[rec.Key]; ok {
		return &recordRun{e: e, jr: jr, rec: rec, state: st.Clone()}
	}
	return &recordRun{e: e, jr: jr, rec: rec, state: newRecordState(rec.RunID, rec.Key, rec.Position), fresh: true}
}

// Emit appends ev to the record's stream. Checkpoint events persist the
// folded state in the same transaction.
func (r *recordRun) Emit(ctx context.Context, ev *store.AuditEvent) error {
	ev.RunID = r.rec.RunID
	ev.RecordKey = r.rec.Key
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.e.now()
	}
	if ev.Actor == "" {
		ev.Actor = logging.Operator(ctx)
	}

	next := r.state.Clone()
	next.Apply(r.jr.def, ev)

	var cp *store.Checkpoint
	if schema.CheckpointEvents[ev.Type] {
		snap, err := next.Snapshot()
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
		}
		cp = &store.Checkpoint{Status: next.Status, Snapshot: snap}
	}
	if err := r.e.store.AppendAudit(ctx, ev, cp); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s: %s", ev.Type, err.Error()).
			WithStep(ev.StepID).WithCause(err)
	}
	r.state = next
	r.e.publish(ctx, ev)

	if r.jr.acc != nil && tallied(ev.Type) {
		if _, err := r.jr.acc.fold(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// process runs the record from its next pending step to a terminal status,
// or until a run-level stop leaves it at its last checkpoint.
func (r *recordRun) process(ctx context.Context) error {
	ctx = logging.WithRecordKey(ctx, r.rec.Key)
	log := logging.LogWith(ctx, r.e.logger)
	if r.state.Status.Terminal() {
		return nil
	}
	if r.fresh {
		if err := r.Emit(ctx, &store.AuditEvent{Type: schema.EventRecordStarted}); err != nil {
			return err
		}
		r.fresh = false
	}

	steps := r.jr.def.Steps
	for r.state.NextStep < len(steps) {
		if err := r.boundary(ctx); err != nil {
			if errors.Is(err, errStopped) {
				log.Info("record paused", "next_step", steps[r.state.NextStep].ID)
				return nil
			}
			return err
		}
		step := &steps[r.state.NextStep]
		if err := r.runStep(logging.WithStepID(ctx, step.ID), step); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if r.state.Status.Terminal() {
			return nil
		}
	}

	if err := r.Emit(ctx, &store.AuditEvent{
		Type:        schema.EventRecordSucceeded,
		EvidenceRef: r.state.EvidenceRef,
	}); err != nil {
		return err
	}
	log.Debug("record succeeded")
	return nil
}

// boundary is checked between steps: in-flight steps always finish, the
// next one does not start after a kill or a safe stop.
func (r *recordRun) boundary(ctx context.Context) error {
	if err := r.jr.ctrl.Kill.Check(ctx); err != nil {
		if schema.IsCode(err, schema.ErrCodeRunAborted) {
			return errStopped
		}
		return err
	}
	if r.jr.ctrl.Breaker.Tripped() {
		return errStopped
	}
	return nil
}

// runStep attempts step until it succeeds, its retries run out or the run
// stops during a backoff.
func (r *recordRun) runStep(ctx context.Context, step *schema.Step) error {
	fsm, resumed := r.stepFSM(step.ID)
	if fsm.Status() != schema.StepStatusPending {
		if err := r.settle(ctx, fsm, step); err != nil {
			return err
		}
		if r.state.Status.Terminal() {
			return nil
		}
	}
	for {
		attempt := r.state.Attempt(step.ID)
		if resumed {
			resumed = false
		} else if err := fsm.Begin(ctx, attempt); err != nil {
			return err
		}
		started := r.e.now()

		ev, captures, failure, err := r.attempt(ctx, fsm, step)
		if err != nil {
			return err
		}
		elapsed := r.e.now().Sub(started).Milliseconds()

		if failure == nil {
			return fsm.Transition(ctx, schema.StepStatusSucceeded, &store.AuditEvent{
				EvidenceRef: ev.Ref,
				Payload: encodePayload(eventPayload{
					Captures:   captures,
					DurationMs: elapsed,
					Evidence:   ev.Observed,
				}),
			})
		}

		se := schema.Classify(failure)
		if ev.Empty() {
			ev = connector.NewEvidence("error", map[string]any{"code": se.Code, "message": se.Message})
		}
		if err := fsm.Transition(ctx, schema.StepStatusFailed, &store.AuditEvent{
			ErrorCode:   se.Code,
			EvidenceRef: ev.Ref,
			Payload: encodePayload(eventPayload{
				Message:    se.Message,
				Evidence:   ev.Observed,
				DurationMs: elapsed,
				Details:    se.Details,
			}),
		}); err != nil {
			return err
		}
		if err := r.afterFailure(ctx, fsm, step, se, ev.Ref, attempt); err != nil {
			return err
		}
		if r.state.Status.Terminal() {
			return nil
		}
	}
}

// stepFSM rebuilds the machine of step from the record state. resumed
// reports an attempt that was started but never reached its pre-check; it
// continues under its own number.
func (r *recordRun) stepFSM(stepID string) (fsm *StepFSM, resumed bool) {
	st := r.state
	switch {
	case st.OpenAttempt > 0:
		return resumeStepFSM(r, stepID, st.OpenAttempt, st.StepStatus), st.StepStatus == schema.StepStatusPending
	case st.StepStatus == schema.StepStatusFailed && st.FailedStep == stepID:
		return resumeStepFSM(r, stepID, st.Attempts[stepID], schema.StepStatusFailed), false
	}
	return NewStepFSM(r, stepID), false
}

// settle closes what an interrupted process left behind on step: an attempt
// cut off mid-phase is failed, and a failure that was never routed is
// retried or routed against the attempts already spent.
func (r *recordRun) settle(ctx context.Context, fsm *StepFSM, step *schema.Step) error {
	if fsm.Status() != schema.StepStatusFailed {
		ev := connector.NewEvidence("interrupted", map[string]any{"step_status": string(fsm.Status())})
		if err := fsm.Transition(ctx, schema.StepStatusFailed, &store.AuditEvent{
			ErrorCode:   schema.ErrCodeConnector,
			EvidenceRef: ev.Ref,
			Payload: encodePayload(eventPayload{
				Message:  "attempt interrupted before it closed",
				Evidence: ev.Observed,
			}),
		}); err != nil {
			return err
		}
	}
	se := &schema.Error{Code: r.state.ErrorCode, Message: r.state.Message, StepID: step.ID}
	logging.LogWith(ctx, r.e.logger).Info("settling interrupted attempt",
		"attempt", r.state.Attempts[step.ID], "error_code", se.Code)
	return r.afterFailure(ctx, fsm, step, se, r.state.EvidenceRef, r.state.Attempts[step.ID])
}

// afterFailure routes the record once step is out of attempts, or schedules
// the next one and waits out its backoff.
func (r *recordRun) afterFailure(ctx context.Context, fsm *StepFSM, step *schema.Step, se *schema.Error, evidenceRef string, attempt int) error {
	if !ShouldRetry(step, se, attempt, r.state.WindowStart[step.ID], r.e.now()) {
		return r.route(ctx, step, se, evidenceRef)
	}
	delay := ComputeBackoff(step.Retry, attempt)
	if err := fsm.Transition(ctx, schema.StepStatusPending, &store.AuditEvent{
		ErrorCode: se.Code,
		Payload:   encodePayload(eventPayload{BackoffMs: delay.Milliseconds()}),
	}); err != nil {
		return err
	}
	logging.LogWith(ctx, r.e.logger).Debug("step retry scheduled",
		"attempt", attempt, "error_code", se.Code, "backoff", delay)
	if err := waitBackoff(ctx, r.e.cfg.Sleeper, r.jr.ctrl.Kill, delay); err != nil {
		if schema.IsCode(err, schema.ErrCodeRunAborted) {
			return errStopped
		}
		return err
	}
	return nil
}

// route closes the record after a step exhausted its attempts.
func (r *recordRun) route(ctx context.Context, step *schema.Step, se *schema.Error, evidenceRef string) error {
	eventType := schema.EventRecordNeedsReview
	if step.Route() == schema.RouteFailRecord {
		eventType = schema.EventRecordFailed
	}
	logging.LogWith(ctx, r.e.logger).Warn("record closed on step failure",
		"event", eventType, "error_code", se.Code, "error", se.Message)
	return r.Emit(ctx, &store.AuditEvent{
		Type:        eventType,
		StepID:      step.ID,
		ErrorCode:   se.Code,
		EvidenceRef: evidenceRef,
		Payload:     encodePayload(eventPayload{Message: se.Message}),
	})
}

// attempt runs the three phases of one attempt. failure is the step-level
// error that fails the attempt; err is an infrastructure error that ends
// the run.
func (r *recordRun) attempt(ctx context.Context, fsm *StepFSM, step *schema.Step) (ev *connector.Evidence, captures map[string]any, failure, err error) {
	if err := fsm.Transition(ctx, schema.StepStatusPreChecking, nil); err != nil {
		return nil, nil, nil, err
	}

	scope := &expressions.Scope{Record: r.rec.Fields, Vars: r.state.Vars}
	params, failure := expressions.InterpolateParams(expressions.BindParams(step.Params, r.jr.def.Bindings), scope)
	if failure != nil {
		return nil, nil, withStep(failure, step.ID), nil
	}
	if failure := requireInputs(step, r.rec.Fields); failure != nil {
		return nil, nil, failure, nil
	}
	scope.Params = params

	action, failure := r.e.registry.Get(step.Action)
	if failure != nil {
		return nil, nil, withStep(failure, step.ID), nil
	}
	if failure := action.Validate(params); failure != nil {
		return nil, nil, withStep(failure, step.ID), nil
	}
	if !step.PreCheck.Empty() {
		if pre, failure := r.assert(ctx, step, step.PreCheck, scope, nil); failure != nil {
			return pre, nil, failure, nil
		}
	}

	if err := fsm.Transition(ctx, schema.StepStatusActing, nil); err != nil {
		return nil, nil, nil, err
	}
	actCtx, cancel := context.WithTimeout(ctx, step.Timeout())
	acted, failure := action.Execute(actCtx, actions.ActionInput{
		StepID:     step.ID,
		Params:     params,
		Connectors: r.jr.conns,
	})
	timedOut := errors.Is(actCtx.Err(), context.DeadlineExceeded)
	cancel()
	if failure != nil {
		if timedOut {
			failure = schema.NewErrorf(schema.ErrCodeTimeout, "%s exceeded %s", step.Action, step.Timeout()).
				WithStep(step.ID).WithCause(failure)
		}
		return acted, nil, withStep(failure, step.ID), nil
	}

	if err := fsm.Transition(ctx, schema.StepStatusPostChecking, nil); err != nil {
		return nil, nil, nil, err
	}
	final := acted
	if !step.PostCheck.Empty() {
		if final, failure = r.assert(ctx, step, step.PostCheck, scope.WithEvidence(observed(acted)), acted); failure != nil {
			return final, nil, failure, nil
		}
	}
	if final.Empty() {
		return acted, nil, schema.NewError(schema.ErrCodeEvidenceMismatch, "step produced no evidence to close on").
			WithStep(step.ID), nil
	}

	captures, failure = r.e.eval.Capture(ctx, step.Captures, observed(acted))
	if failure != nil {
		return final, nil, asMismatch(failure, step.ID), nil
	}
	return final, captures, nil, nil
}

// assert observes the assertion's condition, or falls back to the given
// evidence, and evaluates its expectation. An assertion without evidence
// fails.
func (r *recordRun) assert(ctx context.Context, step *schema.Step, a *schema.Assertion, scope *expressions.Scope, fallback *connector.Evidence) (*connector.Evidence, error) {
	ev := fallback
	if a.Condition != "" {
		cond, err := expressions.Interpolate(a.Condition, scope)
		if err != nil {
			return nil, withStep(err, step.ID)
		}
		octx, cancel := context.WithTimeout(ctx, step.Timeout())
		ev, err = actions.Observe(octx, r.jr.conns, cond)
		cancel()
		if err != nil {
			return ev, withStep(err, step.ID)
		}
	}
	if ev.Empty() {
		return ev, schema.NewError(schema.ErrCodeEvidenceMismatch, "assertion observed no evidence").WithStep(step.ID)
	}
	if err := r.e.eval.Expect(ctx, a, scope.WithEvidence(ev.Observed)); err != nil {
		return ev, asMismatch(err, step.ID)
	}
	return ev, nil
}

func requireInputs(step *schema.Step, fields map[string]string) error {
	var missing []string
	for _, name := range step.RequiredInputs {
		if strings.TrimSpace(fields[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "missing required input: %s", strings.Join(missing, ", ")).
		WithStep(step.ID).
		WithDetails(map[string]any{"missing": missing})
}

func observed(ev *connector.Evidence) map[string]any {
	if ev == nil {
		return nil
	}
	return ev.Observed
}

// withStep tags a classified copy of err with the step id.
func withStep(err error, stepID string) error {
	se := schema.Classify(err)
	if se.StepID != "" {
		return err
	}
	return &schema.Error{
		Code:    se.Code,
		Message: se.Message,
		Details: se.Details,
		StepID:  stepID,
		Cause:   err,
	}
}

// asMismatch keeps typed errors and turns anything else into
// evidence_mismatch.
func asMismatch(err error, stepID string) error {
	var se *schema.Error
	if errors.As(err, &se) {
		return withStep(err, stepID)
	}
	return schema.NewError(schema.ErrCodeEvidenceMismatch, err.Error()).WithStep(stepID).WithCause(err)
}
