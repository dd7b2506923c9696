package engine

import (
	"context"

	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// RetryRecord reopens a failed or needs-review record at its failed step and
// processes it again with a fresh attempt budget. The record's earlier steps
// are not repeated.
func (e *Engine) RetryRecord(ctx context.Context, runID, key, operator, note string) (*RecordOutcome, error) {
	rr, release, err := e.openRecord(ctx, runID, key, true)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithRecordKey(logging.WithOperator(logging.WithRunID(ctx, runID), operator), rr.rec.Key)
	if err := rr.Emit(ctx, &store.AuditEvent{
		Type:    schema.EventRecordReopened,
		StepID:  rr.state.FailedStep,
		Actor:   operator,
		Payload: encodePayload(eventPayload{Note: note}),
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "record reopened", "step_id", rr.state.FailedStep)

	if err := rr.process(ctx); err != nil {
		return nil, err
	}
	return rr.outcome(), nil
}

// SkipRecord closes a failed or needs-review record as skipped.
func (e *Engine) SkipRecord(ctx context.Context, runID, key, operator, note string) (*RecordOutcome, error) {
	rr, release, err := e.openRecord(ctx, runID, key, false)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithRecordKey(logging.WithOperator(logging.WithRunID(ctx, runID), operator), rr.rec.Key)
	if err := rr.Emit(ctx, &store.AuditEvent{
		Type:        schema.EventRecordSkipped,
		Actor:       operator,
		ErrorCode:   schema.ErrCodeOperatorAction,
		EvidenceRef: rr.state.EvidenceRef,
		Payload:     encodePayload(eventPayload{Note: note}),
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "record skipped by operator")
	return rr.outcome(), nil
}

// ResolveRecord closes a failed or needs-review record with the status the
// operator established out of band.
func (e *Engine) ResolveRecord(ctx context.Context, runID, key string, status schema.RecordStatus, operator, note string) (*RecordOutcome, error) {
	switch status {
	case schema.RecordStatusSuccess, schema.RecordStatusFailed, schema.RecordStatusSkipped:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"resolve status must be success, failed or skipped, got %q", status)
	}
	rr, release, err := e.openRecord(ctx, runID, key, false)
	if err != nil {
		return nil, err
	}
	defer release()

	code := schema.ErrCodeOperatorAction
	if status == schema.RecordStatusSuccess {
		code = ""
	}
	ctx = logging.WithRecordKey(logging.WithOperator(logging.WithRunID(ctx, runID), operator), rr.rec.Key)
	if err := rr.Emit(ctx, &store.AuditEvent{
		Type:        schema.EventRecordResolved,
		Actor:       operator,
		ErrorCode:   code,
		EvidenceRef: rr.state.EvidenceRef,
		Payload:     encodePayload(eventPayload{Status: status, Note: note}),
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "record resolved by operator", "status", status)
	return rr.outcome(), nil
}

// openRecord loads a record awaiting an operator and claims its run for the
// duration of the action. withConnectors resolves the run's connector set
// for re-execution.
func (e *Engine) openRecord(ctx context.Context, runID, key string, withConnectors bool) (*recordRun, func(), error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.loadDefinition(ctx, run)
	if err != nil {
		return nil, nil, err
	}
	records, err := e.store.ListRecords(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	norm := safety.NormalizeKey(key)
	var rec *store.RunRecord
	for _, r := range records {
		if r.Key == norm {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "record %q not found in run %s", key, runID)
	}

	cp, events, err := store.NewAuditLog(e.store).Replay(ctx, runID, rec.Key)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "replay %s: %s", rec.Key, err.Error()).WithCause(err)
	}
	state, err := RestoreState(def, rec, cp, events)
	if err != nil {
		return nil, nil, err
	}
	if state.Status != schema.RecordStatusNeedsReview && state.Status != schema.RecordStatusFailed {
		status := string(state.Status)
		if status == "" {
			status = "pending"
		}
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict,
			"record %q is %s, not awaiting an operator", rec.Key, status)
	}

	// Operator re-execution is never stopped by the breaker; threshold 1
	// cannot be exceeded.
	jr := &jobRun{
		run:     run,
		def:     def,
		records: []*store.RunRecord{rec},
		states:  map[string]*RecordState{rec.Key: state},
		ctrl: safety.NewController(safety.Config{
			Breaker: safety.BreakerConfig{Threshold: 1, MinSample: 1},
			Scope:   schema.ScopeRun,
		}, run.ID, run.Target, 1, nil),
	}
	if withConnectors {
		if jr.conns, err = e.connectors(ctx, run); err != nil {
			return nil, nil, err
		}
	}
	if !e.register(jr) {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is executing", runID)
	}
	return e.newRecordRun(jr, rec), func() { e.unregister(run.ID) }, nil
}

func (r *recordRun) outcome() *RecordOutcome {
	return &RecordOutcome{
		Position:    r.rec.Position,
		Key:         r.rec.Key,
		Status:      r.state.Status,
		ErrorCode:   r.state.ErrorCode,
		EvidenceRef: r.state.EvidenceRef,
		Message:     r.state.Message,
		Fields:      r.rec.Fields,
	}
}
