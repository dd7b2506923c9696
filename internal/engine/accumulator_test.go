package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

func duplicateEvent(key string, position int) *store.AuditEvent {
	return &store.AuditEvent{
		RunID:     "run-1",
		Type:      schema.EventRecordSkipped,
		ErrorCode: schema.ErrCodeDuplicateRecord,
		Payload:   encodePayload(eventPayload{Key: key, Position: &position, Duplicate: true}),
	}
}

func terminalEvent(key, eventType, code string) *store.AuditEvent {
	return &store.AuditEvent{RunID: "run-1", RecordKey: key, Type: eventType, ErrorCode: code, EvidenceRef: "ev-" + key}
}

func TestTally_Build(t *testing.T) {
	tally := NewTally()
	for _, ev := range []*store.AuditEvent{
		{RunID: "run-1", RecordKey: "a", Type: schema.EventStepSucceeded, Payload: encodePayload(eventPayload{DurationMs: 100})},
		{RunID: "run-1", RecordKey: "a", Type: schema.EventStepSucceeded, Payload: encodePayload(eventPayload{DurationMs: 300})},
		terminalEvent("a", schema.EventRecordSucceeded, ""),
		terminalEvent("b", schema.EventRecordNeedsReview, schema.ErrCodeTimeout),
		duplicateEvent("a", 2),
		duplicateEvent("a", 2),
	} {
		tally.Fold(ev)
	}

	run := &store.JobRun{ID: "run-1", WorkflowID: "wf", Status: schema.RunStatusSafeStopped}
	records := []*store.RunRecord{
		{Position: 0, Key: "a"},
		{Position: 1, Key: "b"},
		{Position: 2, Key: "a"},
		{Position: 3, Key: "c"},
	}
	r := tally.Build(run, records)

	assert.Equal(t, 4, r.TotalRecords)
	assert.Equal(t, 3, r.ProcessedRecords)
	assert.Equal(t, 1, r.UnprocessedRecords)
	assert.Equal(t, 1, r.DuplicateSkipped, "the same position is counted once")
	assert.True(t, r.SafeStopped)
	assert.Equal(t, map[schema.RecordStatus]int{
		schema.RecordStatusSuccess:     1,
		schema.RecordStatusNeedsReview: 1,
		schema.RecordStatusSkipped:     1,
	}, r.ByStatus)
	assert.Equal(t, map[string]int{
		schema.ErrCodeTimeout:         1,
		schema.ErrCodeDuplicateRecord: 1,
	}, r.ByErrorCode)
	assert.InDelta(t, 200.0, r.AverageStepMs, 0.001)

	assert.Equal(t, "ev-a", r.Records[0].EvidenceRef)
	assert.Equal(t, schema.RecordStatusSkipped, r.Records[2].Status)
	assert.Equal(t, schema.RecordStatusPending, r.Records[3].Status)
	assert.True(t, tally.DuplicateAt(2))
	assert.False(t, tally.DuplicateAt(0))
}

func TestTally_ReopenAndResolve(t *testing.T) {
	tally := NewTally()
	tally.Fold(terminalEvent("a", schema.EventRecordNeedsReview, schema.ErrCodeTimeout))
	require.Equal(t, schema.RecordStatusNeedsReview, tally.Status("a"))

	tally.Fold(&store.AuditEvent{RunID: "run-1", RecordKey: "a", Type: schema.EventRecordReopened})
	assert.Equal(t, schema.RecordStatusPending, tally.Status("a"))

	tally.Fold(&store.AuditEvent{
		RunID: "run-1", RecordKey: "a", Type: schema.EventRecordResolved,
		ErrorCode: schema.ErrCodeOperatorAction,
		Payload:   encodePayload(eventPayload{Status: schema.RecordStatusFailed, Note: "account closed"}),
	})
	assert.Equal(t, schema.RecordStatusFailed, tally.Status("a"))

	r := tally.Build(&store.JobRun{ID: "run-1"}, []*store.RunRecord{{Key: "a"}})
	assert.Equal(t, "account closed", r.Records[0].Message)
	assert.Equal(t, schema.ErrCodeOperatorAction, r.Records[0].ErrorCode)
}

func TestAccumulator_TripsBreaker(t *testing.T) {
	breaker := safety.NewBreaker(safety.BreakerConfig{Threshold: 0.3, MinSample: 2}, 4)
	tally := NewTally()
	acc := newAccumulator(tally, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- acc.run(ctx) }()

	tripped, err := acc.fold(ctx, terminalEvent("a", schema.EventRecordSucceeded, ""))
	require.NoError(t, err)
	assert.False(t, tripped)

	tripped, err = acc.fold(ctx, duplicateEvent("a", 3))
	require.NoError(t, err)
	assert.False(t, tripped, "run-level skips do not feed the breaker")

	tripped, err = acc.fold(ctx, terminalEvent("b", schema.EventRecordNeedsReview, schema.ErrCodeTimeout))
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.True(t, breaker.Tripped())

	acc.close()
	acc.close()
	assert.NoError(t, <-done)
	assert.Equal(t, schema.RecordStatusNeedsReview, tally.Status("b"))
}

func TestAccumulator_OperatorSkipDoesNotCount(t *testing.T) {
	breaker := safety.NewBreaker(safety.BreakerConfig{Threshold: 0.1, MinSample: 1}, 1)
	acc := newAccumulator(NewTally(), breaker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = acc.run(ctx) }()

	tripped, err := acc.fold(ctx, terminalEvent("a", schema.EventRecordSkipped, schema.ErrCodeOperatorAction))
	require.NoError(t, err)
	assert.False(t, tripped)
	acc.close()
}

func TestAccumulator_FoldHonoursContext(t *testing.T) {
	acc := newAccumulator(NewTally(), safety.NewBreaker(safety.DefaultBreakerConfig(), 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := acc.fold(ctx, terminalEvent("a", schema.EventRecordSucceeded, ""))
	assert.ErrorIs(t, err, context.Canceled)
}
