package engine

import (
	"context"
	"sync"

	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Tally is the fold of a run's audit events into counters. The accumulator
// keeps one live during execution; Report rebuilds one from the store.
type Tally struct {
	status   map[string]schema.RecordStatus
	codes    map[string]string
	evidence map[string]string
	messages map[string]string

	// duplicates maps batch positions skipped as in-batch duplicates to
	// the skip that closed them.
	duplicates       map[int]duplicateRow
	duplicateSkipped int

	steps   int
	stepsMs int64
}

type duplicateRow struct {
	key         string
	evidenceRef string
	message     string
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{
		status:     make(map[string]schema.RecordStatus),
		codes:      make(map[string]string),
		evidence:   make(map[string]string),
		messages:   make(map[string]string),
		duplicates: make(map[int]duplicateRow),
	}
}

var recordTerminal = map[string]schema.RecordStatus{
	schema.EventRecordSucceeded:   schema.RecordStatusSuccess,
	schema.EventRecordFailed:      schema.RecordStatusFailed,
	schema.EventRecordNeedsReview: schema.RecordStatusNeedsReview,
	schema.EventRecordSkipped:     schema.RecordStatusSkipped,
	schema.EventRecordResolved:    schema.RecordStatusSuccess,
}

// tallied reports whether an event type changes a Tally.
func tallied(eventType string) bool {
	_, terminal := recordTerminal[eventType]
	return terminal || eventType == schema.EventRecordReopened || eventType == schema.EventStepSucceeded
}

// Fold applies one event.
func (t *Tally) Fold(ev *store.AuditEvent) {
	p := decodePayload(ev.Payload)

	if ev.RecordKey == "" {
		if ev.Type == schema.EventRecordSkipped && p.Duplicate && p.Position != nil {
			if _, seen := t.duplicates[*p.Position]; !seen {
				t.duplicates[*p.Position] = duplicateRow{key: p.Key, evidenceRef: ev.EvidenceRef, message: p.Message}
				t.duplicateSkipped++
			}
		}
		return
	}

	switch ev.Type {
	case schema.EventStepSucceeded:
		t.steps++
		t.stepsMs += p.DurationMs
		return
	case schema.EventRecordReopened:
		delete(t.status, ev.RecordKey)
		delete(t.codes, ev.RecordKey)
		delete(t.messages, ev.RecordKey)
		return
	}

	status, ok := recordTerminal[ev.Type]
	if !ok {
		return
	}
	if ev.Type == schema.EventRecordResolved && p.Status.Terminal() {
		status = p.Status
	}
	if ev.Type == schema.EventRecordSkipped && ev.ErrorCode == schema.ErrCodeDuplicateRecord {
		t.duplicateSkipped++
	}
	t.status[ev.RecordKey] = status
	t.codes[ev.RecordKey] = ev.ErrorCode
	if ev.EvidenceRef != "" {
		t.evidence[ev.RecordKey] = ev.EvidenceRef
	}
	msg := p.Message
	if msg == "" {
		msg = p.Note
	}
	t.messages[ev.RecordKey] = msg
}

// Status returns the latest terminal status of key, or pending.
func (t *Tally) Status(key string) schema.RecordStatus {
	return t.status[key]
}

// DuplicateAt reports whether the row at position was already skipped as an
// in-batch duplicate.
func (t *Tally) DuplicateAt(position int) bool {
	_, ok := t.duplicates[position]
	return ok
}

// --- accumulator ---

type foldRequest struct {
	event *store.AuditEvent
	ack   chan bool
}

// accumulator is the single goroutine that owns a run's live Tally and feeds
// the safe-stop breaker. Senders block until their event is folded, so a
// trip caused by one record is visible before the next admission.
type accumulator struct {
	in        chan foldRequest
	tally     *Tally
	breaker   *safety.Breaker
	closeOnce sync.Once
}

func newAccumulator(tally *Tally, breaker *safety.Breaker) *accumulator {
	return &accumulator{in: make(chan foldRequest), tally: tally, breaker: breaker}
}

func (a *accumulator) run(ctx context.Context) error {
	for {
		select {
		case req, ok := <-a.in:
			if !ok {
				return nil
			}
			a.tally.Fold(req.event)
			tripped := a.breaker.Tripped()
			if req.event.RecordKey != "" && executedOutcome(req.event.Type) {
				tripped = a.breaker.Record(recordTerminal[req.event.Type])
			}
			req.ack <- tripped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// executedOutcome reports whether the event ends an executed record, the
// only outcomes the breaker counts.
func executedOutcome(eventType string) bool {
	switch eventType {
	case schema.EventRecordSucceeded, schema.EventRecordFailed, schema.EventRecordNeedsReview:
		return true
	}
	return false
}

// fold hands ev to the accumulator and waits for the acknowledgement.
func (a *accumulator) fold(ctx context.Context, ev *store.AuditEvent) (bool, error) {
	req := foldRequest{event: ev, ack: make(chan bool, 1)}
	select {
	case a.in <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case tripped := <-req.ack:
		return tripped, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *accumulator) close() {
	a.closeOnce.Do(func() { close(a.in) })
}
