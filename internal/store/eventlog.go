package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/taskpilot/pkg/schema"
)

// reviewDispositions maps closing events to the disposition recorded on the
// review entry they close.
var reviewDispositions = map[string]string{
	schema.EventRecordReopened: "retry",
	schema.EventRecordSkipped:  "skip",
	schema.EventRecordResolved: "resolve",
}

// AppendAudit appends an event with the next contiguous sequence for its
// (run, record) stream. When cp is non-nil the record checkpoint is advanced
// to the new sequence in the same transaction, and the review projection is
// updated alongside. Per-record checkpoint events require cp.
func (s *LibSQLStore) AppendAudit(ctx context.Context, event *AuditEvent, cp *Checkpoint) error {
	if event.RecordKey != "" && schema.CheckpointEvents[event.Type] && cp == nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"event %s for record %q must carry a checkpoint", event.Type, event.RecordKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events WHERE run_id = ? AND record_key = ?`,
		event.RunID, event.RecordKey,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (run_id, record_key, step_id, event_type, attempt, error_code, evidence_ref, actor, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.RecordKey, nullStr(event.StepID), event.Type, event.Attempt, nullStr(event.ErrorCode),
		nullStr(event.EvidenceRef), nullStr(event.Actor), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if cp != nil {
		cp.RunID = event.RunID
		cp.RecordKey = event.RecordKey
		cp.Offset = seq
		cp.UpdatedAt = event.Timestamp
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (run_id, record_key, audit_offset, status, snapshot, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, record_key) DO UPDATE SET
			   audit_offset=excluded.audit_offset, status=excluded.status,
			   snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
			cp.RunID, cp.RecordKey, cp.Offset, string(cp.Status), string(cp.Snapshot), cp.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert checkpoint: %w", err)
		}
	}

	if err := projectReview(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit event: %w", err)
	}
	return nil
}

// projectReview keeps review_entries in step with the audit log.
func projectReview(ctx context.Context, tx *sql.Tx, event *AuditEvent) error {
	if event.RecordKey == "" {
		return nil
	}
	var p ReviewPayload
	if len(event.Payload) > 0 {
		_ = json.Unmarshal(event.Payload, &p)
	}

	if event.Type == schema.EventRecordNeedsReview {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO review_entries (run_id, record_key, step_id, error_code, evidence_ref, message, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, record_key) DO UPDATE SET
			   step_id=excluded.step_id, error_code=excluded.error_code, evidence_ref=excluded.evidence_ref,
			   message=excluded.message, status=excluded.status, created_at=excluded.created_at,
			   disposition=NULL, operator=NULL, note=NULL, closed_at=NULL`,
			event.RunID, event.RecordKey, nullStr(event.StepID), nullStr(event.ErrorCode),
			nullStr(event.EvidenceRef), nullStr(p.Message), ReviewOpen, event.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("open review entry: %w", err)
		}
		return nil
	}

	disposition, ok := reviewDispositions[event.Type]
	if !ok {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE review_entries SET status = ?, disposition = ?, operator = ?, note = ?, closed_at = ?
		 WHERE run_id = ? AND record_key = ? AND status = ?`,
		ReviewClosed, disposition, nullStr(event.Actor), nullStr(p.Note), event.Timestamp,
		event.RunID, event.RecordKey, ReviewOpen,
	)
	if err != nil {
		return fmt.Errorf("close review entry: %w", err)
	}
	return nil
}

// EventsSince returns a record's events with sequence > since, ordered by sequence.
// An empty recordKey selects the run-level stream.
func (s *LibSQLStore) EventsSince(ctx context.Context, runID, recordKey string, since int64) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, record_key, step_id, event_type, attempt, error_code, evidence_ref, actor, payload, timestamp, sequence
		 FROM audit_events WHERE run_id = ? AND record_key = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, recordKey, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// RunEvents returns every event of a run in append order.
func (s *LibSQLStore) RunEvents(ctx context.Context, runID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, record_key, step_id, event_type, attempt, error_code, evidence_ref, actor, payload, timestamp, sequence
		 FROM audit_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEvent, error) {
	var out []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var stepID, code, evidence, actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.RecordKey, &stepID, &e.Type, &e.Attempt, &code, &evidence,
			&actor, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.ErrorCode = code.String
		e.EvidenceRef = evidence.String
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCheckpoint returns the record's checkpoint, or nil if it has none.
func (s *LibSQLStore) GetCheckpoint(ctx context.Context, runID, recordKey string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, record_key, audit_offset, status, snapshot, updated_at FROM checkpoints
		 WHERE run_id = ? AND record_key = ?`, runID, recordKey)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, record_key, audit_offset, status, snapshot, updated_at FROM checkpoints
		 WHERE run_id = ? ORDER BY record_key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PriorTerminal returns the most recent terminal checkpoint for recordKey in
// another run against the same target, or nil.
func (s *LibSQLStore) PriorTerminal(ctx context.Context, target, recordKey, excludeRunID string) (*Checkpoint, error) {
	if target == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT c.run_id, c.record_key, c.audit_offset, c.status, c.snapshot, c.updated_at
		 FROM checkpoints c JOIN job_runs r ON r.id = c.run_id
		 WHERE r.target = ? AND c.record_key = ? AND c.run_id <> ? AND c.status <> ''
		 ORDER BY c.updated_at DESC LIMIT 1`,
		target, recordKey, excludeRunID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var status, snapshot string
	if err := row.Scan(&cp.RunID, &cp.RecordKey, &cp.Offset, &status, &snapshot, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.Status = schema.RecordStatus(status)
	cp.Snapshot = json.RawMessage(snapshot)
	return cp, nil
}

// AuditLog provides replay operations on top of a Store.
type AuditLog struct {
	store Store
}

// NewAuditLog wraps a Store to provide replay operations.
func NewAuditLog(s Store) *AuditLog {
	return &AuditLog{store: s}
}

// Replay returns a record's events after its checkpoint offset together with
// the checkpoint itself (nil when the record never started). The stream from
// offset onwards must be contiguous.
func (al *AuditLog) Replay(ctx context.Context, runID, recordKey string) (*Checkpoint, []*AuditEvent, error) {
	cp, err := al.store.GetCheckpoint(ctx, runID, recordKey)
	if err != nil {
		return nil, nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var since int64
	if cp != nil {
		since = cp.Offset
	}
	events, err := al.store.EventsSince(ctx, runID, recordKey, since)
	if err != nil {
		return nil, nil, fmt.Errorf("get events for replay: %w", err)
	}
	if err := checkContiguous(runID, recordKey, since, events); err != nil {
		return nil, nil, err
	}
	return cp, events, nil
}

// Verify checks that every stream of a run is contiguous from sequence 1.
func (al *AuditLog) Verify(ctx context.Context, runID string) error {
	events, err := al.store.RunEvents(ctx, runID)
	if err != nil {
		return fmt.Errorf("get events for verify: %w", err)
	}
	streams := make(map[string][]*AuditEvent)
	for _, e := range events {
		streams[e.RecordKey] = append(streams[e.RecordKey], e)
	}
	for key, stream := range streams {
		if err := checkContiguous(runID, key, 0, stream); err != nil {
			return err
		}
	}
	return nil
}

func checkContiguous(runID, recordKey string, since int64, events []*AuditEvent) error {
	for i, e := range events {
		expected := since + int64(i) + 1
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s record %q: expected %d, got %d", runID, recordKey, expected, e.Sequence)
		}
	}
	return nil
}
