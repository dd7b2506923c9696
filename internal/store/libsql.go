package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/taskpilot/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

// SaveWorkflow stores a validated definition. Saving the same content twice is
// a no-op; saving different content under an existing version is a conflict.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	digest, err := def.Digest()
	if err != nil {
		return fmt.Errorf("digest definition: %w", err)
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT digest FROM workflows WHERE workflow_id = ? AND version = ?`, def.WorkflowID, def.Version,
	).Scan(&existing)
	switch {
	case err == nil && existing == digest:
		return nil
	case err == nil:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q version %d already exists with different content; bump the version", def.WorkflowID, def.Version)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, version, name, definition, digest, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		def.WorkflowID, def.Version, def.Name, string(raw), digest, time.Now().UTC(),
	)
	return err
}

// GetWorkflow loads a definition. Version 0 selects the latest version.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error) {
	var raw string
	var err error
	if version > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE workflow_id = ? AND version = ?`, workflowID, version,
		).Scan(&raw)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`, workflowID,
		).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", fmt.Sprintf("%s@%d", workflowID, version))
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, version, name, digest, created_at FROM workflows ORDER BY workflow_id, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowSummary
	for rows.Next() {
		w := &WorkflowSummary{}
		if err := rows.Scan(&w.WorkflowID, &w.Version, &w.Name, &w.Digest, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Job runs ---

// CreateRun inserts the run and its record batch in one transaction.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *JobRun, records []*RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.TotalRecords = len(records)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_runs (id, workflow_id, workflow_version, digest, target, mode, status, total_records, options, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, run.Digest, nullStr(run.Target), string(run.Mode),
		string(run.Status), run.TotalRecords, nullRaw(run.Options), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("marshal record %d: %w", r.Position, err)
		}
		r.RunID = run.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_records (run_id, position, record_key, fields) VALUES (?, ?, ?, ?)`,
			run.ID, r.Position, r.Key, string(fields),
		); err != nil {
			return fmt.Errorf("insert record %d: %w", r.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, digest, target, mode, status, total_records, options, created_at, updated_at, completed_at
		 FROM job_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*JobRun, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	q := `SELECT id, workflow_id, workflow_version, digest, target, mode, status, total_records, options, created_at, updated_at, completed_at FROM job_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, id string, status schema.RunStatus) error {
	now := time.Now().UTC()
	var completed any
	if status != schema.RunStatusRunning {
		completed = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(status), now, completed, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRecords(ctx context.Context, runID string) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, position, record_key, fields FROM run_records WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		r := &RunRecord{}
		var fields string
		if err := rows.Scan(&r.RunID, &r.Position, &r.Key, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal record %d: %w", r.Position, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*JobRun, error) {
	run := &JobRun{}
	var target, options sql.NullString
	var mode, status string
	var completed sql.NullTime
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.Digest, &target, &mode, &status,
		&run.TotalRecords, &options, &run.CreatedAt, &run.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	run.Target = target.String
	run.Mode = schema.RunMode(mode)
	run.Status = schema.RunStatus(status)
	run.Options = rawOrNil(options)
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

// --- Review queue ---

func (s *LibSQLStore) ListReviewEntries(ctx context.Context, filter ReviewFilter) ([]*ReviewEntry, error) {
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	q := `SELECT run_id, record_key, step_id, error_code, evidence_ref, message, status, disposition, operator, note, created_at, closed_at FROM review_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, record_key ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReviewEntry
	for rows.Next() {
		e, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetReviewEntry(ctx context.Context, runID, recordKey string) (*ReviewEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, record_key, step_id, error_code, evidence_ref, message, status, disposition, operator, note, created_at, closed_at
		 FROM review_entries WHERE run_id = ? AND record_key = ?`, runID, recordKey)
	e, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("review entry", runID+"/"+recordKey)
	}
	return e, err
}

func scanReview(row rowScanner) (*ReviewEntry, error) {
	e := &ReviewEntry{}
	var stepID, code, evidence, msg, disposition, operator, note sql.NullString
	var closed sql.NullTime
	if err := row.Scan(&e.RunID, &e.RecordKey, &stepID, &code, &evidence, &msg, &e.Status,
		&disposition, &operator, &note, &e.CreatedAt, &closed); err != nil {
		return nil, err
	}
	e.StepID = stepID.String
	e.ErrorCode = code.String
	e.EvidenceRef = evidence.String
	e.Message = msg.String
	e.Disposition = disposition.String
	e.Operator = operator.String
	e.Note = note.String
	if closed.Valid {
		e.ClosedAt = &closed.Time
	}
	return e, nil
}

// --- Kill switch ---

func (s *LibSQLStore) RequestKill(ctx context.Context, req *KillRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_requests (run_id, reason, requested_by, requested_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET reason=excluded.reason, requested_by=excluded.requested_by, requested_at=excluded.requested_at`,
		req.RunID, nullStr(req.Reason), nullStr(req.RequestedBy), timeOrNow(req.RequestedAt),
	)
	return err
}

// GetKillRequest returns the pending kill request for a run, or nil if none.
func (s *LibSQLStore) GetKillRequest(ctx context.Context, runID string) (*KillRequest, error) {
	k := &KillRequest{}
	var reason, by sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, reason, requested_by, requested_at FROM kill_requests WHERE run_id = ?`, runID,
	).Scan(&k.RunID, &reason, &by, &k.RequestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.Reason = reason.String
	k.RequestedBy = by.String
	return k, nil
}

func (s *LibSQLStore) ClearKill(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kill_requests WHERE run_id = ?`, runID)
	return err
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, workflow_version, source, target, mode, cron_expression, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.WorkflowVersion, sched.Source, nullStr(sched.Target), string(sched.Mode),
		sched.CronExpression, boolToInt(sched.Enabled), nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, source, target, mode, cron_expression, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at
		 FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	q := `SELECT id, workflow_id, workflow_version, source, target, mode, cron_expression, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at FROM schedules`
	var args []any
	if filter.Enabled != nil {
		q += " WHERE enabled = ?"
		args = append(args, boolToInt(*filter.Enabled))
	}
	q += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var target, lastStatus, lastRunID sql.NullString
	var mode string
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.WorkflowVersion, &sched.Source, &target, &mode,
		&sched.CronExpression, &enabled, &lastRun, &nextRun, &lastStatus, &lastRunID, &sched.CreatedAt); err != nil {
		return nil, err
	}
	sched.Target = target.String
	sched.Mode = schema.RunMode(mode)
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastStatus.String
	sched.LastRunID = lastRunID.String
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
