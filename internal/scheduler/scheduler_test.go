package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockRunner records StartRun calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []engine.StartRequest
	err   error
}

func (r *mockRunner) StartRun(_ context.Context, req engine.StartRequest) (*engine.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Report{RunID: "run-" + req.Definition.WorkflowID, Status: schema.RunStatusCompleted}, nil
}

func (r *mockRunner) Calls() []engine.StartRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.StartRequest(nil), r.calls...)
}

type staticReader struct {
	rows []map[string]string
	err  error
}

func (r staticReader) ReadRecords(context.Context, string) ([]map[string]string, error) {
	return r.rows, r.err
}

func newStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sheetWorkflow(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: id,
		Version:    1,
		Steps: []schema.Step{{
			ID:        "step_001",
			Action:    schema.ActionWriteCell,
			Params:    map[string]string{"sheet": "Users", "row": "{{record.row}}", "column": "C", "value": "done"},
			PostCheck: &schema.Assertion{Condition: "cell:Users!C:{{record.row}}", Expect: "evidence.value == 'done'"},
			Retry:     schema.RetryPolicy{MaxAttempts: 1},
		}},
	}
}

func setup(t *testing.T, runner RunStarter, reader RecordReader) (*Scheduler, *store.LibSQLStore, *clock) {
	t.Helper()
	s := newStore(t)
	require.NoError(t, s.SaveWorkflow(context.Background(), sheetWorkflow("wf-sheet")))
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	return New(s, runner, reader, Config{Now: clk.Now, Interval: time.Hour}), s, clk
}

func create(t *testing.T, sched *Scheduler, cronExpr string) *store.Schedule {
	t.Helper()
	sc, err := sched.Create(context.Background(), NewSchedule{
		WorkflowID:      "wf-sheet",
		WorkflowVersion: 1,
		Source:          "users.yaml",
		Target:          "sheets",
		CronExpression:  cronExpr,
	})
	require.NoError(t, err)
	return sc
}

func TestCalculateNextRun(t *testing.T) {
	sched := New(nil, nil, nil, Config{})
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(5*time.Minute), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	sched, s, _ := setup(t, &mockRunner{}, staticReader{})
	sc := create(t, sched, "0 * * * *")

	got, err := s.GetSchedule(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, schema.ModeDryRun, got.Mode, "schedules default to dry-run")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)))
}

func TestCreate_Rejects(t *testing.T) {
	sched, _, _ := setup(t, &mockRunner{}, staticReader{})
	ctx := context.Background()

	_, err := sched.Create(ctx, NewSchedule{WorkflowID: "wf-sheet", WorkflowVersion: 1, Source: "x", CronExpression: "bad"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.Create(ctx, NewSchedule{WorkflowID: "wf-sheet", WorkflowVersion: 1, CronExpression: "@hourly"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.Create(ctx, NewSchedule{WorkflowID: "wf-sheet", WorkflowVersion: 1, Source: "x", CronExpression: "@hourly", Mode: "turbo"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.Create(ctx, NewSchedule{WorkflowID: "wf-missing", WorkflowVersion: 1, Source: "x", CronExpression: "@hourly"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestTick_RunsDueSchedules(t *testing.T) {
	runner := &mockRunner{}
	rows := []map[string]string{{"email": "a@x.com", "row": "2"}}
	sched, s, clk := setup(t, runner, staticReader{rows: rows})
	sc := create(t, sched, "0 * * * *")
	ctx := context.Background()

	sched.tick(ctx)
	sched.drain()
	assert.Empty(t, runner.Calls(), "not due yet")

	clk.Advance(time.Hour)
	sched.tick(ctx)
	sched.drain()
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-sheet", calls[0].Definition.WorkflowID)
	assert.Equal(t, "sheets", calls[0].Target)
	assert.Equal(t, rows, calls[0].Records)

	got, err := s.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(schema.RunStatusCompleted), got.LastRunStatus)
	assert.Equal(t, "run-wf-sheet", got.LastRunID)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	sched.tick(ctx)
	sched.drain()
	assert.Len(t, runner.Calls(), 1, "next run moved forward")
}

func TestTick_FailureRecorded(t *testing.T) {
	runner := &mockRunner{}
	sched, s, clk := setup(t, runner, staticReader{err: errors.New("sheet missing")})
	sc := create(t, sched, "@hourly")
	clk.Advance(time.Hour)

	sched.tick(context.Background())
	sched.drain()
	assert.Empty(t, runner.Calls())

	got, err := s.GetSchedule(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.LastRunAt)
}

func TestTick_SkipsDisabled(t *testing.T) {
	runner := &mockRunner{}
	sched, s, clk := setup(t, runner, staticReader{})
	sc := create(t, sched, "@hourly")
	disabled := false
	require.NoError(t, s.UpdateSchedule(context.Background(), sc.ID, store.ScheduleUpdate{Enabled: &disabled}))

	clk.Advance(2 * time.Hour)
	sched.tick(context.Background())
	sched.drain()
	assert.Empty(t, runner.Calls())
}

func TestTick_InflightDedup(t *testing.T) {
	runner := &mockRunner{}
	sched, _, clk := setup(t, runner, staticReader{})
	sc := create(t, sched, "@hourly")
	clk.Advance(time.Hour)

	require.True(t, sched.tryAcquire(sc.ID))
	sched.tick(context.Background())
	sched.drain()
	assert.Empty(t, runner.Calls())

	sched.release(sc.ID)
	sched.tick(context.Background())
	sched.drain()
	assert.Len(t, runner.Calls(), 1)
}

func TestTick_StartsRealDryRun(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveWorkflow(context.Background(), sheetWorkflow("wf-sheet")))
	eng, err := engine.New(s, nil, engine.Config{})
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(source, []byte("- {email: a@x.com, row: 2}\n- {email: b@x.com, row: 3}\n"), 0o600))

	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	sched := New(s, eng, connector.NewFileTabular(), Config{Now: clk.Now})
	sc, err := sched.Create(context.Background(), NewSchedule{
		WorkflowID: "wf-sheet", WorkflowVersion: 1, Source: source, CronExpression: "@hourly",
	})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	sched.tick(context.Background())
	sched.drain()

	got, err := s.GetSchedule(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, string(schema.RunStatusCompleted), got.LastRunStatus)
	report, err := eng.Report(context.Background(), got.LastRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.ModeDryRun, report.Mode)
	assert.Equal(t, 2, report.ByStatus[schema.RecordStatusSuccess])
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	sched, _, _ := setup(t, runner, staticReader{})

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()), "second start is rejected")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

// gatedRunner blocks StartRun for one workflow until released.
type gatedRunner struct {
	mockRunner
	workflowID string
	gate       chan struct{}
}

func (r *gatedRunner) StartRun(ctx context.Context, req engine.StartRequest) (*engine.Report, error) {
	if req.Definition.WorkflowID == r.workflowID {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.mockRunner.StartRun(ctx, req)
}

func TestTick_LongRunDoesNotDelayOthers(t *testing.T) {
	runner := &gatedRunner{workflowID: "wf-sheet", gate: make(chan struct{})}
	sched, s, clk := setup(t, runner, staticReader{})
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflow(ctx, sheetWorkflow("wf-other")))

	slow := create(t, sched, "@hourly")
	other, err := sched.Create(ctx, NewSchedule{
		WorkflowID: "wf-other", WorkflowVersion: 1, Source: "users.yaml", CronExpression: "@hourly",
	})
	require.NoError(t, err)
	clk.Advance(time.Hour)

	sched.tick(ctx)
	require.Eventually(t, func() bool {
		got, err := s.GetSchedule(ctx, other.ID)
		return err == nil && got.LastRunID == "run-wf-other"
	}, 5*time.Second, 10*time.Millisecond)

	sched.tick(ctx)
	close(runner.gate)
	sched.drain()

	calls := runner.Calls()
	require.Len(t, calls, 2, "the running schedule is not started again")
	got, err := s.GetSchedule(ctx, slow.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-wf-sheet", got.LastRunID)
}
