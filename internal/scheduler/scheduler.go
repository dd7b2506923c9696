// Package scheduler starts workflow runs from stored cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/taskpilot/internal/engine"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// DefaultInterval is how often the store is polled for due schedules.
const DefaultInterval = 60 * time.Second

// RunStarter starts a run. Satisfied by *engine.Engine.
type RunStarter interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*engine.Report, error)
}

// RecordReader loads a batch from a schedule's source. Satisfied by
// connector.Tabular implementations.
type RecordReader interface {
	ReadRecords(ctx context.Context, source string) ([]map[string]string, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store    store.Store
	runner   RunStarter
	reader   RecordReader
	parser   cron.Parser
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	// runs tracks schedules started by tick; inflight holds their ids so a
	// schedule still running when the next tick fires is not started twice.
	runs       sync.WaitGroup
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a scheduler.
func New(s store.Store, runner RunStarter, reader RecordReader, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		reader:   reader,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   logging.Default(cfg.Logger),
		inflight: make(map[string]struct{}),
	}
}

// NewSchedule describes a schedule to create.
type NewSchedule struct {
	WorkflowID      string
	WorkflowVersion int
	Source          string
	Target          string
	Mode            schema.RunMode
	CronExpression  string
}

// Create validates and stores a schedule. The workflow version must already
// be saved.
func (s *Scheduler) Create(ctx context.Context, req NewSchedule) (*store.Schedule, error) {
	if req.Source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule source is required")
	}
	if req.Mode == "" {
		req.Mode = schema.ModeDryRun
	}
	if req.Mode != schema.ModeDryRun && req.Mode != schema.ModeLive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run mode %q", req.Mode)
	}
	now := s.now().UTC()
	next, err := s.CalculateNextRun(req.CronExpression, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if _, err := s.store.GetWorkflow(ctx, req.WorkflowID, req.WorkflowVersion); err != nil {
		return nil, err
	}

	sched := &store.Schedule{
		ID:              uuid.NewString(),
		WorkflowID:      req.WorkflowID,
		WorkflowVersion: req.WorkflowVersion,
		Source:          req.Source,
		Target:          req.Target,
		Mode:            req.Mode,
		CronExpression:  req.CronExpression,
		Enabled:         true,
		NextRunAt:       &next,
		CreatedAt:       now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled schedule that is due, each in its own
// goroutine, and returns without waiting for them. A schedule without a next
// run time is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	scheds, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := s.now().UTC()
	for _, sched := range scheds {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			s.logger.Debug("schedule still running", "schedule_id", sched.ID)
			continue
		}
		s.runs.Add(1)
		go func(sched *store.Schedule) {
			defer s.runs.Done()
			defer s.release(sched.ID)
			if err := s.runSchedule(ctx, sched, now); err != nil {
				s.logger.Error("failed to run schedule", "schedule_id", sched.ID, "error", err)
			}
		}(sched)
	}
}

// drain waits for the runs started by earlier ticks.
func (s *Scheduler) drain() {
	s.runs.Wait()
}

// runSchedule starts one run and records its outcome on the schedule. A
// run that could not start is recorded as "error"; otherwise the run's
// final status is recorded.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	log := s.logger.With("schedule_id", sched.ID, "workflow_id", sched.WorkflowID)
	log.Info("running schedule")

	status, runID := "error", ""
	report, err := s.start(ctx, sched)
	if err != nil {
		log.Error("scheduled run failed", "error", err)
	} else {
		status, runID = string(report.Status), report.RunID
		log.Info("scheduled run finished", "run_id", runID, "status", status,
			"processed", report.ProcessedRecords, "unprocessed", report.UnprocessedRecords)
	}

	next, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

func (s *Scheduler) start(ctx context.Context, sched *store.Schedule) (*engine.Report, error) {
	def, err := s.store.GetWorkflow(ctx, sched.WorkflowID, sched.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	records, err := s.reader.ReadRecords(ctx, sched.Source)
	if err != nil {
		return nil, err
	}
	return s.runner.StartRun(ctx, engine.StartRequest{
		Definition: def,
		Records:    records,
		Target:     sched.Target,
		Mode:       sched.Mode,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the runs it started.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.drain()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
