// Package engine replays a validated workflow over a batch of records. Each
// record walks the steps in order through the pre-check, act and post-check
// phases; every transition is appended to the audit log before anything else
// observes it, so a run can be resumed from its checkpoints at any point.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rendis/taskpilot/internal/actions"
	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/expressions"
	"github.com/rendis/taskpilot/internal/logging"
	"github.com/rendis/taskpilot/internal/safety"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/internal/streaming"
	"github.com/rendis/taskpilot/internal/validation"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Engine defaults.
const (
	DefaultPoolSize         = 4
	DefaultKillPollInterval = 500 * time.Millisecond
)

// ConnectorProvider supplies the live connector set of a run.
type ConnectorProvider func(ctx context.Context, run *store.JobRun) (connector.Set, error)

// Config holds configuration for the engine.
type Config struct {
	PoolSize int // max records processed concurrently
	// RecordsPerSecond paces record admission. Zero means unpaced.
	RecordsPerSecond float64
	Safety           safety.Config
	KillPollInterval time.Duration
	Sleeper          Sleeper
	Logger           *slog.Logger
	Hub              streaming.EventHub
	Connectors       ConnectorProvider
	Now              func() time.Time
}

// RunOptions override the engine's safety defaults for one run.
type RunOptions struct {
	Scope     schema.IdempotencyScope `json:"scope,omitempty"`
	Threshold *float64                `json:"threshold,omitempty"`
	MinSample int                     `json:"min_sample,omitempty"`
}

// StartRequest describes a new run.
type StartRequest struct {
	Definition *schema.WorkflowDefinition
	Records    []map[string]string
	Target     string
	Mode       schema.RunMode
	// RunID is optional; a time-ordered id is generated when empty.
	RunID   string
	Options RunOptions
}

// runOptions is the resolved safety configuration persisted on the run.
type runOptions struct {
	Scope     schema.IdempotencyScope `json:"scope"`
	Threshold float64                 `json:"threshold"`
	MinSample int                     `json:"min_sample"`
}

func (o runOptions) safety() safety.Config {
	return safety.Config{
		Breaker: safety.BreakerConfig{Threshold: o.Threshold, MinSample: o.MinSample},
		Scope:   o.Scope,
	}
}

// Engine is the execution coordinator. It is safe for concurrent use; one
// run id executes at most once at a time per Engine.
type Engine struct {
	store     store.Store
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	eval      *expressions.Evaluator
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*jobRun
}

// New creates an Engine. A nil registry selects the default handlers.
func New(s store.Store, registry *actions.Registry, cfg Config) (*Engine, error) {
	if registry == nil {
		registry = actions.NewDefaultRegistry()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.KillPollInterval <= 0 {
		cfg.KillPollInterval = DefaultKillPollInterval
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = SleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Safety.Breaker == (safety.BreakerConfig{}) {
		cfg.Safety.Breaker = safety.DefaultBreakerConfig()
	}
	if cfg.Safety.Scope == "" {
		cfg.Safety.Scope = schema.ScopeRun
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create evaluator: %w", err)
	}
	return &Engine{
		store:     s,
		registry:  registry,
		validator: validator,
		eval:      eval,
		cfg:       cfg,
		logger:    logging.Default(cfg.Logger),
		active:    make(map[string]*jobRun),
	}, nil
}

func (e *Engine) now() time.Time { return e.cfg.Now().UTC() }

// jobRun is the in-process context of one executing run.
type jobRun struct {
	run     *store.JobRun
	def     *schema.WorkflowDefinition
	records []*store.RunRecord
	// states holds restored record states by key; absent keys start fresh.
	states map[string]*RecordState
	ctrl   *safety.Controller
	conns  connector.Set
	tally  *Tally
	acc    *accumulator
	runFSM *RunFSM
}

// StartRun validates the definition against the batch, persists the run and
// executes it to a terminal run status. The returned report reflects the
// audit log at the end of execution.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*Report, error) {
	def := req.Definition
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	if err := e.validator.ValidateDefinition(def, validation.WithRecordFields(recordFields(req.Records)...)); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = schema.ModeDryRun
	}
	if mode != schema.ModeDryRun && mode != schema.ModeLive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run mode %q", mode)
	}

	if err := e.store.SaveWorkflow(ctx, def); err != nil {
		return nil, err
	}
	digest, err := def.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest workflow: %w", err)
	}

	opts := e.resolveOptions(req.Options)
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode run options: %w", err)
	}

	runID := req.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		runID = id.String()
	}

	run := &store.JobRun{
		ID:              runID,
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		Digest:          digest,
		Target:          req.Target,
		Mode:            mode,
		Status:          schema.RunStatusRunning,
		Options:         rawOpts,
	}
	records := buildRecords(runID, def.KeyField(), req.Records)

	jr, err := e.newJobRun(ctx, run, def, records, opts, distinctKeys(records))
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, run, records); err != nil {
		return nil, err
	}

	// The row is created running; the lifecycle itself begins with run_started.
	run.Status = ""
	if err := jr.runFSM.Transition(ctx, run, schema.RunStatusRunning, eventPayload{
		Details: map[string]any{"records": len(records), "mode": string(mode), "scope": string(opts.Scope)},
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(logging.WithRunID(ctx, runID), "run started",
		"workflow_id", def.WorkflowID, "version", def.Version, "records", len(records), "mode", mode)

	return e.execute(ctx, jr)
}

// Resume continues a run that is running (after a crash), safe-stopped or
// aborted. Each non-terminal record restarts at exactly its next pending
// step; terminal records are never touched again. A pending kill request is
// cleared.
func (e *Engine) Resume(ctx context.Context, runID string) (*Report, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case schema.RunStatusRunning, schema.RunStatusSafeStopped, schema.RunStatusAborted:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "cannot resume run in status %s", run.Status).
			WithDetails(map[string]any{"run_id": runID})
	}
	if e.isActive(runID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", runID)
	}

	def, err := e.loadDefinition(ctx, run)
	if err != nil {
		return nil, err
	}
	var opts runOptions
	if len(run.Options) > 0 {
		if err := json.Unmarshal(run.Options, &opts); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "decode run options: %s", err.Error()).WithCause(err)
		}
	} else {
		opts = e.resolveOptions(RunOptions{})
	}
	records, err := e.store.ListRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := e.store.ClearKill(ctx, runID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "clear kill request: %s", err.Error()).WithCause(err)
	}

	states, err := e.restoreStates(ctx, def, records)
	if err != nil {
		return nil, err
	}
	remaining := 0
	for _, key := range distinctKeyList(records) {
		if st, ok := states[key]; !ok || !st.Status.Terminal() {
			remaining++
		}
	}

	jr, err := e.newJobRun(ctx, run, def, records, opts, remaining)
	if err != nil {
		return nil, err
	}
	jr.states = states
	if jr.tally, err = e.foldRun(ctx, runID); err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Status.Terminal() {
			jr.ctrl.Guard.MarkTerminal(st.Key, st.Position)
		}
	}

	from := run.Status
	if err := jr.runFSM.Transition(ctx, run, schema.RunStatusRunning, eventPayload{
		Details: map[string]any{"from": string(from), "remaining": remaining},
	}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(logging.WithRunID(ctx, runID), "run resumed", "from", from, "remaining", remaining)

	return e.execute(ctx, jr)
}

// Kill requests cooperative cancellation of a run. The request is durable so
// a run executing in another process stops at its next poll; a run in this
// process stops immediately at its next boundary. A safe-stopped run is
// aborted directly.
func (e *Engine) Kill(ctx context.Context, runID, reason, requestedBy string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == schema.RunStatusCompleted {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already completed", runID)
	}
	if err := e.store.RequestKill(ctx, &store.KillRequest{
		RunID:       runID,
		Reason:      reason,
		RequestedBy: requestedBy,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "request kill: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithOperator(logging.WithRunID(ctx, runID), requestedBy)
	if jr := e.lookupActive(runID); jr != nil {
		jr.ctrl.Kill.Kill(reason, requestedBy)
		e.logger.WarnContext(ctx, "kill requested", "reason", reason)
		return nil
	}
	if run.Status == schema.RunStatusSafeStopped {
		fsm := NewRunFSM(&runEmitter{e: e}, e.store)
		if err := fsm.Transition(ctx, run, schema.RunStatusAborted, eventPayload{
			Reason:  reason,
			Details: map[string]any{"requested_by": requestedBy},
		}); err != nil {
			return err
		}
	}
	e.logger.WarnContext(ctx, "kill requested", "reason", reason, "status", run.Status)
	return nil
}

// --- execution ---

func (e *Engine) execute(ctx context.Context, jr *jobRun) (*Report, error) {
	if !e.register(jr) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", jr.run.ID)
	}
	defer e.unregister(jr.run.ID)

	ctx = logging.WithRunID(ctx, jr.run.ID)
	jr.acc = newAccumulator(jr.tally, jr.ctrl.Breaker)

	g, gctx := errgroup.WithContext(ctx)
	stopWatch := make(chan struct{})
	g.Go(func() error { return jr.acc.run(gctx) })
	g.Go(func() error {
		e.watchKill(gctx, jr, stopWatch)
		return nil
	})
	g.Go(func() error {
		defer close(stopWatch)
		defer jr.acc.close()
		return e.dispatch(gctx, jr)
	})
	err := g.Wait()
	jr.acc = nil
	if err != nil {
		e.logger.ErrorContext(ctx, "run interrupted", "error", err)
		return nil, err
	}

	final, payload := finalStatus(jr)
	if err := jr.runFSM.Transition(ctx, jr.run, final, payload); err != nil {
		return nil, err
	}

	report, err := e.Report(ctx, jr.run.ID)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "run finished",
		"status", final,
		"processed", report.ProcessedRecords,
		"unprocessed", report.UnprocessedRecords,
		"by_status", report.ByStatus)
	return report, nil
}

func finalStatus(jr *jobRun) (schema.RunStatus, eventPayload) {
	if jr.ctrl.Kill.Killed() {
		err := schema.Classify(jr.ctrl.Kill.Check(context.Background()))
		return schema.RunStatusAborted, eventPayload{Message: err.Message, Details: err.Details}
	}
	if jr.ctrl.Breaker.Tripped() {
		return schema.RunStatusSafeStopped, eventPayload{
			Message: schema.Classify(jr.ctrl.Breaker.Err()).Message,
			Details: jr.ctrl.Breaker.Stats(),
		}
	}
	return schema.RunStatusCompleted, eventPayload{}
}

// dispatch admits records in batch order and hands them to the pool. It is
// the only goroutine that claims keys.
func (e *Engine) dispatch(ctx context.Context, jr *jobRun) error {
	pool := NewWorkerPool(e.cfg.PoolSize)
	defer pool.Shutdown()

	limit := rate.Inf
	if e.cfg.RecordsPerSecond > 0 {
		limit = rate.Limit(e.cfg.RecordsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, rec := range jr.records {
		if jr.tally.DuplicateAt(rec.Position) {
			continue
		}
		if err := jr.ctrl.MayStart(ctx); err != nil {
			if stopsRun(err) {
				e.logger.WarnContext(ctx, "admission stopped", "reason", schema.CodeOf(err), "position", rec.Position)
				break
			}
			return err
		}

		adm, err := jr.ctrl.Guard.Admit(ctx, rec.Key, rec.Position)
		if err != nil {
			return err
		}
		if !adm.Admitted {
			if err := e.skipRecord(ctx, jr, rec, adm); err != nil {
				return err
			}
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		rr := e.newRecordRun(jr, rec)
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			// The slot may free up only after another record tripped the run.
			if err := jr.ctrl.MayStart(ctx); err != nil {
				if stopsRun(err) {
					return nil
				}
				return err
			}
			return rr.process(ctx)
		}); err != nil {
			return err
		}
	}
	err := pool.Wait()
	m := pool.Metrics()
	e.logger.DebugContext(ctx, "record pool drained",
		"completed", m.Completed, "failed", m.Failed, "panics", m.Panics)
	return err
}

// skipRecord audits a refused admission.
func (e *Engine) skipRecord(ctx context.Context, jr *jobRun, rec *store.RunRecord, adm safety.Admission) error {
	ctx = logging.WithRecordKey(ctx, rec.Key)
	msg := schema.Classify(adm.Err(rec.Key)).Message

	switch adm.Reason {
	case safety.ReasonTerminalInRun:
		return nil

	case safety.ReasonDuplicateInBatch:
		pos := rec.Position
		ev := connector.NewEvidence("idempotency", map[string]any{
			"key": rec.Key, "position": pos, "first_position": adm.FirstPosition,
		})
		e.logger.InfoContext(ctx, "duplicate row skipped", "position", pos, "first_position", adm.FirstPosition)
		return (&runEmitter{e: e, jr: jr}).Emit(ctx, &store.AuditEvent{
			RunID:       jr.run.ID,
			Type:        schema.EventRecordSkipped,
			ErrorCode:   schema.ErrCodeDuplicateRecord,
			EvidenceRef: ev.Ref,
			Payload: encodePayload(eventPayload{
				Key: rec.Key, Position: &pos, Duplicate: true, Reason: adm.Reason, Message: msg,
				Evidence: ev.Observed,
			}),
		})

	default:
		observed := map[string]any{"reason": adm.Reason}
		if adm.Prior != nil {
			observed["prior_run_id"] = adm.Prior.RunID
			observed["prior_status"] = string(adm.Prior.Status)
		}
		ev := connector.NewEvidence("idempotency", observed)
		e.logger.InfoContext(ctx, "record already processed", "reason", adm.Reason)
		rr := e.newRecordRun(jr, rec)
		return rr.Emit(ctx, &store.AuditEvent{
			Type:        schema.EventRecordSkipped,
			ErrorCode:   schema.ErrCodeDuplicateRecord,
			EvidenceRef: ev.Ref,
			Payload:     encodePayload(eventPayload{Message: msg, Reason: adm.Reason, Evidence: observed}),
		})
	}
}

// watchKill polls the durable kill request so runs can be stopped from
// another process.
func (e *Engine) watchKill(ctx context.Context, jr *jobRun, stop <-chan struct{}) {
	t := time.NewTicker(e.cfg.KillPollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-jr.ctrl.Kill.Done():
			return
		case <-t.C:
			if err := jr.ctrl.Kill.Check(ctx); err != nil && !schema.IsCode(err, schema.ErrCodeRunAborted) {
				e.logger.WarnContext(ctx, "kill poll failed", "error", err)
			}
		}
	}
}

func stopsRun(err error) bool {
	return schema.IsCode(err, schema.ErrCodeRunAborted) || schema.IsCode(err, schema.ErrCodeSafeStop)
}

// --- run-level emitter ---

// runEmitter appends run-level events: an empty record key and no
// checkpoint.
type runEmitter struct {
	e  *Engine
	jr *jobRun
}

func (r *runEmitter) Emit(ctx context.Context, ev *store.AuditEvent) error {
	ev.RecordKey = ""
	if r.jr != nil {
		ev.RunID = r.jr.run.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.e.now()
	}
	if err := r.e.store.AppendAudit(ctx, ev, nil); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s: %s", ev.Type, err.Error()).WithCause(err)
	}
	r.e.publish(ctx, ev)
	if r.jr != nil && r.jr.acc != nil && tallied(ev.Type) {
		if _, err := r.jr.acc.fold(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev *store.AuditEvent) {
	if e.cfg.Hub == nil {
		return
	}
	err := e.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		RunID:     ev.RunID,
		RecordKey: ev.RecordKey,
		StepID:    ev.StepID,
		EventType: ev.Type,
		Sequence:  ev.Sequence,
		ErrorCode: ev.ErrorCode,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "publish audit event", "error", err)
	}
}

// --- helpers ---

func (e *Engine) newJobRun(ctx context.Context, run *store.JobRun, def *schema.WorkflowDefinition, records []*store.RunRecord, opts runOptions, eligible int) (*jobRun, error) {
	conns, err := e.connectors(ctx, run)
	if err != nil {
		return nil, err
	}
	jr := &jobRun{
		run:     run,
		def:     def,
		records: records,
		states:  make(map[string]*RecordState),
		ctrl:    safety.NewController(opts.safety(), run.ID, run.Target, eligible, e.store),
		conns:   conns,
		tally:   NewTally(),
	}
	jr.runFSM = NewRunFSM(&runEmitter{e: e, jr: jr}, e.store)
	return jr, nil
}

// connectors returns the capability set of a run. Dry runs never touch a
// live connector.
func (e *Engine) connectors(ctx context.Context, run *store.JobRun) (connector.Set, error) {
	if run.Mode == schema.ModeDryRun {
		return connector.DryRunSet(), nil
	}
	if e.cfg.Connectors == nil {
		return connector.Set{}, schema.NewError(schema.ErrCodePermissionDenied, "live mode requires a connector provider")
	}
	return e.cfg.Connectors(ctx, run)
}

func (e *Engine) resolveOptions(o RunOptions) runOptions {
	out := runOptions{
		Scope:     e.cfg.Safety.Scope,
		Threshold: e.cfg.Safety.Breaker.Threshold,
		MinSample: e.cfg.Safety.Breaker.MinSample,
	}
	if o.Scope != "" {
		out.Scope = o.Scope
	}
	if o.Threshold != nil {
		out.Threshold = *o.Threshold
	}
	if o.MinSample > 0 {
		out.MinSample = o.MinSample
	}
	return out
}

func (e *Engine) loadDefinition(ctx context.Context, run *store.JobRun) (*schema.WorkflowDefinition, error) {
	def, err := e.store.GetWorkflow(ctx, run.WorkflowID, run.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	digest, err := def.Digest()
	if err != nil {
		return nil, fmt.Errorf("digest workflow: %w", err)
	}
	if run.Digest != "" && digest != run.Digest {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s v%d changed since run %s started", run.WorkflowID, run.WorkflowVersion, run.ID)
	}
	return def, nil
}

// restoreStates rebuilds the state of every key that has audit history.
func (e *Engine) restoreStates(ctx context.Context, def *schema.WorkflowDefinition, records []*store.RunRecord) (map[string]*RecordState, error) {
	audit := store.NewAuditLog(e.store)
	states := make(map[string]*RecordState)
	for _, rec := range firstRows(records) {
		cp, events, err := audit.Replay(ctx, rec.RunID, rec.Key)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "replay %s: %s", rec.Key, err.Error()).WithCause(err)
		}
		if cp == nil && len(events) == 0 {
			continue
		}
		st, err := RestoreState(def, rec, cp, events)
		if err != nil {
			return nil, err
		}
		states[rec.Key] = st
	}
	return states, nil
}

func (e *Engine) register(jr *jobRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[jr.run.ID]; ok {
		return false
	}
	e.active[jr.run.ID] = jr
	return true
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) lookupActive(runID string) *jobRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[runID]
}

func (e *Engine) isActive(runID string) bool {
	return e.lookupActive(runID) != nil
}

// RecordKey derives the normalized business key of a row. Rows without a
// key get a positional one so they are still processed once.
func RecordKey(fields map[string]string, keyField string, position int) string {
	if k := safety.NormalizeKey(fields[keyField]); k != "" {
		return k
	}
	return fmt.Sprintf("row:%d", position)
}

func buildRecords(runID, keyField string, rows []map[string]string) []*store.RunRecord {
	out := make([]*store.RunRecord, 0, len(rows))
	for i, fields := range rows {
		out = append(out, &store.RunRecord{
			RunID:    runID,
			Position: i,
			Key:      RecordKey(fields, keyField, i),
			Fields:   fields,
		})
	}
	return out
}

// firstRows returns the first row of every key, in batch order.
func firstRows(records []*store.RunRecord) []*store.RunRecord {
	seen := make(map[string]bool, len(records))
	var out []*store.RunRecord
	for _, r := range records {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		out = append(out, r)
	}
	return out
}

func distinctKeyList(records []*store.RunRecord) []string {
	rows := firstRows(records)
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys
}

func distinctKeys(records []*store.RunRecord) int {
	return len(firstRows(records))
}

// recordFields returns the union of the batch's columns, sorted.
func recordFields(rows []map[string]string) []string {
	set := make(map[string]bool)
	for _, r := range rows {
		for k := range r {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
