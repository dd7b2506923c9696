package engine

import (
	"context"

	"github.com/rendis/taskpilot/internal/connector"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// Report is the summary of a run, folded from its audit log.
type Report struct {
	RunID           string           `json:"run_id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	Target          string           `json:"target,omitempty"`
	Mode            schema.RunMode   `json:"mode"`
	Status          schema.RunStatus `json:"status"`

	TotalRecords       int `json:"total_records"`
	ProcessedRecords   int `json:"processed_records"`
	UnprocessedRecords int `json:"unprocessed_records"`
	DuplicateSkipped   int `json:"duplicate_skipped"`

	ByStatus      map[schema.RecordStatus]int `json:"by_status"`
	ByErrorCode   map[string]int              `json:"by_error_code"`
	AverageStepMs float64                     `json:"average_step_ms"`
	SafeStopped   bool                        `json:"safe_stopped"`

	Records []RecordOutcome `json:"records"`
}

// RecordOutcome is one batch row's result. Rows are listed in batch order;
// a pending Status means the row has not been processed.
type RecordOutcome struct {
	Position    int                 `json:"position"`
	Key         string              `json:"key"`
	Status      schema.RecordStatus `json:"status,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
	EvidenceRef string              `json:"evidence_ref,omitempty"`
	Message     string              `json:"message,omitempty"`
	Fields      map[string]string   `json:"-"`
}

// Build assembles the report of run over records from the tally.
func (t *Tally) Build(run *store.JobRun, records []*store.RunRecord) *Report {
	r := &Report{
		RunID:            run.ID,
		WorkflowID:       run.WorkflowID,
		WorkflowVersion:  run.WorkflowVersion,
		Target:           run.Target,
		Mode:             run.Mode,
		Status:           run.Status,
		TotalRecords:     len(records),
		DuplicateSkipped: t.duplicateSkipped,
		ByStatus:         make(map[schema.RecordStatus]int),
		ByErrorCode:      make(map[string]int),
		SafeStopped:      run.Status == schema.RunStatusSafeStopped,
		Records:          make([]RecordOutcome, 0, len(records)),
	}

	for _, rec := range records {
		out := RecordOutcome{Position: rec.Position, Key: rec.Key, Fields: rec.Fields}
		if dup, ok := t.duplicates[rec.Position]; ok {
			out.Status = schema.RecordStatusSkipped
			out.ErrorCode = schema.ErrCodeDuplicateRecord
			out.EvidenceRef = dup.evidenceRef
			out.Message = dup.message
			if out.Message == "" {
				out.Message = "duplicate business key in batch"
			}
		} else if status := t.status[rec.Key]; status.Terminal() {
			out.Status = status
			out.ErrorCode = t.codes[rec.Key]
			out.EvidenceRef = t.evidence[rec.Key]
			out.Message = t.messages[rec.Key]
		}

		if out.Status.Terminal() {
			r.ProcessedRecords++
			r.ByStatus[out.Status]++
			if out.ErrorCode != "" {
				r.ByErrorCode[out.ErrorCode]++
			}
		}
		r.Records = append(r.Records, out)
	}
	r.UnprocessedRecords = r.TotalRecords - r.ProcessedRecords
	if t.steps > 0 {
		r.AverageStepMs = float64(t.stepsMs) / float64(t.steps)
	}
	return r
}

// Results converts the outcomes into rows for Tabular.WriteResults.
func (r *Report) Results() []connector.Result {
	out := make([]connector.Result, 0, len(r.Records))
	for _, rec := range r.Records {
		status := string(rec.Status)
		if status == "" {
			status = "pending"
		}
		out = append(out, connector.Result{
			Position:    rec.Position,
			Key:         rec.Key,
			Status:      status,
			ErrorCode:   rec.ErrorCode,
			EvidenceRef: rec.EvidenceRef,
			Message:     rec.Message,
			Fields:      rec.Fields,
		})
	}
	return out
}

// Report folds the audit log of a run into its summary. It reads only the
// store, so it works for runs executed by other processes.
func (e *Engine) Report(ctx context.Context, runID string) (*Report, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	tally, err := e.foldRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return tally.Build(run, records), nil
}

func (e *Engine) foldRun(ctx context.Context, runID string) (*Tally, error) {
	events, err := e.store.RunEvents(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load run events: %s", err.Error()).WithCause(err)
	}
	tally := NewTally()
	for _, ev := range events {
		tally.Fold(ev)
	}
	return tally, nil
}
