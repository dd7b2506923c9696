package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

// RecordState is the progress of one record through a workflow. It is
// rebuilt by folding the record's audit events over its last checkpoint
// snapshot and frozen once Status is terminal.
type RecordState struct {
	RunID    string `json:"run_id"`
	Key      string `json:"key"`
	Position int    `json:"position"`

	// NextStep is the index of the first step that has not succeeded.
	NextStep int `json:"next_step"`
	// Attempts counts failed attempts per step id.
	Attempts map[string]int `json:"attempts,omitempty"`
	// OpenAttempt is the number of the attempt of the current step that has
	// started but neither failed nor succeeded.
	OpenAttempt int `json:"open_attempt,omitempty"`
	// WindowStart is when the first attempt of a step began.
	WindowStart map[string]time.Time `json:"window_start,omitempty"`
	Vars        map[string]any       `json:"vars,omitempty"`

	Status     schema.RecordStatus `json:"status,omitempty"`
	StepStatus schema.StepStatus   `json:"step_status,omitempty"`

	ErrorCode   string `json:"error_code,omitempty"`
	EvidenceRef string `json:"evidence_ref,omitempty"`
	FailedStep  string `json:"failed_step,omitempty"`
	Message     string `json:"message,omitempty"`
}

// eventPayload is the union of the payloads the engine writes.
type eventPayload struct {
	Message    string              `json:"message,omitempty"`
	Note       string              `json:"note,omitempty"`
	Status     schema.RecordStatus `json:"status,omitempty"`
	Captures   map[string]any      `json:"captures,omitempty"`
	Evidence   map[string]any      `json:"evidence,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
	BackoffMs  int64               `json:"backoff_ms,omitempty"`
	Key        string              `json:"key,omitempty"`
	Position   *int                `json:"position,omitempty"`
	Duplicate  bool                `json:"duplicate,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Details    map[string]any      `json:"details,omitempty"`
}

func encodePayload(p eventPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil || string(b) == "{}" {
		return nil
	}
	return b
}

func decodePayload(raw json.RawMessage) eventPayload {
	var p eventPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func newRecordState(runID, key string, position int) *RecordState {
	return &RecordState{RunID: runID, Key: key, Position: position}
}

// operatorEvents are the only events that change a terminal state.
var operatorEvents = map[string]bool{
	schema.EventRecordReopened: true,
	schema.EventRecordSkipped:  true,
	schema.EventRecordResolved: true,
}

// Apply folds one audit event into the state. Events must be applied in
// sequence order.
func (s *RecordState) Apply(def *schema.WorkflowDefinition, ev *store.AuditEvent) {
	if s.Status.Terminal() && !operatorEvents[ev.Type] {
		return
	}
	p := decodePayload(ev.Payload)

	switch ev.Type {
	case schema.EventRecordStarted:
		s.StepStatus = schema.StepStatusPending

	case schema.EventStepAttemptStarted:
		s.StepStatus = schema.StepStatusPending
		s.OpenAttempt = ev.Attempt
		if s.WindowStart == nil {
			s.WindowStart = make(map[string]time.Time)
		}
		if _, ok := s.WindowStart[ev.StepID]; !ok {
			s.WindowStart[ev.StepID] = ev.Timestamp
		}

	case schema.EventStepPreChecking:
		s.StepStatus = schema.StepStatusPreChecking
	case schema.EventStepActing:
		s.StepStatus = schema.StepStatusActing
	case schema.EventStepPostChecking:
		s.StepStatus = schema.StepStatusPostChecking
	case schema.EventStepRetryScheduled:
		s.StepStatus = schema.StepStatusPending

	case schema.EventStepSucceeded:
		s.StepStatus = schema.StepStatusSucceeded
		s.OpenAttempt = 0
		if idx := def.StepIndex(ev.StepID); idx >= s.NextStep {
			s.NextStep = idx + 1
		}
		if len(p.Captures) > 0 {
			if s.Vars == nil {
				s.Vars = make(map[string]any, len(p.Captures))
			}
			maps.Copy(s.Vars, p.Captures)
		}
		s.EvidenceRef = ev.EvidenceRef
		s.ErrorCode, s.FailedStep, s.Message = "", "", ""

	case schema.EventStepFailed:
		s.StepStatus = schema.StepStatusFailed
		s.OpenAttempt = 0
		if s.Attempts == nil {
			s.Attempts = make(map[string]int)
		}
		s.Attempts[ev.StepID]++
		s.ErrorCode = ev.ErrorCode
		s.EvidenceRef = ev.EvidenceRef
		s.FailedStep = ev.StepID
		s.Message = p.Message

	case schema.EventRecordSucceeded:
		s.Status = schema.RecordStatusSuccess
		if ev.EvidenceRef != "" {
			s.EvidenceRef = ev.EvidenceRef
		}
	case schema.EventRecordFailed:
		s.closeWith(schema.RecordStatusFailed, ev, p)
	case schema.EventRecordNeedsReview:
		s.closeWith(schema.RecordStatusNeedsReview, ev, p)
	case schema.EventRecordSkipped:
		s.closeWith(schema.RecordStatusSkipped, ev, p)
	case schema.EventRecordResolved:
		status := p.Status
		if !status.Terminal() {
			status = schema.RecordStatusSuccess
		}
		s.closeWith(status, ev, p)

	case schema.EventRecordReopened:
		step := ev.StepID
		if step == "" {
			step = s.FailedStep
		}
		delete(s.Attempts, step)
		delete(s.WindowStart, step)
		if idx := def.StepIndex(step); idx >= 0 {
			s.NextStep = idx
		}
		s.Status = schema.RecordStatusPending
		s.StepStatus = schema.StepStatusPending
		s.OpenAttempt = 0
		s.ErrorCode, s.Message = "", ""
	}
}

func (s *RecordState) closeWith(status schema.RecordStatus, ev *store.AuditEvent, p eventPayload) {
	s.Status = status
	s.ErrorCode = ev.ErrorCode
	if ev.EvidenceRef != "" {
		s.EvidenceRef = ev.EvidenceRef
	}
	if ev.StepID != "" {
		s.FailedStep = ev.StepID
	}
	if p.Message != "" {
		s.Message = p.Message
	} else if p.Note != "" {
		s.Message = p.Note
	}
}

// Attempt returns the number the next attempt of stepID will carry.
func (s *RecordState) Attempt(stepID string) int {
	return s.Attempts[stepID] + 1
}

// Clone returns a deep copy suitable for speculative folding.
func (s *RecordState) Clone() *RecordState {
	cp := *s
	cp.Attempts = maps.Clone(s.Attempts)
	cp.WindowStart = maps.Clone(s.WindowStart)
	cp.Vars = maps.Clone(s.Vars)
	return &cp
}

// Snapshot encodes the state for a checkpoint.
func (s *RecordState) Snapshot() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode record state %s: %w", s.Key, err)
	}
	return b, nil
}

// RestoreState rebuilds a record's state from its checkpoint and the events
// appended after it. A nil checkpoint means the record never started; events
// are then folded from an empty state.
func RestoreState(def *schema.WorkflowDefinition, rec *store.RunRecord, cp *store.Checkpoint, events []*store.AuditEvent) (*RecordState, error) {
	st := newRecordState(rec.RunID, rec.Key, rec.Position)
	if cp != nil && len(cp.Snapshot) > 0 {
		if err := json.Unmarshal(cp.Snapshot, st); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"decode checkpoint of %s: %s", rec.Key, err.Error()).WithCause(err)
		}
	}
	for _, ev := range events {
		st.Apply(def, ev)
	}
	return st, nil
}
