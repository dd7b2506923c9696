package panel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/taskpilot/internal/review"
	"github.com/rendis/taskpilot/internal/store"
	"github.com/rendis/taskpilot/pkg/schema"
)

func (s *PanelServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.deps.Store.ListWorkflows(r.Context())
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Target:     q.Get("target"),
		Limit:      queryInt(r, "limit", 50),
	}
	if v := q.Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunReport returns the report folded from the run's audit log.
func (s *PanelServer) handleRunReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Runner.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *PanelServer) handleKillRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var body struct {
		Reason   string `json:"reason"`
		Operator string `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	if body.Reason == "" {
		body.Reason = "killed via panel"
	}

	if err := s.deps.Runner.Kill(r.Context(), runID, body.Reason, body.Operator); err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID})
}

func (s *PanelServer) handleReviewList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.deps.Review.List(r.Context(), review.Filter{
		RunID:  q.Get("run_id"),
		Status: q.Get("status"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.ReviewEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleReviewAct applies retry, skip or resolve to one record.
func (s *PanelServer) handleReviewAct(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status   string `json:"status"`
		Operator string `json:"operator"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	out, err := s.deps.Review.Act(r.Context(), review.Action{
		Kind:     r.PathValue("action"),
		RunID:    r.PathValue("run"),
		Key:      r.PathValue("key"),
		Status:   schema.RecordStatus(body.Status),
		Operator: body.Operator,
		Note:     body.Note,
	})
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *PanelServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.deps.Store.ListSchedules(r.Context(), store.ScheduleFilter{})
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

// handleUpdateSchedule enables or disables a schedule.
func (s *PanelServer) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.deps.Store.UpdateSchedule(r.Context(), id, store.ScheduleUpdate{Enabled: body.Enabled}); err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

func (s *PanelServer) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}
