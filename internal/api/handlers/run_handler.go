package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apiContext "forge/internal/api/context"
	"forge/internal/engine/runs"
	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
)

type RunHandler struct {
	coordinator *runs.Coordinator
}

func NewRunHandler(coordinator *runs.Coordinator) *RunHandler {
	return &RunHandler{coordinator: coordinator}
}

// Trigger queues a run for a published flow. The trigger type depends on the
// credential: dashboard sessions are manual triggers, API keys are api.
func (h *RunHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]interface{} `json:"input"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
			return
		}
	}

	triggerType := models.TriggerManual
	if _, viaKey := r.Context().Value(apiContext.APIKey).(*models.APIKey); viaKey {
		triggerType = models.TriggerAPI
	}

	run, err := h.coordinator.QueueRun(param(r, "flow_id"), orgID(r), triggerType, actorID(r), req.Input)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// Get returns the run and its per-node statuses; this is the polling endpoint
// for trigger callers.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, nodes, err := h.coordinator.GetRunWithNodes(param(r, "run_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":   run,
		"nodes": nodes,
	})
}

func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	runList, total, err := h.coordinator.ListRuns(orgID(r), runs.ListOptions{
		FlowID: q.Get("flow_id"),
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runList,
		"total": total,
	})
}

func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	run, err := h.coordinator.Cancel(param(r, "run_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
