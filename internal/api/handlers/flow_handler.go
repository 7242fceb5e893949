package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"forge/internal/engine/flows"
	"forge/internal/pkg/errors"
	"forge/internal/platform/audit"
	"forge/internal/platform/models"
)

type FlowHandler struct {
	flows *flows.Service
	audit *audit.Logger
}

func NewFlowHandler(flowSvc *flows.Service, auditLog *audit.Logger) *FlowHandler {
	return &FlowHandler{flows: flowSvc, audit: auditLog}
}

func (h *FlowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Definition  *models.FlowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	flow, err := h.flows.Create(orgID(r), req.Name, req.Description, req.Definition)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "flow.created", "flow", flow.ID, nil)
	writeJSON(w, http.StatusCreated, flow)
}

func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Get(param(r, "flow_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	flowList, total, err := h.flows.List(orgID(r), flows.ListOptions{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flows": flowList,
		"total": total,
	})
}

func (h *FlowHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        *string                `json:"name"`
		Description *string                `json:"description"`
		Definition  *models.FlowDefinition `json:"definition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	flow, err := h.flows.Update(param(r, "flow_id"), orgID(r), flows.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (h *FlowHandler) Publish(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Publish(param(r, "flow_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "flow.published", "flow", flow.ID,
		map[string]interface{}{"version": flow.Version})
	writeJSON(w, http.StatusOK, flow)
}

func (h *FlowHandler) Archive(w http.ResponseWriter, r *http.Request) {
	flow, err := h.flows.Archive(param(r, "flow_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "flow.archived", "flow", flow.ID, nil)
	writeJSON(w, http.StatusOK, flow)
}

func (h *FlowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	flowID := param(r, "flow_id")
	if err := h.flows.Delete(flowID, orgID(r)); err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "flow.deleted", "flow", flowID, nil)
	w.WriteHeader(http.StatusNoContent)
}
