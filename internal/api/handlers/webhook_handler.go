package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"forge/internal/engine/webhooks"
	"forge/internal/pkg/errors"
	"forge/internal/platform/audit"
)

type WebhookHandler struct {
	webhooks *webhooks.Service
	audit    *audit.Logger
}

func NewWebhookHandler(webhookSvc *webhooks.Service, auditLog *audit.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhookSvc, audit: auditLog}
}

// Create registers an inbound endpoint. The response includes the signing
// secret once; afterwards only the slug is visible.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowID      string `json:"flow_id"`
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	webhook, err := h.webhooks.Create(orgID(r), req.FlowID, req.Environment)
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "webhook.created", "webhook", webhook.ID,
		map[string]interface{}{"flow_id": req.FlowID})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"webhook": webhook,
		"secret":  webhook.Secret,
		"url":     "/hooks/" + webhook.Slug,
	})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.webhooks.List(orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": list})
}

func (h *WebhookHandler) Pause(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.webhooks.Pause(param(r, "webhook_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "webhook.paused", "webhook", webhook.ID, nil)
	writeJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Resume(w http.ResponseWriter, r *http.Request) {
	webhook, err := h.webhooks.Resume(param(r, "webhook_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "webhook.resumed", "webhook", webhook.ID, nil)
	writeJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhookID := param(r, "webhook_id")
	if err := h.webhooks.Delete(webhookID, orgID(r)); err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "webhook.deleted", "webhook", webhookID, nil)
	w.WriteHeader(http.StatusNoContent)
}

const inboundBodyLimit = 1 << 20 // 1 MiB

// HandleInbound is the public delivery endpoint; authentication is the HMAC
// signature, not a session or key.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, inboundBodyLimit))
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Unreadable request body", nil)
		return
	}

	run, err := h.webhooks.HandleInbound(param(r, "slug"), payload, r.Header.Get("X-Forge-Signature"))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
	})
}
