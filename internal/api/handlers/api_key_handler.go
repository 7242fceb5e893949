package handlers

import (
	"encoding/json"
	"net/http"

	"forge/internal/engine/credentials"
	"forge/internal/pkg/errors"
	"forge/internal/platform/audit"
)

type APIKeyHandler struct {
	creds *credentials.Service
	audit *audit.Logger
}

func NewAPIKeyHandler(creds *credentials.Service, auditLog *audit.Logger) *APIKeyHandler {
	return &APIKeyHandler{creds: creds, audit: auditLog}
}

// Create issues a key. The response carries the plaintext secret under "key";
// it is not retrievable afterwards.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string   `json:"name"`
		Environment   string   `json:"environment"`
		Scopes        []string `json:"scopes"`
		IPAllowlist   []string `json:"ip_allowlist"`
		RatePerMinute int      `json:"rate_per_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Environment == "" {
		req.Environment = "sandbox"
	}

	key, secret, err := h.creds.CreateKey(orgID(r), req.Environment, credentials.CreateKeyInput{
		Name:          req.Name,
		Scopes:        req.Scopes,
		IPAllowlist:   req.IPAllowlist,
		RatePerMinute: req.RatePerMinute,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	h.audit.Log(orgID(r), actorID(r), "api_key.created", "api_key", key.ID,
		map[string]interface{}{"environment": req.Environment, "scopes": req.Scopes})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
		"key":     secret,
	})
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.creds.ListKeys(orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

func (h *APIKeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          *string  `json:"name"`
		Scopes        []string `json:"scopes"`
		IPAllowlist   []string `json:"ip_allowlist"`
		RatePerMinute *int     `json:"rate_per_minute"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	key, err := h.creds.UpdateKey(param(r, "key_id"), orgID(r), credentials.UpdateKeyInput{
		Name:          req.Name,
		Scopes:        req.Scopes,
		IPAllowlist:   req.IPAllowlist,
		RatePerMinute: req.RatePerMinute,
	})
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Revoke soft-deletes a key. Revoking twice is not an error; the response
// reports whether this call did the revoking.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key, alreadyRevoked, err := h.creds.Revoke(param(r, "key_id"), orgID(r))
	if err != nil {
		errors.WriteDomainError(w, err)
		return
	}

	if !alreadyRevoked {
		h.audit.Log(orgID(r), actorID(r), "api_key.revoked", "api_key", key.ID, nil)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"api_key":         key,
		"already_revoked": alreadyRevoked,
	})
}
