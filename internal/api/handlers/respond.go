package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "forge/internal/api/context"
	"forge/internal/platform/auth"
	"forge/internal/platform/models"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func param(r *http.Request, name string) string {
	params, ok := r.Context().Value(apiContext.Params).(httprouter.Params)
	if !ok {
		return ""
	}
	return params.ByName(name)
}

// orgID resolves the caller's organization from whichever credential
// authenticated the request: dashboard session or API key.
func orgID(r *http.Request) string {
	if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok {
		return claims.OrganizationID
	}
	if key, ok := r.Context().Value(apiContext.APIKey).(*models.APIKey); ok {
		return key.OrganizationID
	}
	return ""
}

// actorID identifies the caller for audit entries and run attribution.
func actorID(r *http.Request) string {
	if claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims); ok {
		return claims.UserID
	}
	if key, ok := r.Context().Value(apiContext.APIKey).(*models.APIKey); ok {
		return key.ID
	}
	return ""
}
