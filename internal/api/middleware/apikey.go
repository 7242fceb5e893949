package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	apiContext "forge/internal/api/context"
	"forge/internal/engine/credentials"
	"forge/internal/pkg/errors"
)

// APIKeyMiddleware guards the programmatic surface. Checks run in a fixed
// order: key validity, IP allowlist, scopes, then rate limit. A request that
// would fail two checks always reports the earlier one.
type APIKeyMiddleware struct {
	creds *credentials.Service
}

func NewAPIKeyMiddleware(creds *credentials.Service) *APIKeyMiddleware {
	return &APIKeyMiddleware{creds: creds}
}

// RequireScopes returns a middleware validating the presented key and
// requiring every listed scope on it.
func (m *APIKeyMiddleware) RequireScopes(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			secret := presentedSecret(r)
			if secret == "" {
				errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Missing API key", nil)
				return
			}

			key, err := m.creds.Validate(secret)
			if err != nil {
				errors.WriteDomainError(w, err)
				return
			}

			if !m.creds.AllowIP(key, remoteIP(r)) {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Request address not in key allowlist", nil)
				return
			}

			if !m.creds.Authorize(key, scopes...) {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "API key lacks required scope", nil)
				return
			}

			if err := m.creds.Allow(key); err != nil {
				errors.WriteDomainError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiContext.APIKey, key)
			next(w, r.WithContext(ctx))
		}
	}
}

// presentedSecret accepts either X-API-Key or a Bearer token carrying the
// key-style prefix, so SDKs can use whichever header their HTTP stack favors.
func presentedSecret(r *http.Request) string {
	if secret := r.Header.Get("X-API-Key"); secret != "" {
		return secret
	}
	if token := bearerToken(r); strings.HasPrefix(token, "frg_") {
		return token
	}
	return ""
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
