package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apiContext "forge/internal/api/context"
	"forge/internal/platform/auth"
	"forge/internal/platform/config"
)

func newAuthMiddleware() (*AuthMiddleware, *auth.TokenService) {
	tokenSvc := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour})
	return NewAuthMiddleware(tokenSvc), tokenSvc
}

func TestAuthMiddleware(t *testing.T) {
	t.Run("Valid Token", func(t *testing.T) {
		mid, tokenSvc := newAuthMiddleware()
		token, err := tokenSvc.GenerateAccessToken("user_123", "org_123", "admin")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		req, _ := http.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		mid.Handle(func(w http.ResponseWriter, r *http.Request) {
			claims := r.Context().Value(apiContext.Claims).(*auth.Claims)
			if claims.OrganizationID != "org_123" {
				t.Errorf("Expected org_123, got %s", claims.OrganizationID)
			}
			w.WriteHeader(http.StatusOK)
		})(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Missing Header", func(t *testing.T) {
		mid, _ := newAuthMiddleware()

		req, _ := http.NewRequest("GET", "/api/v1/flows", nil)
		rr := httptest.NewRecorder()
		mid.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})

	t.Run("Malformed Header", func(t *testing.T) {
		mid, _ := newAuthMiddleware()

		req, _ := http.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rr := httptest.NewRecorder()
		mid.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})

	t.Run("Invalid Token", func(t *testing.T) {
		mid, _ := newAuthMiddleware()

		req, _ := http.NewRequest("GET", "/api/v1/flows", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rr := httptest.NewRecorder()
		mid.Handle(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})
}
