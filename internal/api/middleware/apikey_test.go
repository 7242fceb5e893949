package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	apiContext "forge/internal/api/context"
	"forge/internal/engine/credentials"
	"forge/internal/platform/models"
	"forge/internal/platform/repositories"
)

const testSalt = "test-salt"

var apiKeyColumns = []string{"id", "organization_id", "environment_id", "name", "key_hash", "key_prefix",
	"scopes", "ip_allowlist", "rate_per_minute", "last_used_at", "created_at", "revoked_at"}

func keyRow(hash, scopes, allowlist string, rate int) *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyColumns).
		AddRow("key_123", "org_123", "env_123", "ci key", hash, "frg_test_abc...",
			scopes, allowlist, rate, nil, 1234567890, nil)
}

func newMiddleware(t *testing.T) (*APIKeyMiddleware, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := credentials.NewService(repositories.NewAPIKeyRepository(db),
		repositories.NewEnvironmentRepository(db), testSalt, 120)
	return NewAPIKeyMiddleware(svc), mock
}

func TestAPIKeyMiddleware(t *testing.T) {
	secret := "frg_test_0123456789abcdef0123456789abcdef01234567"
	hash := credentials.HashSecret(secret, testSalt)

	t.Run("Valid Key", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WithArgs(hash).
			WillReturnRows(keyRow(hash, `["flows"]`, `[]`, 0))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)
		req.RemoteAddr = "203.0.113.9:4411"

		rr := httptest.NewRecorder()
		handler := mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			key := r.Context().Value(apiContext.APIKey).(*models.APIKey)
			if key.OrganizationID != "org_123" {
				t.Errorf("Expected org_123, got %s", key.OrganizationID)
			}
			w.WriteHeader(http.StatusOK)
		})
		handler(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Missing Key", func(t *testing.T) {
		mid, _ := newMiddleware(t)

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})

	t.Run("Unknown Key", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WillReturnRows(sqlmock.NewRows(apiKeyColumns))

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})

	t.Run("Revoked Key", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		rows := sqlmock.NewRows(apiKeyColumns).
			AddRow("key_123", "org_123", "env_123", "ci key", hash, "frg_test_abc...",
				`["flows"]`, `[]`, 0, nil, 1234567890, 1234567999)
		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WillReturnRows(rows)

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rr.Code)
		}
	})

	t.Run("Insufficient Scope", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WillReturnRows(keyRow(hash, `["images"]`, `[]`, 0))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", rr.Code)
		}
	})

	t.Run("IP Not In Allowlist", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WillReturnRows(keyRow(hash, `["flows"]`, `["198.51.100.1"]`, 0))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)
		req.RemoteAddr = "203.0.113.9:4411"
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			t.Error("Handler should not be called")
		})(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("Expected 403, got %d", rr.Code)
		}
	})

	t.Run("Rate Limited", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		// Two requests against a 1/minute key: second gets 429 + Retry-After.
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
				WillReturnRows(keyRow(hash, `["flows"]`, `[]`, 1))
			mock.ExpectExec("UPDATE api_keys SET last_used_at").
				WillReturnResult(sqlmock.NewResult(0, 1))
		}

		handler := mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("X-API-Key", secret)

		rr := httptest.NewRecorder()
		handler(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected first request to pass, got %d", rr.Code)
		}

		rr = httptest.NewRecorder()
		handler(rr, req)
		if rr.Code != http.StatusTooManyRequests {
			t.Errorf("Expected 429, got %d", rr.Code)
		}
		if rr.Header().Get("Retry-After") == "" {
			t.Error("Expected Retry-After header")
		}
	})

	t.Run("Bearer Header Accepted", func(t *testing.T) {
		mid, mock := newMiddleware(t)

		mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE key_hash = ?").
			WillReturnRows(keyRow(hash, `["flows"]`, `[]`, 0))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, _ := http.NewRequest("POST", "/api/v1/trigger/flow_1", nil)
		req.Header.Set("Authorization", "Bearer "+secret)
		rr := httptest.NewRecorder()
		mid.RequireScopes(models.ScopeFlows)(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rr.Code)
		}
	})
}
