package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "forge/internal/api/context"
	"forge/internal/api/handlers"
	"forge/internal/api/middleware"
	"forge/internal/pkg/errors"
	"forge/internal/platform/auth"
	"forge/internal/platform/models"
)

type Dependencies struct {
	FlowHandler      *handlers.FlowHandler
	RunHandler       *handlers.RunHandler
	APIKeyHandler    *handlers.APIKeyHandler
	WebhookHandler   *handlers.WebhookHandler
	UsageHandler     *handlers.UsageHandler
	HealthHandler    *handlers.HealthHandler
	AuthMiddleware   *middleware.AuthMiddleware
	APIKeyMiddleware *middleware.APIKeyMiddleware
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))

	// Public inbound webhook endpoint; authenticated by HMAC signature.
	router.POST("/hooks/:slug", wrap(deps.WebhookHandler.HandleInbound))

	// Middleware references
	authMid := deps.AuthMiddleware
	keyMid := deps.APIKeyMiddleware

	// Flow management (dashboard sessions)
	router.POST("/api/v1/flows",
		chain(deps.FlowHandler.Create, authMid.Handle))
	router.GET("/api/v1/flows",
		chain(deps.FlowHandler.List, authMid.Handle))
	router.GET("/api/v1/flows/:flow_id",
		chain(deps.FlowHandler.Get, authMid.Handle))
	router.PATCH("/api/v1/flows/:flow_id",
		chain(deps.FlowHandler.Update, authMid.Handle))
	router.DELETE("/api/v1/flows/:flow_id",
		chain(deps.FlowHandler.Delete, authMid.Handle))
	router.POST("/api/v1/flows/:flow_id/publish",
		chain(deps.FlowHandler.Publish, authMid.Handle, requireRole("admin", "owner", "editor")))
	router.POST("/api/v1/flows/:flow_id/archive",
		chain(deps.FlowHandler.Archive, authMid.Handle, requireRole("admin", "owner", "editor")))

	// Runs
	router.POST("/api/v1/flows/:flow_id/trigger",
		chain(deps.RunHandler.Trigger, authMid.Handle))
	router.GET("/api/v1/runs",
		chain(deps.RunHandler.List, authMid.Handle))
	router.GET("/api/v1/runs/:run_id",
		chain(deps.RunHandler.Get, authMid.Handle))
	router.POST("/api/v1/runs/:run_id/cancel",
		chain(deps.RunHandler.Cancel, authMid.Handle))

	// API key management
	router.POST("/api/v1/keys",
		chain(deps.APIKeyHandler.Create, authMid.Handle, requireRole("admin", "owner")))
	router.GET("/api/v1/keys",
		chain(deps.APIKeyHandler.List, authMid.Handle))
	router.PATCH("/api/v1/keys/:key_id",
		chain(deps.APIKeyHandler.Update, authMid.Handle, requireRole("admin", "owner")))
	router.DELETE("/api/v1/keys/:key_id",
		chain(deps.APIKeyHandler.Revoke, authMid.Handle, requireRole("admin", "owner")))

	// Webhook management
	router.POST("/api/v1/webhooks",
		chain(deps.WebhookHandler.Create, authMid.Handle))
	router.GET("/api/v1/webhooks",
		chain(deps.WebhookHandler.List, authMid.Handle))
	router.POST("/api/v1/webhooks/:webhook_id/pause",
		chain(deps.WebhookHandler.Pause, authMid.Handle))
	router.POST("/api/v1/webhooks/:webhook_id/resume",
		chain(deps.WebhookHandler.Resume, authMid.Handle))
	router.DELETE("/api/v1/webhooks/:webhook_id",
		chain(deps.WebhookHandler.Delete, authMid.Handle))

	// Usage and analytics
	router.GET("/api/v1/usage",
		chain(deps.UsageHandler.GetUsage, authMid.Handle))
	router.GET("/api/v1/usage/history",
		chain(deps.UsageHandler.GetRunHistory, authMid.Handle))
	router.GET("/api/v1/usage/dashboard",
		chain(deps.UsageHandler.GetDashboardStats, authMid.Handle))

	// Programmatic surface: API-key auth with scope checks and rate limiting.
	router.POST("/api/v1/trigger/:flow_id",
		chain(deps.RunHandler.Trigger, keyMid.RequireScopes(models.ScopeFlows)))
	router.GET("/api/v1/trigger/runs/:run_id",
		chain(deps.RunHandler.Get, keyMid.RequireScopes(models.ScopeFlows)))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}

func requireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := r.Context().Value(apiContext.Claims).(*auth.Claims)

			allowed := false
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
					break
				}
			}

			if !allowed {
				errors.WriteError(w, http.StatusForbidden, errors.ErrCodeForbidden, "Insufficient permissions", nil)
				return
			}

			next(w, r)
		}
	}
}
