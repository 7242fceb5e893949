package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"forge/internal/api"
	"forge/internal/api/handlers"
	"forge/internal/api/middleware"
	"forge/internal/engine/credentials"
	"forge/internal/engine/flows"
	"forge/internal/engine/runs"
	"forge/internal/engine/usage"
	"forge/internal/engine/webhooks"
	"forge/internal/pkg/logger"
	"forge/internal/platform/audit"
	"forge/internal/platform/auth"
	"forge/internal/platform/config"
	"forge/internal/platform/database"
	"forge/internal/platform/repositories"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Repositories
	envRepo := repositories.NewEnvironmentRepository(db)
	keyRepo := repositories.NewAPIKeyRepository(db)
	flowRepo := repositories.NewFlowRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	runRepo := repositories.NewRunRepository(db)
	usageRepo := repositories.NewUsageRepository(db)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	auditLog := audit.NewLogger(db)
	credSvc := credentials.NewService(keyRepo, envRepo, cfg.Keys.HashSalt, cfg.RateLimit.DefaultPerMinute)
	flowSvc := flows.NewService(flowRepo, webhookRepo)
	ledger := usage.NewLedger(usageRepo, flowRepo, keyRepo, webhookRepo)
	coordinator := runs.NewCoordinator(runRepo, flowRepo, ledger, runs.DefaultRegistry(),
		cfg.Engine.QueueSize, cfg.Engine.NodeTimeout)
	webhookSvc := webhooks.NewService(webhookRepo, flowRepo, envRepo, coordinator)

	// Embedded workers execute triggers accepted by this process; a separate
	// worker deployment drains the store instead.
	ctx := context.Background()
	if cfg.Engine.EmbeddedWorkers > 0 {
		coordinator.Start(ctx, cfg.Engine.EmbeddedWorkers)
	}

	// Handlers
	flowHandler := handlers.NewFlowHandler(flowSvc, auditLog)
	runHandler := handlers.NewRunHandler(coordinator)
	apiKeyHandler := handlers.NewAPIKeyHandler(credSvc, auditLog)
	webhookHandler := handlers.NewWebhookHandler(webhookSvc, auditLog)
	usageHandler := handlers.NewUsageHandler(ledger)
	healthHandler := handlers.NewHealthHandler(db)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenSvc)
	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(credSvc)

	// Router
	deps := &api.Dependencies{
		FlowHandler:      flowHandler,
		RunHandler:       runHandler,
		APIKeyHandler:    apiKeyHandler,
		WebhookHandler:   webhookHandler,
		UsageHandler:     usageHandler,
		HealthHandler:    healthHandler,
		AuthMiddleware:   authMiddleware,
		APIKeyMiddleware: apiKeyMiddleware,
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Printf("Server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
