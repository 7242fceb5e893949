package main

import (
	"context"
	"log"
	"time"

	"forge/internal/engine/runs"
	"forge/internal/engine/usage"
	"forge/internal/pkg/logger"
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
	log.Println("Starting Forge execution workers...")

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	flowRepo := repositories.NewFlowRepository(db)
	runRepo := repositories.NewRunRepository(db)
	usageRepo := repositories.NewUsageRepository(db)
	keyRepo := repositories.NewAPIKeyRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)

	ledger := usage.NewLedger(usageRepo, flowRepo, keyRepo, webhookRepo)
	coordinator := runs.NewCoordinator(runRepo, flowRepo, ledger, runs.DefaultRegistry(),
		cfg.Engine.QueueSize, cfg.Engine.NodeTimeout)

	ctx := context.Background()
	coordinator.StartPoller(ctx, 2*time.Second, cfg.Engine.WorkerCount*4)
	coordinator.StartReconciler(ctx, 5*time.Minute, cfg.Engine.StaleRunAge)

	// Keep process alive
	select {}
}
