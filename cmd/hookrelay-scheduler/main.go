package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/syncer"
)

var (
	schedule    = flag.String("schedule", getEnv("HOOKRELAY_SYNC_SCHEDULE", "*/30 * * * *"), "Cron schedule for bulk contact sync (default: every 30 minutes)")
	targetsFile = flag.String("targets-file", getEnv("HOOKRELAY_SYNC_TARGETS_FILE", ""), "JSON file describing the sync plan: {ownerId, targetIds, fields}")
	runOnce     = flag.Bool("run-once", false, "Run one sync and exit (for testing)")
)

// syncPlan is the on-disk description of a scheduled sync run.
type syncPlan struct {
	OwnerID   string                 `json:"ownerId"`
	TargetIDs []string               `json:"targetIds"`
	Fields    map[string]interface{} `json:"fields"`
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Sync.ContactAPIURL == "" {
		log.Fatal("HOOKRELAY_SYNC_CONTACT_API_URL is required for the scheduler")
	}
	if *targetsFile == "" {
		log.Fatal("A targets file is required (-targets-file or HOOKRELAY_SYNC_TARGETS_FILE)")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	contactAPI := syncer.NewHTTPContactAPI(cfg.Sync.ContactAPIURL, cfg.Sync.ContactAPIKey, cfg.Sync.TargetTimeout, logger)
	orchestrator := syncer.NewOrchestrator(contactAPI,
		syncer.NewMemorySnapshotStore(), syncer.NewMemorySyncLogStore(1000),
		syncer.Config{
			ChunkSize:     cfg.Sync.ChunkSize,
			ChunkDelay:    cfg.Sync.ChunkDelay,
			TargetTimeout: cfg.Sync.TargetTimeout,
		}, logger, metrics)

	if *runOnce {
		if err := runSync(orchestrator, logger, *targetsFile); err != nil {
			log.Fatalf("Sync failed: %v", err)
		}
		log.Println("Sync completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		if err := runSync(orchestrator, logger, *targetsFile); err != nil {
			logger.WithError(err).Error("Scheduled sync failed")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule sync: %v", err)
	}

	c.Start()
	log.Println("Sync scheduler started")
	log.Printf("Sync schedule: %s", *schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down scheduler")
	<-c.Stop().Done()
}

// runSync reloads the plan file, skips the run when the plan content is
// unchanged since the last stored snapshot, and otherwise syncs every
// target.
func runSync(orchestrator *syncer.Orchestrator, logger *observability.Logger, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var plan syncPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return err
	}

	_, created, err := orchestrator.StoreSnapshot(plan.OwnerID, "scheduled-plan", raw)
	if err != nil {
		return err
	}
	if !created {
		logger.WithField("owner_id", plan.OwnerID).Info("Plan unchanged since last run, skipping sync")
		return nil
	}

	result, err := orchestrator.SyncMany(context.Background(), plan.OwnerID, plan.TargetIDs,
		syncer.UpdatePlan{Fields: plan.Fields}, syncer.TriggerSchedule)
	if err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"owner_id": plan.OwnerID,
		"updated":  result.UpdatedCount,
		"targets":  result.TargetCount,
		"status":   string(result.Status),
	}).Info("Scheduled sync finished")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
