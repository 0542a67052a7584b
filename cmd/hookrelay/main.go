package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookrelay/hookrelay/pkg/cache"
	"github.com/hookrelay/hookrelay/pkg/config"
	"github.com/hookrelay/hookrelay/pkg/events"
	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/queue"
	"github.com/hookrelay/hookrelay/pkg/retry"
	"github.com/hookrelay/hookrelay/pkg/signature"
	"github.com/hookrelay/hookrelay/pkg/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
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

	// Distributed cache tier is optional; without it the cache runs
	// memory-only.
	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(cfg.Cache.RedisURL, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		logger.Info("Connected to distributed cache")
	} else {
		logger.Warn("No cache redis configured, running memory-only")
	}

	layeredCache := cache.New(redisClient, cache.Options{
		LocalMaxEntries: cfg.Cache.LocalMaxEntries,
		LocalTTLCeiling: cfg.Cache.LocalTTLCeiling,
		SweepInterval:   cfg.Cache.SweepInterval,
	}, logger, metrics)

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

	emitter := events.NewEmitter(subscriptions, deliverer, retry.FixedDelay{
		MaxAttempts: cfg.Webhook.MaxAttempts,
		Delay:       cfg.Webhook.RetryDelay,
	}, logger, metrics)

	// With queue redis configured, emitted events become durable webhook
	// jobs for the worker fleet. Without it, delivery runs in-process.
	var queuedEmitter *events.QueuedEmitter
	var queueClient *redis.Client
	if cfg.Queue.RedisURL != "" {
		queueClient, err = cache.NewRedisClient(cfg.Queue.RedisURL, cfg.Queue.RedisPassword, cfg.Queue.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to queue redis: %v", err)
		}
		webhookQueue := queue.New(queue.QueueWebhooks, queueClient, queue.Config{
			DefaultAttempts:    cfg.Queue.MaxAttempts,
			DefaultBackoffBase: cfg.Queue.BackoffBase,
			CompletedRetention: cfg.Queue.KeepCompleted,
			FailedRetention:    cfg.Queue.KeepFailed,
		}, logger, metrics)
		queuedEmitter = events.NewQueuedEmitter(subscriptions, webhookQueue, logger, metrics)
		logger.Info("Queued webhook dispatch enabled")
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	webhooks.NewHandlers(subscriptions, deliveries, cipher).RegisterRoutes(api)
	api.HandleFunc("/events", emitHandler(emitter, queuedEmitter)).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes.
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

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		// Let detached emissions finish before tearing down.
		emitter.Wait()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		layeredCache.Shutdown()
		if queueClient != nil {
			queueClient.Close()
		}
		if redisClient != nil {
			return redisClient.Close()
		}
		return nil
	})

	go func() {
		logger.Infof("API server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API server failed")
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		os.Exit(1)
	}
}

type emitRequest struct {
	OwnerID  string                 `json:"ownerId"`
	Event    string                 `json:"event"`
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// emitHandler accepts a domain event and fans it out without blocking
// the caller on subscriber deliveries. When a queued emitter is
// available the event is enqueued for the worker fleet; otherwise it
// runs as a detached in-process fan-out.
func emitHandler(emitter *events.Emitter, queued *events.QueuedEmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req emitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.OwnerID == "" || req.Event == "" {
			http.Error(w, "ownerId and event are required", http.StatusBadRequest)
			return
		}

		if queued != nil {
			if _, err := queued.Emit(r.Context(), req.OwnerID, req.Event, req.Data, req.Metadata); err != nil {
				http.Error(w, "failed to enqueue event", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}

		emitter.EmitDetached(r.Context(), req.OwnerID, req.Event, req.Data, req.Metadata)
		w.WriteHeader(http.StatusAccepted)
	}
}
