package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Cache         CacheConfig
	Queue         QueueConfig
	Webhook       WebhookConfig
	Sync          SyncConfig
	Signing       SigningConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// CacheConfig holds layered cache configuration. RedisURL is optional:
// when empty, the cache runs in memory-only mode.
type CacheConfig struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int

	LocalMaxEntries int
	LocalTTLCeiling time.Duration
	SweepInterval   time.Duration
}

// QueueConfig holds job queue configuration. Unlike the cache, the queue
// has a hard dependency on its redis backend.
type QueueConfig struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int

	MaxAttempts      int
	BackoffBase      time.Duration
	KeepCompleted    int
	KeepFailed       int
	StalledThreshold time.Duration
}

// WebhookConfig holds outbound delivery configuration
type WebhookConfig struct {
	Timeout         time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	ResponseBodyCap int
	UserAgent       string
	RateLimit       int
	RatePeriod      time.Duration
}

// SyncConfig holds bulk sync orchestration tuning. Chunk size and delay
// exist to respect the external API's connection limits and are deployment
// configuration, not constants.
type SyncConfig struct {
	ChunkSize     int
	ChunkDelay    time.Duration
	TargetTimeout time.Duration

	ContactAPIURL string
	ContactAPIKey string
}

// SigningConfig holds webhook signing configuration
type SigningConfig struct {
	MasterKey string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOOKRELAY_HOST", "0.0.0.0"),
			Port:            getEnv("HOOKRELAY_PORT", "8080"),
			ReadTimeout:     getEnvDuration("HOOKRELAY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HOOKRELAY_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HOOKRELAY_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("HOOKRELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("HOOKRELAY_HEALTH_PORT", "9090"),
		},
		Cache: CacheConfig{
			RedisURL:        getEnv("HOOKRELAY_CACHE_REDIS_URL", ""),
			RedisPassword:   getEnv("HOOKRELAY_CACHE_REDIS_PASSWORD", ""),
			RedisDB:         getEnvInt("HOOKRELAY_CACHE_REDIS_DB", 0),
			LocalMaxEntries: getEnvInt("HOOKRELAY_CACHE_LOCAL_MAX_ENTRIES", 10000),
			LocalTTLCeiling: getEnvDuration("HOOKRELAY_CACHE_LOCAL_TTL_CEILING", 5*time.Minute),
			SweepInterval:   getEnvDuration("HOOKRELAY_CACHE_SWEEP_INTERVAL", time.Minute),
		},
		Queue: QueueConfig{
			RedisURL:         getEnv("HOOKRELAY_QUEUE_REDIS_URL", ""),
			RedisPassword:    getEnv("HOOKRELAY_QUEUE_REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("HOOKRELAY_QUEUE_REDIS_DB", 1),
			MaxAttempts:      getEnvInt("HOOKRELAY_QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:      getEnvDuration("HOOKRELAY_QUEUE_BACKOFF_BASE", 2*time.Second),
			KeepCompleted:    getEnvInt("HOOKRELAY_QUEUE_KEEP_COMPLETED", 100),
			KeepFailed:       getEnvInt("HOOKRELAY_QUEUE_KEEP_FAILED", 500),
			StalledThreshold: getEnvDuration("HOOKRELAY_QUEUE_STALLED_THRESHOLD", 30*time.Second),
		},
		Webhook: WebhookConfig{
			Timeout:         getEnvDuration("HOOKRELAY_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:     getEnvInt("HOOKRELAY_WEBHOOK_MAX_ATTEMPTS", 3),
			RetryDelay:      getEnvDuration("HOOKRELAY_WEBHOOK_RETRY_DELAY", time.Second),
			ResponseBodyCap: getEnvInt("HOOKRELAY_WEBHOOK_RESPONSE_BODY_CAP", 1000),
			UserAgent:       getEnv("HOOKRELAY_WEBHOOK_USER_AGENT", "hookrelay-webhooks/1.0"),
			RateLimit:       getEnvInt("HOOKRELAY_WEBHOOK_RATE_LIMIT", 100),
			RatePeriod:      getEnvDuration("HOOKRELAY_WEBHOOK_RATE_PERIOD", time.Minute),
		},
		Sync: SyncConfig{
			ChunkSize:     getEnvInt("HOOKRELAY_SYNC_CHUNK_SIZE", 3),
			ChunkDelay:    getEnvDuration("HOOKRELAY_SYNC_CHUNK_DELAY", 200*time.Millisecond),
			TargetTimeout: getEnvDuration("HOOKRELAY_SYNC_TARGET_TIMEOUT", 30*time.Second),
			ContactAPIURL: getEnv("HOOKRELAY_SYNC_CONTACT_API_URL", ""),
			ContactAPIKey: getEnv("HOOKRELAY_SYNC_CONTACT_API_KEY", ""),
		},
		Signing: SigningConfig{
			MasterKey: getEnv("HOOKRELAY_SIGNING_MASTER_KEY", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("HOOKRELAY_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("HOOKRELAY_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Cache.LocalTTLCeiling <= 0 {
		return fmt.Errorf("local cache TTL ceiling must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache sweep interval must be positive")
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue backoff base must be positive")
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}
	if c.Webhook.ResponseBodyCap <= 0 {
		return fmt.Errorf("webhook response body cap must be positive")
	}

	if c.Sync.ChunkSize <= 0 {
		return fmt.Errorf("sync chunk size must be positive")
	}
	if c.Sync.TargetTimeout <= 0 {
		return fmt.Errorf("sync target timeout must be positive")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
