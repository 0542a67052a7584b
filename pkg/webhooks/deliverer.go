package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/retry"
	"github.com/hookrelay/hookrelay/pkg/signature"
)

// Signature and metadata headers carried on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
	HeaderAttempt   = "X-Webhook-Attempt"
	// HeaderDedupeID is stable across retries of the same logical event
	// so subscribers can deduplicate; HeaderID is unique per attempt.
	HeaderDedupeID = "X-Webhook-Dedupe-ID"
)

// DelivererConfig tunes the delivery engine.
type DelivererConfig struct {
	// Timeout hard-bounds each HTTP call.
	Timeout time.Duration
	// ResponseBodyCap truncates stored response bodies.
	ResponseBodyCap int
	UserAgent       string
	// RateLimit / RatePeriod bound outbound requests per subscription.
	RateLimit  int
	RatePeriod time.Duration
}

// DefaultDelivererConfig returns the production defaults.
func DefaultDelivererConfig() DelivererConfig {
	return DelivererConfig{
		Timeout:         10 * time.Second,
		ResponseBodyCap: 1000,
		UserAgent:       "hookrelay-webhooks/1.0",
		RateLimit:       100,
		RatePeriod:      time.Minute,
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Success    bool
	StatusCode int
	Err        error
	Duration   time.Duration
	DeliveryID string
}

// Deliverer sends signed HTTP callbacks and records every attempt.
type Deliverer struct {
	client     *http.Client
	deliveries DeliveryStore
	cipher     *signature.Cipher
	config     DelivererConfig
	limiter    *RateLimiter
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewDeliverer creates a delivery engine. metrics may be nil.
func NewDeliverer(deliveries DeliveryStore, cipher *signature.Cipher, config DelivererConfig, logger *observability.Logger, metrics *observability.Metrics) *Deliverer {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDelivererConfig().Timeout
	}
	if config.ResponseBodyCap <= 0 {
		config.ResponseBodyCap = DefaultDelivererConfig().ResponseBodyCap
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultDelivererConfig().UserAgent
	}

	return &Deliverer{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		deliveries: deliveries,
		cipher:     cipher,
		config:     config,
		limiter:    NewRateLimiter(config.RateLimit, config.RatePeriod),
		logger:     logger,
		metrics:    metrics,
	}
}

// Deliver performs one delivery attempt. Exactly one delivery record
// exists afterward with Attempts == attempt, whatever happens: success,
// non-2xx, timeout, or panic inside the call.
func (d *Deliverer) Deliver(ctx context.Context, sub *Subscription, payload *Payload, attempt int) (result Result) {
	record := &Delivery{
		SubscriptionID: sub.ID,
		Event:          payload.Event,
		Status:         DeliveryStatusPending,
		Attempts:       attempt,
		CreatedAt:      time.Now(),
		LastAttemptAt:  time.Now(),
	}
	if err := d.deliveries.Create(record); err != nil {
		// No audit trail means no delivery: this is the one failure that
		// must surface instead of being recorded.
		return Result{Err: fmt.Errorf("failed to create delivery record: %w", err)}
	}

	result.DeliveryID = record.ID
	start := time.Now()

	// The record is finalized on every exit path, including panics from
	// the HTTP round trip.
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("delivery panicked: %v", r)
			result.Success = false
		}
		result.Duration = time.Since(start)

		record.Duration = result.Duration
		record.StatusCode = result.StatusCode
		now := time.Now()
		record.CompletedAt = &now

		if result.Success {
			record.Status = DeliveryStatusSuccess
		} else {
			record.Status = DeliveryStatusFailed
			if result.Err != nil {
				record.ErrorMessage = result.Err.Error()
			}
		}

		if err := d.deliveries.Update(record); err != nil {
			d.logger.WithError(err).WithField("delivery_id", record.ID).Error("failed to update delivery record")
		}

		d.observe(payload.Event, record.Status, result.Duration)
	}()

	// Failures before the network call are local and deterministic for
	// this cycle; they are marked permanent so retry policies surface
	// them immediately instead of burning attempts.
	body, err := json.Marshal(payload)
	if err != nil {
		result.Err = retry.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
		return result
	}
	record.Payload = body

	if !d.limiter.Allow(sub.ID) {
		result.Err = retry.Permanent(fmt.Errorf("rate limit exceeded for subscription %s", sub.ID))
		return result
	}

	sig, err := signature.NewKeychain(d.cipher, sub.EncryptedSecrets).Sign(body)
	if err != nil {
		result.Err = retry.Permanent(fmt.Errorf("failed to sign payload: %w", err))
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		result.Err = retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		return result
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderTimestamp, payload.Timestamp)
	req.Header.Set(HeaderID, record.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if payload.DedupeID != "" {
		req.Header.Set(HeaderDedupeID, payload.DedupeID)
	}
	for key, value := range sub.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		// Timeouts and aborts land here and are treated like any other
		// failure.
		result.Err = fmt.Errorf("failed to send webhook: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	record.ResponseBody = d.readTruncated(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
		return result
	}

	result.Success = true
	return result
}

// DeliverWithRetry attempts delivery under the given policy, sleeping
// policy.NextDelay between attempts and stopping at the first success.
// The last attempt's result is returned.
func (d *Deliverer) DeliverWithRetry(ctx context.Context, sub *Subscription, payload *Payload, policy retry.Policy) Result {
	var result Result
	for attempt := 1; ; attempt++ {
		result = d.Deliver(ctx, sub, payload, attempt)
		if result.Success {
			d.observeAttempts(attempt, DeliveryStatusSuccess)
			return result
		}

		if !policy.ShouldRetry(attempt, result.Err) {
			d.observeAttempts(attempt, DeliveryStatusFailed)
			return result
		}

		d.logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"event":           payload.Event,
			"attempt":         attempt,
		}).WithError(result.Err).Warn("delivery failed, retrying")

		select {
		case <-time.After(policy.NextDelay(attempt)):
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		}
	}
}

// readTruncated reads the response body up to the configured cap.
func (d *Deliverer) readTruncated(r io.Reader) string {
	limited := io.LimitReader(r, int64(d.config.ResponseBodyCap))
	data, err := io.ReadAll(limited)
	if err != nil {
		return ""
	}
	return string(data)
}

func (d *Deliverer) observe(event string, status DeliveryStatus, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.DeliveriesTotal.WithLabelValues(event, string(status)).Inc()
	d.metrics.DeliveryDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func (d *Deliverer) observeAttempts(attempts int, status DeliveryStatus) {
	if d.metrics == nil {
		return
	}
	d.metrics.DeliveryAttempts.WithLabelValues(string(status)).Observe(float64(attempts))
}
