package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/queue"
	"github.com/hookrelay/hookrelay/pkg/webhooks"
)

// QueuedEmitter routes domain events through the durable job queue
// instead of delivering them in-process. One webhook job is enqueued
// per matching subscription; the worker fleet owns delivery, backoff,
// and the attempt budget from there.
type QueuedEmitter struct {
	subscriptions webhooks.SubscriptionStore
	jobs          *queue.Queue
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewQueuedEmitter creates a queue-backed emitter. jobs must be the
// webhooks queue; metrics may be nil.
func NewQueuedEmitter(subscriptions webhooks.SubscriptionStore, jobs *queue.Queue, logger *observability.Logger, metrics *observability.Metrics) *QueuedEmitter {
	return &QueuedEmitter{
		subscriptions: subscriptions,
		jobs:          jobs,
		logger:        logger,
		metrics:       metrics,
	}
}

// Emit enqueues one webhook job per active subscription of ownerID
// whose event set covers eventName. Zero matches is a no-op. The
// payload carries the subscription's url and headers so the worker can
// still deliver if the subscription is gone by the time the job runs.
func (e *QueuedEmitter) Emit(ctx context.Context, ownerID, eventName string, data, metadata map[string]interface{}) ([]*queue.Job, error) {
	subs, err := e.subscriptions.ListActive(ownerID)
	if err != nil {
		return nil, err
	}

	matched := make([]*webhooks.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.WantsEvent(eventName) {
			matched = append(matched, sub)
		}
	}

	if e.metrics != nil {
		e.metrics.FanoutSize.Observe(float64(len(matched)))
	}
	if len(matched) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}

	jobs := make([]*queue.Job, 0, len(matched))
	for _, sub := range matched {
		job, err := e.jobs.Add(ctx, queue.WebhookPayload{
			WebhookID: sub.ID,
			Event:     eventName,
			Payload:   raw,
			Metadata:  metadata,
			URL:       sub.URL,
			Headers:   sub.Headers,
		}, nil)
		if err != nil {
			return jobs, fmt.Errorf("failed to enqueue webhook for subscription %s: %w", sub.ID, err)
		}
		jobs = append(jobs, job)
	}

	e.logger.WithFields(map[string]interface{}{
		"owner_id": ownerID,
		"event":    eventName,
		"jobs":     len(jobs),
	}).Debug("Event enqueued")
	return jobs, nil
}
