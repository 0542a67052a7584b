package events

import (
	"context"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/pkg/async"
	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/retry"
	"github.com/hookrelay/hookrelay/pkg/webhooks"
)

// Event names emitted by the back office.
const (
	EventQRScanned         = "qr.scanned"
	EventBookingCreated    = "booking.created"
	EventBookingUpdated    = "booking.updated"
	EventUserUpdated       = "user.updated"
	EventContactTagAdded   = "contact.tag_added"
	EventContactTagRemoved = "contact.tag_removed"
)

// EmitResult pairs one subscription with its delivery outcome.
type EmitResult struct {
	SubscriptionID string
	Result         webhooks.Result
}

// Emitter delivers domain events to all matching subscriptions.
type Emitter struct {
	subscriptions webhooks.SubscriptionStore
	deliverer     *webhooks.Deliverer
	policy        retry.Policy
	supervisor    *async.Supervisor
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// NewEmitter creates an emitter. policy governs the synchronous retry
// path; metrics may be nil.
func NewEmitter(subscriptions webhooks.SubscriptionStore, deliverer *webhooks.Deliverer, policy retry.Policy, logger *observability.Logger, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		subscriptions: subscriptions,
		deliverer:     deliverer,
		policy:        policy,
		supervisor:    async.NewSupervisor(logger),
		logger:        logger,
		metrics:       metrics,
	}
}

// Emit delivers the event to every active subscription of ownerID whose
// event set contains eventName or the wildcard. Zero matches is a no-op.
// Deliveries run concurrently; all outcomes are collected regardless of
// individual failures, and Emit itself only errors when subscriptions
// cannot be loaded.
func (e *Emitter) Emit(ctx context.Context, ownerID, eventName string, data, metadata map[string]interface{}) ([]EmitResult, error) {
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

	payload := webhooks.NewPayload(eventName, data, metadata)

	results := make([]EmitResult, len(matched))
	var wg sync.WaitGroup
	for i, sub := range matched {
		wg.Add(1)
		go func(i int, sub *webhooks.Subscription) {
			defer wg.Done()
			results[i] = EmitResult{
				SubscriptionID: sub.ID,
				Result:         e.deliverer.DeliverWithRetry(ctx, sub, payload, e.policy),
			}
		}(i, sub)
	}
	wg.Wait()

	return results, nil
}

// EmitDetached launches Emit as a supervised detached task. Failures are
// observable only through logs and the delivery records. The task is
// detached from the caller's cancellation so a finished HTTP request
// does not abort in-flight deliveries.
func (e *Emitter) EmitDetached(ctx context.Context, ownerID, eventName string, data, metadata map[string]interface{}) {
	e.supervisor.Go(context.WithoutCancel(ctx), 2*time.Minute, "emit "+eventName, func(taskCtx context.Context) error {
		_, err := e.Emit(taskCtx, ownerID, eventName, data, metadata)
		return err
	})
}

// Wait blocks until all detached emissions have settled. Intended for
// graceful shutdown and tests.
func (e *Emitter) Wait() {
	e.supervisor.Wait()
}
