// Package webhooks implements outbound webhook subscriptions and the
// delivery engine: signed HTTP callbacks with hard timeouts, a durable
// audit record per delivery attempt, per-subscription rate limiting, and
// retry wrappers.
//
// Persistence is consumed through the SubscriptionStore and DeliveryStore
// interfaces; the in-memory implementations here back tests and
// single-process deployments, with the production database sitting behind
// the same contract.
package webhooks
