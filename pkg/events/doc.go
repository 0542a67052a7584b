// Package events maps domain events to webhook payloads and fans them
// out to every matching subscription.
//
// Fan-out is concurrent and non-failing: every subscriber's outcome is
// collected, and one broken endpoint can neither block nor fail delivery
// to the others. Emission is fire-and-forget from the domain's point of
// view; use EmitDetached at call sites that must not wait.
package events
