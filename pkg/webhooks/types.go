package webhooks

import (
	"fmt"
	"time"
)

// EventWildcard subscribes a webhook to every event.
const EventWildcard = "*"

// Subscription is a tenant-registered target URL plus the event names it
// wants delivered. Secrets are stored encrypted; multiple live secrets
// exist during rotation, newest first.
type Subscription struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	URL              string            `json:"url"`
	EncryptedSecrets []string          `json:"-"`
	Events           []string          `json:"events"`
	Active           bool              `json:"active"`
	Headers          map[string]string `json:"headers,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Validate checks the fields a subscriber controls.
func (s *Subscription) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("subscription URL is required")
	}
	if s.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("at least one event name is required")
	}
	return nil
}

// clone deep-copies the subscription so store reads and writes never
// alias caller-held structs.
func (s *Subscription) clone() *Subscription {
	dup := *s
	if s.EncryptedSecrets != nil {
		dup.EncryptedSecrets = append([]string(nil), s.EncryptedSecrets...)
	}
	if s.Events != nil {
		dup.Events = append([]string(nil), s.Events...)
	}
	if s.Headers != nil {
		dup.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			dup.Headers[k] = v
		}
	}
	return &dup
}

// WantsEvent reports whether the subscription covers the event name,
// either explicitly or via the wildcard.
func (s *Subscription) WantsEvent(event string) bool {
	for _, e := range s.Events {
		if e == event || e == EventWildcard {
			return true
		}
	}
	return false
}

// Payload is the wire object POSTed to subscribers.
//
// DedupeID is not part of the JSON body; it rides the X-Webhook-Dedupe-ID
// header when set. Queued deliveries carry the job's dedupe id here so
// the subscriber sees the same value on every attempt, while X-Webhook-ID
// stays unique per attempt.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	DedupeID  string                 `json:"-"`
}

// NewPayload stamps a payload with the current time in ISO-8601.
func NewPayload(event string, data, metadata map[string]interface{}) *Payload {
	return &Payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Metadata:  metadata,
	}
}

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Delivery is the audit record for one attempted HTTP POST of an event
// payload to one subscription. A record exists for every attempt-cycle,
// created before the HTTP call and updated after, on every exit path.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	Event          string         `json:"event"`
	Payload        []byte         `json:"payload,omitempty"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	StatusCode     int            `json:"status_code,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Duration       time.Duration  `json:"duration,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// DeliveryStats aggregates delivery outcomes for one subscription.
type DeliveryStats struct {
	SubscriptionID  string        `json:"subscription_id"`
	Total           int           `json:"total"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Pending         int           `json:"pending"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}
