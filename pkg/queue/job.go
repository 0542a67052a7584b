package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names. Each queue carries exactly one payload variant.
const (
	QueueWebhooks  = "webhooks"
	QueueSync      = "sync"
	QueueEmail     = "email"
	QueueAnalytics = "analytics"
	QueueExport    = "export"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Payload is one variant of the closed job payload union.
type Payload interface {
	Kind() string
}

// WebhookPayload asks the worker to deliver one webhook.
type WebhookPayload struct {
	WebhookID string                 `json:"webhookId"`
	Event     string                 `json:"event"`
	Payload   json.RawMessage        `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	URL       string                 `json:"url"`
	Headers   map[string]string      `json:"headers,omitempty"`
}

func (WebhookPayload) Kind() string { return "webhook" }

// SyncPayload pushes one entity change to the external contact platform.
type SyncPayload struct {
	Type     string          `json:"type"`   // contact|tag|field
	Action   string          `json:"action"` // create|update|delete
	TargetID string          `json:"targetId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (SyncPayload) Kind() string { return "sync" }

// EmailPayload sends a templated email.
type EmailPayload struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

func (EmailPayload) Kind() string { return "email" }

// AnalyticsPayload records a tracking event.
type AnalyticsPayload struct {
	EntityID string                 `json:"entityId"`
	Event    string                 `json:"event"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

func (AnalyticsPayload) Kind() string { return "analytics" }

// ExportPayload generates a data export for a tenant.
type ExportPayload struct {
	OwnerID    string                 `json:"ownerId"`
	ExportType string                 `json:"exportType"`
	DataType   string                 `json:"dataType"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
}

func (ExportPayload) Kind() string { return "export" }

// Options controls a single job's scheduling and retry behavior.
type Options struct {
	// Priority > 0 places the job at the front of the waiting list.
	Priority int `json:"priority,omitempty"`
	// Attempts is the maximum number of processing attempts.
	Attempts int `json:"attempts"`
	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration `json:"backoffBase"`
	// Delay postpones the first attempt.
	Delay time.Duration `json:"delay,omitempty"`
}

// Job is the envelope persisted in redis for every queued unit of work.
type Job struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Options Options         `json:"options"`

	// DedupeID is a stable identity across retries; consumers use it to
	// guard against double-applied side effects. Webhook deliveries
	// forward it to the subscriber in the X-Webhook-Dedupe-ID header.
	DedupeID string `json:"dedupeId,omitempty"`

	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// DecodePayload decodes the envelope's payload into its union variant.
// An unknown kind is a permanent, non-retryable error.
func DecodePayload(job *Job) (Payload, error) {
	var (
		payload Payload
		err     error
	)

	switch job.Kind {
	case "webhook":
		var p WebhookPayload
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	case "sync":
		var p SyncPayload
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	case "email":
		var p EmailPayload
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	case "analytics":
		var p AnalyticsPayload
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	case "export":
		var p ExportPayload
		err = json.Unmarshal(job.Payload, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", job.Kind, err)
	}
	return payload, nil
}
