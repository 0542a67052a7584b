package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// HTTPContactAPI is the ContactAPI implementation speaking JSON over
// HTTP to the external contact platform.
type HTTPContactAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *observability.Logger
}

// NewHTTPContactAPI creates a client. timeout bounds each request and
// should be at least the orchestrator's per-target timeout divided by
// the number of parallel field writes expected.
func NewHTTPContactAPI(baseURL, apiKey string, timeout time.Duration, logger *observability.Logger) *HTTPContactAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPContactAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// SetField writes one custom field value on one contact.
func (c *HTTPContactAPI) SetField(ctx context.Context, targetID, field string, value interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"field": field,
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("failed to encode field update: %w", err)
	}

	url := fmt.Sprintf("%s/contacts/%s/fields", c.baseURL, targetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build field update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("field update request failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contact API returned %d for %s", resp.StatusCode, targetID)
	}
	return nil
}
