package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/retry"
	"github.com/hookrelay/hookrelay/pkg/signature"
)

func newTestDeliverer(t *testing.T, deliveries DeliveryStore) (*Deliverer, *signature.Cipher) {
	t.Helper()

	cipher, err := signature.NewCipher("test-master-key")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	cfg := DefaultDelivererConfig()
	cfg.Timeout = 2 * time.Second

	return NewDeliverer(deliveries, cipher, cfg, observability.NewNopLogger(), nil), cipher
}

func newTestSubscription(t *testing.T, cipher *signature.Cipher, url, secret string) *Subscription {
	t.Helper()

	encrypted, err := cipher.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	return &Subscription{
		ID:               "sub-1",
		OwnerID:          "owner-1",
		URL:              url,
		EncryptedSecrets: []string{encrypted},
		Events:           []string{"qr.scanned"},
		Active:           true,
		Headers:          map[string]string{"X-Custom": "custom-value"},
	}
}

func TestDeliverer_Success(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	payload := NewPayload("qr.scanned", map[string]interface{}{"qrCode": "X1", "scannedBy": "u1"}, nil)
	result := d.Deliver(context.Background(), sub, payload, 1)

	if !result.Success {
		t.Fatalf("Expected success, got error: %v", result.Err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("Unexpected status code: %d", result.StatusCode)
	}

	// The signature header must verify against the raw body bytes.
	if !signature.Verify(gotBody, gotHeaders.Get(HeaderSignature), "abc") {
		t.Error("Expected signature to verify against secret")
	}

	if gotHeaders.Get(HeaderEvent) != "qr.scanned" {
		t.Errorf("Unexpected event header: %q", gotHeaders.Get(HeaderEvent))
	}
	if gotHeaders.Get(HeaderID) != result.DeliveryID {
		t.Errorf("Expected delivery id header %q, got %q", result.DeliveryID, gotHeaders.Get(HeaderID))
	}
	if gotHeaders.Get(HeaderAttempt) != "1" {
		t.Errorf("Unexpected attempt header: %q", gotHeaders.Get(HeaderAttempt))
	}
	if gotHeaders.Get("X-Custom") != "custom-value" {
		t.Error("Expected subscriber custom header to be forwarded")
	}
	if _, err := time.Parse(time.RFC3339, gotHeaders.Get(HeaderTimestamp)); err != nil {
		t.Errorf("Expected ISO-8601 timestamp header: %v", err)
	}

	var wire Payload
	if err := json.Unmarshal(gotBody, &wire); err != nil {
		t.Fatalf("Body is not valid JSON: %v", err)
	}
	if wire.Event != "qr.scanned" || wire.Data["qrCode"] != "X1" {
		t.Errorf("Unexpected wire payload: %+v", wire)
	}

	record, err := deliveries.Get(result.DeliveryID)
	if err != nil {
		t.Fatalf("Expected delivery record: %v", err)
	}
	if record.Status != DeliveryStatusSuccess {
		t.Errorf("Unexpected record status: %s", record.Status)
	}
	if record.Attempts != 1 {
		t.Errorf("Unexpected record attempts: %d", record.Attempts)
	}
}

func TestDeliverer_Non2xxRecordedAsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broken"))
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	result := d.Deliver(context.Background(), sub, NewPayload("booking.updated", nil, nil), 2)

	if result.Success {
		t.Fatal("Expected failure for non-2xx response")
	}

	record, err := deliveries.Get(result.DeliveryID)
	if err != nil {
		t.Fatalf("Expected delivery record: %v", err)
	}
	if record.Status != DeliveryStatusFailed {
		t.Errorf("Unexpected record status: %s", record.Status)
	}
	if record.StatusCode != http.StatusBadGateway {
		t.Errorf("Unexpected record status code: %d", record.StatusCode)
	}
	if record.Attempts != 2 {
		t.Errorf("Unexpected record attempts: %d", record.Attempts)
	}
	if record.ResponseBody != "upstream broken" {
		t.Errorf("Unexpected response body: %q", record.ResponseBody)
	}
	if record.ErrorMessage == "" {
		t.Error("Expected error message on failed record")
	}
}

func TestDeliverer_TimeoutRecordedAsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	cipher, _ := signature.NewCipher("test-master-key")
	cfg := DefaultDelivererConfig()
	cfg.Timeout = 50 * time.Millisecond
	d := NewDeliverer(deliveries, cipher, cfg, observability.NewNopLogger(), nil)

	sub := newTestSubscription(t, cipher, server.URL, "abc")
	result := d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	if result.Success {
		t.Fatal("Expected timeout failure")
	}

	record, err := deliveries.Get(result.DeliveryID)
	if err != nil {
		t.Fatalf("Expected delivery record even on timeout: %v", err)
	}
	if record.Status != DeliveryStatusFailed {
		t.Errorf("Unexpected record status: %s", record.Status)
	}
}

func TestDeliverer_NetworkErrorRecordedAsFailed(t *testing.T) {
	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)

	// Closed port: the dial fails immediately.
	sub := newTestSubscription(t, cipher, "http://127.0.0.1:1", "abc")
	result := d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	if result.Success {
		t.Fatal("Expected network failure")
	}
	if record, err := deliveries.Get(result.DeliveryID); err != nil || record.Status != DeliveryStatusFailed {
		t.Errorf("Expected failed record, got %+v err %v", record, err)
	}
}

func TestDeliverer_ResponseBodyTruncated(t *testing.T) {
	long := strings.Repeat("x", 5000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(long))
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	result := d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	record, err := deliveries.Get(result.DeliveryID)
	if err != nil {
		t.Fatalf("Expected delivery record: %v", err)
	}
	if len(record.ResponseBody) != 1000 {
		t.Errorf("Expected response body truncated to 1000 chars, got %d", len(record.ResponseBody))
	}
}

func TestDeliverer_MisconfiguredSecret(t *testing.T) {
	deliveries := NewMemoryDeliveryStore(100)
	d, _ := newTestDeliverer(t, deliveries)

	// No secrets at all: deterministic local failure before the network
	// call, still recorded.
	sub := &Subscription{ID: "sub-1", URL: "http://example.invalid", Events: []string{"*"}}
	result := d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	if result.Success || result.Err == nil {
		t.Fatal("Expected signing failure")
	}
	if record, err := deliveries.Get(result.DeliveryID); err != nil || record.Status != DeliveryStatusFailed {
		t.Errorf("Expected failed record for local failure, got %+v err %v", record, err)
	}
}

func TestDeliverer_LocalFailureNotRetried(t *testing.T) {
	deliveries := NewMemoryDeliveryStore(100)
	d, _ := newTestDeliverer(t, deliveries)

	// No secrets: signing fails before any network call and retrying
	// cannot change the outcome. One attempt, one audit record.
	sub := &Subscription{ID: "sub-1", URL: "http://example.invalid", Events: []string{"*"}}
	policy := retry.FixedDelay{MaxAttempts: 3, Delay: time.Millisecond}
	result := d.DeliverWithRetry(context.Background(), sub, NewPayload("qr.scanned", nil, nil), policy)

	if result.Success {
		t.Fatal("Expected signing failure")
	}
	if !retry.IsPermanent(result.Err) {
		t.Errorf("Expected local failure to be permanent, got %v", result.Err)
	}

	records, _ := deliveries.ListBySubscription(sub.ID, 0)
	if len(records) != 1 {
		t.Errorf("Expected a single delivery record, got %d", len(records))
	}
}

func TestDeliverer_DedupeHeaderForwarded(t *testing.T) {
	var gotHeaders []http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = append(gotHeaders, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	payload := NewPayload("qr.scanned", nil, nil)
	payload.DedupeID = "evt-123"
	d.Deliver(context.Background(), sub, payload, 1)
	d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	if got := gotHeaders[0].Get(HeaderDedupeID); got != "evt-123" {
		t.Errorf("Unexpected dedupe header: %q", got)
	}
	if got := gotHeaders[1].Get(HeaderDedupeID); got != "" {
		t.Errorf("Expected no dedupe header when the payload carries no dedupe id, got %q", got)
	}
}

func TestDeliverer_RetryStopsAtFirstSuccess(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	policy := retry.FixedDelay{MaxAttempts: 5, Delay: 5 * time.Millisecond}
	result := d.DeliverWithRetry(context.Background(), sub, NewPayload("qr.scanned", nil, nil), policy)

	if !result.Success {
		t.Fatalf("Expected eventual success: %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("Expected exactly 3 calls, got %d", calls)
	}

	// One audit record per attempt-cycle.
	records, _ := deliveries.ListBySubscription(sub.ID, 0)
	if len(records) != 3 {
		t.Errorf("Expected 3 delivery records, got %d", len(records))
	}
}

func TestDeliverer_RetryReturnsLastResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "abc")

	policy := retry.FixedDelay{MaxAttempts: 2, Delay: time.Millisecond}
	result := d.DeliverWithRetry(context.Background(), sub, NewPayload("qr.scanned", nil, nil), policy)

	if result.Success {
		t.Fatal("Expected failure after exhausting retries")
	}
	if result.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected last status code, got %d", result.StatusCode)
	}

	records, _ := deliveries.ListBySubscription(sub.ID, 0)
	if len(records) != 2 {
		t.Errorf("Expected 2 delivery records, got %d", len(records))
	}
}

func TestDeliverer_SecretRotationOldDeliveriesVerify(t *testing.T) {
	var sigs []string
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get(HeaderSignature))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deliveries := NewMemoryDeliveryStore(100)
	d, cipher := newTestDeliverer(t, deliveries)
	sub := newTestSubscription(t, cipher, server.URL, "old-secret")

	d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	// Rotate: a new secret goes live ahead of the old one.
	newEnc, _ := cipher.Encrypt("new-secret")
	sub.EncryptedSecrets = append([]string{newEnc}, sub.EncryptedSecrets...)

	d.Deliver(context.Background(), sub, NewPayload("qr.scanned", nil, nil), 1)

	kc := signature.NewKeychain(cipher, sub.EncryptedSecrets)
	for i := range sigs {
		if !kc.VerifyAny(bodies[i], sigs[i]) {
			t.Errorf("Delivery %d signature did not verify against keychain", i)
		}
	}
	if !signature.Verify(bodies[1], sigs[1], "new-secret") {
		t.Error("Expected post-rotation delivery signed with the newest secret")
	}
}
