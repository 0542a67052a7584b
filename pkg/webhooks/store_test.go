package webhooks

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemorySubscriptionStore_CreateAndGet(t *testing.T) {
	store := NewMemorySubscriptionStore()

	sub := &Subscription{
		OwnerID: "owner-1",
		URL:     "https://example.com/hook",
		Events:  []string{"qr.scanned"},
	}
	if err := store.Create(sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sub.ID == "" {
		t.Error("Expected id to be assigned")
	}
	if !sub.Active {
		t.Error("Expected new subscription to be active")
	}

	got, err := store.Get(sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != sub.URL {
		t.Errorf("Unexpected URL: %s", got.URL)
	}
}

func TestMemorySubscriptionStore_Validation(t *testing.T) {
	store := NewMemorySubscriptionStore()

	t.Run("missing URL", func(t *testing.T) {
		err := store.Create(&Subscription{OwnerID: "o", Events: []string{"e"}})
		if err == nil {
			t.Error("Expected error for missing URL")
		}
	})

	t.Run("missing events", func(t *testing.T) {
		err := store.Create(&Subscription{OwnerID: "o", URL: "https://x"})
		if err == nil {
			t.Error("Expected error for missing events")
		}
	})

	t.Run("missing owner", func(t *testing.T) {
		err := store.Create(&Subscription{URL: "https://x", Events: []string{"e"}})
		if err == nil {
			t.Error("Expected error for missing owner")
		}
	})
}

func TestMemorySubscriptionStore_ListActive(t *testing.T) {
	store := NewMemorySubscriptionStore()

	active := &Subscription{OwnerID: "o1", URL: "https://a", Events: []string{"*"}}
	inactive := &Subscription{OwnerID: "o1", URL: "https://b", Events: []string{"*"}}
	other := &Subscription{OwnerID: "o2", URL: "https://c", Events: []string{"*"}}

	store.Create(active)
	store.Create(inactive)
	store.Create(other)

	inactive.Active = false
	store.Update(inactive)

	got, err := store.ListActive("o1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("Expected only the active o1 subscription, got %d", len(got))
	}
}

func TestMemorySubscriptionStore_MutationsRequireUpdate(t *testing.T) {
	store := NewMemorySubscriptionStore()

	sub := &Subscription{
		OwnerID: "o1",
		URL:     "https://a",
		Events:  []string{"qr.scanned"},
		Headers: map[string]string{"X-A": "1"},
	}
	store.Create(sub)

	// Edits to a fetched subscription stay invisible until committed
	// through Update, so an aborted handler leaves the store untouched.
	got, err := store.Get(sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.URL = "https://edited"
	got.Active = false
	got.Events[0] = "booking.updated"
	got.Headers["X-A"] = "2"
	got.EncryptedSecrets = append(got.EncryptedSecrets, "extra")

	fresh, err := store.Get(sub.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.URL != "https://a" || !fresh.Active {
		t.Errorf("Abandoned edits leaked into the store: %+v", fresh)
	}
	if fresh.Events[0] != "qr.scanned" || fresh.Headers["X-A"] != "1" {
		t.Error("Abandoned slice and map edits leaked into the store")
	}
	if len(fresh.EncryptedSecrets) != 0 {
		t.Error("Abandoned secret edits leaked into the store")
	}

	got.URL = "https://committed"
	if err := store.Update(got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	committed, _ := store.Get(sub.ID)
	if committed.URL != "https://committed" {
		t.Errorf("Committed edit not visible: %s", committed.URL)
	}
}

func TestMemorySubscriptionStore_NotFound(t *testing.T) {
	store := NewMemorySubscriptionStore()

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSubscription_WantsEvent(t *testing.T) {
	sub := &Subscription{Events: []string{"qr.scanned", "booking.updated"}}

	if !sub.WantsEvent("qr.scanned") {
		t.Error("Expected explicit event to match")
	}
	if sub.WantsEvent("user.updated") {
		t.Error("Expected unsubscribed event not to match")
	}

	wildcard := &Subscription{Events: []string{"*"}}
	if !wildcard.WantsEvent("anything.at.all") {
		t.Error("Expected wildcard to match every event")
	}
}

func TestMemoryDeliveryStore_Stats(t *testing.T) {
	store := NewMemoryDeliveryStore(100)

	now := time.Now()
	for i, status := range []DeliveryStatus{DeliveryStatusSuccess, DeliveryStatusSuccess, DeliveryStatusFailed} {
		d := &Delivery{
			ID:             fmt.Sprintf("d-%d", i),
			SubscriptionID: "sub-1",
			Status:         status,
			Duration:       100 * time.Millisecond,
			CompletedAt:    &now,
		}
		store.Create(d)
	}
	store.Create(&Delivery{ID: "other", SubscriptionID: "sub-2", Status: DeliveryStatusSuccess})

	stats := store.Stats("sub-1")
	if stats.Total != 3 || stats.Successful != 2 || stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Errorf("Unexpected success rate: %f", stats.SuccessRate)
	}
	if stats.AverageDuration != 100*time.Millisecond {
		t.Errorf("Unexpected average duration: %v", stats.AverageDuration)
	}
}

func TestMemoryDeliveryStore_BoundedRetention(t *testing.T) {
	store := NewMemoryDeliveryStore(10)

	for i := 0; i < 15; i++ {
		store.Create(&Delivery{
			SubscriptionID: "sub-1",
			Status:         DeliveryStatusSuccess,
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	records, _ := store.ListBySubscription("sub-1", 0)
	if len(records) > 10 {
		t.Errorf("Expected retention cap of 10, got %d", len(records))
	}
}

func TestMemoryDeliveryStore_ListOrderAndLimit(t *testing.T) {
	store := NewMemoryDeliveryStore(100)

	base := time.Now()
	for i := 0; i < 5; i++ {
		store.Create(&Delivery{
			ID:             fmt.Sprintf("d-%d", i),
			SubscriptionID: "sub-1",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}

	records, _ := store.ListBySubscription("sub-1", 3)
	if len(records) != 3 {
		t.Fatalf("Expected limit of 3, got %d", len(records))
	}
	if records[0].ID != "d-4" {
		t.Errorf("Expected newest first, got %s", records[0].ID)
	}
}
