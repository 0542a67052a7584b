package webhooks

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a subscription or delivery does not exist.
var ErrNotFound = fmt.Errorf("not found")

// SubscriptionStore is the persistence contract for subscriptions.
type SubscriptionStore interface {
	Create(sub *Subscription) error
	Get(id string) (*Subscription, error)
	Update(sub *Subscription) error
	Delete(id string) error
	ListByOwner(ownerID string) ([]*Subscription, error)
	// ListActive returns the owner's active subscriptions; the emitter
	// reads this on every emitted event.
	ListActive(ownerID string) ([]*Subscription, error)
}

// DeliveryStore is the persistence contract for delivery audit records.
type DeliveryStore interface {
	Create(d *Delivery) error
	Update(d *Delivery) error
	Get(id string) (*Delivery, error)
	ListBySubscription(subscriptionID string, limit int) ([]*Delivery, error)
	Stats(subscriptionID string) DeliveryStats
}

// MemorySubscriptionStore is an in-memory SubscriptionStore. Reads and
// writes exchange clones, so a caller mutating a returned subscription
// changes nothing until it commits the edit through Update.
type MemorySubscriptionStore struct {
	subs  map[string]*Subscription
	mutex sync.RWMutex
}

// NewMemorySubscriptionStore creates an empty subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (s *MemorySubscriptionStore) Create(sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt

	s.subs[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubscriptionStore) Get(id string) (*Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	return sub.clone(), nil
}

func (s *MemorySubscriptionStore) Update(sub *Subscription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.subs[sub.ID]; !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	sub.UpdatedAt = time.Now()
	s.subs[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubscriptionStore) Delete(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	delete(s.subs, id)
	return nil
}

func (s *MemorySubscriptionStore) ListByOwner(ownerID string) ([]*Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Subscription
	for _, sub := range s.subs {
		if sub.OwnerID == ownerID {
			result = append(result, sub.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemorySubscriptionStore) ListActive(ownerID string) ([]*Subscription, error) {
	subs, err := s.ListByOwner(ownerID)
	if err != nil {
		return nil, err
	}

	active := subs[:0]
	for _, sub := range subs {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active, nil
}

// MemoryDeliveryStore is a bounded in-memory DeliveryStore. When full it
// evicts the oldest 10% of records.
type MemoryDeliveryStore struct {
	deliveries map[string]*Delivery
	mutex      sync.RWMutex
	maxRecords int
}

// NewMemoryDeliveryStore creates a delivery store retaining at most
// maxRecords records.
func NewMemoryDeliveryStore(maxRecords int) *MemoryDeliveryStore {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &MemoryDeliveryStore{
		deliveries: make(map[string]*Delivery),
		maxRecords: maxRecords,
	}
}

func (s *MemoryDeliveryStore) Create(d *Delivery) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.deliveries) >= s.maxRecords {
		s.evictOldest()
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryDeliveryStore) Update(d *Delivery) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryDeliveryStore) Get(id string) (*Delivery, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (s *MemoryDeliveryStore) ListBySubscription(subscriptionID string, limit int) ([]*Delivery, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*Delivery
	for _, d := range s.deliveries {
		if d.SubscriptionID == subscriptionID {
			result = append(result, d)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryDeliveryStore) Stats(subscriptionID string) DeliveryStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := DeliveryStats{SubscriptionID: subscriptionID}
	var totalDuration time.Duration

	for _, d := range s.deliveries {
		if d.SubscriptionID != subscriptionID {
			continue
		}

		stats.Total++
		switch d.Status {
		case DeliveryStatusSuccess:
			stats.Successful++
		case DeliveryStatusFailed:
			stats.Failed++
		case DeliveryStatusPending:
			stats.Pending++
		}

		if d.CompletedAt != nil {
			totalDuration += d.Duration
		}
	}

	if stats.Successful > 0 {
		stats.AverageDuration = totalDuration / time.Duration(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats
}

// evictOldest removes the oldest 10% of records. Caller holds the lock.
func (s *MemoryDeliveryStore) evictOldest() {
	records := make([]*Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		records = append(records, d)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	evictCount := len(records) / 10
	if evictCount == 0 {
		evictCount = 1
	}

	for i := 0; i < evictCount && i < len(records); i++ {
		delete(s.deliveries, records[i].ID)
	}
}
