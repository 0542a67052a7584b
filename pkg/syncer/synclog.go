package syncer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies what initiated a sync run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerWebhook  Trigger = "webhook"
	TriggerSchedule Trigger = "schedule"
)

// Status is the recorded outcome of a sync run. A run where zero
// targets succeeded is a warning, not a silent success.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// SyncLog is the audit record of one orchestration run.
type SyncLog struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"ownerId"`
	Trigger      Trigger       `json:"trigger"`
	Status       Status        `json:"status"`
	TargetCount  int           `json:"targetCount"`
	UpdatedCount int           `json:"updatedCount"`
	Duration     time.Duration `json:"duration"`
	Message      string        `json:"message,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// SyncLogStore persists sync run records.
type SyncLogStore interface {
	Create(log *SyncLog) error
	ListByOwner(ownerID string, limit int) ([]*SyncLog, error)
}

// MemorySyncLogStore is an in-memory SyncLogStore, bounded to keep
// long-running processes from accumulating history without limit.
type MemorySyncLogStore struct {
	mu      sync.RWMutex
	logs    []*SyncLog
	maxLogs int
}

// NewMemorySyncLogStore creates a store retaining at most maxLogs runs.
func NewMemorySyncLogStore(maxLogs int) *MemorySyncLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &MemorySyncLogStore{maxLogs: maxLogs}
}

// Create appends a run record, assigning id and timestamp if unset.
func (s *MemorySyncLogStore) Create(log *SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	s.logs = append(s.logs, log)
	if len(s.logs) > s.maxLogs {
		s.logs = s.logs[len(s.logs)-s.maxLogs:]
	}
	return nil
}

// ListByOwner returns up to limit most recent runs for an owner.
func (s *MemorySyncLogStore) ListByOwner(ownerID string, limit int) ([]*SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SyncLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].OwnerID != ownerID {
			continue
		}
		out = append(out, s.logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
