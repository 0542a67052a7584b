package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a versioned, content-hashed copy of a synced payload.
// Versions are monotonic per (owner, kind).
type Snapshot struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Kind        string    `json:"kind"`
	Version     int       `json:"version"`
	ContentHash string    `json:"contentHash"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SnapshotStore persists payload snapshots.
type SnapshotStore interface {
	Latest(ownerID, kind string) (*Snapshot, error)
	Create(snapshot *Snapshot) error
	ListVersions(ownerID, kind string) ([]*Snapshot, error)
}

// ErrNoSnapshot is returned by Latest when no version exists yet.
var ErrNoSnapshot = fmt.Errorf("no snapshot")

// ContentHash returns the hex SHA-256 digest of a payload, the identity
// used for snapshot dedupe.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MemorySnapshotStore is an in-memory SnapshotStore for tests and
// single-process deployments.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*Snapshot // keyed by ownerID + "\x00" + kind
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string][]*Snapshot)}
}

func snapshotKey(ownerID, kind string) string {
	return ownerID + "\x00" + kind
}

// Latest returns the highest-version snapshot for (owner, kind).
func (s *MemorySnapshotStore) Latest(ownerID, kind string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snapshots[snapshotKey(ownerID, kind)]
	if len(versions) == 0 {
		return nil, ErrNoSnapshot
	}
	return versions[len(versions)-1], nil
}

// Create appends a snapshot, assigning id and timestamp if unset.
func (s *MemorySnapshotStore) Create(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	key := snapshotKey(snapshot.OwnerID, snapshot.Kind)
	versions := s.snapshots[key]
	if len(versions) > 0 && snapshot.Version <= versions[len(versions)-1].Version {
		return fmt.Errorf("snapshot version %d is not monotonic", snapshot.Version)
	}
	s.snapshots[key] = append(versions, snapshot)
	return nil
}

// ListVersions returns all snapshots for (owner, kind), oldest first.
func (s *MemorySnapshotStore) ListVersions(ownerID, kind string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.snapshots[snapshotKey(ownerID, kind)]
	out := make([]*Snapshot, len(versions))
	copy(out, versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
