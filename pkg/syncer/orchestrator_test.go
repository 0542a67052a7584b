package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// fakeContactAPI records every field write with timestamps and can be
// programmed to fail or hang per target.
type fakeContactAPI struct {
	mu       sync.Mutex
	writes   []fieldWrite
	failFor  map[string]error
	blockFor map[string]time.Duration
}

type fieldWrite struct {
	targetID string
	field    string
	started  time.Time
	finished time.Time
}

func newFakeContactAPI() *fakeContactAPI {
	return &fakeContactAPI{
		failFor:  make(map[string]error),
		blockFor: make(map[string]time.Duration),
	}
}

func (f *fakeContactAPI) SetField(ctx context.Context, targetID, field string, value interface{}) error {
	started := time.Now()

	f.mu.Lock()
	failErr := f.failFor[targetID]
	block := f.blockFor[targetID]
	f.mu.Unlock()

	if block > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(block):
		}
	}
	if failErr != nil {
		return failErr
	}

	f.mu.Lock()
	f.writes = append(f.writes, fieldWrite{
		targetID: targetID,
		field:    field,
		started:  started,
		finished: time.Now(),
	})
	f.mu.Unlock()
	return nil
}

func (f *fakeContactAPI) writesFor(targetID string) []fieldWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fieldWrite
	for _, w := range f.writes {
		if w.targetID == targetID {
			out = append(out, w)
		}
	}
	return out
}

func setupOrchestratorTest(t *testing.T, cfg Config) (*Orchestrator, *fakeContactAPI, *MemorySyncLogStore) {
	t.Helper()

	api := newFakeContactAPI()
	logs := NewMemorySyncLogStore(100)
	o := NewOrchestrator(api, NewMemorySnapshotStore(), logs, cfg, observability.NewNopLogger(), nil)
	return o, api, logs
}

func TestSyncMany_UpdatesAllTargets(t *testing.T) {
	o, api, logs := setupOrchestratorTest(t, Config{
		ChunkSize:     2,
		ChunkDelay:    time.Millisecond,
		TargetTimeout: time.Second,
	})

	plan := UpdatePlan{Fields: map[string]interface{}{"tier": "gold", "score": 42}}
	result, err := o.SyncMany(context.Background(), "owner-1",
		[]string{"c1", "c2", "c3", "c4", "c5"}, plan, TriggerManual)
	if err != nil {
		t.Fatalf("SyncMany failed: %v", err)
	}

	if result.UpdatedCount != 5 || result.TargetCount != 5 {
		t.Errorf("Expected 5/5 updated, got %d/%d", result.UpdatedCount, result.TargetCount)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Expected success status, got %s", result.Status)
	}

	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if writes := api.writesFor(id); len(writes) != 2 {
			t.Errorf("Expected 2 field writes for %s, got %d", id, len(writes))
		}
	}

	records, _ := logs.ListByOwner("owner-1", 10)
	if len(records) != 1 {
		t.Fatalf("Expected 1 sync log, got %d", len(records))
	}
	if records[0].Trigger != TriggerManual || records[0].UpdatedCount != 5 {
		t.Errorf("Unexpected sync log: %+v", records[0])
	}
}

func TestSyncMany_ChunkedSequencing(t *testing.T) {
	o, api, _ := setupOrchestratorTest(t, Config{
		ChunkSize:     2,
		ChunkDelay:    time.Millisecond,
		TargetTimeout: time.Second,
	})

	// Slow every target a little so overlap would be visible.
	targets := []string{"c1", "c2", "c3", "c4"}
	for _, id := range targets {
		api.blockFor[id] = 20 * time.Millisecond
	}

	plan := UpdatePlan{Fields: map[string]interface{}{"tier": "gold"}}
	if _, err := o.SyncMany(context.Background(), "owner-1", targets, plan, TriggerManual); err != nil {
		t.Fatalf("SyncMany failed: %v", err)
	}

	// Chunk 2 (c3, c4) must not start before chunk 1 (c1, c2) fully
	// finished.
	var chunk1End time.Time
	for _, id := range []string{"c1", "c2"} {
		for _, w := range api.writesFor(id) {
			if w.finished.After(chunk1End) {
				chunk1End = w.finished
			}
		}
	}
	for _, id := range []string{"c3", "c4"} {
		for _, w := range api.writesFor(id) {
			if w.started.Before(chunk1End) {
				t.Errorf("Target %s started at %v before chunk 1 finished at %v",
					id, w.started, chunk1End)
			}
		}
	}
}

func TestSyncMany_PartialFailureCounted(t *testing.T) {
	o, api, _ := setupOrchestratorTest(t, Config{
		ChunkSize:     3,
		TargetTimeout: time.Second,
	})
	api.failFor["c2"] = errors.New("contact rejected update")

	plan := UpdatePlan{Fields: map[string]interface{}{"tier": "gold"}}
	result, err := o.SyncMany(context.Background(), "owner-1",
		[]string{"c1", "c2", "c3"}, plan, TriggerWebhook)
	if err != nil {
		t.Fatalf("A failing target must not fail the run: %v", err)
	}

	if result.UpdatedCount != 2 {
		t.Errorf("Expected 2 updated, got %d", result.UpdatedCount)
	}
	if result.Status != StatusSuccess {
		t.Errorf("Partial failure is still success, got %s", result.Status)
	}
}

func TestSyncMany_ZeroSuccessesIsWarning(t *testing.T) {
	o, api, logs := setupOrchestratorTest(t, Config{
		ChunkSize:     2,
		TargetTimeout: time.Second,
	})
	api.failFor["c1"] = errors.New("down")
	api.failFor["c2"] = errors.New("down")

	plan := UpdatePlan{Fields: map[string]interface{}{"tier": "gold"}}
	result, err := o.SyncMany(context.Background(), "owner-1", []string{"c1", "c2"}, plan, TriggerSchedule)
	if err != nil {
		t.Fatalf("SyncMany failed: %v", err)
	}

	if result.Status != StatusWarning {
		t.Errorf("Expected warning status, got %s", result.Status)
	}

	records, _ := logs.ListByOwner("owner-1", 1)
	if len(records) != 1 || records[0].Status != StatusWarning {
		t.Fatalf("Expected warning sync log, got %+v", records)
	}
	if records[0].Message == "" {
		t.Error("Expected a descriptive message on the warning record")
	}
}

func TestSyncMany_ZeroTargetsIsSuccess(t *testing.T) {
	o, _, _ := setupOrchestratorTest(t, Config{ChunkSize: 2, TargetTimeout: time.Second})

	result, err := o.SyncMany(context.Background(), "owner-1", nil,
		UpdatePlan{Fields: map[string]interface{}{"tier": "gold"}}, TriggerManual)
	if err != nil {
		t.Fatalf("SyncMany failed: %v", err)
	}
	if result.Status != StatusSuccess || result.UpdatedCount != 0 {
		t.Errorf("Expected empty run to succeed, got %+v", result)
	}
}

func TestSyncMany_TargetTimeoutCountsAsFailure(t *testing.T) {
	o, api, _ := setupOrchestratorTest(t, Config{
		ChunkSize:     2,
		TargetTimeout: 20 * time.Millisecond,
	})
	api.blockFor["c1"] = time.Second

	plan := UpdatePlan{Fields: map[string]interface{}{"tier": "gold"}}
	start := time.Now()
	result, err := o.SyncMany(context.Background(), "owner-1", []string{"c1", "c2"}, plan, TriggerManual)
	if err != nil {
		t.Fatalf("SyncMany failed: %v", err)
	}

	if result.UpdatedCount != 1 {
		t.Errorf("Expected only the fast target to succeed, got %d", result.UpdatedCount)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Timed-out target held the run for %v", elapsed)
	}
}

func TestStoreSnapshot_IdenticalContentIsNoOp(t *testing.T) {
	o, _, _ := setupOrchestratorTest(t, Config{ChunkSize: 2, TargetTimeout: time.Second})

	payload := []byte(`{"cards":[{"id":1},{"id":2}]}`)

	first, created, err := o.StoreSnapshot("owner-1", "gallery", payload)
	if err != nil {
		t.Fatalf("StoreSnapshot failed: %v", err)
	}
	if !created || first.Version != 1 {
		t.Fatalf("Expected version 1 created, got created=%v version=%d", created, first.Version)
	}

	second, created, err := o.StoreSnapshot("owner-1", "gallery", payload)
	if err != nil {
		t.Fatalf("StoreSnapshot failed: %v", err)
	}
	if created {
		t.Error("Byte-identical payload must not create a new version")
	}
	if second.ID != first.ID {
		t.Error("Expected the existing snapshot back")
	}

	// A single-byte difference creates exactly one new version.
	changed := []byte(`{"cards":[{"id":1},{"id":3}]}`)
	third, created, err := o.StoreSnapshot("owner-1", "gallery", changed)
	if err != nil {
		t.Fatalf("StoreSnapshot failed: %v", err)
	}
	if !created || third.Version != 2 {
		t.Errorf("Expected version 2 created, got created=%v version=%d", created, third.Version)
	}
}

func TestStoreSnapshot_IndependentPerKind(t *testing.T) {
	o, _, _ := setupOrchestratorTest(t, Config{ChunkSize: 2, TargetTimeout: time.Second})

	payload := []byte(`{"v":1}`)
	o.StoreSnapshot("owner-1", "gallery", payload)

	snap, created, err := o.StoreSnapshot("owner-1", "fields", payload)
	if err != nil {
		t.Fatalf("StoreSnapshot failed: %v", err)
	}
	if !created || snap.Version != 1 {
		t.Errorf("Expected independent versioning per kind, got created=%v version=%d", created, snap.Version)
	}
}
