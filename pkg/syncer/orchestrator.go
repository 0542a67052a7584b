package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// ContactAPI is the external contact platform. Field writes are the
// unit of work; the orchestrator owns batching, timeouts, and pacing.
type ContactAPI interface {
	SetField(ctx context.Context, targetID, field string, value interface{}) error
}

// UpdatePlan is the set of field-level writes applied to every target.
type UpdatePlan struct {
	Fields map[string]interface{}
}

// Config tunes the orchestrator. Chunk size and delay exist to respect
// the external API's connection limits.
type Config struct {
	ChunkSize     int
	ChunkDelay    time.Duration
	TargetTimeout time.Duration
}

// DefaultConfig returns the standard orchestrator tuning: chunks of 3,
// 200ms between chunks, 30s per target.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     3,
		ChunkDelay:    200 * time.Millisecond,
		TargetTimeout: 30 * time.Second,
	}
}

// Result is the accounting for one orchestration run.
type Result struct {
	TargetCount  int           `json:"targetCount"`
	UpdatedCount int           `json:"updatedCount"`
	Duration     time.Duration `json:"duration"`
	Status       Status        `json:"status"`
}

// Orchestrator runs chunked bulk updates against the contact platform
// and records one SyncLog per run.
type Orchestrator struct {
	api       ContactAPI
	snapshots SnapshotStore
	logs      SyncLogStore
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewOrchestrator creates an orchestrator. metrics may be nil.
func NewOrchestrator(api ContactAPI, snapshots SnapshotStore, logs SyncLogStore, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.TargetTimeout <= 0 {
		cfg.TargetTimeout = DefaultConfig().TargetTimeout
	}
	return &Orchestrator{
		api:       api,
		snapshots: snapshots,
		logs:      logs,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// StoreSnapshot persists a payload snapshot unless its content hash
// matches the latest stored version, in which case the existing
// snapshot is returned and no new version is created.
func (o *Orchestrator) StoreSnapshot(ownerID, kind string, payload []byte) (*Snapshot, bool, error) {
	hash := ContentHash(payload)

	latest, err := o.snapshots.Latest(ownerID, kind)
	if err != nil && err != ErrNoSnapshot {
		return nil, false, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if latest != nil && latest.ContentHash == hash {
		o.logger.WithFields(map[string]interface{}{
			"owner_id": ownerID,
			"kind":     kind,
			"version":  latest.Version,
		}).Debug("Snapshot unchanged, skipping new version")
		return latest, false, nil
	}

	version := 1
	if latest != nil {
		version = latest.Version + 1
	}
	snapshot := &Snapshot{
		OwnerID:     ownerID,
		Kind:        kind,
		Version:     version,
		ContentHash: hash,
		Payload:     payload,
	}
	if err := o.snapshots.Create(snapshot); err != nil {
		return nil, false, fmt.Errorf("failed to store snapshot: %w", err)
	}
	return snapshot, true, nil
}

// SyncMany applies the update plan to every target. Targets are
// processed in sequential chunks; members of a chunk update in
// parallel, each bounded by the per-target timeout. A target failure is
// counted, not propagated. The returned error covers only run-level
// problems such as a failed audit write.
func (o *Orchestrator) SyncMany(ctx context.Context, ownerID string, targetIDs []string, plan UpdatePlan, trigger Trigger) (*Result, error) {
	start := time.Now()
	var updated atomic.Int64

	log := o.logger.WithFields(map[string]interface{}{
		"owner_id": ownerID,
		"targets":  len(targetIDs),
		"trigger":  string(trigger),
	})
	log.Info("Bulk sync started")

	for chunkStart := 0; chunkStart < len(targetIDs); chunkStart += o.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			break
		}

		chunkEnd := chunkStart + o.cfg.ChunkSize
		if chunkEnd > len(targetIDs) {
			chunkEnd = len(targetIDs)
		}
		chunk := targetIDs[chunkStart:chunkEnd]

		var group errgroup.Group
		for _, targetID := range chunk {
			targetID := targetID
			group.Go(func() error {
				if err := o.updateTarget(ctx, targetID, plan); err != nil {
					log.WithError(err).WithField("target_id", targetID).Warn("Target update failed")
					return nil
				}
				updated.Add(1)
				return nil
			})
		}
		// Chunk N+1 never starts before chunk N fully settled.
		group.Wait()

		if chunkEnd < len(targetIDs) && o.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.ChunkDelay):
			}
		}
	}

	result := &Result{
		TargetCount:  len(targetIDs),
		UpdatedCount: int(updated.Load()),
		Duration:     time.Since(start),
		Status:       StatusSuccess,
	}

	message := ""
	if result.TargetCount > 0 && result.UpdatedCount == 0 {
		result.Status = StatusWarning
		message = fmt.Sprintf("no targets updated out of %d attempted", result.TargetCount)
		log.Warn("Bulk sync completed with zero successful targets")
	} else {
		log.WithFields(map[string]interface{}{
			"updated":  result.UpdatedCount,
			"duration": result.Duration.String(),
		}).Info("Bulk sync completed")
	}

	if o.metrics != nil {
		o.metrics.SyncRunsTotal.WithLabelValues(string(trigger), string(result.Status)).Inc()
		o.metrics.SyncTargetsUpdated.Add(float64(result.UpdatedCount))
		o.metrics.SyncDuration.Observe(result.Duration.Seconds())
	}

	if err := o.logs.Create(&SyncLog{
		OwnerID:      ownerID,
		Trigger:      trigger,
		Status:       result.Status,
		TargetCount:  result.TargetCount,
		UpdatedCount: result.UpdatedCount,
		Duration:     result.Duration,
		Message:      message,
	}); err != nil {
		return result, fmt.Errorf("failed to record sync run: %w", err)
	}

	return result, nil
}

// updateTarget applies all field writes for one target in parallel,
// bounded by the per-target timeout. The first failing write cancels
// the target's remaining writes.
func (o *Orchestrator) updateTarget(ctx context.Context, targetID string, plan UpdatePlan) error {
	targetCtx, cancel := context.WithTimeout(ctx, o.cfg.TargetTimeout)
	defer cancel()

	group, groupCtx := errgroup.WithContext(targetCtx)
	for field, value := range plan.Fields {
		field, value := field, value
		group.Go(func() error {
			if err := o.api.SetField(groupCtx, targetID, field, value); err != nil {
				return fmt.Errorf("field %s: %w", field, err)
			}
			return nil
		})
	}
	return group.Wait()
}
