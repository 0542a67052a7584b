package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hookrelay/hookrelay/pkg/observability"
	"github.com/hookrelay/hookrelay/pkg/retry"
)

// ProcessorFunc handles one job. The payload is already decoded into
// its union variant. A returned error schedules a retry until the job's
// attempt budget is exhausted.
type ProcessorFunc func(ctx context.Context, job *Job, payload Payload) error

// Hooks observe job lifecycle transitions. All hooks are optional and
// must not block; the worker calls them inline.
type Hooks struct {
	OnCompleted func(job *Job)
	OnFailed    func(job *Job, err error)
	OnStalled   func(job *Job)
	OnError     func(queue string, err error)
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	// PollInterval is the pause between pops when a queue is empty.
	PollInterval time.Duration
	// StalledThreshold is how long an active job may go without a
	// heartbeat before it is reclaimed.
	StalledThreshold time.Duration
	// HeartbeatInterval is how often an in-flight job refreshes its
	// heartbeat. Must be well under StalledThreshold.
	HeartbeatInterval time.Duration
}

// DefaultWorkerConfig returns the standard worker tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      250 * time.Millisecond,
		StalledThreshold:  30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Worker polls registered queues and dispatches jobs to their
// processors. One goroutine runs per registered queue; a job in flight
// when Stop is called finishes before the worker returns.
type Worker struct {
	client  *redis.Client
	cfg     WorkerConfig
	hooks   Hooks
	logger  *observability.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	queues     []*Queue
	processors map[string]ProcessorFunc
	started    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker. Hooks with nil fields fall back to
// logging-only behavior.
func NewWorker(client *redis.Client, cfg WorkerConfig, hooks Hooks, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.StalledThreshold <= 0 {
		cfg.StalledThreshold = DefaultWorkerConfig().StalledThreshold
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultWorkerConfig().HeartbeatInterval
	}
	return &Worker{
		client:     client,
		cfg:        cfg,
		hooks:      hooks,
		logger:     logger,
		metrics:    metrics,
		processors: make(map[string]ProcessorFunc),
		stopCh:     make(chan struct{}),
	}
}

// Register binds a queue to its processor. Must be called before Start.
func (w *Worker) Register(q *Queue, fn ProcessorFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("cannot register queue %s after worker start", q.Name())
	}
	if _, exists := w.processors[q.Name()]; exists {
		return fmt.Errorf("queue %s already registered", q.Name())
	}
	w.queues = append(w.queues, q)
	w.processors[q.Name()] = fn
	return nil
}

// Start launches one polling loop per registered queue.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	if len(w.queues) == 0 {
		w.mu.Unlock()
		return fmt.Errorf("no queues registered")
	}
	w.started = true
	queues := w.queues
	w.mu.Unlock()

	for _, q := range queues {
		w.wg.Add(1)
		go w.runQueue(ctx, q)
	}
	w.logger.WithField("queues", len(queues)).Info("Worker started")
	return nil
}

// Stop drains in-flight jobs and waits for all queue loops to exit.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) runQueue(ctx context.Context, q *Queue) {
	defer w.wg.Done()

	w.mu.Lock()
	process := w.processors[q.Name()]
	w.mu.Unlock()

	lastStalledCheck := time.Time{}

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := q.PromoteDelayed(ctx); err != nil {
			w.reportError(q.Name(), err)
		}
		if time.Since(lastStalledCheck) >= w.cfg.StalledThreshold/2 {
			w.reclaimStalled(ctx, q)
			lastStalledCheck = time.Now()
		}

		id, err := w.client.RPopLPush(ctx, q.key("waiting"), q.key("active")).Result()
		if err == redis.Nil {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			w.reportError(q.Name(), fmt.Errorf("failed to pop job: %w", err))
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.processOne(ctx, q, process, id)
	}
}

func (w *Worker) processOne(ctx context.Context, q *Queue, process ProcessorFunc, id string) {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Envelope gone (pruned or corrupt); nothing to retry.
		w.client.LRem(ctx, q.key("active"), 1, id)
		w.reportError(q.Name(), err)
		return
	}

	now := time.Now().UTC()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		w.reportError(q.Name(), err)
	}
	w.touchHeartbeat(ctx, q, id)

	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(ctx, q, id, heartbeatDone)

	start := time.Now()
	procErr := w.invoke(ctx, q, process, job)
	close(heartbeatDone)

	w.client.LRem(ctx, q.key("active"), 1, id)
	w.client.ZRem(ctx, q.key("heartbeat"), id)

	if w.metrics != nil {
		w.metrics.JobDuration.WithLabelValues(q.Name()).Observe(time.Since(start).Seconds())
	}

	if procErr == nil {
		if err := q.settle(ctx, job, StateCompleted); err != nil {
			w.reportError(q.Name(), err)
		}
		if w.metrics != nil {
			w.metrics.JobsProcessedTotal.WithLabelValues(q.Name(), "completed").Inc()
		}
		q.logger.WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.Attempts,
		}).Info("Job completed")
		if w.hooks.OnCompleted != nil {
			w.hooks.OnCompleted(job)
		}
		return
	}

	job.LastError = procErr.Error()

	policy := retry.ExponentialBackoff{
		MaxAttempts: job.Options.Attempts,
		Base:        job.Options.BackoffBase,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Minute,
	}
	if policy.ShouldRetry(job.Attempts, procErr) {
		delay := policy.NextDelay(job.Attempts)
		retryAt := time.Now().Add(delay).UTC()
		job.State = StateDelayed
		job.NextRetryAt = &retryAt
		if err := q.saveJob(ctx, job); err != nil {
			w.reportError(q.Name(), err)
			return
		}
		if err := w.client.ZAdd(ctx, q.key("delayed"), &redis.Z{
			Score:  float64(retryAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			w.reportError(q.Name(), fmt.Errorf("failed to schedule retry: %w", err))
			return
		}
		if w.metrics != nil {
			w.metrics.JobsProcessedTotal.WithLabelValues(q.Name(), "retried").Inc()
		}
		q.logger.WithError(procErr).WithFields(map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.Attempts,
			"retry_in": delay.String(),
		}).Warn("Job failed, retry scheduled")
		return
	}

	if err := q.settle(ctx, job, StateFailed); err != nil {
		w.reportError(q.Name(), err)
	}
	if w.metrics != nil {
		w.metrics.JobsProcessedTotal.WithLabelValues(q.Name(), "failed").Inc()
	}
	q.logger.WithError(procErr).WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}).Error("Job failed permanently")
	if w.hooks.OnFailed != nil {
		w.hooks.OnFailed(job, procErr)
	}
}

// invoke decodes the payload and runs the processor with panic
// recovery. Decode failures are permanent: they consume the whole
// attempt budget so the job settles as failed immediately.
func (w *Worker) invoke(ctx context.Context, q *Queue, process ProcessorFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
			q.logger.WithFields(map[string]interface{}{
				"job_id": job.ID,
				"panic":  fmt.Sprintf("%v", r),
				"stack":  string(debug.Stack()),
			}).Error("Processor panicked")
		}
	}()

	payload, decodeErr := DecodePayload(job)
	if decodeErr != nil {
		job.Attempts = job.Options.Attempts
		return decodeErr
	}
	return process(ctx, job, payload)
}

func (w *Worker) heartbeatLoop(ctx context.Context, q *Queue, id string, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.touchHeartbeat(ctx, q, id)
		}
	}
}

func (w *Worker) touchHeartbeat(ctx context.Context, q *Queue, id string) {
	if err := w.client.ZAdd(ctx, q.key("heartbeat"), &redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		w.reportError(q.Name(), fmt.Errorf("failed to record heartbeat: %w", err))
	}
}

// reclaimStalled re-enqueues active jobs whose heartbeat went silent,
// which happens when a worker process dies mid-job.
func (w *Worker) reclaimStalled(ctx context.Context, q *Queue) {
	// A worker that dies between popping a job and its first heartbeat
	// leaves an active entry with no heartbeat member at all. Stamp
	// those provisionally (NX, so a live owner's beat is untouched); if
	// the owner is gone the stamp goes stale and the next pass reclaims
	// the job like any other.
	active, err := w.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		w.reportError(q.Name(), fmt.Errorf("failed to scan active jobs: %w", err))
		return
	}
	for _, id := range active {
		if err := w.client.ZAddNX(ctx, q.key("heartbeat"), &redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		}).Err(); err != nil {
			w.reportError(q.Name(), fmt.Errorf("failed to stamp heartbeat: %w", err))
		}
	}

	cutoff := fmt.Sprintf("%d", time.Now().Add(-w.cfg.StalledThreshold).UnixMilli())
	ids, err := w.client.ZRangeByScore(ctx, q.key("heartbeat"), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		w.reportError(q.Name(), fmt.Errorf("failed to scan heartbeats: %w", err))
		return
	}

	for _, id := range ids {
		removed, err := w.client.LRem(ctx, q.key("active"), 1, id).Result()
		if err != nil || removed == 0 {
			w.client.ZRem(ctx, q.key("heartbeat"), id)
			continue
		}
		w.client.ZRem(ctx, q.key("heartbeat"), id)

		job, err := q.GetJob(ctx, id)
		if err != nil {
			w.reportError(q.Name(), err)
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job); err != nil {
			w.reportError(q.Name(), err)
			continue
		}
		if err := q.pushWaiting(ctx, job); err != nil {
			w.reportError(q.Name(), err)
			continue
		}

		if w.metrics != nil {
			w.metrics.JobsStalled.WithLabelValues(q.Name()).Inc()
		}
		q.logger.WithField("job_id", id).Warn("Reclaimed stalled job")
		if w.hooks.OnStalled != nil {
			w.hooks.OnStalled(job)
		}
	}
}

func (w *Worker) reportError(queue string, err error) {
	w.logger.WithError(err).WithField("queue", queue).Warn("Queue operation failed")
	if w.hooks.OnError != nil {
		w.hooks.OnError(queue, err)
	}
}
