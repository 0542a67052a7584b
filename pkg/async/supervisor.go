package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hookrelay/hookrelay/pkg/observability"
)

// Supervisor launches detached tasks with panic recovery, timeout
// enforcement, and error logging.
type Supervisor struct {
	logger *observability.Logger
	wg     sync.WaitGroup
}

// NewSupervisor creates a task supervisor logging through the given logger.
func NewSupervisor(logger *observability.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Go executes fn in a goroutine with:
//   - context cancellation support
//   - panic recovery
//   - timeout enforcement
//   - error logging
//
// The caller never observes the task's outcome; failures only surface in
// logs.
func (s *Supervisor) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in detached task")
			}
		}()

		if err := fn(ctx); err != nil {
			s.logger.WithError(err).WithField("task", taskName).Warn("detached task failed")
		}
	}()
}

// Wait blocks until all tasks launched so far have finished. Intended for
// graceful shutdown and tests.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
