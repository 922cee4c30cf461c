package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TaskRunner executes one task to completion.
type TaskRunner interface {
	Run(ctx context.Context, taskID string)
}

// Scheduler starts each task on its own goroutine, detached from the
// request that created it.
type Scheduler struct {
	runner TaskRunner
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewScheduler creates a scheduler that hands tasks to runner.
func NewScheduler(runner TaskRunner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the task and returns immediately.
func (s *Scheduler) Start(taskID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runner.Run(context.Background(), taskID)
	}()
	s.logger.Debug().Str("task_id", taskID).Msg("task scheduled")
}

// Wait blocks until every started task has finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
