// Package background runs periodic and delayed tasks bound to a context
package background

import (
	"context"
	"log"
	"sync"
	"time"
)

// RunPeriodic runs a function periodically until the context is cancelled.
// The task runs once immediately on start.
//
//	go background.RunPeriodic(ctx, 5*time.Minute, logger, "Sweeper", func(ctx context.Context) error {
//	    return sweeper.Sweep(ctx)
//	})
func RunPeriodic(ctx context.Context, interval time.Duration, logger *log.Logger, name string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run task immediately on start
	if err := task(ctx); err != nil {
		if logger != nil {
			logger.Printf("[%s] Background task error: %v", name, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if logger != nil {
				logger.Printf("[%s] Background task stopped", name)
			}
			return
		case <-ticker.C:
			if err := task(ctx); err != nil {
				if logger != nil {
					logger.Printf("[%s] Background task error: %v", name, err)
				}
			}
		}
	}
}

// RunOnce runs a function once after a delay, unless the context is cancelled
func RunOnce(ctx context.Context, delay time.Duration, logger *log.Logger, name string, task func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := task(ctx); err != nil {
			if logger != nil {
				logger.Printf("[%s] Delayed task error: %v", name, err)
			}
		}
	}
}

// Scheduler runs delayed tasks until stopped. Pending tasks are dropped on Stop.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
	name   string

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler whose tasks end with parent
func NewScheduler(parent context.Context, logger *log.Logger, name string) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		name:   name,
	}
}

// AfterFunc runs task after delay on its own goroutine
func (s *Scheduler) AfterFunc(delay time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		RunOnce(s.ctx, delay, s.logger, s.name, func(context.Context) error {
			task()
			return nil
		})
	}()
}

// Stop cancels pending tasks and waits for running ones to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
