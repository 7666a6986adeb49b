// Package worker implements the §4.10 scheduler loop: claim eligible
// jobs in bounded batches, dispatch each to the jobs package, and run
// the periodic maintenance sweeps (stale-lease reclaim, pending
// promotion) that keep the job queue healthy between ticks.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixivproxy/imgserve/internal/clock"
	"github.com/pixivproxy/imgserve/internal/jobs"
	"github.com/pixivproxy/imgserve/internal/models"
	"github.com/pixivproxy/imgserve/internal/repository"
)

// Config tunes the scheduler's tick cadence and concurrency ceiling.
type Config struct {
	WorkerID        string
	TickInterval    time.Duration
	MaxConcurrency  int
	StaleLeaseAfter time.Duration
}

// DefaultConfig returns sane defaults for a single local worker process.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:        workerID,
		TickInterval:    2 * time.Second,
		MaxConcurrency:  4,
		StaleLeaseAfter: 5 * time.Minute,
	}
}

// Scheduler drives the job queue: each tick it reclaims stale leases,
// promotes pending-after-backoff jobs, then claims and dispatches up to
// MaxConcurrency jobs concurrently. Multiple Scheduler instances (one per
// worker process) can run against the same database safely, since Claim
// uses row-level locking under WithBusyRetry rather than any
// leader-election scheme.
type Scheduler struct {
	cfg        Config
	jobRepo    repository.JobRepository
	dispatcher *jobs.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(cfg Config, jobRepo repository.JobRepository, dispatcher *jobs.Dispatcher, c clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		jobRepo:    jobRepo,
		dispatcher: dispatcher,
		clock:      c,
		logger:     logger,
		sem:        make(chan struct{}, cfg.MaxConcurrency),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the tick loop until the context is canceled or Stop is
// called, whichever comes first.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for in-flight dispatches to
// finish, giving already-claimed jobs a chance to reach a terminal state
// instead of being abandoned mid-run.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := clock.FormatUTCMilli(s.clock.Now())

	staleCutoff := clock.FormatUTCMilli(s.clock.Now().Add(-s.cfg.StaleLeaseAfter))
	if n, err := s.jobRepo.ReclaimStale(ctx, staleCutoff, now); err != nil {
		s.logger.Error("reclaim stale jobs", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("reclaimed stale jobs", zap.Int64("count", n))
	}

	if n, err := s.jobRepo.PromotePending(ctx, now); err != nil {
		s.logger.Error("promote pending jobs", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("promoted backoff-expired jobs to pending", zap.Int64("count", n))
	}

	// C_target: don't claim more than the free slots in the concurrency
	// semaphore, so a slow tick never oversubscribes the worker pool.
	free := cap(s.sem) - len(s.sem)
	if free <= 0 {
		return
	}

	claimed, err := s.jobRepo.ClaimBatch(ctx, s.cfg.WorkerID, now, free)
	if err != nil {
		s.logger.Error("claim batch", zap.Error(err))
		return
	}

	for _, job := range claimed {
		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(j *models.Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			if err := s.dispatcher.Dispatch(ctx, j); err != nil {
				s.logger.Error("dispatch job failed",
					zap.Int64("job_id", j.ID), zap.String("type", j.Type), zap.Error(err))
			}
		}(job)
	}
}
