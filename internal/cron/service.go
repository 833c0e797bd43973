// Package cron runs the periodic compensation jobs: the order timeout sweep,
// waitlist drain and delivery, webhook reprocessing and outbox retention.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/keystock-backend/pkg/logger"
	"github.com/angelmondragon/keystock-backend/pkg/metrics"
)

const defaultInterval = time.Minute

var (
	ErrAlreadyStarted = errors.New("cron service already started")
	ErrJobNotFound    = errors.New("cron job not found")
)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locker   Locker
	Metrics  *metrics.CronJobMetrics
	// Interval is used for entries registered without one.
	Interval time.Duration
}

// Service runs every registered job on its own ticker.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	locker   Locker
	metrics  *metrics.CronJobMetrics
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		locker:   params.Locker,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Start launches one loop per job. Each loop runs its job immediately and
// then on every tick until Stop is called or ctx is canceled.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}

	entries := s.registry.Entries()
	locks := make([]Lock, len(entries))
	for i, entry := range entries {
		lock, err := s.locker.For(entry.Job.Name())
		if err != nil {
			return fmt.Errorf("lock for %s: %w", entry.Job.Name(), err)
		}
		locks[i] = lock
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for i, entry := range entries {
		interval := entry.Interval
		if interval <= 0 {
			interval = s.interval
		}
		s.wg.Add(1)
		go s.loop(runCtx, entry.Job, locks[i], interval)
	}
	s.logg.Info(s.logg.WithField(ctx, "jobs", len(entries)), "cron service started")
	return nil
}

// Stop cancels the job loops and waits for in-flight runs to return or for
// ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logg.Info(ctx, "cron service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for cron jobs: %w", ctx.Err())
	}
}

// RunNow runs a registered job once in the caller's goroutine, bypassing
// the distributed lock.
func (s *Service) RunNow(ctx context.Context, name string) error {
	job, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.runJob(ctx, job)
}

func (s *Service) loop(ctx context.Context, job Job, lock Lock, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx, job, lock)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx, job, lock)
		}
	}
}

func (s *Service) runCycle(ctx context.Context, job Job, lock Lock) {
	jobCtx := s.logg.WithJob(ctx, job.Name())
	locked, err := lock.Acquire(jobCtx)
	if err != nil {
		s.logg.Error(jobCtx, "lock acquire failed", err)
		s.metrics.IncFailure(job.Name())
		return
	}
	if !locked {
		s.logg.Info(jobCtx, "another instance holds the job lock; skipping")
		s.metrics.IncSkipped(job.Name())
		return
	}
	defer func() {
		// the run context may already be canceled during shutdown
		if relErr := lock.Release(context.WithoutCancel(jobCtx)); relErr != nil {
			s.logg.Error(jobCtx, "failed to release job lock", relErr)
		}
	}()
	_ = s.runJob(jobCtx, job)
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithField(s.logg.WithJob(ctx, job.Name()), "event", "cron.job")
	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
	return nil
}
