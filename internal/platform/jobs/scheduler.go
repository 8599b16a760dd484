package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultJobTimeout = 5 * time.Minute

// Job is work repeated on a fixed interval inside the API process.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once as soon as the scheduler starts.
	RunAtStart bool
	// Timeout bounds a single run. Zero means five minutes.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs Jobs on tickers until stopped. Runs of the same job never overlap.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler constructs a Scheduler logging run failures to logger.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Start launches every job with a positive interval. Jobs with a zero interval are skipped.
func (s *Scheduler) Start(ctx context.Context, jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("jobs: scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for _, job := range jobs {
		if job.Run == nil || job.Interval <= 0 {
			s.logger.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	if job.RunAtStart {
		s.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		s.logger.Error("job run failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("job run completed", fields...)
}
