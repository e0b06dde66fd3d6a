// Package schedule triggers the daily pipeline once a day inside a
// long-running process.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/pipeline"
)

// Runner runs the daily pipeline.
type Runner interface {
	Daily(ctx context.Context) (*pipeline.StepResult, error)
}

// Scheduler runs Runner.Daily every day at a fixed UTC time. Runs never
// overlap; a trigger that fires while a run is in flight is skipped.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	at        string
	timeout   time.Duration
	job       *gocron.Job

	mu      sync.Mutex
	ctx     context.Context
	lastErr error
}

// New creates a scheduler firing at "HH:MM" UTC. timeout bounds each run;
// zero means no bound.
func New(runner Runner, at string, timeout time.Duration) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		at:        at,
		timeout:   timeout,
		ctx:       context.Background(),
	}
}

// Start registers the daily job and starts the scheduler. Runs inherit
// cancellation from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := time.Parse("15:04", s.at); err != nil {
		return eris.Wrapf(err, "schedule: invalid time %q", s.at)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	job, err := s.scheduler.Every(1).Day().At(s.at).SingletonMode().Do(s.RunOnce)
	if err != nil {
		return eris.Wrap(err, "schedule: register daily job")
	}
	s.job = job
	s.scheduler.StartAsync()

	zap.L().Info("scheduler started",
		zap.String("component", "schedule"),
		zap.String("at_utc", s.at),
		zap.Time("next_run", job.NextRun()))
	return nil
}

// NextRun returns when the daily job fires next, or the zero time before Start.
func (s *Scheduler) NextRun() time.Time {
	if s.job == nil {
		return time.Time{}
	}
	return s.job.NextRun()
}

// RunOnce executes one daily run. Errors are logged and kept for LastErr;
// the schedule keeps going.
func (s *Scheduler) RunOnce() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := zap.L().With(zap.String("component", "schedule"))
	log.Info("scheduled daily run starting")

	res, err := s.runner.Daily(ctx)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Error("scheduled daily run failed", zap.Error(err))
		return
	}
	log.Info("scheduled daily run finished",
		zap.String("status", string(res.Status)),
		zap.Int64("rows", res.Rows),
		zap.Int("skipped", len(res.Skips)))
}

// LastErr returns the error of the most recent run, nil if it succeeded.
func (s *Scheduler) LastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop stops the scheduler. A run in progress is cancelled through the
// context passed to Start.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
