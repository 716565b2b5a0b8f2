// Package scheduler runs rebalancing passes on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs jobs on standard five-field cron expressions. A job that
// is still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New creates a Scheduler evaluating schedules in local time.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		log:  slog.Default().With("component", "scheduler"),
	}
}

// Add registers job under name with the given schedule. Each run receives
// ctx, so cancelling it aborts an in-flight pass.
func (s *Scheduler) Add(ctx context.Context, schedule, name string, job Job) error {
	var running sync.Mutex
	_, err := s.cron.AddFunc(schedule, func() {
		if !running.TryLock() {
			s.log.Warn("previous run still in progress, skipping", "job", name)
			return
		}
		defer running.Unlock()

		s.log.Info("running job", "job", name)
		if err := job(ctx); err != nil {
			s.log.Error("job failed", "job", name, "error", err)
			return
		}
		s.log.Info("job completed", "job", name)
	})
	if err != nil {
		return err
	}
	s.log.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
