// Package scheduler runs periodic maintenance such as catalog reconciliation
// and value-log garbage collection.
package scheduler

import (
	"context"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Task is a named periodic function. Tasks with a non-positive interval are
// not scheduled.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler wraps a gocron scheduler. Each task runs in singleton mode so a
// slow run is never overlapped by the next tick.
type Scheduler struct {
	s      gocron.Scheduler
	logger zerolog.Logger
	cancel context.CancelFunc

	once    sync.Once
	stopErr error
}

// Start registers tasks and starts the scheduler. Runs stop when ctx is done
// or Stop is called.
func Start(ctx context.Context, tasks []Task, logger zerolog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to init cron scheduler")
	}
	ctx, cancel := context.WithCancel(ctx)
	log := logger.With().Str("component", "scheduler").Logger()
	for _, t := range tasks {
		if t.Every <= 0 {
			log.Debug().Str("event", "task_disabled").Str("task", t.Name).Msg("task not scheduled")
			continue
		}
		_, err := s.NewJob(gocron.DurationJob(t.Every), gocron.NewTask(func() {
			start := time.Now()
			if err := t.Run(ctx); err != nil {
				log.Error().Str("event", "task_error").Str("task", t.Name).Err(err).Msg("periodic task failed")
				return
			}
			log.Debug().Str("event", "task_done").Str("task", t.Name).Dur("took", time.Since(start)).Msg("periodic task finished")
		}), gocron.WithName(t.Name), gocron.WithSingletonMode(gocron.LimitModeReschedule))
		if err != nil {
			cancel()
			_ = s.Shutdown()
			return nil, errors.Wrapf(err, "failed to add %s cron job", t.Name)
		}
		log.Info().Str("event", "task_scheduled").Str("task", t.Name).Dur("every", t.Every).Msg("periodic task scheduled")
	}
	s.Start()
	sc := &Scheduler{s: s, logger: log, cancel: cancel}
	go func() {
		<-ctx.Done()
		if err := sc.shutdown(); err != nil {
			log.Error().Str("event", "scheduler_shutdown").Err(err).Msg("failed to shutdown cron scheduler")
		}
	}()
	return sc, nil
}

// Jobs returns the names of the scheduled tasks.
func (s *Scheduler) Jobs() []string {
	var out []string
	for _, j := range s.s.Jobs() {
		out = append(out, j.Name())
	}
	return out
}

// Stop cancels running tasks and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.shutdown()
}

// shutdown stops gocron exactly once; a second Shutdown would block until
// its stop timeout.
func (s *Scheduler) shutdown() error {
	s.once.Do(func() { s.stopErr = s.s.Shutdown() })
	return s.stopErr
}
