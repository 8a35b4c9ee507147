// Package scheduler triggers the nightly batch runs on cron schedules.
// Two jobs are registered at startup: the symbol batch and, half an hour
// later, the portfolio refresh that depends on its output.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is anything the scheduler can trigger.
type Job interface {
	Run() error
	Name() string
}

// Scheduler wraps a seconds-aware cron runner.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins dispatching jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop prevents further dispatches and waits for any run already in
// flight. A nightly batch can take minutes, so shutdown blocks here.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a job against a six-field cron expression, e.g.
// "0 0 2 * * *" for the 02:00 symbol batch or "0 30 2 * * *" for the
// portfolio refresh that follows it.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		started := time.Now()
		s.log.Info().Str("job", job.Name()).Msg("Job triggered")

		if err := job.Run(); err != nil {
			s.log.Error().
				Err(err).
				Str("job", job.Name()).
				Dur("elapsed", time.Since(started)).
				Msg("Job failed")
			return
		}
		s.log.Info().
			Str("job", job.Name()).
			Dur("elapsed", time.Since(started)).
			Msg("Job completed")
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// RunNow executes a job immediately, outside its schedule. Used by
// operators to force a rerun after fixing upstream data.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}
