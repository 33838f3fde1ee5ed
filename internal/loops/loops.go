// Package loops runs the scheduled control plane: market-hours ingestion,
// session open/close housekeeping, the daily loss reset, and the hourly
// risk/alerting/backfill sweep. Every job is best-effort; a failing job is
// logged and retried on its next tick, never fatal to the process.
package loops

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tradehive/tradehive/internal/clock"
)

// Job is one scheduled unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedules, in New York wall time.
const (
	SpecIngestion   = "*/5 * * * 1-5"
	SpecMarketOpen  = "30 9 * * 1-5"
	SpecMarketClose = "0 16 * * 1-5"
	SpecDailyReset  = "0 5 * * *"
	SpecHourly      = "0 * * * *"
)

// jobTimeout bounds one run so a wedged venue call cannot pile ticks up.
const jobTimeout = 4 * time.Minute

// Scheduler owns the cron runner. All specs are evaluated in
// America/New_York so the schedules track the trading session, not the
// host timezone.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(clock.NY())),
		log:  logger.With().Str("component", "loops").Logger(),
	}
}

// Add registers a job under a cron spec.
func (s *Scheduler) Add(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Control loop failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Dur("took", time.Since(start)).Msg("Control loop done")
	})
	return err
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Control loops started")
}

// Stop halts scheduling and returns once running jobs finish or ctx ends.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info().Msg("Control loops stopped")
}
