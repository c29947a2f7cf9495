package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Schedules holds one cron spec per job. An empty spec disables the job.
type Schedules struct {
	Confirmations  string
	Expiry         string
	Settlements    string
	AutoSettlement string
	Purge          string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	schedules Schedules
	log       zerolog.Logger
}

// cronLogger routes robfig/cron's logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the
// same job are skipped and a panicking job does not stop the others.
func NewScheduler(jobs *Jobs, schedules Schedules, log zerolog.Logger) *Scheduler {
	logger := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		schedules: schedules,
		log:       log,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs run with
// contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.jobs.base = ctx

	type entry struct {
		name string
		spec string
		run  func()
		on   bool
	}
	entries := []entry{
		{"poll_confirmations", s.schedules.Confirmations, s.jobs.PollConfirmations, s.jobs.tracker != nil},
		{"expire_payments", s.schedules.Expiry, s.jobs.ExpirePayments, s.jobs.tracker != nil},
		{"sweep_settlements", s.schedules.Settlements, s.jobs.SweepSettlements, s.jobs.sweeper != nil},
		{"auto_settle", s.schedules.AutoSettlement, s.jobs.AutoSettle, s.jobs.settler != nil},
		{"purge_idempotency", s.schedules.Purge, s.jobs.PurgeIdempotencyKeys, s.jobs.purger != nil},
	}

	for _, e := range entries {
		if e.spec == "" || !e.on {
			s.log.Info().Str("job", e.name).Msg("job disabled")
			continue
		}
		if _, err := s.cron.AddFunc(e.spec, e.run); err != nil {
			return fmt.Errorf("schedule %s %q: %w", e.name, e.spec, err)
		}
		s.log.Info().Str("job", e.name).Str("schedule", e.spec).Msg("job scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
