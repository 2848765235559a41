// Package scheduler runs a job on a cron schedule, skipping ticks while the
// previous execution is still running.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/storecast/unitsforecast/pkg/logging"
)

// Job is one scheduled execution
type Job func(ctx context.Context) error

// Service schedules a single job
type Service struct {
	spec     string
	schedule cron.Schedule
	job      Job
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc

	runs     atomic.Int64
	failures atomic.Int64
}

// NewService parses spec (standard five-field cron or a descriptor such as
// "@daily" or "@every 6h") and prepares the scheduler
func NewService(spec string, job Job, logger zerolog.Logger) (*Service, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	logger = logging.Component(logger, "scheduler").With().Str("schedule", spec).Logger()
	return &Service{
		spec:     spec,
		schedule: schedule,
		job:      job,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger}))),
		logger:   logger,
	}, nil
}

// Start begins scheduling. Job contexts derive from ctx and are canceled by Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(s.execute))
	s.cron.Start()
	s.logger.Info().Time("next_run", s.schedule.Next(time.Now())).Msg("Job scheduler started")
}

// Stop stops scheduling, cancels a running job and waits for it to return
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.logger.Info().Int64("runs", s.runs.Load()).Msg("Job scheduler stopped")
}

// RunNow executes the job synchronously outside the schedule
func (s *Service) RunNow(ctx context.Context) error {
	return s.run(ctx)
}

// NextRun returns the next scheduled time, or the zero time before Start
func (s *Service) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Runs returns how many executions have finished
func (s *Service) Runs() int64 {
	return s.runs.Load()
}

// Failures returns how many executions returned an error
func (s *Service) Failures() int64 {
	return s.failures.Load()
}

func (s *Service) execute() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.run(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled job failed")
	}
}

func (s *Service) run(ctx context.Context) error {
	start := time.Now()
	err := s.job(ctx)
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
	}
	s.logger.Debug().Dur("elapsed", time.Since(start)).Bool("ok", err == nil).Msg("Job finished")
	return err
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
