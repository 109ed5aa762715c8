// Package scheduler runs the periodic background jobs: model retraining
// and knowledge enrichment. Jobs never overlap with themselves.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
)

// Job names.
const (
	JobRetrain = "retrain"
	JobEnrich  = "enrich"
)

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Each run gets its own context bounded by
// the job timeout and cancelled by Stop.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler evaluating specs in UTC.
func New(timeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{logger}))),
		logger:  logger,
		metrics: m,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job under a standard five-field cron spec. Runs that
// would overlap a still running one are skipped.
func (s *Scheduler) Add(name, spec string, job JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", domain.ErrInvalidInput, spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: job %s already scheduled", domain.ErrInvalidInput, name)
	}

	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.logger})).
		Then(cron.FuncJob(func() { s.run(name, job) }))
	id, err := s.cron.AddJob(spec, wrapped)
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	s.entries[name] = id

	s.logger.WithFields(logrus.Fields{
		"job":      name,
		"schedule": spec,
	}).Info("Scheduled job")
	return nil
}

// Next returns the next activation time of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	return entry.Next, entry.Valid()
}

// RunNow executes a registered job synchronously, outside the schedule.
func (s *Scheduler) RunNow(name string, job JobFunc) error {
	return s.run(name, job)
}

func (s *Scheduler) run(name string, job JobFunc) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	outcome := "success"
	entry := s.logger.WithFields(logrus.Fields{
		"job":      name,
		"duration": time.Since(start).String(),
	})
	switch {
	case err == nil:
		entry.Info("Scheduled job completed")
	case errors.Is(err, domain.ErrTrainingInProgress):
		outcome = "skipped"
		entry.Info("Scheduled job skipped, previous run still active")
	default:
		outcome = "failure"
		entry.WithError(err).Error("Scheduled job failed")
	}
	s.metrics.RecordScheduledJob(name, outcome)
	return err
}

// Start begins evaluating schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("jobs", len(s.entries)).Info("Scheduler started")
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
