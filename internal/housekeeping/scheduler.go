// Package housekeeping runs the relay's periodic maintenance jobs on a cron
// schedule.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/metrics"
)

// StaleDiscarder drops an in-progress frame that has been idle too long.
type StaleDiscarder interface {
	DiscardStale(now time.Time, maxAge time.Duration) bool
}

// Pruner deletes records older than a cutoff.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a Scheduler. Jobs run with panic recovery and are
// skipped while a previous run of the same job is still going.
func NewScheduler(logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("housekeeping")
	cl := cronLogger{sugar: logger.Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ParseSchedule accepts either a cron expression (standard five fields or a
// descriptor such as @hourly) or a plain Go duration like "5s".
func ParseSchedule(schedule string) (cron.Schedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("schedule is required")
	}
	if interval, err := time.ParseDuration(schedule); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(interval), nil
	}
	return cron.ParseStandard(schedule)
}

// AddStaleSweep discards the assembler's partial frame once it has not
// grown for maxAge.
func (s *Scheduler) AddStaleSweep(schedule string, target StaleDiscarder, maxAge time.Duration) error {
	if maxAge <= 0 {
		return fmt.Errorf("stale sweep: max age must be > 0")
	}
	return s.add("stale-sweep", schedule, func(context.Context) {
		if target.DiscardStale(s.now(), maxAge) {
			s.metrics.RecordFrameDiscarded(metrics.DiscardStale)
			s.logger.Warn("discarded stale partial frame", zap.Duration("max_age", maxAge))
		}
	})
}

// AddRetentionPrune deletes stored records older than retention.
func (s *Scheduler) AddRetentionPrune(schedule string, target Pruner, retention time.Duration) error {
	if retention <= 0 {
		return fmt.Errorf("retention prune: retention must be > 0")
	}
	return s.add("retention-prune", schedule, func(ctx context.Context) {
		cutoff := s.now().Add(-retention)
		if _, err := target.PruneBefore(ctx, cutoff); err != nil {
			s.logger.Error("retention prune failed", zap.Error(err))
		}
	})
}

func (s *Scheduler) add(name, schedule string, fn func(context.Context)) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: parse schedule %q: %w", name, schedule, err)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		fn(s.ctx)
	}))
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", schedule), zap.Int("entry", int(id)))
	return nil
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins running jobs. It is safe to call Start multiple times.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs' context and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.cron.Stop().Done()
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
