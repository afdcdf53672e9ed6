package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/metrics"
)

const (
	dispatchTick = "dispatch"
	retryTick    = "retry"
)

// Locker claims a named time window so that only one process runs a
// given tick per window. A nil Locker means ticks are only guarded
// in-process.
type Locker interface {
	Acquire(ctx context.Context, name string, window time.Duration) (bool, error)
}

// RunnerConfig holds the tick cadence.
type RunnerConfig struct {
	DispatchInterval time.Duration
	RetryInterval    time.Duration
}

// Runner owns the cron that fires the dispatch and retry ticks.
type Runner struct {
	scheduler *Scheduler
	retries   *RetryCoordinator
	lock      Locker
	config    RunnerConfig
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewRunner creates a runner. lock may be nil when no shared lock
// backend is configured.
func NewRunner(s *Scheduler, r *RetryCoordinator, lock Locker, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	return &Runner{
		scheduler: s,
		retries:   r,
		lock:      lock,
		config:    cfg,
		logger:    logger,
	}
}

// Start registers both ticks and starts the cron. SkipIfStillRunning
// keeps a slow tick from overlapping itself within the process; the
// window lock keeps replicas from running the same tick concurrently.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{r.logger}),
	))

	_, err := c.AddFunc("@every "+r.config.DispatchInterval.String(), func() {
		r.runTick(ctx, dispatchTick, r.config.DispatchInterval, func(ctx context.Context) (int, error) {
			return r.scheduler.DispatchDue(ctx)
		})
	})
	if err != nil {
		return err
	}

	_, err = c.AddFunc("@every "+r.config.RetryInterval.String(), func() {
		r.runTick(ctx, retryTick, r.config.RetryInterval, func(ctx context.Context) (int, error) {
			return r.retries.ScheduleRetries(ctx)
		})
	})
	if err != nil {
		return err
	}

	r.cron = c
	c.Start()
	r.logger.Info("scheduler ticks started",
		zap.Duration("dispatch_interval", r.config.DispatchInterval),
		zap.Duration("retry_interval", r.config.RetryInterval),
	)
	return nil
}

// Stop halts the cron and waits for any in-flight tick to finish.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("scheduler ticks stopped")
}

func (r *Runner) runTick(ctx context.Context, name string, window time.Duration, fn func(context.Context) (int, error)) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx, name, window)
		if err != nil {
			// Lock backend trouble should not stall the pipeline;
			// duplicate ticks are safe, missed ones are not.
			r.logger.Warn("tick lock unavailable, running anyway",
				zap.String("tick", name),
				zap.Error(err),
			)
		} else if !ok {
			r.logger.Debug("tick claimed by another process",
				zap.String("tick", name),
			)
			metrics.RecordTickSkipped(name)
			return
		}
	}

	start := time.Now()
	n, err := fn(ctx)
	metrics.ObserveTick(name, time.Since(start))
	if err != nil {
		r.logger.Error("tick failed",
			zap.String("tick", name),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("tick completed",
		zap.String("tick", name),
		zap.Int("processed", n),
		zap.Duration("took", time.Since(start)),
	)
}

// cronLogger adapts zap to the cron logger interface so skip events
// land in the structured log.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
