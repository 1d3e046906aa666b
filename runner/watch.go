package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// Job is one poll of the mailbox.
type Job interface {
	Run(ctx context.Context) (Result, error)
}

// WatchOptions configures Watch.
type WatchOptions struct {
	Interval time.Duration
	// Timeout discards the result of a cycle that runs longer. The cycle
	// itself is not interrupted.
	Timeout time.Duration
	Logger  *slog.Logger
	// Publish receives the result of every cycle that finished in time.
	Publish func(Result)
}

// Watch runs job immediately and then every Interval until ctx is done.
// A cycle never starts while the previous one is still running. Watch
// returns after the running cycle finished.
func Watch(ctx context.Context, job Job, opts WatchOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cl := cronLogger{logger: logger}

	var running sync.Mutex
	cycle := cronv3.NewChain(cronv3.SkipIfStillRunning(cl), cronv3.Recover(cl)).Then(cronv3.FuncJob(func() {
		running.Lock()
		defer running.Unlock()
		runCycle(ctx, job, opts, logger)
	}))

	c := cronv3.New(cronv3.WithLogger(cl))
	c.Schedule(cronv3.Every(opts.Interval), cycle)
	c.Start()
	logger.Info("watching mailbox", "interval", opts.Interval, "timeout", opts.Timeout)

	go cycle.Run()

	<-ctx.Done()
	logger.Info("stopping watch")
	<-c.Stop().Done()
	// The first cycle is not started by cron, so Stop does not wait for it.
	running.Lock()
	running.Unlock()
	return nil
}

func runCycle(ctx context.Context, job Job, opts WatchOptions, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	if opts.Timeout > 0 {
		overrun := time.AfterFunc(opts.Timeout, func() {
			logger.Warn("cycle still running past timeout, its result will be discarded", "timeout", opts.Timeout)
		})
		defer overrun.Stop()
	}
	res, err := job.Run(ctx)

	elapsed := time.Since(started)
	if err != nil {
		logger.Error("cycle failed", "duration", elapsed, "err", err)
		return
	}
	if opts.Timeout > 0 && elapsed > opts.Timeout {
		logger.Warn("cycle exceeded timeout, result discarded", "duration", elapsed, "timeout", opts.Timeout)
		return
	}
	if opts.Publish != nil {
		opts.Publish(res)
	}
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
