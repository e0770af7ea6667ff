package task

import (
	"context"
	"fmt"
	"time"

	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Executor runs one work item. *Task implements it.
type Executor interface {
	Run(ctx context.Context, item monitor.WorkItem) Result
}

// Runner defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	DefaultTimeout     = 3 * time.Minute
	DefaultGrace       = 10 * time.Second
)

// RunnerConfig bounds how an Executor is invoked. Zero values take the defaults.
type RunnerConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	// Grace is how long a timed-out attempt may take to return after its
	// context is canceled. An attempt still running after that is abandoned
	// and the item is not retried.
	Grace time.Duration
}

// Runner invokes an Executor with bounded attempts, a fixed backoff, a hard
// per-attempt timeout and panic containment.
type Runner struct {
	exec  Executor
	cfg   RunnerConfig
	log   Logger
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(exec Executor, cfg RunnerConfig, log Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	} else if cfg.Backoff == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Runner{exec: exec, cfg: cfg, log: log, sleep: sleepCtx}
}

// Run executes item until it succeeds, fails with a non-retryable code, or
// runs out of attempts. The returned result carries the attempt count.
// Attempts never overlap: a new one starts only after the previous one has
// returned.
func (r *Runner) Run(ctx context.Context, item monitor.WorkItem) Result {
	var res Result
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		var abandoned bool
		res, abandoned = r.once(ctx, item)
		res.Attempts = attempt
		if abandoned {
			r.log.Warnf("[runner] %s/%s attempt %d did not stop within %s of its timeout, giving up",
				item.TargetID, item.Context.Key, attempt, r.cfg.Grace)
			return res
		}
		if res.Success || res.Error == nil || !res.Error.Code.Retryable() {
			return res
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.log.Debugf("[runner] %s/%s attempt %d failed (%s), retrying in %s",
			item.TargetID, item.Context.Key, attempt, res.Error.Code, r.cfg.Backoff)
		if err := r.sleep(ctx, r.cfg.Backoff); err != nil {
			return res
		}
	}
	return res
}

// once runs a single attempt. abandoned reports that the attempt timed out
// and was still running when the grace period ended.
func (r *Runner) once(ctx context.Context, item monitor.WorkItem) (res Result, abandoned bool) {
	if err := ctx.Err(); err != nil {
		return Failure(extract.CodeTimeout, "not started: %v", err), false
	}
	actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Failure(extract.CodeUnknown, "panic: %v", p)
			}
		}()
		done <- r.exec.Run(actx, item)
	}()

	select {
	case res := <-done:
		return res, false
	case <-actx.Done():
	}

	timeout := Failure(extract.CodeTimeout, "%s/%s exceeded %s", item.TargetID, item.Context.Key, r.cfg.Timeout)
	grace := time.NewTimer(r.cfg.Grace)
	defer grace.Stop()
	select {
	case <-done:
		return timeout, false
	case <-grace.C:
		return timeout, true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
