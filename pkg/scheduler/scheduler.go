// Package scheduler builds the daily work queue of (target, context) pairs
// and drives each pair through the task runner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rivalwatch/rivalwatch/pkg/extract"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
	"github.com/rivalwatch/rivalwatch/pkg/task"
)

// ErrNothingToDo is returned when there are no targets or no contexts.
var ErrNothingToDo = errors.New("nothing to do")

// Defaults.
const (
	DefaultMaxChecks        = 500
	DefaultItemDelay        = 2 * time.Second
	DefaultConcurrency      = 1
	MaxConcurrency          = 4
	DefaultFailureThreshold = 5
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Store is the persistence the scheduler reads.
type Store interface {
	ListActiveTargetsWithPlan(ctx context.Context) ([]monitor.TargetWithPlan, error)
	ListContexts(ctx context.Context) ([]monitor.MonitoringContext, error)
	LastDiffAt(ctx context.Context, targetID, contextID string) (time.Time, bool, error)
	GetTarget(ctx context.Context, id string) (monitor.Target, error)
	GetUser(ctx context.Context, idOrEmail string) (monitor.User, error)
	RecordTargetFailure(ctx context.Context, id string, threshold int) (int, monitor.TargetStatus, error)
}

// Guard is the quota layer the scheduler consults.
type Guard interface {
	Entitlements(planID string) monitor.Entitlements
	ConsumeScheduledCrawl(ctx context.Context, user monitor.User) (quota.Decision, error)
	ConsumeManualCheck(ctx context.Context, user monitor.User) (quota.Decision, error)
	CheckGlobalThrottle(ctx context.Context) (quota.FlagResult, error)
}

// Config holds everything the Scheduler needs.
type Config struct {
	Store  Store
	Guard  Guard
	Runner task.Executor

	MaxChecks        int           // defaults to 500 if <= 0
	ItemDelay        time.Duration // defaults to 2s if 0; negative disables
	Concurrency      int           // defaults to 1, capped at 4
	FailureThreshold int           // defaults to 5 if <= 0

	Rand func() float64   // optional; decay draws in [0,1)
	Now  func() time.Time // optional
	Log  Logger           // optional; nil = no logging

	// OnItemDone is called after every dispatched item, from worker goroutines.
	OnItemDone func(item monitor.WorkItem, res task.Result)
}

// Stats are the aggregate counters of one run.
type Stats struct {
	Queued      int  `json:"queued"`
	Processed   int  `json:"processed"`
	WithChanges int  `json:"with_changes"`
	WithAlerts  int  `json:"with_alerts"`
	Errors      int  `json:"errors"`
	Skipped     int  `json:"skipped"`
	Decayed     int  `json:"decayed"`
	Capped      bool `json:"capped"`
	Throttled   bool `json:"throttled"`
}

// Scheduler builds work queues and dispatches them.
type Scheduler struct {
	cfg Config
	log Logger
}

func New(cfg Config) *Scheduler {
	if cfg.MaxChecks <= 0 {
		cfg.MaxChecks = DefaultMaxChecks
	}
	if cfg.ItemDelay == 0 {
		cfg.ItemDelay = DefaultItemDelay
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	return &Scheduler{cfg: cfg, log: log}
}

// AllowedContexts returns the contexts a plan may monitor a target under.
// contexts must be ordered default first. The default is always allowed;
// further contexts need geo-aware monitoring and stop at the per-target cap.
func AllowedContexts(contexts []monitor.MonitoringContext, ent monitor.Entitlements) []monitor.MonitoringContext {
	if len(contexts) == 0 {
		return nil
	}
	if !ent.CanGeoAware {
		return contexts[:1]
	}
	limit := ent.MaxContextsPerTarget
	if limit < 0 || limit > len(contexts) {
		limit = len(contexts)
	}
	if limit < 1 {
		limit = 1
	}
	return contexts[:limit]
}

// BuildQueue loads active targets and contexts and returns the decayed,
// capped work queue for this run.
func (s *Scheduler) BuildQueue(ctx context.Context) ([]monitor.WorkItem, Stats, error) {
	var stats Stats

	targets, err := s.cfg.Store.ListActiveTargetsWithPlan(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("load targets: %w", err)
	}
	contexts, err := s.cfg.Store.ListContexts(ctx)
	if err != nil {
		return nil, stats, fmt.Errorf("load contexts: %w", err)
	}
	if len(targets) == 0 || len(contexts) == 0 {
		return nil, stats, ErrNothingToDo
	}

	limit := s.cfg.MaxChecks
	if flag, err := s.cfg.Guard.CheckGlobalThrottle(ctx); err != nil {
		s.log.Warnf("[scheduler] global throttle check failed: %v", err)
	} else if flag.Flagged {
		stats.Throttled = true
		limit = (limit + 1) / 2
		s.log.Warnf("[scheduler] %s; capping this run at %d checks", flag.Flag.Reason, limit)
	}

	now := s.cfg.Now()
	var queue []monitor.WorkItem
fill:
	for _, t := range targets {
		ent := s.cfg.Guard.Entitlements(t.PlanID)
		for _, mc := range AllowedContexts(contexts, ent) {
			if len(queue) >= limit {
				stats.Capped = true
				break fill
			}
			last, changed, err := s.cfg.Store.LastDiffAt(ctx, t.ID, mc.ID)
			if err != nil {
				s.log.Warnf("[scheduler] last change lookup for %s/%s failed, checking anyway: %v", t.ID, mc.Key, err)
				changed = false
			}
			if p := EnqueueProbability(last, changed, now); p < 1 && s.cfg.Rand() >= p {
				stats.Decayed++
				continue
			}
			queue = append(queue, workItem(t.Target, t.PlanID, mc, false))
		}
	}
	if stats.Capped {
		s.log.Warnf("[scheduler] safety cap of %d checks reached; remaining targets wait for the next run", limit)
	}
	stats.Queued = len(queue)
	return queue, stats, nil
}

func workItem(t monitor.Target, planID string, mc monitor.MonitoringContext, manual bool) monitor.WorkItem {
	return monitor.WorkItem{
		TargetID:    t.ID,
		TargetURL:   t.URL,
		TargetName:  t.Name,
		UserID:      t.UserID,
		PlanID:      planID,
		Context:     mc,
		ScraperHint: t.ScraperHint,
		Manual:      manual,
	}
}

// Run builds the queue and processes it. One failing item never stops the
// run; only context cancellation does.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	queue, stats, err := s.BuildQueue(ctx)
	if err != nil {
		return stats, err
	}
	s.log.Infof("[scheduler] %d checks queued (%d decayed)", stats.Queued, stats.Decayed)
	s.dispatch(ctx, queue, &stats, s.consumeCrawl)
	s.log.Infof("[scheduler] run done: processed=%d changes=%d alerts=%d errors=%d skipped=%d",
		stats.Processed, stats.WithChanges, stats.WithAlerts, stats.Errors, stats.Skipped)
	return stats, ctx.Err()
}

func (s *Scheduler) consumeCrawl(ctx context.Context, item monitor.WorkItem) (bool, error) {
	d, err := s.cfg.Guard.ConsumeScheduledCrawl(ctx, monitor.User{ID: item.UserID, PlanID: item.PlanID})
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		s.log.Debugf("[scheduler] skipping %s/%s: %s", item.TargetID, item.Context.Key, d.Reason)
	}
	return d.Allowed, nil
}

// dispatch runs the queue through a small worker pool. A shared limiter
// spaces dispatches by the item delay regardless of pool size.
func (s *Scheduler) dispatch(ctx context.Context, queue []monitor.WorkItem, stats *Stats,
	admit func(context.Context, monitor.WorkItem) (bool, error)) {
	if len(queue) == 0 {
		return
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.ItemDelay), 1)
	}

	items := make(chan monitor.WorkItem, len(queue))
	for _, it := range queue {
		items <- it
	}
	close(items)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range items {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				outcome := s.processOne(ctx, it, admit)
				mu.Lock()
				outcome.apply(stats)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

type itemOutcome struct {
	skipped bool
	res     task.Result
}

func (o itemOutcome) apply(stats *Stats) {
	switch {
	case o.skipped:
		stats.Skipped++
	case o.res.Success:
		stats.Processed++
		if o.res.HasChanges {
			stats.WithChanges++
		}
		if o.res.AlertsCreated > 0 {
			stats.WithAlerts++
		}
	default:
		stats.Errors++
	}
}

// processOne admits, runs and bookkeeps one item. It never panics.
func (s *Scheduler) processOne(ctx context.Context, it monitor.WorkItem,
	admit func(context.Context, monitor.WorkItem) (bool, error)) (out itemOutcome) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Errorf("[scheduler] %s/%s panicked: %v", it.TargetID, it.Context.Key, p)
			out = itemOutcome{res: task.Failure(extract.CodeUnknown, "panic: %v", p)}
		}
	}()

	if admit != nil {
		ok, err := admit(ctx, it)
		if err != nil {
			s.log.Errorf("[scheduler] quota check for %s/%s failed: %v", it.TargetID, it.Context.Key, err)
			return itemOutcome{res: task.Failure(extract.CodeUnknown, "quota: %v", err)}
		}
		if !ok {
			return itemOutcome{skipped: true}
		}
	}

	res := s.cfg.Runner.Run(ctx, it)
	if !res.Success {
		s.recordFailure(ctx, it, res)
	}
	if s.cfg.OnItemDone != nil {
		s.cfg.OnItemDone(it, res)
	}
	return itemOutcome{res: res}
}

func (s *Scheduler) recordFailure(ctx context.Context, it monitor.WorkItem, res task.Result) {
	reason := "unknown error"
	if res.Error != nil {
		reason = res.Error.Error()
	}
	failures, status, err := s.cfg.Store.RecordTargetFailure(ctx, it.TargetID, s.cfg.FailureThreshold)
	if err != nil {
		s.log.Errorf("[scheduler] could not record failure for %s: %v", it.TargetID, err)
		return
	}
	if status == monitor.StatusError {
		s.log.Warnf("[scheduler] %s (%s) moved to error after %d consecutive failures: %s", it.TargetName, it.TargetID, failures, reason)
		return
	}
	s.log.Warnf("[scheduler] %s/%s failed (%d consecutive): %s", it.TargetName, it.Context.Key, failures, reason)
}
