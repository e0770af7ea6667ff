// Package quota enforces per-plan usage caps and flags abusive or noisy
// usage patterns. It never bans anyone: denials carry a reason and flags
// carry a recommended action for the caller.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Counter names a daily usage counter.
type Counter string

const (
	CounterCrawls       Counter = "crawls_today"
	CounterManualChecks Counter = "manual_checks_today"
)

// Abuse flag kinds.
const (
	FlagManualSpam      = "manual_spam"
	FlagTargetHoarding  = "target_hoarding"
	FlagVolatileContext = "volatile_context"
	FlagGlobalThrottle  = "global_throttle"
)

// Heuristic thresholds.
const (
	HoardingWindow      = 24 * time.Hour
	HoardingThreshold   = 10
	VolatileWindow      = 7 * 24 * time.Hour
	VolatileMinSamples  = 4
	VolatileRatio       = 0.6
	GlobalThrottleRatio = 1.5
)

// Store is the persistence the guardrail reads and increments.
type Store interface {
	// Usage returns the user's counters as of today, zeroed if last_reset
	// is not today. It does not write.
	Usage(ctx context.Context, userID, today string) (monitor.UsageCounters, error)
	// ConsumeUsage resets the counters if last_reset is not today, then
	// increments counter if it is below limit, as one atomic operation.
	// A negative limit means unlimited.
	ConsumeUsage(ctx context.Context, userID string, counter Counter, limit int, today string) (monitor.UsageCounters, bool, error)
	CountTargetsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	SnapshotHashesSince(ctx context.Context, targetID, contextID string, since time.Time) (map[monitor.SignalType][]string, error)
	TotalCrawls(ctx context.Context, today string) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	UpgradePrompt bool   `json:"upgrade_prompt,omitempty"`
}

// FlagResult is the outcome of an abuse heuristic.
type FlagResult struct {
	Flagged bool               `json:"flagged"`
	Flag    *monitor.AbuseFlag `json:"flag,omitempty"`
}

// DeniedError reports a denied quota decision.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return e.Decision.Reason
}

// Pair identifies a (target, context) pair for the volatility check.
type Pair struct {
	TargetID  string
	ContextID string
}

// Guardrail evaluates quota and abuse checks.
type Guardrail struct {
	plans          *Plans
	store          Store
	expectedVolume int
	now            func() time.Time
}

// New builds a guardrail. expectedVolume is the expected system-wide daily
// crawl count; 0 disables the global throttle check in RunAllChecks.
func New(plans *Plans, store Store, expectedVolume int) *Guardrail {
	if plans == nil {
		plans = DefaultPlans()
	}
	return &Guardrail{plans: plans, store: store, expectedVolume: expectedVolume, now: time.Now}
}

// Plans returns the entitlement table.
func (g *Guardrail) Plans() *Plans {
	return g.plans
}

// Entitlements returns the entitlements of a plan.
func (g *Guardrail) Entitlements(planID string) monitor.Entitlements {
	return g.plans.Entitlements(planID)
}

// SetClock overrides the time source.
func (g *Guardrail) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Guardrail) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// CanScheduledCrawl checks today's crawl count against the plan cap.
func (g *Guardrail) CanScheduledCrawl(ctx context.Context, user monitor.User) (Decision, error) {
	usage, err := g.store.Usage(ctx, user.ID, g.today())
	if err != nil {
		return Decision{}, fmt.Errorf("load usage: %w", err)
	}
	ent := g.plans.Entitlements(user.PlanID)
	return g.capDecision(ent, usage.CrawlsToday, ent.DailyCrawlCap, "scheduled crawl"), nil
}

// CanManualCheck checks today's manual check count against the plan cap.
func (g *Guardrail) CanManualCheck(ctx context.Context, user monitor.User) (Decision, error) {
	usage, err := g.store.Usage(ctx, user.ID, g.today())
	if err != nil {
		return Decision{}, fmt.Errorf("load usage: %w", err)
	}
	ent := g.plans.Entitlements(user.PlanID)
	return g.capDecision(ent, usage.ManualChecksToday, ent.DailyManualCheckCap, "manual check"), nil
}

// ConsumeScheduledCrawl atomically checks and increments the crawl counter.
func (g *Guardrail) ConsumeScheduledCrawl(ctx context.Context, user monitor.User) (Decision, error) {
	ent := g.plans.Entitlements(user.PlanID)
	return g.consume(ctx, user, CounterCrawls, ent, ent.DailyCrawlCap, "scheduled crawl")
}

// ConsumeManualCheck atomically checks and increments the manual check counter.
func (g *Guardrail) ConsumeManualCheck(ctx context.Context, user monitor.User) (Decision, error) {
	ent := g.plans.Entitlements(user.PlanID)
	return g.consume(ctx, user, CounterManualChecks, ent, ent.DailyManualCheckCap, "manual check")
}

func (g *Guardrail) consume(ctx context.Context, user monitor.User, counter Counter, ent monitor.Entitlements, limit int, what string) (Decision, error) {
	usage, ok, err := g.store.ConsumeUsage(ctx, user.ID, counter, limit, g.today())
	if err != nil {
		return Decision{}, fmt.Errorf("consume %s: %w", counter, err)
	}
	if ok {
		return Decision{Allowed: true}, nil
	}
	used := usage.CrawlsToday
	if counter == CounterManualChecks {
		used = usage.ManualChecksToday
	}
	return g.capDecision(ent, used, limit, what), nil
}

func (g *Guardrail) capDecision(ent monitor.Entitlements, used, limit int, what string) Decision {
	if limit < 0 || used < limit {
		return Decision{Allowed: true}
	}
	if g.plans.IsLowest(ent.PlanID) {
		return Decision{
			Reason:        fmt.Sprintf("daily %s limit of %d reached on the %s plan; upgrade for more", what, limit, ent.PlanID),
			UpgradePrompt: true,
		}
	}
	return Decision{Reason: fmt.Sprintf("daily %s limit of %d reached on the %s plan", what, limit, ent.PlanID)}
}

// CanAddTarget compares the live count of active targets against the plan cap.
func (g *Guardrail) CanAddTarget(user monitor.User, activeCount int) Decision {
	ent := g.plans.Entitlements(user.PlanID)
	if ent.MaxTargets < 0 || activeCount < ent.MaxTargets {
		return Decision{Allowed: true}
	}
	if g.plans.IsLowest(ent.PlanID) {
		return Decision{
			Reason:        fmt.Sprintf("the %s plan monitors up to %d competitors; upgrade to track more", ent.PlanID, ent.MaxTargets),
			UpgradePrompt: true,
		}
	}
	return Decision{Reason: fmt.Sprintf("target limit reached: the %s plan allows at most %d active targets", ent.PlanID, ent.MaxTargets)}
}

// DetectManualSpam flags a user already at or over the manual check cap.
func (g *Guardrail) DetectManualSpam(ctx context.Context, user monitor.User) (FlagResult, error) {
	usage, err := g.store.Usage(ctx, user.ID, g.today())
	if err != nil {
		return FlagResult{}, fmt.Errorf("load usage: %w", err)
	}
	limit := g.plans.Entitlements(user.PlanID).DailyManualCheckCap
	if limit < 0 || usage.ManualChecksToday < limit {
		return FlagResult{}, nil
	}
	return flagged(FlagManualSpam, monitor.ActionSoftBlock,
		fmt.Sprintf("%d manual checks today against a cap of %d", usage.ManualChecksToday, limit)), nil
}

// DetectTargetHoarding flags users creating targets faster than the window allows.
func (g *Guardrail) DetectTargetHoarding(ctx context.Context, user monitor.User) (FlagResult, error) {
	n, err := g.store.CountTargetsCreatedSince(ctx, user.ID, g.now().Add(-HoardingWindow))
	if err != nil {
		return FlagResult{}, fmt.Errorf("count recent targets: %w", err)
	}
	if n <= HoardingThreshold {
		return FlagResult{}, nil
	}
	return flagged(FlagTargetHoarding, monitor.ActionSoftBlock,
		fmt.Sprintf("%d targets created in the last %s", n, HoardingWindow)), nil
}

// DetectVolatileContext flags a pair whose recent snapshots of any signal
// flap between distinct contents.
func (g *Guardrail) DetectVolatileContext(ctx context.Context, pair Pair) (FlagResult, error) {
	hashes, err := g.store.SnapshotHashesSince(ctx, pair.TargetID, pair.ContextID, g.now().Add(-VolatileWindow))
	if err != nil {
		return FlagResult{}, fmt.Errorf("load snapshot hashes: %w", err)
	}
	for _, sig := range monitor.AllSignals {
		list := hashes[sig]
		if len(list) < VolatileMinSamples {
			continue
		}
		distinct := make(map[string]struct{}, len(list))
		for _, h := range list {
			distinct[h] = struct{}{}
		}
		ratio := float64(len(distinct)) / float64(len(list))
		if ratio > VolatileRatio {
			return flagged(FlagVolatileContext, monitor.ActionThrottle,
				fmt.Sprintf("%s produced %d distinct captures out of %d in 7d", sig, len(distinct), len(list))), nil
		}
	}
	return FlagResult{}, nil
}

// CheckGlobalThrottle flags system-wide volume above expected × 1.5.
func CheckGlobalThrottle(current, expected int) FlagResult {
	if expected <= 0 || float64(current) <= float64(expected)*GlobalThrottleRatio {
		return FlagResult{}
	}
	return flagged(FlagGlobalThrottle, monitor.ActionThrottle,
		fmt.Sprintf("crawl volume %d exceeds expected %d by more than 50%%", current, expected))
}

// CheckGlobalThrottle evaluates the global throttle with today's volume.
func (g *Guardrail) CheckGlobalThrottle(ctx context.Context) (FlagResult, error) {
	if g.expectedVolume <= 0 {
		return FlagResult{}, nil
	}
	current, err := g.store.TotalCrawls(ctx, g.today())
	if err != nil {
		return FlagResult{}, fmt.Errorf("total crawls: %w", err)
	}
	return CheckGlobalThrottle(current, g.expectedVolume), nil
}

// RunAllChecks runs every applicable heuristic and returns only the flagged
// results. The volatility check runs when pair is non-nil.
func (g *Guardrail) RunAllChecks(ctx context.Context, user monitor.User, pair *Pair) ([]FlagResult, error) {
	checks := []func() (FlagResult, error){
		func() (FlagResult, error) { return g.DetectManualSpam(ctx, user) },
		func() (FlagResult, error) { return g.DetectTargetHoarding(ctx, user) },
		func() (FlagResult, error) { return g.CheckGlobalThrottle(ctx) },
	}
	if pair != nil {
		checks = append(checks, func() (FlagResult, error) { return g.DetectVolatileContext(ctx, *pair) })
	}

	var out []FlagResult
	for _, check := range checks {
		res, err := check()
		if err != nil {
			return out, err
		}
		if res.Flagged {
			out = append(out, res)
		}
	}
	return out, nil
}

func flagged(kind, action, reason string) FlagResult {
	return FlagResult{Flagged: true, Flag: &monitor.AbuseFlag{Kind: kind, Action: action, Reason: reason}}
}
