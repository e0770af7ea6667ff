package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
	"github.com/rivalwatch/rivalwatch/pkg/quota"
)

// Request asks for an immediate check of one target. Empty ContextKeys
// means every context the plan allows.
type Request struct {
	TargetID    string
	ContextKeys []string
}

// RunOnDemand checks the requested pairs now, bypassing decay. It spends one
// manual check from the owner's quota; a denial is returned as
// *quota.DeniedError.
func (s *Scheduler) RunOnDemand(ctx context.Context, req Request) (Stats, error) {
	var stats Stats

	target, err := s.cfg.Store.GetTarget(ctx, req.TargetID)
	if err != nil {
		return stats, err
	}
	if target.Status == monitor.StatusPaused {
		return stats, fmt.Errorf("target %s is paused", target.Name)
	}
	user, err := s.cfg.Store.GetUser(ctx, target.UserID)
	if err != nil {
		return stats, fmt.Errorf("load owner of %s: %w", target.ID, err)
	}
	contexts, err := s.cfg.Store.ListContexts(ctx)
	if err != nil {
		return stats, fmt.Errorf("load contexts: %w", err)
	}

	allowed := AllowedContexts(contexts, s.cfg.Guard.Entitlements(user.PlanID))
	selected := s.selectContexts(allowed, req.ContextKeys)
	if len(selected) == 0 {
		return stats, ErrNothingToDo
	}

	d, err := s.cfg.Guard.ConsumeManualCheck(ctx, user)
	if err != nil {
		return stats, err
	}
	if !d.Allowed {
		return stats, &quota.DeniedError{Decision: d}
	}

	queue := make([]monitor.WorkItem, 0, len(selected))
	for _, mc := range selected {
		queue = append(queue, workItem(target, user.PlanID, mc, true))
	}
	stats.Queued = len(queue)
	s.log.Infof("[scheduler] on-demand check of %s under %d context(s)", target.Name, len(queue))

	s.dispatch(ctx, queue, &stats, nil)
	return stats, ctx.Err()
}

func (s *Scheduler) selectContexts(allowed []monitor.MonitoringContext, keys []string) []monitor.MonitoringContext {
	if len(keys) == 0 {
		return allowed
	}
	byKey := make(map[string]monitor.MonitoringContext, len(allowed))
	for _, mc := range allowed {
		byKey[mc.Key] = mc
	}
	var out []monitor.MonitoringContext
	seen := map[string]bool{}
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		mc, ok := byKey[k]
		if !ok {
			s.log.Warnf("[scheduler] context %q is unknown or not allowed on this plan, skipping", k)
			continue
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, mc)
		}
	}
	return out
}
