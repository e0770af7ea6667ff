package quota

import (
	"sort"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Plan identifiers.
const (
	PlanFree       = "free"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Unlimited disables a numeric cap.
const Unlimited = -1

var defaultPlans = map[string]monitor.Entitlements{
	PlanFree: {
		MaxTargets: 3, MaxContextsPerTarget: 1, DailyManualCheckCap: 1, DailyCrawlCap: 5,
	},
	PlanStarter: {
		MaxTargets: 10, MaxContextsPerTarget: 2, DailyManualCheckCap: 3, DailyCrawlCap: 40,
		CanGeoAware: true, CanEnrich: true,
	},
	PlanPro: {
		MaxTargets: 25, MaxContextsPerTarget: 3, DailyManualCheckCap: 5, DailyCrawlCap: 150,
		CanGeoAware: true, CanEvidenceCapture: true, CanEnrich: true,
	},
	PlanEnterprise: {
		MaxTargets: 100, MaxContextsPerTarget: 5, DailyManualCheckCap: 20, DailyCrawlCap: 1000,
		CanGeoAware: true, CanEvidenceCapture: true, CanEnrich: true,
	},
}

// Plans is the entitlement table. Unknown plan ids resolve to the lowest tier.
type Plans struct {
	table  map[string]monitor.Entitlements
	lowest string
}

// DefaultPlans returns the built-in table.
func DefaultPlans() *Plans {
	return NewPlans(nil)
}

// NewPlans returns the built-in table with overrides applied. An override
// replaces the whole entry for its plan id and may add new plans.
func NewPlans(overrides map[string]monitor.Entitlements) *Plans {
	p := &Plans{table: make(map[string]monitor.Entitlements), lowest: PlanFree}
	for id, e := range defaultPlans {
		e.PlanID = id
		p.table[id] = e
	}
	for id, e := range overrides {
		e.PlanID = id
		p.table[id] = e
	}
	return p
}

// Entitlements returns the entitlements for a plan.
func (p *Plans) Entitlements(planID string) monitor.Entitlements {
	if e, ok := p.table[planID]; ok {
		return e
	}
	return p.table[p.lowest]
}

// IsLowest reports whether planID resolves to the lowest (free) tier.
func (p *Plans) IsLowest(planID string) bool {
	return p.Entitlements(planID).PlanID == p.lowest
}

// Has reports whether planID is a known plan.
func (p *Plans) Has(planID string) bool {
	_, ok := p.table[planID]
	return ok
}

// IDs returns the known plan ids, sorted.
func (p *Plans) IDs() []string {
	ids := make([]string, 0, len(p.table))
	for id := range p.table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Defaults returns a copy of the built-in table, for seeding configuration.
func Defaults() map[string]monitor.Entitlements {
	out := make(map[string]monitor.Entitlements, len(defaultPlans))
	for id, e := range defaultPlans {
		e.PlanID = id
		out[id] = e
	}
	return out
}
