package diff

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Pricing change kinds.
const (
	KindPriceIncrease      = "price_increase"
	KindPriceDecrease      = "price_decrease"
	KindPlanAdded          = "plan_added"
	KindPlanRemoved        = "plan_removed"
	KindFreeTierRemoved    = "free_tier_removed"
	KindFreeTierAdded      = "free_tier_added"
	KindPlanPromoted       = "plan_promoted"
	KindCTAChanged         = "cta_changed"
	KindFeaturesChanged    = "features_changed"
	KindRegionalDifference = "regional_difference"
)

const (
	// MinPriceChangePercent is the smallest price move worth reporting.
	MinPriceChangePercent = 5.0

	highPriceScore   = 20.0
	mediumPriceScore = 10.0
)

// priceWeights scale the percentage delta per kind.
var priceWeights = map[string]float64{
	KindPriceIncrease: 1.0,
	KindPriceDecrease: 1.2,
}

// Pricing compares pricing pages plan by plan.
type Pricing struct{}

func (Pricing) Signal() monitor.SignalType { return monitor.SignalPricing }

func (p Pricing) Compare(old, cur *monitor.PricingData) monitor.DiffResult {
	if old == nil || cur == nil {
		return Empty(p.Signal())
	}

	var changes []monitor.ChangeRecord

	if old.Currency != "" && cur.Currency != "" && !strings.EqualFold(old.Currency, cur.Currency) {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "currency",
			Kind:     KindRegionalDifference,
			OldValue: old.Currency,
			NewValue: cur.Currency,
			Severity: monitor.SeverityMedium,
		})
	}

	oldPlans := indexPlans(old.Plans)
	newPlans := indexPlans(cur.Plans)
	oldFree, newFree := hasFree(old.Plans), hasFree(cur.Plans)
	freeRemoved := oldFree && !newFree
	freeAdded := !oldFree && newFree
	var emittedFreeRemoved, emittedFreeAdded bool

	for _, key := range sortedKeys(oldPlans) {
		op := oldPlans[key]
		np, ok := newPlans[key]
		if !ok {
			if op.IsFree() && freeRemoved && !emittedFreeRemoved {
				emittedFreeRemoved = true
				changes = append(changes, monitor.ChangeRecord{
					Field:    planField(op.Name, ""),
					Kind:     KindFreeTierRemoved,
					OldValue: op.Name,
					Severity: monitor.SeverityHigh,
				})
				continue
			}
			changes = append(changes, monitor.ChangeRecord{
				Field:    planField(op.Name, ""),
				Kind:     KindPlanRemoved,
				OldValue: op.Name,
				Severity: monitor.SeverityHigh,
			})
			continue
		}
		changes = append(changes, comparePlan(op, np, cur.Currency, freeRemoved, freeAdded)...)
	}

	for _, key := range sortedKeys(newPlans) {
		if _, ok := oldPlans[key]; ok {
			continue
		}
		np := newPlans[key]
		if np.IsFree() && freeAdded && !emittedFreeAdded {
			emittedFreeAdded = true
			changes = append(changes, monitor.ChangeRecord{
				Field:    planField(np.Name, ""),
				Kind:     KindFreeTierAdded,
				NewValue: np.Name,
				Severity: monitor.SeverityMedium,
			})
			continue
		}
		changes = append(changes, monitor.ChangeRecord{
			Field:    planField(np.Name, ""),
			Kind:     KindPlanAdded,
			NewValue: describePlan(np, cur.Currency),
			Severity: monitor.SeverityHigh,
		})
	}

	// A free plan that turned paid (or lost its free flag) in place.
	if freeRemoved && !emittedFreeRemoved {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "plans",
			Kind:     KindFreeTierRemoved,
			OldValue: freePlanName(old.Plans),
			Severity: monitor.SeverityHigh,
		})
	}
	if freeAdded && !emittedFreeAdded {
		changes = append(changes, monitor.ChangeRecord{
			Field:    "plans",
			Kind:     KindFreeTierAdded,
			NewValue: freePlanName(cur.Plans),
			Severity: monitor.SeverityMedium,
		})
	}

	return finish(p.Signal(), changes)
}

func comparePlan(op, np monitor.PricingPlan, currency string, freeRemoved, freeAdded bool) []monitor.ChangeRecord {
	var changes []monitor.ChangeRecord

	if op.Price != nil && np.Price != nil && *op.Price != *np.Price {
		oldPrice, newPrice := *op.Price, *np.Price
		switch {
		case oldPrice == 0 && freeRemoved, newPrice == 0 && freeAdded:
			// reported as a free tier change
		default:
			pct := 100.0
			if oldPrice != 0 {
				pct = (newPrice - oldPrice) / oldPrice * 100
			}
			if math.Abs(pct) >= MinPriceChangePercent {
				kind := KindPriceIncrease
				if newPrice < oldPrice {
					kind = KindPriceDecrease
				}
				changes = append(changes, monitor.ChangeRecord{
					Field:     planField(np.Name, "price"),
					Kind:      kind,
					OldValue:  formatPrice(currency, oldPrice),
					NewValue:  formatPrice(currency, newPrice),
					Magnitude: roundTo(math.Abs(pct), 1),
					Severity:  priceSeverity(kind, math.Abs(pct)),
				})
			}
		}
	}

	oldFeatures, newFeatures := normalizedSet(op.Features), normalizedSet(np.Features)
	if len(oldFeatures) > 0 && !sameSet(oldFeatures, newFeatures) {
		changes = append(changes, monitor.ChangeRecord{
			Field:    planField(np.Name, "features"),
			Kind:     KindFeaturesChanged,
			OldValue: joinSet(oldFeatures),
			NewValue: joinSet(newFeatures),
			Severity: monitor.SeverityLow,
		})
	}

	oldCTA, newCTA := strings.TrimSpace(op.CTA), strings.TrimSpace(np.CTA)
	if oldCTA != "" && newCTA != "" && !strings.EqualFold(oldCTA, newCTA) {
		changes = append(changes, monitor.ChangeRecord{
			Field:    planField(np.Name, "cta"),
			Kind:     KindCTAChanged,
			OldValue: oldCTA,
			NewValue: newCTA,
			Severity: monitor.SeverityLow,
		})
	}

	if !op.Promoted && np.Promoted {
		changes = append(changes, monitor.ChangeRecord{
			Field:    planField(np.Name, "promoted"),
			Kind:     KindPlanPromoted,
			NewValue: np.Name,
			Severity: monitor.SeverityMedium,
		})
	}

	return changes
}

func priceSeverity(kind string, pct float64) monitor.Severity {
	score := pct * priceWeights[kind]
	switch {
	case score >= highPriceScore:
		return monitor.SeverityHigh
	case score >= mediumPriceScore:
		return monitor.SeverityMedium
	default:
		return monitor.SeverityLow
	}
}

func indexPlans(plans []monitor.PricingPlan) map[string]monitor.PricingPlan {
	out := make(map[string]monitor.PricingPlan, len(plans))
	for _, p := range plans {
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if key == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = p
		}
	}
	return out
}

func hasFree(plans []monitor.PricingPlan) bool {
	return freePlanName(plans) != ""
}

func freePlanName(plans []monitor.PricingPlan) string {
	for _, p := range plans {
		if p.IsFree() && strings.TrimSpace(p.Name) != "" {
			return p.Name
		}
	}
	return ""
}

func planField(name, attr string) string {
	f := "plans." + strings.TrimSpace(name)
	if attr != "" {
		f += "." + attr
	}
	return f
}

func describePlan(p monitor.PricingPlan, currency string) string {
	if p.Price == nil {
		return p.Name
	}
	return fmt.Sprintf("%s (%s)", p.Name, formatPrice(currency, *p.Price))
}

func formatPrice(currency string, v float64) string {
	return currency + strconv.FormatFloat(v, 'f', -1, 64)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
