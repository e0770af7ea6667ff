// Package alert turns detected changes into user-visible alerts.
//
// Severity is assigned by the diff engines and consumed here unchanged.
// Every non-empty change record alerts; severity only affects routing and
// presentation downstream. Each alert carries explanation text: an AI
// explanation when the plan allows enrichment and the provider answers,
// otherwise a deterministic canned one.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rivalwatch/rivalwatch/pkg/diff"
	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Explainer produces a natural-language explanation for a change.
type Explainer interface {
	Explain(ctx context.Context, change monitor.ChangeRecord, targetName string) (string, error)
}

// Logger is the logging surface the engine reports enrichment failures to.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Decide maps a change record to an alert decision.
func Decide(change monitor.ChangeRecord) monitor.AlertDecision {
	return monitor.AlertDecision{
		Change:      change,
		Severity:    change.Severity,
		ShouldAlert: true,
	}
}

// Engine builds alerts, enriching them when entitled.
type Engine struct {
	explainer Explainer
	log       Logger
	now       func() time.Time
}

// NewEngine creates an engine. explainer and log may be nil.
func NewEngine(explainer Explainer, log Logger) *Engine {
	if log == nil {
		log = nopLogger{}
	}
	return &Engine{explainer: explainer, log: log, now: time.Now}
}

// BuildInput carries everything Build needs besides the decision.
type BuildInput struct {
	Target       monitor.Target
	Context      monitor.MonitoringContext
	Entitlements monitor.Entitlements
	LowTrust     bool
}

// Build creates the alert for a decision.
func (e *Engine) Build(ctx context.Context, d monitor.AlertDecision, in BuildInput) monitor.Alert {
	c := d.Change
	explanation, source := e.explain(ctx, c, in.Target.Name, in.Entitlements)

	return monitor.Alert{
		ID:          uuid.NewString(),
		UserID:      in.Target.UserID,
		TargetID:    in.Target.ID,
		ContextID:   in.Context.ID,
		Signal:      c.Signal,
		Severity:    d.Severity,
		Title:       Title(c, in.Target.Name),
		Description: explanation,
		Metadata: monitor.AlertMetadata{
			Field:             c.Field,
			Kind:              c.Kind,
			OldValue:          c.OldValue,
			NewValue:          c.NewValue,
			Magnitude:         c.Magnitude,
			Category:          c.Category,
			ContextKey:        in.Context.Key,
			Explanation:       explanation,
			ExplanationSource: source,
			LowTrust:          in.LowTrust,
			Severity:          d.Severity,
		},
		CreatedAt: e.now().UTC(),
	}
}

func (e *Engine) explain(ctx context.Context, c monitor.ChangeRecord, targetName string, ent monitor.Entitlements) (string, string) {
	if e.explainer != nil && ent.CanEnrich {
		text, err := e.explainer.Explain(ctx, c, targetName)
		switch {
		case err != nil:
			e.log.Warnf("[alert] enrichment failed for %s %s: %v", targetName, c.Field, err)
		case strings.TrimSpace(text) == "":
			e.log.Debugf("[alert] enrichment returned nothing for %s %s", targetName, c.Field)
		default:
			return strings.TrimSpace(text), monitor.ExplanationAI
		}
	}
	return Canned(c, targetName), monitor.ExplanationCanned
}

// Title is a one-line headline for a change.
func Title(c monitor.ChangeRecord, targetName string) string {
	subject := subjectOf(c.Field)
	switch c.Kind {
	case diff.KindPriceIncrease:
		return fmt.Sprintf("%s raised %s", targetName, subject)
	case diff.KindPriceDecrease:
		return fmt.Sprintf("%s cut %s", targetName, subject)
	case diff.KindPlanAdded:
		return fmt.Sprintf("%s added the %s plan", targetName, c.NewValue)
	case diff.KindPlanRemoved:
		return fmt.Sprintf("%s removed the %s plan", targetName, c.OldValue)
	case diff.KindFreeTierRemoved:
		return fmt.Sprintf("%s dropped its free tier", targetName)
	case diff.KindFreeTierAdded:
		return fmt.Sprintf("%s introduced a free tier", targetName)
	case diff.KindTechAdded:
		return fmt.Sprintf("%s started using %s", targetName, c.NewValue)
	case diff.KindTechRemoved:
		return fmt.Sprintf("%s stopped using %s", targetName, c.OldValue)
	case diff.KindThemeChanged:
		return fmt.Sprintf("%s switched to a %s theme", targetName, c.NewValue)
	case diff.KindDesignRefresh:
		return fmt.Sprintf("%s refreshed its design", targetName)
	case diff.KindDegradation:
		return fmt.Sprintf("%s performance degraded (%s)", targetName, c.Field)
	case diff.KindImprovement:
		return fmt.Sprintf("%s performance improved (%s)", targetName, c.Field)
	}
	return fmt.Sprintf("%s changed %s", targetName, subject)
}

// Canned builds a deterministic explanation from the change fields alone.
func Canned(c monitor.ChangeRecord, targetName string) string {
	subject := subjectOf(c.Field)
	switch c.Kind {
	case diff.KindPriceIncrease, diff.KindPriceDecrease:
		dir := "increased"
		if c.Kind == diff.KindPriceDecrease {
			dir = "decreased"
		}
		return fmt.Sprintf("%s %s %s from %s to %s (%.1f%%).", targetName, dir, subject, c.OldValue, c.NewValue, c.Magnitude)
	case diff.KindPlanAdded:
		return fmt.Sprintf("%s now lists a new plan: %s.", targetName, c.NewValue)
	case diff.KindPlanRemoved:
		return fmt.Sprintf("%s no longer lists the %s plan.", targetName, c.OldValue)
	case diff.KindFreeTierRemoved:
		return fmt.Sprintf("%s removed its free plan (%s). Prospects now need to pay to start.", targetName, c.OldValue)
	case diff.KindFreeTierAdded:
		return fmt.Sprintf("%s now offers a free plan (%s).", targetName, c.NewValue)
	case diff.KindPlanPromoted:
		return fmt.Sprintf("%s changed which plan it highlights: %s.", targetName, describe(c))
	case diff.KindCTAChanged:
		return fmt.Sprintf("%s changed the call to action on %s: %s.", targetName, subject, describe(c))
	case diff.KindFeaturesChanged:
		return fmt.Sprintf("%s changed the feature list of %s: %s.", targetName, subject, describe(c))
	case diff.KindRegionalDifference:
		return fmt.Sprintf("%s now shows prices in %s instead of %s for this region.", targetName, c.NewValue, c.OldValue)
	case diff.KindTechAdded:
		return fmt.Sprintf("%s added %s (%s) to its site.", targetName, c.NewValue, categoryOf(c))
	case diff.KindTechRemoved:
		return fmt.Sprintf("%s removed %s (%s) from its site.", targetName, c.OldValue, categoryOf(c))
	case diff.KindThemeChanged:
		return fmt.Sprintf("%s switched its color scheme from %s to %s.", targetName, c.OldValue, c.NewValue)
	case diff.KindDesignRefresh:
		return fmt.Sprintf("%s changed %.0f brand colors at once, which usually signals a redesign.", targetName, c.Magnitude)
	case diff.KindColorChanged, diff.KindFontsChanged, diff.KindLogoChanged:
		return fmt.Sprintf("%s changed its %s: %s.", targetName, subject, describe(c))
	case diff.KindDegradation:
		return fmt.Sprintf("%s got slower: %s went from %s to %s. This is an opening to compete on speed.", targetName, c.Field, c.OldValue, c.NewValue)
	case diff.KindImprovement:
		return fmt.Sprintf("%s got faster: %s went from %s to %s.", targetName, c.Field, c.OldValue, c.NewValue)
	}
	return fmt.Sprintf("%s changed %s: %s.", targetName, subject, describe(c))
}

func describe(c monitor.ChangeRecord) string {
	switch {
	case c.OldValue != "" && c.NewValue != "":
		return fmt.Sprintf("%s → %s", c.OldValue, c.NewValue)
	case c.NewValue != "":
		return "now " + c.NewValue
	case c.OldValue != "":
		return "was " + c.OldValue
	}
	return "updated"
}

func categoryOf(c monitor.ChangeRecord) string {
	if c.Category == "" {
		return "other"
	}
	return c.Category
}

// subjectOf renders a change field path for humans: "plans.Pro.price" is
// "the Pro price", "colors.primary" is "primary color".
func subjectOf(field string) string {
	parts := strings.Split(field, ".")
	switch {
	case len(parts) == 3 && parts[0] == "plans":
		return fmt.Sprintf("the %s %s", parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "plans":
		return fmt.Sprintf("the %s plan", parts[1])
	case len(parts) == 2 && parts[0] == "colors":
		return parts[1] + " color"
	case len(parts) == 2 && parts[0] == "technologies":
		return parts[1]
	}
	return strings.ReplaceAll(field, "_", " ")
}
