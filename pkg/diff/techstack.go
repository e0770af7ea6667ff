package diff

import (
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Tech stack change kinds.
const (
	KindTechAdded   = "tech_added"
	KindTechRemoved = "tech_removed"
)

// TechStack reports technologies that appeared or disappeared.
type TechStack struct{}

func (TechStack) Signal() monitor.SignalType { return monitor.SignalTechStack }

func (t TechStack) Compare(old, cur *monitor.TechData) monitor.DiffResult {
	if old == nil || cur == nil {
		return Empty(t.Signal())
	}

	oldSet := indexTech(old.Technologies)
	newSet := indexTech(cur.Technologies)

	var changes []monitor.ChangeRecord
	for _, key := range sortedKeys(newSet) {
		if _, ok := oldSet[key]; ok {
			continue
		}
		tech := newSet[key]
		changes = append(changes, monitor.ChangeRecord{
			Field:    "technologies." + tech.Name,
			Kind:     KindTechAdded,
			NewValue: tech.Name,
			Category: tech.Category,
			Severity: TechSeverity(tech.Category),
		})
	}
	for _, key := range sortedKeys(oldSet) {
		if _, ok := newSet[key]; ok {
			continue
		}
		tech := oldSet[key]
		changes = append(changes, monitor.ChangeRecord{
			Field:    "technologies." + tech.Name,
			Kind:     KindTechRemoved,
			OldValue: tech.Name,
			Category: tech.Category,
			Severity: TechSeverity(tech.Category),
		})
	}
	return finish(t.Signal(), changes)
}

// TechSeverity maps a technology category to a severity.
func TechSeverity(category string) monitor.Severity {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "payment":
		return monitor.SeverityHigh
	case "analytics", "marketing", "chat":
		return monitor.SeverityMedium
	default:
		return monitor.SeverityLow
	}
}

func indexTech(techs []monitor.Technology) map[string]monitor.Technology {
	out := make(map[string]monitor.Technology, len(techs))
	for _, t := range techs {
		key := strings.ToLower(strings.TrimSpace(t.Name))
		if key == "" {
			continue
		}
		if _, dup := out[key]; !dup {
			out[key] = t
		}
	}
	return out
}
