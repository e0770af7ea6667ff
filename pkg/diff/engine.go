// Package diff compares consecutive snapshots of one signal and classifies
// the differences. Every engine is pure and nil-safe: a nil old value is a
// baseline and yields no changes.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Engine compares two typed payloads of one signal.
type Engine[T any] interface {
	Signal() monitor.SignalType
	Compare(old, cur *T) monitor.DiffResult
}

// SnapshotComparer compares two snapshots regardless of payload type.
type SnapshotComparer interface {
	Signal() monitor.SignalType
	CompareSnapshots(old *monitor.Snapshot, cur monitor.Snapshot) (monitor.DiffResult, error)
}

type snapshotEngine[T any] struct {
	engine Engine[T]
}

// Adapt wraps a typed engine so it can compare raw snapshots.
func Adapt[T any](e Engine[T]) SnapshotComparer {
	return snapshotEngine[T]{engine: e}
}

func (s snapshotEngine[T]) Signal() monitor.SignalType { return s.engine.Signal() }

func (s snapshotEngine[T]) CompareSnapshots(old *monitor.Snapshot, cur monitor.Snapshot) (monitor.DiffResult, error) {
	if cur.Signal != "" && cur.Signal != s.Signal() {
		return monitor.DiffResult{}, fmt.Errorf("diff: %s engine got %s snapshot", s.Signal(), cur.Signal)
	}
	if old != nil && old.ContentHash != "" && old.ContentHash == cur.ContentHash {
		return Empty(s.Signal()), nil
	}

	next, err := decode[T](cur.Payload)
	if err != nil {
		return monitor.DiffResult{}, fmt.Errorf("diff: decode current %s payload: %w", s.Signal(), err)
	}
	var prev *T
	if old != nil {
		prev, err = decode[T](old.Payload)
		if err != nil {
			return monitor.DiffResult{}, fmt.Errorf("diff: decode prior %s payload: %w", s.Signal(), err)
		}
	}
	return s.engine.Compare(prev, next), nil
}

func decode[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Registry maps each signal to its comparer.
type Registry map[monitor.SignalType]SnapshotComparer

// Default returns the four standard engines.
func Default() Registry {
	r := Registry{}
	for _, c := range []SnapshotComparer{
		Adapt[monitor.PricingData](Pricing{}),
		Adapt[monitor.TechData](TechStack{}),
		Adapt[monitor.BrandingData](Branding{}),
		Adapt[monitor.PerformanceData](Performance{}),
	} {
		r[c.Signal()] = c
	}
	return r
}

// Empty is the result of a comparison that found nothing.
func Empty(signal monitor.SignalType) monitor.DiffResult {
	return monitor.DiffResult{
		Signal:  signal,
		Changes: []monitor.ChangeRecord{},
		Summary: monitor.NoChangesSummary,
	}
}

// finish fills in the overall severity and a default summary.
func finish(signal monitor.SignalType, changes []monitor.ChangeRecord) monitor.DiffResult {
	if len(changes) == 0 {
		return Empty(signal)
	}
	res := monitor.DiffResult{Signal: signal, Changes: changes}
	counts := map[monitor.Severity]int{}
	for i := range changes {
		changes[i].Signal = signal
		res.Severity = monitor.MaxSeverity(res.Severity, changes[i].Severity)
		counts[changes[i].Severity]++
	}
	parts := []string{}
	for _, sev := range []monitor.Severity{monitor.SeverityHigh, monitor.SeverityMedium, monitor.SeverityLow} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
		}
	}
	noun := "changes"
	if len(changes) == 1 {
		noun = "change"
	}
	res.Summary = fmt.Sprintf("%d %s %s (%s)", len(changes), signal, noun, strings.Join(parts, ", "))
	return res
}

// normalizedSet lowercases, trims and deduplicates values. The returned map
// points back at the first original spelling.
func normalizedSet(values []string) map[string]string {
	out := make(map[string]string, len(values))
	for _, v := range values {
		k := strings.ToLower(strings.TrimSpace(v))
		if k == "" {
			continue
		}
		if _, ok := out[k]; !ok {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameSet(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func joinSet(m map[string]string) string {
	keys := sortedKeys(m)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return strings.Join(vals, ", ")
}
