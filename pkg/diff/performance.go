package diff

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rivalwatch/rivalwatch/pkg/monitor"
)

// Performance change kinds.
const (
	KindImprovement = "improvement"
	KindDegradation = "degradation"
)

// Thresholds for a performance move to count.
const (
	ScoreThreshold = 10.0
	LCPThreshold   = 1000.0
	CLSThreshold   = 0.1

	highScoreDrop = 20.0
	epsilon       = 1e-9
)

// Performance compares the overall score and Core Web Vitals.
type Performance struct{}

func (Performance) Signal() monitor.SignalType { return monitor.SignalPerformance }

type metric struct {
	field      string
	old, cur   *float64
	threshold  float64
	higherGood bool
}

func (p Performance) Compare(old, cur *monitor.PerformanceData) monitor.DiffResult {
	if old == nil || cur == nil {
		res := Empty(p.Signal())
		res.Classification = monitor.ClassStable
		return res
	}

	metrics := []metric{
		{field: "score", old: old.Score, cur: cur.Score, threshold: ScoreThreshold, higherGood: true},
		{field: "lcp_ms", old: old.LCPMs, cur: cur.LCPMs, threshold: LCPThreshold},
		{field: "cls", old: old.CLS, cur: cur.CLS, threshold: CLSThreshold},
	}

	var changes []monitor.ChangeRecord
	var improved, degraded int
	for _, m := range metrics {
		if m.old == nil || m.cur == nil {
			continue
		}
		delta := *m.cur - *m.old
		if math.Abs(delta) < m.threshold-epsilon {
			continue
		}
		better := delta < 0
		if m.higherGood {
			better = delta > 0
		}
		rec := monitor.ChangeRecord{
			Field:     m.field,
			OldValue:  formatMetric(*m.old),
			NewValue:  formatMetric(*m.cur),
			Magnitude: roundTo(math.Abs(delta), 3),
		}
		if better {
			improved++
			rec.Kind = KindImprovement
			rec.Severity = monitor.SeverityLow
		} else {
			degraded++
			rec.Kind = KindDegradation
			rec.Severity = monitor.SeverityMedium
			if m.field == "score" && math.Abs(delta) >= highScoreDrop-epsilon {
				rec.Severity = monitor.SeverityHigh
			}
		}
		changes = append(changes, rec)
	}

	res := finish(p.Signal(), changes)
	switch {
	case improved > 0 && degraded > 0:
		res.Classification = monitor.ClassMixed
		res.Summary = fmt.Sprintf("mixed performance: %d improved, %d degraded", improved, degraded)
	case degraded > 0:
		res.Classification = monitor.ClassDegradation
		res.Summary = fmt.Sprintf("opportunity: competitor performance degraded on %d metric(s)", degraded)
	case improved > 0:
		res.Classification = monitor.ClassImprovement
		res.Summary = fmt.Sprintf("competitor performance improved on %d metric(s)", improved)
	default:
		res.Classification = monitor.ClassStable
	}
	return res
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
