package scheduler

import "time"

// Decay thresholds in days since the last detected change.
const (
	decayStaleDays = 30
	decayColdDays  = 90
)

// EnqueueProbability is the chance a pair is checked this run. Pairs that
// never changed, or changed within 30 days, are always checked.
func EnqueueProbability(lastChange time.Time, changed bool, now time.Time) float64 {
	if !changed {
		return 1.0
	}
	return DecayProbability(int(now.Sub(lastChange).Hours() / 24))
}

// DecayProbability maps whole days since the last change to a probability.
func DecayProbability(daysSinceChange int) float64 {
	switch {
	case daysSinceChange > decayColdDays:
		return 0.25
	case daysSinceChange > decayStaleDays:
		return 0.5
	}
	return 1.0
}
