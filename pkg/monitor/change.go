package monitor

import "time"

// Severity is the urgency tier of a change.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ChangeRecord is one detected change between two snapshots.
type ChangeRecord struct {
	Signal    SignalType `json:"signal"`
	Field     string     `json:"field"`
	Kind      string     `json:"kind"`
	OldValue  string     `json:"old_value,omitempty"`
	NewValue  string     `json:"new_value,omitempty"`
	Magnitude float64    `json:"magnitude,omitempty"`
	Category  string     `json:"category,omitempty"`
	Severity  Severity   `json:"severity"`
}

// Performance summary classifications.
const (
	ClassStable      = "stable"
	ClassImprovement = "improvement"
	ClassDegradation = "degradation"
	ClassMixed       = "mixed"
)

// NoChangesSummary is the summary of a diff that found nothing.
const NoChangesSummary = "no changes"

// DiffResult is the comparison of two consecutive snapshots of one signal.
// A result with no changes never produces an alert.
type DiffResult struct {
	Signal         SignalType     `json:"signal"`
	Changes        []ChangeRecord `json:"changes"`
	Severity       Severity       `json:"severity,omitempty"`
	Summary        string         `json:"summary"`
	Classification string         `json:"classification,omitempty"`
}

// HasChanges reports whether the diff carries any change record.
func (d DiffResult) HasChanges() bool {
	return len(d.Changes) > 0
}

// StoredDiff is a persisted non-empty diff.
type StoredDiff struct {
	ID             string
	TargetID       string
	ContextID      string
	FromSnapshotID string
	ToSnapshotID   string
	Result         DiffResult
	CreatedAt      time.Time
}

// CheckRecord is everything a successful check writes. It is stored as a
// unit or not at all.
type CheckRecord struct {
	TargetID  string
	CheckedAt time.Time
	Hint      Method // stored only when set
	Snapshots []Snapshot
	Diffs     []StoredDiff
	Alerts    []Alert
}

// AlertDecision is the outcome of applying alert rules to one change.
type AlertDecision struct {
	Change      ChangeRecord
	Severity    Severity
	ShouldAlert bool
}

// Explanation sources.
const (
	ExplanationAI     = "ai"
	ExplanationCanned = "canned"
)

// AlertMetadata holds the structured details of an alert.
type AlertMetadata struct {
	Field             string   `json:"field"`
	Kind              string   `json:"kind"`
	OldValue          string   `json:"old_value,omitempty"`
	NewValue          string   `json:"new_value,omitempty"`
	Magnitude         float64  `json:"magnitude,omitempty"`
	Category          string   `json:"category,omitempty"`
	ContextKey        string   `json:"context_key,omitempty"`
	Explanation       string   `json:"explanation"`
	ExplanationSource string   `json:"explanation_source"`
	LowTrust          bool     `json:"low_trust,omitempty"`
	Severity          Severity `json:"severity"`
}

// Alert is a persisted, user-visible record of a change.
type Alert struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	TargetID    string        `json:"target_id"`
	ContextID   string        `json:"context_id"`
	Signal      SignalType    `json:"signal"`
	Severity    Severity      `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Metadata    AlertMetadata `json:"metadata"`
	Read        bool          `json:"read"`
	CreatedAt   time.Time     `json:"created_at"`
}
