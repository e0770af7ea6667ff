package monitor

import (
	"encoding/json"
	"time"
)

// TargetStatus is the lifecycle state of a monitored target.
type TargetStatus string

const (
	StatusActive TargetStatus = "active"
	StatusPaused TargetStatus = "paused"
	StatusError  TargetStatus = "error"
)

// Method is the extraction method used to capture a page.
type Method string

const (
	MethodLightweight Method = "lightweight"
	MethodRichRender  Method = "rich_render"
)

// Target represents a competitor website owned by a user.
type Target struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	Name                string       `json:"name"`
	URL                 string       `json:"url"`
	Domain              string       `json:"domain"`
	Status              TargetStatus `json:"status"`
	ScraperHint         Method       `json:"scraper_hint,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCheckedAt       *time.Time   `json:"last_checked_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// MonitoringContext is a locale/region under which targets are inspected.
// It is reference data and never mutated by the engine.
type MonitoringContext struct {
	ID                    string `json:"id"`
	Key                   string `json:"key"`
	Name                  string `json:"name"`
	RequiresRichRendering bool   `json:"requires_rich_rendering"`
	IsDefault             bool   `json:"is_default"`
	Position              int    `json:"position"`
}

// Snapshot is an immutable capture of one signal for a (target, context) pair.
type Snapshot struct {
	ID           string          `json:"id"`
	TargetID     string          `json:"target_id"`
	ContextID    string          `json:"context_id"`
	Signal       SignalType      `json:"signal"`
	Method       Method          `json:"method"`
	ContentHash  string          `json:"content_hash"`
	Payload      json.RawMessage `json:"payload"`
	EvidencePath string          `json:"evidence_path,omitempty"`
	CapturedAt   time.Time       `json:"captured_at"`
}

// WorkItem is one scheduled (target, context) unit of work. Not persisted.
type WorkItem struct {
	TargetID    string
	TargetURL   string
	TargetName  string
	UserID      string
	PlanID      string
	Context     MonitoringContext
	ScraperHint Method
	Manual      bool
}

// TargetWithPlan is an active target joined with its owner's plan.
type TargetWithPlan struct {
	Target
	PlanID string
}

// User is the owner of targets. Only the plan matters to the engine.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	PlanID    string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}
