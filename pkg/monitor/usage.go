package monitor

// UsageCounters are per-user daily counters. LastReset is a YYYY-MM-DD UTC date;
// counters are reset lazily when it differs from today.
type UsageCounters struct {
	UserID            string `json:"user_id"`
	CrawlsToday       int    `json:"crawls_today"`
	ManualChecksToday int    `json:"manual_checks_today"`
	LastReset         string `json:"last_reset"`
}

// Entitlements are the plan limits and feature flags.
type Entitlements struct {
	PlanID               string `mapstructure:"-"`
	MaxTargets           int    `mapstructure:"max_targets"`
	MaxContextsPerTarget int    `mapstructure:"max_contexts_per_target"`
	DailyManualCheckCap  int    `mapstructure:"daily_manual_check_cap"`
	DailyCrawlCap        int    `mapstructure:"daily_crawl_cap"`
	CanGeoAware          bool   `mapstructure:"can_geo_aware"`
	CanEvidenceCapture   bool   `mapstructure:"can_evidence_capture"`
	CanEnrich            bool   `mapstructure:"can_enrich"`
}

// Abuse flag actions.
const (
	ActionSoftBlock = "soft_block"
	ActionThrottle  = "throttle"
)

// AbuseFlag is a heuristic result for the caller to act upon.
type AbuseFlag struct {
	Kind   string `json:"kind"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}
