// Package config loads engine configuration from the environment plus an
// optional YAML profile, and validates it at load time. Unknown ruleset
// versions and malformed weights are CONFIG errors, never silent defaults.
package config

import (
	"os"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Config holds runtime configuration.
type Config struct {
	LogLevel       string
	DatabasePath   string
	RedisAddr      string
	EvidenceBucket string
	AWSRegion      string
	S3Endpoint     string
	RulesetDir     string
	RulesetVersion string

	Profile Profile
}

// Load reads environment variables and the profile file named by
// LIFECYCLE_PROFILE (defaulting to built-in values when unset).
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabasePath:   envOr("DATABASE_PATH", "lifecycle.db"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		EvidenceBucket: envOr("EVIDENCE_BUCKET", "lifecycle-evidence"),
		AWSRegion:      envOr("AWS_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		RulesetDir:     envOr("RULESET_DIR", "rulesets"),
		RulesetVersion: envOr("RULESET_VERSION", "1"),
	}

	if path := os.Getenv("LIFECYCLE_PROFILE"); path != "" {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.Profile = *p
	} else {
		cfg.Profile = DefaultProfile()
	}

	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// HeatWeights are the linear combiner weights; they must sum to 1.0.
type HeatWeights struct {
	Posture float64 `yaml:"posture" json:"posture"`
	Recency float64 `yaml:"recency" json:"recency"`
	Volume  float64 `yaml:"volume" json:"volume"`
}

// TierPolicy configures one heat tier.
type TierPolicy struct {
	Cadence              time.Duration       `yaml:"cadence" json:"cadence"`
	DefaultDepth         contracts.PullDepth `yaml:"default_depth" json:"default_depth"`
	DemotionCooldownHrs  int                 `yaml:"demotion_cooldown_hours" json:"demotion_cooldown_hours"`
}

// PullBudget holds daily caps; 0 disables a cap.
type PullBudget struct {
	MaxPerDay             int64 `yaml:"max_per_day" json:"max_per_day"`
	MaxPerConnectorPerDay int64 `yaml:"max_per_connector_per_day" json:"max_per_connector_per_day"`
}

// DecisionPolicy bounds decision runs per (tenant, account) window. Each run
// consumes UnitsPerRun against MaxUnitsPerWindow in addition to the run count
// cap; either cap exhausting defers the run.
type DecisionPolicy struct {
	Window            time.Duration `yaml:"window" json:"window"`
	MaxRunsPerWindow  int           `yaml:"max_runs_per_window" json:"max_runs_per_window"`
	MaxUnitsPerWindow int64         `yaml:"max_units_per_window" json:"max_units_per_window"`
	UnitsPerRun       int64         `yaml:"units_per_run" json:"units_per_run"`
	DeferDelay        time.Duration `yaml:"defer_delay" json:"defer_delay"`
	RPM               int           `yaml:"rpm" json:"rpm"`
	Burst             int           `yaml:"burst" json:"burst"`
}

// AutonomyPolicy maps action types to approval modes. Action types absent
// from Modes use Default. MaxAutoApprovalsPerDay caps AUTO self-approvals per
// tenant per UTC day; past the cap AUTO degrades to APPROVAL_REQUIRED.
type AutonomyPolicy struct {
	Default                contracts.AutonomyMode            `yaml:"default" json:"default"`
	Modes                  map[string]contracts.AutonomyMode `yaml:"modes" json:"modes"`
	MaxAutoApprovalsPerDay int64                             `yaml:"max_auto_approvals_per_day" json:"max_auto_approvals_per_day"`
}

// ModeFor returns the autonomy mode governing an action type.
func (a AutonomyPolicy) ModeFor(actionType string) contracts.AutonomyMode {
	if m, ok := a.Modes[actionType]; ok {
		return m
	}
	return a.Default
}

// RetryPolicy configures transient-error retries in the tool invoker.
type RetryPolicy struct {
	Attempts       int           `yaml:"attempts" json:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	Factor         int           `yaml:"factor" json:"factor"`
	MaxJitter      time.Duration `yaml:"max_jitter" json:"max_jitter"`
}

// Profile is the tunable-policy half of configuration.
type Profile struct {
	HeatWeights         HeatWeights                          `yaml:"heat_weights" json:"heat_weights"`
	DepthUnits          map[contracts.PullDepth]int          `yaml:"depth_units" json:"depth_units"`
	PullBudget          PullBudget                           `yaml:"pull_budget" json:"pull_budget"`
	TierPolicy          map[contracts.HeatTier]TierPolicy    `yaml:"tier_policy" json:"tier_policy"`
	SignalTTLDays       map[contracts.SignalType]*int        `yaml:"signal_ttl_days" json:"signal_ttl_days"`
	StateMachineTimeout time.Duration                        `yaml:"state_machine_timeout" json:"state_machine_timeout"`
	Retry               RetryPolicy                          `yaml:"retry" json:"retry"`
	Decision            DecisionPolicy                       `yaml:"decision" json:"decision"`
	Autonomy            AutonomyPolicy                       `yaml:"autonomy" json:"autonomy"`
}

func intPtr(v int) *int { return &v }

// DefaultProfile returns the documented default policy.
func DefaultProfile() Profile {
	return Profile{
		HeatWeights: HeatWeights{Posture: 0.5, Recency: 0.3, Volume: 0.2},
		DepthUnits: map[contracts.PullDepth]int{
			contracts.DepthShallow: 1,
			contracts.DepthDeep:    3,
		},
		PullBudget: PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 25},
		TierPolicy: map[contracts.HeatTier]TierPolicy{
			contracts.TierHot:  {Cadence: time.Hour, DefaultDepth: contracts.DepthDeep, DemotionCooldownHrs: 4},
			contracts.TierWarm: {Cadence: 6 * time.Hour, DefaultDepth: contracts.DepthShallow, DemotionCooldownHrs: 24},
			contracts.TierCold: {Cadence: 72 * time.Hour, DefaultDepth: contracts.DepthShallow, DemotionCooldownHrs: 48},
		},
		SignalTTLDays: map[contracts.SignalType]*int{
			contracts.SignalAccountActivationDetected: intPtr(30),
			contracts.SignalNoEngagementPresent:       intPtr(30),
			contracts.SignalFirstEngagementOccurred:   nil, // permanent
			contracts.SignalDiscoveryProgressStalled:  intPtr(14),
			contracts.SignalStakeholderGapDetected:    intPtr(30),
			contracts.SignalUsageTrendChange:          intPtr(14),
			contracts.SignalSupportRiskEmerging:       intPtr(14),
			contracts.SignalRenewalWindowEntered:      intPtr(90),
			contracts.SignalActionExecuted:            intPtr(30),
			contracts.SignalActionFailed:              intPtr(30),
		},
		StateMachineTimeout: time.Hour,
		Decision: DecisionPolicy{
			Window:            time.Hour,
			MaxRunsPerWindow:  4,
			MaxUnitsPerWindow: 20,
			UnitsPerRun:       5,
			DeferDelay:        15 * time.Minute,
			RPM:               60,
			Burst:             10,
		},
		Autonomy: AutonomyPolicy{
			Default: contracts.AutonomyApprovalRequired,
			Modes: map[string]contracts.AutonomyMode{
				"create_crm_task":      contracts.AutonomyAuto,
				"send_followup_email":  contracts.AutonomyAuto,
				"schedule_health_call": contracts.AutonomyApprovalRequired,
				"adjust_contract":      contracts.AutonomyBlocked,
			},
			MaxAutoApprovalsPerDay: 20,
		},
		Retry: RetryPolicy{
			Attempts:       3,
			InitialBackoff: 2 * time.Second,
			Factor:         2,
			MaxJitter:      250 * time.Millisecond,
		},
	}
}

// Validate rejects profiles that would make scheduling or scoring undefined.
func (p Profile) Validate() error {
	sum := p.HeatWeights.Posture + p.HeatWeights.Recency + p.HeatWeights.Volume
	if sum < 0.999 || sum > 1.001 {
		return taxonomy.New(taxonomy.CodeConfig,
			"heat_weights must sum to 1.0, got %.3f", sum)
	}
	for depth, units := range p.DepthUnits {
		if units <= 0 {
			return taxonomy.New(taxonomy.CodeConfig, "depth_units[%s] must be positive", depth)
		}
	}
	for tier, tp := range p.TierPolicy {
		if tp.Cadence <= 0 {
			return taxonomy.New(taxonomy.CodeConfig, "tier_policy[%s].cadence must be positive", tier)
		}
		if tp.DefaultDepth != contracts.DepthShallow && tp.DefaultDepth != contracts.DepthDeep {
			return taxonomy.New(taxonomy.CodeConfig, "tier_policy[%s].default_depth invalid: %s", tier, tp.DefaultDepth)
		}
	}
	if p.StateMachineTimeout <= 0 {
		return taxonomy.New(taxonomy.CodeConfig, "state_machine_timeout must be positive")
	}
	if p.Retry.Attempts < 1 || p.Retry.Factor < 1 || p.Retry.InitialBackoff <= 0 {
		return taxonomy.New(taxonomy.CodeConfig, "retry policy invalid: %+v", p.Retry)
	}
	if p.Decision.Window <= 0 || p.Decision.UnitsPerRun <= 0 {
		return taxonomy.New(taxonomy.CodeConfig, "decision policy invalid: %+v", p.Decision)
	}
	switch p.Autonomy.Default {
	case contracts.AutonomyAuto, contracts.AutonomyApprovalRequired, contracts.AutonomyBlocked:
	default:
		return taxonomy.New(taxonomy.CodeConfig, "autonomy default mode invalid: %s", p.Autonomy.Default)
	}
	for actionType, mode := range p.Autonomy.Modes {
		switch mode {
		case contracts.AutonomyAuto, contracts.AutonomyApprovalRequired, contracts.AutonomyBlocked:
		default:
			return taxonomy.New(taxonomy.CodeConfig, "autonomy mode for %s invalid: %s", actionType, mode)
		}
	}
	return nil
}

// TTLFor returns the configured TTL days for a signal type; nil means
// permanent. Unlisted types default to 30 days.
func (p Profile) TTLFor(t contracts.SignalType) *int {
	if ttl, ok := p.SignalTTLDays[t]; ok {
		return ttl
	}
	return intPtr(30)
}

// UnitsFor returns the budget units consumed by a pull depth.
func (p Profile) UnitsFor(depth contracts.PullDepth) int {
	if u, ok := p.DepthUnits[depth]; ok {
		return u
	}
	if depth == contracts.DepthDeep {
		return 3
	}
	return 1
}
