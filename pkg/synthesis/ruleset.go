// Package synthesis collapses the active-signal set and lifecycle state into
// an account posture via a versioned, priority-ordered rule set. Evaluation
// is deterministic: the same ruleset, signals, and lifecycle state always
// produce the same posture, factor ids, and input fingerprints.
package synthesis

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Predicate is one property check on a signal. Field addresses createdAt or a
// context.*/metadata.* path.
type Predicate struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Operators supported by property predicates.
const (
	OpEquals          = "equals"
	OpGreaterThan     = "greater_than"
	OpLessThan        = "less_than"
	OpLessThanOrEqual = "less_than_or_equal"
	OpWithinLastDays  = "within_last_days"
	OpIn              = "in"
	OpExists          = "exists"
	OpNotExists       = "not_exists"
)

// RequiredSignal is one conjunct of a rule: a signal type that must be ACTIVE,
// optionally with predicates at least one matching signal must satisfy.
type RequiredSignal struct {
	Type  contracts.SignalType `yaml:"type" json:"type"`
	Where []Predicate          `yaml:"where,omitempty" json:"where,omitempty"`
}

// ComputedPredicate names a built-in check evaluated over the engagement
// window rather than a single signal.
type ComputedPredicate struct {
	Predicate string `yaml:"predicate" json:"predicate"`
	Days      int    `yaml:"days" json:"days"`
}

const (
	ComputedNoEngagementInDays  = "no_engagement_in_days"
	ComputedHasEngagementInDays = "has_engagement_in_days"
)

// Factor declares one output factor; its id is derived, never authored.
type Factor struct {
	Subtype string `yaml:"subtype" json:"subtype"`
	Summary string `yaml:"summary,omitempty" json:"summary,omitempty"`
}

// Rule is one synthesis rule. Lower priority evaluates first; rule_id breaks
// ties.
type Rule struct {
	RuleID          string                    `yaml:"rule_id" json:"rule_id"`
	Priority        int                       `yaml:"priority" json:"priority"`
	LifecycleState  *contracts.LifecycleState `yaml:"lifecycle_state,omitempty" json:"lifecycle_state,omitempty"`
	RequiredSignals []RequiredSignal          `yaml:"required_signals,omitempty" json:"required_signals,omitempty"`
	ExcludedSignals []contracts.SignalType    `yaml:"excluded_signals,omitempty" json:"excluded_signals,omitempty"`
	Computed        []ComputedPredicate       `yaml:"computed,omitempty" json:"computed,omitempty"`
	Posture         contracts.Posture         `yaml:"posture" json:"posture"`
	Momentum        contracts.Momentum        `yaml:"momentum" json:"momentum"`
	RiskFactors     []Factor                  `yaml:"risk_factors,omitempty" json:"risk_factors,omitempty"`
	Opportunities   []Factor                  `yaml:"opportunities,omitempty" json:"opportunities,omitempty"`
	Unknowns        []Factor                  `yaml:"unknowns,omitempty" json:"unknowns,omitempty"`
	EvidenceSignals []contracts.SignalType    `yaml:"evidence_signals,omitempty" json:"evidence_signals,omitempty"`
	TTLSeconds      *int                      `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
}

// Ruleset is one versioned rule file.
type Ruleset struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

var validPostures = map[contracts.Posture]bool{
	contracts.PostureOK:      true,
	contracts.PostureWatch:   true,
	contracts.PostureAtRisk:  true,
	contracts.PostureExpand:  true,
	contracts.PostureDormant: true,
}

var validMomentum = map[contracts.Momentum]bool{
	contracts.MomentumUp:   true,
	contracts.MomentumFlat: true,
	contracts.MomentumDown: true,
}

func (rs *Ruleset) validate() error {
	if rs.Version == "" {
		return taxonomy.New(taxonomy.CodeConfig, "ruleset missing version")
	}
	seen := map[string]bool{}
	for _, r := range rs.Rules {
		if r.RuleID == "" {
			return taxonomy.New(taxonomy.CodeConfig, "ruleset %s: rule missing rule_id", rs.Version)
		}
		if seen[r.RuleID] {
			return taxonomy.New(taxonomy.CodeConfig, "ruleset %s: duplicate rule_id %q", rs.Version, r.RuleID)
		}
		seen[r.RuleID] = true
		if !validPostures[r.Posture] {
			return taxonomy.New(taxonomy.CodeConfig, "ruleset %s: rule %s has invalid posture %q", rs.Version, r.RuleID, r.Posture)
		}
		if !validMomentum[r.Momentum] {
			return taxonomy.New(taxonomy.CodeConfig, "ruleset %s: rule %s has invalid momentum %q", rs.Version, r.RuleID, r.Momentum)
		}
		for _, c := range r.Computed {
			if c.Predicate != ComputedNoEngagementInDays && c.Predicate != ComputedHasEngagementInDays {
				return taxonomy.New(taxonomy.CodeConfig, "ruleset %s: rule %s has unknown computed predicate %q", rs.Version, r.RuleID, c.Predicate)
			}
		}
	}
	return nil
}

// sorted returns the rules in evaluation order: priority asc, rule_id asc.
func (rs *Ruleset) sorted() []Rule {
	rules := append([]Rule(nil), rs.Rules...)
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].RuleID < rules[j].RuleID
	})
	return rules
}

// Catalog loads rulesets from a directory (one v<version>.yaml per version)
// with a process-wide cache.
type Catalog struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Ruleset
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir, cache: make(map[string]*Ruleset)}
}

// Load resolves a ruleset version. An unknown version is an INVARIANT
// violation: synthesis must fail loudly, never fall back.
func (c *Catalog) Load(version string) (*Ruleset, error) {
	c.mu.RLock()
	rs, hit := c.cache[version]
	c.mu.RUnlock()
	if hit {
		return rs, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, hit = c.cache[version]; hit {
		return rs, nil
	}

	path := filepath.Join(c.dir, fmt.Sprintf("v%s.yaml", version))
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, taxonomy.New(taxonomy.CodeInvariant, "unknown ruleset version %q", version)
		}
		return nil, taxonomy.Wrap(taxonomy.CodeConfig, err, "read ruleset %s", path)
	}

	var loaded Ruleset
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, taxonomy.Wrap(taxonomy.CodeConfig, err, "parse ruleset %s", path)
	}
	if loaded.Version != version {
		return nil, taxonomy.New(taxonomy.CodeConfig,
			"ruleset file %s declares version %q", path, loaded.Version)
	}
	if err := loaded.validate(); err != nil {
		return nil, err
	}

	c.cache[version] = &loaded
	return &loaded, nil
}

// ClearCache drops cached rulesets; the next Load re-reads from disk.
func (c *Catalog) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*Ruleset)
}
