package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/signal"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

const maxEvidence = 10

// Engine evaluates the versioned ruleset against an account's active signals.
type Engine struct {
	catalog    *Catalog
	reader     signal.SignalReader
	predicates *predicateEvaluator
	version    string
	logger     *slog.Logger
}

func NewEngine(catalog *Catalog, reader signal.SignalReader, version string) (*Engine, error) {
	pe, err := newPredicateEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		catalog:    catalog,
		reader:     reader,
		predicates: pe,
		version:    version,
		logger:     slog.Default().With("component", "synthesis"),
	}, nil
}

// Synthesize runs the full evaluation for one account at eventTime.
//
// Rules evaluate in (priority asc, rule_id asc) order and the first match
// wins. No rule matching is a fatal INVARIANT, not a default posture: a
// ruleset that cannot classify an account is a broken ruleset.
func (e *Engine) Synthesize(ctx context.Context, tenantID, accountID string, eventTime time.Time) (contracts.AccountPostureState, error) {
	active, err := e.reader.GetSignalsForAccount(ctx, tenantID, accountID, signal.Filter{})
	if err != nil {
		return contracts.AccountPostureState{}, fmt.Errorf("synthesize: load signals: %w", err)
	}
	account, err := e.reader.GetAccountState(ctx, tenantID, accountID)
	if err != nil {
		return contracts.AccountPostureState{}, fmt.Errorf("synthesize: load account: %w", err)
	}
	lifecycle := account.CurrentLifecycleState
	if lifecycle == "" {
		lifecycle = contracts.LifecycleProspect
	}

	ruleset, err := e.catalog.Load(e.version)
	if err != nil {
		return contracts.AccountPostureState{}, err
	}

	for _, rule := range ruleset.sorted() {
		if rule.LifecycleState != nil && *rule.LifecycleState != lifecycle {
			continue
		}
		matched, err := e.ruleMatches(rule, account, active, eventTime)
		if err != nil {
			return contracts.AccountPostureState{}, fmt.Errorf("synthesize: rule %s: %w", rule.RuleID, err)
		}
		if matched {
			return e.compose(tenantID, accountID, lifecycle, ruleset, rule, active, eventTime)
		}
	}
	return contracts.AccountPostureState{}, taxonomy.New(taxonomy.CodeInvariant,
		"no synthesis rule matched account %s (lifecycle %s, ruleset %s)", accountID, lifecycle, ruleset.Version)
}

func (e *Engine) ruleMatches(rule Rule, account contracts.AccountState, active []contracts.Signal, eventTime time.Time) (bool, error) {
	byType := map[contracts.SignalType][]contracts.Signal{}
	for _, sig := range active {
		byType[sig.Type] = append(byType[sig.Type], sig)
	}

	for _, excluded := range rule.ExcludedSignals {
		if len(byType[excluded]) > 0 {
			return false, nil
		}
	}

	for _, required := range rule.RequiredSignals {
		candidates := byType[required.Type]
		if len(candidates) == 0 {
			return false, nil
		}
		if len(required.Where) == 0 {
			continue
		}
		satisfied := false
		for _, candidate := range candidates {
			ok, err := e.predicates.matches(candidate, eventTime, required.Where)
			if err != nil {
				return false, err
			}
			if ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false, nil
		}
	}

	for _, computed := range rule.Computed {
		engaged := engagementInWindow(account, active, eventTime, computed.Days)
		switch computed.Predicate {
		case ComputedNoEngagementInDays:
			if engaged {
				return false, nil
			}
		case ComputedHasEngagementInDays:
			if !engaged {
				return false, nil
			}
		}
	}
	return true, nil
}

// engagementInWindow reports whether any engagement-class evidence falls in
// [eventTime - days, eventTime]: either the account's last-engagement fact or
// an active FIRST_ENGAGEMENT_OCCURRED signal.
func engagementInWindow(account contracts.AccountState, active []contracts.Signal, eventTime time.Time, days int) bool {
	floor := eventTime.Add(-time.Duration(days) * 24 * time.Hour)
	if account.LastEngagementAt != nil &&
		!account.LastEngagementAt.Before(floor) && !account.LastEngagementAt.After(eventTime) {
		return true
	}
	for _, sig := range active {
		if sig.Type != contracts.SignalFirstEngagementOccurred {
			continue
		}
		if !sig.CreatedAt.Before(floor) && !sig.CreatedAt.After(eventTime) {
			return true
		}
	}
	return false
}

func (e *Engine) compose(tenantID, accountID string, lifecycle contracts.LifecycleState,
	ruleset *Ruleset, rule Rule, active []contracts.Signal, eventTime time.Time) (contracts.AccountPostureState, error) {

	ids := make([]string, 0, len(active))
	for _, sig := range active {
		ids = append(ids, sig.SignalID)
	}
	sort.Strings(ids)
	signalsHash, err := canon.HashStrings(ids)
	if err != nil {
		return contracts.AccountPostureState{}, fmt.Errorf("synthesize: signals hash: %w", err)
	}
	inputsHash, err := canon.Hash(struct {
		ActiveSignalsHash string `json:"active_signals_hash"`
		LifecycleState    string `json:"lifecycle_state"`
		RulesetVersion    string `json:"ruleset_version"`
	}{signalsHash, string(lifecycle), ruleset.Version})
	if err != nil {
		return contracts.AccountPostureState{}, fmt.Errorf("synthesize: inputs hash: %w", err)
	}

	evidenceIDs, evidenceRefs := selectEvidence(rule, active)

	state := contracts.AccountPostureState{
		TenantID:          tenantID,
		AccountID:         accountID,
		Posture:           rule.Posture,
		Momentum:          rule.Momentum,
		RiskFactors:       factors(tenantID, accountID, ruleset.Version, "risk", rule.RiskFactors, rule.RuleID),
		Opportunities:     factors(tenantID, accountID, ruleset.Version, "opportunity", rule.Opportunities, rule.RuleID),
		Unknowns:          factors(tenantID, accountID, ruleset.Version, "unknown", rule.Unknowns, rule.RuleID),
		EvidenceSignalIDs: evidenceIDs,
		EvidenceRefs:      evidenceRefs,
		ActiveSignalsHash: signalsHash,
		InputsHash:        inputsHash,
		RulesetVersion:    ruleset.Version,
		RuleID:            rule.RuleID,
		EvaluatedAt:       eventTime,
		TTLSeconds:        rule.TTLSeconds,
	}
	e.logger.Debug("synthesized posture",
		"account_id", accountID, "rule_id", rule.RuleID, "posture", state.Posture)
	return state, nil
}

// factors derives deterministic ids: the same rule on the same account under
// the same ruleset always names the same factor.
func factors(tenantID, accountID, version, kind string, declared []Factor, ruleID string) []contracts.PostureFactor {
	out := make([]contracts.PostureFactor, 0, len(declared))
	for _, f := range declared {
		id, err := canon.HashStrings([]string{tenantID, accountID, version, kind, f.Subtype, ruleID})
		if err != nil {
			continue
		}
		out = append(out, contracts.PostureFactor{ID: id, Type: f.Subtype, Summary: f.Summary})
	}
	return out
}

// selectEvidence resolves declared evidence types to at most 10 signal ids
// per type, unions and sorts them, caps at 10, then collects their refs
// deduped by content hash.
func selectEvidence(rule Rule, active []contracts.Signal) ([]string, []contracts.EvidenceRef) {
	byType := map[contracts.SignalType][]contracts.Signal{}
	for _, sig := range active {
		byType[sig.Type] = append(byType[sig.Type], sig)
	}
	refByID := map[string]contracts.EvidenceRef{}

	union := map[string]bool{}
	for _, typ := range rule.EvidenceSignals {
		candidates := byType[typ]
		if len(candidates) > maxEvidence {
			candidates = candidates[:maxEvidence]
		}
		for _, sig := range candidates {
			union[sig.SignalID] = true
			refByID[sig.SignalID] = sig.Evidence
		}
	}

	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > maxEvidence {
		ids = ids[:maxEvidence]
	}

	var refs []contracts.EvidenceRef
	seenSHA := map[string]bool{}
	for _, id := range ids {
		ref := refByID[id]
		if seenSHA[ref.SHA256] {
			continue
		}
		seenSHA[ref.SHA256] = true
		refs = append(refs, ref)
		if len(refs) == maxEvidence {
			break
		}
	}
	return ids, refs
}
