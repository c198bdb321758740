package synthesis_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
	"github.com/rpaturu/cc-native-sub003/pkg/signal"
	"github.com/rpaturu/cc-native-sub003/pkg/synthesis"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const rulesV1 = `
version: "1"
rules:
  - rule_id: at-risk-support
    priority: 10
    required_signals:
      - type: SUPPORT_RISK_EMERGING
        where:
          - field: context.score
            operator: greater_than
            value: 5
    posture: AT_RISK
    momentum: DOWN
    risk_factors:
      - subtype: support
        summary: support load is climbing
    evidence_signals: [SUPPORT_RISK_EMERGING]
    ttl_seconds: 3600
  - rule_id: dormant-prospect
    priority: 20
    lifecycle_state: PROSPECT
    excluded_signals: [FIRST_ENGAGEMENT_OCCURRED]
    computed:
      - predicate: no_engagement_in_days
        days: 30
    posture: DORMANT
    momentum: FLAT
    unknowns:
      - subtype: engagement
        summary: no engagement observed
  - rule_id: steady-state
    priority: 100
    posture: OK
    momentum: FLAT
`

func writeRuleset(t *testing.T, contents string) *synthesis.Catalog {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v1.yaml"), []byte(contents), 0o644))
	return synthesis.NewCatalog(dir)
}

func fixture(t *testing.T) (*synthesis.Engine, *signal.SQLiteStore) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := signal.NewSQLiteStore(db, clock.NewFake(epoch))
	require.NoError(t, err)

	engine, err := synthesis.NewEngine(writeRuleset(t, rulesV1), store, "1")
	require.NoError(t, err)
	return engine, store
}

func seed(t *testing.T, store *signal.SQLiteStore, typ contracts.SignalType, windowKey string, ctxData map[string]any) contracts.Signal {
	t.Helper()
	dedupe, err := detect.DedupeKey("acct-1", typ, windowKey, "sha-"+windowKey)
	require.NoError(t, err)
	ttl := 30
	res, err := store.CreateSignal(context.Background(), contracts.Signal{
		SignalID:         detect.SignalID(dedupe),
		TenantID:         "t1",
		AccountID:        "acct-1",
		Type:             typ,
		Status:           contracts.SignalActive,
		Confidence:       0.8,
		ConfidenceSource: contracts.ConfidenceDerived,
		Severity:         contracts.SeverityMedium,
		TTLDays:          &ttl,
		WindowKey:        windowKey,
		DedupeKey:        dedupe,
		Evidence:         contracts.EvidenceRef{URI: "s3://b/" + windowKey, SHA256: "sha-" + windowKey, CapturedAt: epoch},
		DetectorVersion:  "1",
		InferenceActive:  true,
		Context:          ctxData,
		CreatedAt:        epoch,
	})
	require.NoError(t, err)
	return res.Signal
}

func TestFirstMatchWinsByPriority(t *testing.T) {
	engine, store := fixture(t)
	ctx := context.Background()

	seed(t, store, contracts.SignalSupportRiskEmerging, "2026-03-01", map[string]any{"score": 8.0})

	state, err := engine.Synthesize(ctx, "t1", "acct-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, "at-risk-support", state.RuleID)
	assert.Equal(t, contracts.PostureAtRisk, state.Posture)
	assert.Equal(t, contracts.MomentumDown, state.Momentum)
	require.Len(t, state.RiskFactors, 1)
	assert.NotEmpty(t, state.RiskFactors[0].ID)
	require.Len(t, state.EvidenceSignalIDs, 1)
	require.Len(t, state.EvidenceRefs, 1)
	require.NotNil(t, state.TTLSeconds)
	assert.Equal(t, 3600, *state.TTLSeconds)
}

func TestWherePredicateRejectsLowScore(t *testing.T) {
	engine, store := fixture(t)
	ctx := context.Background()

	// Score below the predicate threshold: the support rule must not match,
	// and the prospect falls through to dormant.
	seed(t, store, contracts.SignalSupportRiskEmerging, "2026-03-01", map[string]any{"score": 3.0})

	state, err := engine.Synthesize(ctx, "t1", "acct-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, "dormant-prospect", state.RuleID)
	assert.Equal(t, contracts.PostureDormant, state.Posture)
}

func TestExcludedSignalDisqualifies(t *testing.T) {
	engine, store := fixture(t)
	ctx := context.Background()

	seed(t, store, contracts.SignalFirstEngagementOccurred, "first", nil)

	state, err := engine.Synthesize(ctx, "t1", "acct-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, "steady-state", state.RuleID)
}

func TestComputedEngagementWindow(t *testing.T) {
	engine, _ := fixture(t)
	ctx := context.Background()

	// No signals at all: dormant-prospect matches via no_engagement_in_days.
	state, err := engine.Synthesize(ctx, "t1", "acct-1", epoch)
	require.NoError(t, err)
	assert.Equal(t, "dormant-prospect", state.RuleID)
}

func TestDeterministicOutput(t *testing.T) {
	engine, store := fixture(t)
	ctx := context.Background()

	seed(t, store, contracts.SignalSupportRiskEmerging, "2026-03-01", map[string]any{"score": 8.0})

	first, err := engine.Synthesize(ctx, "t1", "acct-1", epoch)
	require.NoError(t, err)
	second, err := engine.Synthesize(ctx, "t1", "acct-1", epoch.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first.InputsHash, second.InputsHash)
	assert.Equal(t, first.ActiveSignalsHash, second.ActiveSignalsHash)
	assert.Equal(t, first.Posture, second.Posture)
	assert.Equal(t, first.Momentum, second.Momentum)
	assert.Equal(t, first.RiskFactors, second.RiskFactors)
	assert.Equal(t, first.EvidenceSignalIDs, second.EvidenceSignalIDs)
	assert.NotEqual(t, first.EvaluatedAt, second.EvaluatedAt)
}

func TestNoMatchIsInvariant(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := signal.NewSQLiteStore(db, clock.NewFake(epoch))
	require.NoError(t, err)

	// A ruleset with a single never-matching rule.
	catalog := writeRuleset(t, `
version: "1"
rules:
  - rule_id: only-customers
    priority: 1
    lifecycle_state: CUSTOMER
    posture: OK
    momentum: FLAT
`)
	engine, err := synthesis.NewEngine(catalog, store, "1")
	require.NoError(t, err)

	_, err = engine.Synthesize(context.Background(), "t1", "acct-1", epoch)
	require.Error(t, err)
	assert.True(t, taxonomy.IsInvariant(err))
}

func TestUnknownRulesetVersionIsInvariant(t *testing.T) {
	_, store := fixture(t)
	catalog := synthesis.NewCatalog(t.TempDir())

	engine, err := synthesis.NewEngine(catalog, store, "99")
	require.NoError(t, err)
	_, err = engine.Synthesize(context.Background(), "t1", "acct-1", epoch)
	require.Error(t, err)
	assert.True(t, taxonomy.IsInvariant(err))
}

func TestCatalogCacheAndClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v1.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesV1), 0o644))

	catalog := synthesis.NewCatalog(dir)
	first, err := catalog.Load("1")
	require.NoError(t, err)

	// Cached: a changed file is not observed until the cache clears.
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
rules:
  - rule_id: replaced
    priority: 1
    posture: OK
    momentum: FLAT
`), 0o644))
	again, err := catalog.Load("1")
	require.NoError(t, err)
	assert.Equal(t, len(first.Rules), len(again.Rules))

	catalog.ClearCache()
	reloaded, err := catalog.Load("1")
	require.NoError(t, err)
	assert.Len(t, reloaded.Rules, 1)
}

func TestDuplicateRuleIDRejected(t *testing.T) {
	catalog := writeRuleset(t, `
version: "1"
rules:
  - rule_id: dup
    priority: 1
    posture: OK
    momentum: FLAT
  - rule_id: dup
    priority: 2
    posture: WATCH
    momentum: FLAT
`)
	_, err := catalog.Load("1")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))
}
