package heat_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
	"github.com/rpaturu/cc-native-sub003/pkg/heat"
	"github.com/rpaturu/cc-native-sub003/pkg/signal"
	"github.com/rpaturu/cc-native-sub003/pkg/synthesis"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func weights() config.HeatWeights {
	return config.HeatWeights{Posture: 0.5, Recency: 0.3, Volume: 0.2}
}

func TestScoreComposition(t *testing.T) {
	sigs := []contracts.Signal{
		{CreatedAt: epoch.Add(-30 * time.Minute)},
		{CreatedAt: epoch.Add(-2 * time.Hour)},
	}
	raw, factors := heat.Score(weights(), contracts.PostureAtRisk, sigs, epoch)

	assert.Equal(t, 0.8, factors.PostureComponent)
	assert.Equal(t, 1.0, factors.RecencyComponent)
	assert.Equal(t, 0.2, factors.VolumeComponent)
	assert.InDelta(t, 0.5*0.8+0.3*1.0+0.2*0.2, raw, 1e-9)
}

func TestTierThresholds(t *testing.T) {
	assert.Equal(t, contracts.TierHot, heat.TierFor(0.7))
	assert.Equal(t, contracts.TierWarm, heat.TierFor(0.69))
	assert.Equal(t, contracts.TierWarm, heat.TierFor(0.4))
	assert.Equal(t, contracts.TierCold, heat.TierFor(0.39))
}

func TestHysteresisHoldsDemotionInsideCooldown(t *testing.T) {
	policy := config.DefaultProfile().TierPolicy
	previous := &contracts.HeatState{HeatTier: contracts.TierHot, ComputedAt: epoch}

	// HOT cooldown is 4h: a cooler tier inside the window is held.
	kept := heat.ApplyHysteresis(contracts.TierCold, previous, policy, epoch.Add(2*time.Hour))
	assert.Equal(t, contracts.TierHot, kept)

	// Past the cooldown the demotion lands.
	demoted := heat.ApplyHysteresis(contracts.TierCold, previous, policy, epoch.Add(5*time.Hour))
	assert.Equal(t, contracts.TierCold, demoted)
}

func TestHysteresisPromotesImmediately(t *testing.T) {
	policy := config.DefaultProfile().TierPolicy
	previous := &contracts.HeatState{HeatTier: contracts.TierCold, ComputedAt: epoch}

	promoted := heat.ApplyHysteresis(contracts.TierHot, previous, policy, epoch.Add(time.Minute))
	assert.Equal(t, contracts.TierHot, promoted)
}

func scorerFixture(t *testing.T) (*heat.Scorer, *signal.SQLiteStore, *synthesis.SQLitePostureStore, *heat.SQLiteStateStore, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	signals, err := signal.NewSQLiteStore(db, clk)
	require.NoError(t, err)
	postures, err := synthesis.NewSQLitePostureStore(db)
	require.NoError(t, err)
	states, err := heat.NewSQLiteStateStore(db)
	require.NoError(t, err)

	return heat.NewScorer(config.DefaultProfile(), signals, postures, states, clk), signals, postures, states, clk
}

func seedSignal(t *testing.T, store *signal.SQLiteStore, createdAt time.Time) {
	t.Helper()
	windowKey := createdAt.UTC().Format(time.RFC3339)
	dedupe, err := detect.DedupeKey("acct-1", contracts.SignalUsageTrendChange, windowKey, "sha-"+windowKey)
	require.NoError(t, err)
	ttl := 30
	_, err = store.CreateSignal(context.Background(), contracts.Signal{
		SignalID:         detect.SignalID(dedupe),
		TenantID:         "t1",
		AccountID:        "acct-1",
		Type:             contracts.SignalUsageTrendChange,
		Status:           contracts.SignalActive,
		Confidence:       0.9,
		ConfidenceSource: contracts.ConfidenceDirect,
		Severity:         contracts.SeverityHigh,
		TTLDays:          &ttl,
		WindowKey:        windowKey,
		DedupeKey:        dedupe,
		Evidence:         contracts.EvidenceRef{URI: "s3://b/" + windowKey, SHA256: "sha-" + windowKey, CapturedAt: createdAt},
		DetectorVersion:  "1",
		InferenceActive:  true,
		CreatedAt:        createdAt,
	})
	require.NoError(t, err)
}

func TestScorerPromotesThenHoldsDemotion(t *testing.T) {
	scorer, signals, postures, _, clk := scorerFixture(t)
	ctx := context.Background()

	seedSignal(t, signals, epoch.Add(-10*time.Minute))
	require.NoError(t, postures.Put(ctx, contracts.AccountPostureState{
		TenantID: "t1", AccountID: "acct-1",
		Posture: contracts.PostureAtRisk, Momentum: contracts.MomentumDown,
		EvaluatedAt: epoch,
	}))

	state, err := scorer.Compute(ctx, "t1", "acct-1")
	require.NoError(t, err)
	// 0.5*0.8 + 0.3*1.0 + 0.2*0.1 = 0.72
	assert.Equal(t, contracts.TierHot, state.HeatTier)

	// Posture resolves to OK and the signal ages: the raw tier cools, but the
	// 4h HOT cooldown holds the demotion.
	require.NoError(t, postures.Put(ctx, contracts.AccountPostureState{
		TenantID: "t1", AccountID: "acct-1",
		Posture: contracts.PostureOK, Momentum: contracts.MomentumFlat,
		EvaluatedAt: epoch,
	}))
	clk.Advance(2 * time.Hour)

	held, err := scorer.Compute(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierHot, held.HeatTier)
	assert.Less(t, held.HeatScore, 0.7)

	// Past the cooldown the demotion lands.
	clk.Advance(3 * time.Hour)
	demoted, err := scorer.Compute(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.True(t, demoted.HeatTier.CoolerThan(contracts.TierHot))
}

func TestScorerWithoutPosture(t *testing.T) {
	scorer, signals, _, _, _ := scorerFixture(t)
	ctx := context.Background()

	seedSignal(t, signals, epoch.Add(-10*time.Minute))
	state, err := scorer.Compute(ctx, "t1", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.Factors.PostureComponent)
	assert.Equal(t, 1.0, state.Factors.RecencyComponent)
}

func TestComputeBulkPartialFailure(t *testing.T) {
	scorer, signals, _, _, _ := scorerFixture(t)
	ctx := context.Background()

	seedSignal(t, signals, epoch.Add(-10*time.Minute))
	result := scorer.ComputeBulk(ctx, "t1", []string{"acct-1", "acct-2"})

	// acct-2 has no signals or posture at all; that is still a valid COLD
	// score, not an error.
	assert.Len(t, result.Computed, 2)
	assert.Empty(t, result.Errors)
	assert.Equal(t, contracts.TierCold, result.Computed[1].HeatTier)
}

func TestTierQuery(t *testing.T) {
	_, _, _, states, _ := scorerFixture(t)
	ctx := context.Background()

	for _, acct := range []string{"a-1", "a-2"} {
		require.NoError(t, states.Put(ctx, contracts.HeatState{
			TenantID: "t1", AccountID: acct, HeatTier: contracts.TierWarm,
			ComputedAt: epoch, UpdatedAt: epoch,
		}))
	}
	warm, err := states.Tier(ctx, "t1", contracts.TierWarm)
	require.NoError(t, err)
	assert.Len(t, warm, 2)

	hot, err := states.Tier(ctx, "t1", contracts.TierHot)
	require.NoError(t, err)
	assert.Empty(t, hot)
}
