package decision_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/decision"
	"github.com/rpaturu/cc-native-sub003/pkg/ratelimit"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type capturingBus struct {
	events []bus.Event
}

func (c *capturingBus) Publish(_ context.Context, e bus.Event) error {
	c.events = append(c.events, e)
	return nil
}

func newScheduler(t *testing.T, policy config.DecisionPolicy, gate ratelimit.Gate) (*decision.Scheduler, *capturingBus, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	keys, err := decision.NewSQLiteIdempotencyStore(db, clk)
	require.NoError(t, err)
	runs, err := decision.NewSQLiteRunStateStore(db, policy, clk)
	require.NoError(t, err)

	if gate == nil {
		gate = ratelimit.NewLocalGate(ratelimit.Policy{RPM: 6000, Burst: 100})
	}
	pub := &capturingBus{}
	return decision.NewScheduler(gate, keys, runs, policy, pub, clk), pub, clk
}

func defaultPolicy() config.DecisionPolicy {
	return config.DefaultProfile().Decision
}

func TestScheduleAdmitsRun(t *testing.T) {
	s, _, _ := newScheduler(t, defaultPolicy(), nil)

	res, err := s.Schedule(context.Background(), "t1", "acct-1", "corr-1")
	require.NoError(t, err)
	require.True(t, res.Admitted)
	require.NotNil(t, res.Run)
	assert.Equal(t, "corr-1", res.Run.CorrelationID)
	assert.Equal(t, s.WindowKey(epoch), res.Run.WindowKey)
}

func TestDuplicateCorrelationIDWithinWindow(t *testing.T) {
	s, _, _ := newScheduler(t, defaultPolicy(), nil)
	ctx := context.Background()

	first, err := s.Schedule(ctx, "t1", "acct-1", "corr-1")
	require.NoError(t, err)
	require.True(t, first.Admitted)

	dup, err := s.Schedule(ctx, "t1", "acct-1", "corr-1")
	require.NoError(t, err)
	assert.False(t, dup.Admitted)
	assert.False(t, dup.Deferred)
	assert.Equal(t, contracts.ReasonDuplicateDecision, dup.Reason)
}

func TestRunCapDefersToNextWindow(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxRunsPerWindow = 2
	policy.MaxUnitsPerWindow = 0
	s, _, clk := newScheduler(t, policy, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.Schedule(ctx, "t1", "acct-1", "corr-"+string(rune('a'+i)))
		require.NoError(t, err)
		require.True(t, res.Admitted, "run %d", i)
	}

	blocked, err := s.Schedule(ctx, "t1", "acct-1", "corr-c")
	require.NoError(t, err)
	assert.False(t, blocked.Admitted)
	assert.True(t, blocked.Deferred)
	assert.Equal(t, contracts.ReasonBudgetExceeded, blocked.Reason)
	assert.False(t, blocked.NotBefore.Before(epoch.Truncate(time.Hour).Add(time.Hour)))

	// The next window admits the same correlation id under a fresh key.
	clk.Advance(time.Hour)
	retry, err := s.Schedule(ctx, "t1", "acct-1", "corr-c")
	require.NoError(t, err)
	assert.True(t, retry.Admitted)
}

func TestUnitCapBinds(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxRunsPerWindow = 0
	policy.MaxUnitsPerWindow = 10
	policy.UnitsPerRun = 5
	s, _, _ := newScheduler(t, policy, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.Schedule(ctx, "t1", "acct-1", "corr-"+string(rune('a'+i)))
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}
	blocked, err := s.Schedule(ctx, "t1", "acct-1", "corr-c")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonBudgetExceeded, blocked.Reason)

	// A different account has its own window state.
	other, err := s.Schedule(ctx, "t1", "acct-2", "corr-d")
	require.NoError(t, err)
	assert.True(t, other.Admitted)
}

func TestRateLimitDefersWithoutReserving(t *testing.T) {
	gate := ratelimit.NewLocalGate(ratelimit.Policy{RPM: 60, Burst: 0})
	s, _, _ := newScheduler(t, defaultPolicy(), gate)

	res, err := s.Schedule(context.Background(), "t1", "acct-1", "corr-1")
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.True(t, res.Deferred)
	assert.Equal(t, contracts.ReasonRateLimit, res.Reason)
	assert.Equal(t, epoch.Add(defaultPolicy().DeferDelay), res.NotBefore)
}

func TestHandleRunsAdmittedDecision(t *testing.T) {
	s, pub, _ := newScheduler(t, defaultPolicy(), nil)

	var ran []contracts.DecisionRun
	s.OnAdmit(func(_ context.Context, run contracts.DecisionRun) error {
		ran = append(ran, run)
		return nil
	})

	err := s.Handle(context.Background(), bus.Event{
		Kind: bus.KindRunDecision,
		Detail: map[string]any{
			"tenant_id": "t1", "account_id": "acct-1", "correlation_id": "corr-1",
		},
	})
	require.NoError(t, err)
	require.Len(t, ran, 1)
	assert.Equal(t, "acct-1", ran[0].AccountID)
	assert.Empty(t, pub.events)

	// Duplicate delivery neither runs nor re-queues.
	err = s.Handle(context.Background(), bus.Event{
		Kind: bus.KindRunDecision,
		Detail: map[string]any{
			"tenant_id": "t1", "account_id": "acct-1", "correlation_id": "corr-1",
		},
	})
	require.NoError(t, err)
	assert.Len(t, ran, 1)
	assert.Empty(t, pub.events)
}

func TestHandlePublishesDeferredEvent(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxRunsPerWindow = 1
	s, pub, _ := newScheduler(t, policy, nil)
	ctx := context.Background()

	_, err := s.Schedule(ctx, "t1", "acct-1", "corr-1")
	require.NoError(t, err)

	err = s.Handle(ctx, bus.Event{
		Kind: bus.KindRunDecision,
		Detail: map[string]any{
			"tenant_id": "t1", "account_id": "acct-1", "correlation_id": "corr-2",
		},
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
	assert.Equal(t, bus.KindRunDecisionDeferred, pub.events[0].Kind)
	assert.Equal(t, "corr-2", pub.events[0].Detail["correlation_id"])
	assert.Equal(t, string(contracts.ReasonBudgetExceeded), pub.events[0].Detail["reason"])
	assert.NotEmpty(t, pub.events[0].Detail["not_before"])
}
