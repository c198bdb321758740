package pull_test

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
	"github.com/rpaturu/cc-native-sub003/pkg/pull"
	"github.com/rpaturu/cc-native-sub003/pkg/ratelimit"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixture(t *testing.T, budget config.PullBudget, gate ratelimit.Gate) (*pull.Scheduler, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	keys, err := pull.NewSQLiteIdempotencyStore(db, clk)
	require.NoError(t, err)
	budgets, err := pull.NewSQLiteBudgetStore(db, budget)
	require.NoError(t, err)

	profile := config.DefaultProfile()
	profile.PullBudget = budget
	if gate == nil {
		gate = ratelimit.NewLocalGate(ratelimit.Policy{RPM: 6000, Burst: 100})
	}
	return pull.NewScheduler(gate, keys, budgets, profile, clk), clk
}

func request(depth contracts.PullDepth) pull.Request {
	return pull.Request{
		TenantID:    "t1",
		AccountID:   "acct-1",
		ConnectorID: "crm",
		Depth:       depth,
		Cadence:     time.Hour,
	}
}

func TestScheduleEmitsDeterministicJob(t *testing.T) {
	s, _ := fixture(t, config.PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 25}, nil)
	ctx := context.Background()

	res, err := s.Schedule(ctx, request(contracts.DepthDeep))
	require.NoError(t, err)
	require.True(t, res.Scheduled)
	require.NotNil(t, res.Job)
	assert.Equal(t, 3, res.Job.DepthUnits)
	assert.Equal(t, int64(97), res.Job.BudgetRemaining)
	assert.NotEmpty(t, res.Job.CorrelationID)

	expected, err := pull.JobID("t1", "acct-1", "crm", contracts.DepthDeep, epoch.Unix()/3600)
	require.NoError(t, err)
	assert.Equal(t, expected, res.Job.PullJobID)
}

func TestDuplicateWithinBucket(t *testing.T) {
	s, clk := fixture(t, config.PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 25}, nil)
	ctx := context.Background()

	first, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	require.True(t, first.Scheduled)

	// Same cadence bucket: the reservation blocks a second job.
	dup, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.False(t, dup.Scheduled)
	assert.Equal(t, contracts.ReasonDuplicatePullJobID, dup.Reason)

	// The next bucket produces a fresh id.
	clk.Advance(time.Hour)
	next, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.True(t, next.Scheduled)
	assert.NotEqual(t, first.Job.PullJobID, next.Job.PullJobID)
}

func TestBudgetExhaustionStopsScheduling(t *testing.T) {
	s, clk := fixture(t, config.PullBudget{MaxPerDay: 2, MaxPerConnectorPerDay: 0}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := s.Schedule(ctx, request(contracts.DepthShallow))
		require.NoError(t, err)
		require.True(t, res.Scheduled, "attempt %d", i)
		clk.Advance(time.Hour)
	}

	res, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.False(t, res.Scheduled)
	assert.Equal(t, contracts.ReasonBudgetExceeded, res.Reason)

	// The idempotency reservation is not rolled back: retrying in the same
	// bucket now reports the duplicate, not the budget.
	dup, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.Equal(t, contracts.ReasonDuplicatePullJobID, dup.Reason)
}

func TestConnectorCapBindsBeforeTenantCap(t *testing.T) {
	s, clk := fixture(t, config.PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 1}, nil)
	ctx := context.Background()

	res, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	require.True(t, res.Scheduled)

	clk.Advance(time.Hour)
	blocked, err := s.Schedule(ctx, request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.False(t, blocked.Scheduled)
	assert.Equal(t, contracts.ReasonBudgetExceeded, blocked.Reason)

	// A different connector still has budget.
	other := request(contracts.DepthShallow)
	other.ConnectorID = "support"
	ok, err := s.Schedule(ctx, other)
	require.NoError(t, err)
	assert.True(t, ok.Scheduled)
}

func TestRateLimitShortCircuits(t *testing.T) {
	gate := ratelimit.NewLocalGate(ratelimit.Policy{RPM: 60, Burst: 0})
	s, _ := fixture(t, config.PullBudget{MaxPerDay: 100}, gate)

	res, err := s.Schedule(context.Background(), request(contracts.DepthShallow))
	require.NoError(t, err)
	assert.False(t, res.Scheduled)
	assert.Equal(t, contracts.ReasonRateLimit, res.Reason)
}

func TestExpiredReservationIsTakenOver(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	keys, err := pull.NewSQLiteIdempotencyStore(db, clk)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := keys.Reserve(ctx, "t1", "job-1", pull.ReservationTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = keys.Reserve(ctx, "t1", "job-1", pull.ReservationTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(25 * time.Hour)
	ok, err = keys.Reserve(ctx, "t1", "job-1", pull.ReservationTTL)
	require.NoError(t, err)
	assert.True(t, ok)
}
