package ledger_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
)

func newLedger(t *testing.T) (*ledger.SQLiteLedger, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l, err := ledger.NewSQLiteLedger(db, clk)
	require.NoError(t, err)
	return l, clk
}

func entry(pk, sk, trace string) contracts.LedgerEntry {
	return contracts.LedgerEntry{
		PK:        pk,
		SK:        sk,
		TenantID:  "t1",
		AccountID: "acct-1",
		TraceID:   trace,
		EventType: contracts.LedgerEventSignal,
		Data:      map[string]any{"signal_id": "sig-1"},
	}
}

func TestAppendAndQueryByTrace(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, entry("trace-1", "2026-03-01T12:00:00Z#a", "trace-1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, entry("trace-1", "2026-03-01T12:00:01Z#b", "trace-1"))
	require.NoError(t, err)

	got, err := l.ByTrace(ctx, "trace-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-03-01T12:00:00Z#a", got[0].SK)
}

func TestDuplicateSortKeyReturnsExisting(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, entry("trace-1", "sk-1", "trace-1"))
	require.NoError(t, err)

	dup := entry("trace-1", "sk-1", "trace-1")
	dup.Data = map[string]any{"signal_id": "other"}
	second, err := l.Append(ctx, dup)
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, "sig-1", second.Data["signal_id"])

	got, err := l.ByPlan(ctx, "trace-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHashChainVerifies(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	for _, sk := range []string{"sk-1", "sk-2", "sk-3"} {
		_, err := l.Append(ctx, entry("plan-9", sk, "trace-9"))
		require.NoError(t, err)
	}

	ok, detail, err := l.Verify(ctx, "plan-9")
	require.NoError(t, err)
	assert.True(t, ok, detail)

	got, err := l.ByPlan(ctx, "plan-9")
	require.NoError(t, err)
	assert.Equal(t, "genesis", got[0].PrevHash)
	assert.Equal(t, got[0].ContentHash, got[1].PrevHash)
	assert.Equal(t, got[1].ContentHash, got[2].PrevHash)
}

func TestByAccountTimeRange(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, entry("trace-a", "sk-a", "trace-a"))
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	_, err = l.Append(ctx, entry("trace-b", "sk-b", "trace-b"))
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	got, err := l.ByAccountTimeRange(ctx, "t1", "acct-1", from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sk-b", got[0].SK)
}
