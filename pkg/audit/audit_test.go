package audit_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/audit"
	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWorker(t *testing.T) (*audit.Worker, *ledger.SQLiteLedger, *audit.SQLiteExportStore, *audit.MemoryObjectWriter, *clock.Fake) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	led, err := ledger.NewSQLiteLedger(db, clk)
	require.NoError(t, err)
	exports, err := audit.NewSQLiteExportStore(db, clk)
	require.NoError(t, err)
	objects := audit.NewMemoryObjectWriter()

	return audit.NewWorker(led, exports, objects, clk), led, exports, objects, clk
}

func seedLedger(t *testing.T, led *ledger.SQLiteLedger, clk *clock.Fake, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := led.Append(ctx, contracts.LedgerEntry{
			PK:        "acct#t1#acct-1",
			SK:        clk.Now().UTC().Format(time.RFC3339Nano) + "#SIGNAL#" + string(rune('a'+i)),
			TenantID:  "t1",
			AccountID: "acct-1",
			TraceID:   "trace-1",
			EventType: contracts.LedgerEventSignal,
			Data:      map[string]any{"n": i},
			CreatedAt: clk.Now(),
		})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
}

func TestExportWritesDocumentAndRow(t *testing.T) {
	w, led, exports, objects, clk := newWorker(t)
	ctx := context.Background()
	seedLedger(t, led, clk, 3)

	err := w.Run(ctx, "job-1", "t1", "acct-1", epoch.Add(-time.Hour), epoch.Add(time.Hour))
	require.NoError(t, err)

	row, err := exports.Get(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, audit.ExportCompleted, row.Status)
	assert.Equal(t, 3, row.EntryCount)
	assert.Equal(t, "mem://audit/job-1.json", row.URI)
	assert.NotEmpty(t, row.SHA256)

	body, ok := objects.Get("audit/job-1.json")
	require.True(t, ok)
	var doc audit.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "job-1", doc.JobID)
	assert.Len(t, doc.Entries, 3)
}

func TestExportRespectsTimeRange(t *testing.T) {
	w, led, exports, _, clk := newWorker(t)
	ctx := context.Background()
	seedLedger(t, led, clk, 5)

	// Only the first two entries fall inside the window.
	err := w.Run(ctx, "job-1", "t1", "acct-1", epoch, epoch.Add(90*time.Second))
	require.NoError(t, err)

	row, err := exports.Get(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, row.EntryCount)
}

func TestDuplicateJobIsNoOp(t *testing.T) {
	w, led, exports, objects, clk := newWorker(t)
	ctx := context.Background()
	seedLedger(t, led, clk, 2)

	require.NoError(t, w.Run(ctx, "job-1", "t1", "acct-1", epoch.Add(-time.Hour), epoch.Add(time.Hour)))
	first, err := exports.Get(ctx, "t1", "job-1")
	require.NoError(t, err)

	// Re-delivery of the same job id leaves the completed row untouched.
	seedLedger(t, led, clk, 1)
	require.NoError(t, w.Run(ctx, "job-1", "t1", "acct-1", epoch.Add(-time.Hour), epoch.Add(2*time.Hour)))
	second, err := exports.Get(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, first.EntryCount, second.EntryCount)
	assert.Equal(t, first.SHA256, second.SHA256)

	_, ok := objects.Get("audit/job-1.json")
	assert.True(t, ok)
}

func TestHandleParsesEvent(t *testing.T) {
	w, led, exports, _, clk := newWorker(t)
	ctx := context.Background()
	seedLedger(t, led, clk, 1)

	err := w.Handle(ctx, bus.Event{
		Kind: bus.KindAuditExportRequested,
		Detail: map[string]any{
			"job_id":     "job-1",
			"tenant_id":  "t1",
			"account_id": "acct-1",
			"from":       epoch.Add(-time.Hour).Format(time.RFC3339Nano),
			"to":         epoch.Add(time.Hour).Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)

	row, err := exports.Get(ctx, "t1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, audit.ExportCompleted, row.Status)
	assert.Equal(t, 1, row.EntryCount)
}

func TestHandleRejectsMalformedRequest(t *testing.T) {
	w, _, _, _, _ := newWorker(t)

	err := w.Handle(context.Background(), bus.Event{
		Kind:   bus.KindAuditExportRequested,
		Detail: map[string]any{"job_id": "job-1"},
	})
	require.Error(t, err)
}
