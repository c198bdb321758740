// Package ledger is the append-only event log. It is the source of truth for
// audit and replay: every state change in the engine lands here.
//
// Entries are keyed (pk, sk) where pk is the trace or plan id and sk is the
// event time plus a unique suffix. The single insertion condition is sk
// uniqueness within the partition; a duplicate is not an error to callers.
// Entries within a partition are hash-chained to their predecessor.
package ledger

import (
	"context"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// Ledger appends and queries audit entries. No updates, no deletes.
type Ledger interface {
	// Append inserts the entry. If the (pk, sk) pair already exists the
	// existing entry is returned; any other write failure is surfaced.
	Append(ctx context.Context, e contracts.LedgerEntry) (contracts.LedgerEntry, error)
	ByTrace(ctx context.Context, traceID string) ([]contracts.LedgerEntry, error)
	ByAccountTimeRange(ctx context.Context, tenantID, accountID string, from, to time.Time) ([]contracts.LedgerEntry, error)
	ByPlan(ctx context.Context, planID string) ([]contracts.LedgerEntry, error)
	// Verify walks the hash chain of a partition and reports the first break.
	Verify(ctx context.Context, pk string) (bool, string, error)
}
