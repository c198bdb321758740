// Package decision admits RUN_DECISION events under the same four-step
// discipline as pull scheduling: rate gate, idempotency reservation on the
// correlation id, conditional cost-gate consume, then emit. Blocked runs are
// re-queued via RUN_DECISION_DEFERRED rather than dropped. The package also
// owns action intents and the autonomy gate that self-approves them.
package decision

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// RunStateStore is the per (tenant, account, window) cost gate. A consume
// that would exceed either the run cap or the unit cap takes nothing.
type RunStateStore interface {
	// Consume records one run of units cost. ok=false means a cap would be
	// exceeded and nothing was recorded.
	Consume(ctx context.Context, tenantID, accountID, windowKey string, units int64) (ok bool, err error)
	Get(ctx context.Context, tenantID, accountID, windowKey string) (*contracts.DecisionRunState, error)
}

// SQLiteRunStateStore keeps run counts in a conditional counter row, one per
// (tenant, account, window).
type SQLiteRunStateStore struct {
	db     *sql.DB
	policy config.DecisionPolicy
	clock  clock.Clock
}

func NewSQLiteRunStateStore(db *sql.DB, policy config.DecisionPolicy, clk clock.Clock) (*SQLiteRunStateStore, error) {
	s := &SQLiteRunStateStore{db: db, policy: policy, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ RunStateStore = (*SQLiteRunStateStore)(nil)

func (s *SQLiteRunStateStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_run_state (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		window_key TEXT NOT NULL,
		runs INTEGER NOT NULL DEFAULT 0,
		units_consumed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id, window_key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteRunStateStore) Consume(ctx context.Context, tenantID, accountID, windowKey string, units int64) (bool, error) {
	maxRuns := int64(s.policy.MaxRunsPerWindow)
	maxUnits := s.policy.MaxUnitsPerWindow
	if maxUnits > 0 && units > maxUnits {
		return false, nil
	}
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)

	// Caps of 0 disable a dimension; the WHERE branch below compares against
	// a cap large enough to never bind.
	const unbounded = int64(1) << 62
	runCap, unitCap := maxRuns, maxUnits
	if runCap <= 0 {
		runCap = unbounded
	}
	if unitCap <= 0 {
		unitCap = unbounded
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_run_state (tenant_id, account_id, window_key, runs, units_consumed, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (tenant_id, account_id, window_key) DO UPDATE SET
			runs = runs + 1,
			units_consumed = units_consumed + excluded.units_consumed,
			updated_at = excluded.updated_at
			WHERE runs + 1 <= ? AND units_consumed + excluded.units_consumed <= ?`,
		tenantID, accountID, windowKey, units, now, runCap, unitCap)
	if err != nil {
		return false, fmt.Errorf("decision consume: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decision consume: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteRunStateStore) Get(ctx context.Context, tenantID, accountID, windowKey string) (*contracts.DecisionRunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT runs, units_consumed, updated_at FROM decision_run_state
		WHERE tenant_id = ? AND account_id = ? AND window_key = ?`,
		tenantID, accountID, windowKey)

	state := &contracts.DecisionRunState{TenantID: tenantID, AccountID: accountID, WindowKey: windowKey}
	var updatedAt string
	if err := row.Scan(&state.Runs, &state.UnitsConsumed, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("decision run state: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("decision run state: parse updated_at: %w", err)
	}
	state.UpdatedAt = t
	return state, nil
}
