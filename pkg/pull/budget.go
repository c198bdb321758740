package pull

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
)

// BudgetStore atomically consumes daily pull budget. A consume that would
// exceed a cap takes nothing from any scope.
type BudgetStore interface {
	// Consume takes units from the per-connector budget (if capped) and then
	// the tenant-wide budget, in one transaction. It returns the tenant-wide
	// remainder. ok=false means a cap would be exceeded.
	Consume(ctx context.Context, tenantID, connectorID, day string, units int64) (remaining int64, ok bool, err error)
}

const tenantScope = "tenant"

func connectorScope(connectorID string) string {
	return "connector#" + connectorID
}

// SQLiteBudgetStore tracks consumption in a (tenant, scope, day) counter
// table. The per-connector item runs first: it is the cheaper, more
// constraining cap.
type SQLiteBudgetStore struct {
	db     *sql.DB
	budget config.PullBudget
}

func NewSQLiteBudgetStore(db *sql.DB, budget config.PullBudget) (*SQLiteBudgetStore, error) {
	s := &SQLiteBudgetStore{db: db, budget: budget}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ BudgetStore = (*SQLiteBudgetStore)(nil)

func (s *SQLiteBudgetStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pull_budgets (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		day TEXT NOT NULL,
		units_consumed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, scope, day)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteBudgetStore) Consume(ctx context.Context, tenantID, connectorID, day string, units int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("budget consume: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cap := s.budget.MaxPerConnectorPerDay; cap > 0 {
		ok, err := consumeScope(ctx, tx, tenantID, connectorScope(connectorID), day, units, cap)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
	}
	if cap := s.budget.MaxPerDay; cap > 0 {
		ok, err := consumeScope(ctx, tx, tenantID, tenantScope, day, units, cap)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
	}

	remaining := s.budget.MaxPerDay
	if s.budget.MaxPerDay > 0 {
		var consumed int64
		row := tx.QueryRowContext(ctx,
			`SELECT units_consumed FROM pull_budgets WHERE tenant_id = ? AND scope = ? AND day = ?`,
			tenantID, tenantScope, day)
		if err := row.Scan(&consumed); err != nil && err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("budget consume: read remainder: %w", err)
		}
		remaining = s.budget.MaxPerDay - consumed
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("budget consume: commit: %w", err)
	}
	return remaining, true, nil
}

// consumeScope applies the conditional increment for one scope: the update
// only lands when the new total stays within the cap.
func consumeScope(ctx context.Context, tx *sql.Tx, tenantID, scope, day string, units, cap int64) (bool, error) {
	if units > cap {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pull_budgets (tenant_id, scope, day, units_consumed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, scope, day) DO UPDATE SET
			units_consumed = units_consumed + excluded.units_consumed
			WHERE units_consumed + excluded.units_consumed <= ?`,
		tenantID, scope, day, units, cap)
	if err != nil {
		return false, fmt.Errorf("budget consume %s: %w", scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("budget consume %s: rows affected: %w", scope, err)
	}
	return affected > 0, nil
}
