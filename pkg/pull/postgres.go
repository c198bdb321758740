package pull

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
)

// PostgresBudgetStore is the shared-database variant of the budget counter
// for multi-instance deployments. Same two-item discipline as sqlite:
// per-connector first, then tenant-wide, all or nothing.
type PostgresBudgetStore struct {
	db     *sql.DB
	budget config.PullBudget
}

func NewPostgresBudgetStore(db *sql.DB, budget config.PullBudget) *PostgresBudgetStore {
	return &PostgresBudgetStore{db: db, budget: budget}
}

var _ BudgetStore = (*PostgresBudgetStore)(nil)

// Migrate creates the budget table. Split from the constructor so deployments
// with managed schemas can skip it.
func (s *PostgresBudgetStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS pull_budgets (
		tenant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		day TEXT NOT NULL,
		units_consumed BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, scope, day)
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresBudgetStore) Consume(ctx context.Context, tenantID, connectorID, day string, units int64) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("budget consume: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if limit := s.budget.MaxPerConnectorPerDay; limit > 0 {
		ok, err := s.consumeScope(ctx, tx, tenantID, connectorScope(connectorID), day, units, limit)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
	}
	if limit := s.budget.MaxPerDay; limit > 0 {
		ok, err := s.consumeScope(ctx, tx, tenantID, tenantScope, day, units, limit)
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
			`SELECT units_consumed FROM pull_budgets WHERE tenant_id = $1 AND scope = $2 AND day = $3`,
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

func (s *PostgresBudgetStore) consumeScope(ctx context.Context, tx *sql.Tx, tenantID, scope, day string, units, limit int64) (bool, error) {
	if units > limit {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pull_budgets (tenant_id, scope, day, units_consumed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, scope, day) DO UPDATE SET
			units_consumed = pull_budgets.units_consumed + EXCLUDED.units_consumed
			WHERE pull_budgets.units_consumed + EXCLUDED.units_consumed <= $5`,
		tenantID, scope, day, units, limit)
	if err != nil {
		return false, fmt.Errorf("budget consume %s: %w", scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("budget consume %s: rows affected: %w", scope, err)
	}
	return affected > 0, nil
}
