package heat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// StateStore persists the latest heat row per account.
type StateStore interface {
	Get(ctx context.Context, tenantID, accountID string) (*contracts.HeatState, error)
	Put(ctx context.Context, state contracts.HeatState) error
	// Tier returns every account currently in a tier, for the cadence loops.
	Tier(ctx context.Context, tenantID string, tier contracts.HeatTier) ([]contracts.HeatState, error)
}

// SQLiteStateStore keeps one heat row per (tenant, account).
type SQLiteStateStore struct {
	db *sql.DB
}

func NewSQLiteStateStore(db *sql.DB) (*SQLiteStateStore, error) {
	s := &SQLiteStateStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ StateStore = (*SQLiteStateStore)(nil)

func (s *SQLiteStateStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS heat_states (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		heat_score REAL NOT NULL,
		heat_tier TEXT NOT NULL,
		posture_component REAL NOT NULL,
		recency_component REAL NOT NULL,
		volume_component REAL NOT NULL,
		computed_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	);
	CREATE INDEX IF NOT EXISTS idx_heat_tier ON heat_states (tenant_id, heat_tier);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStateStore) Get(ctx context.Context, tenantID, accountID string) (*contracts.HeatState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT heat_score, heat_tier, posture_component, recency_component, volume_component, computed_at, updated_at
		FROM heat_states WHERE tenant_id = ? AND account_id = ?`, tenantID, accountID)
	state := contracts.HeatState{TenantID: tenantID, AccountID: accountID}
	var tier, computedAt, updatedAt string
	err := row.Scan(&state.HeatScore, &tier, &state.Factors.PostureComponent,
		&state.Factors.RecencyComponent, &state.Factors.VolumeComponent, &computedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get heat state: %w", err)
	}
	state.HeatTier = contracts.HeatTier(tier)
	if t, err := time.Parse(time.RFC3339Nano, computedAt); err == nil {
		state.ComputedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		state.UpdatedAt = t
	}
	return &state, nil
}

func (s *SQLiteStateStore) Put(ctx context.Context, state contracts.HeatState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heat_states (tenant_id, account_id, heat_score, heat_tier,
			posture_component, recency_component, volume_component, computed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, account_id) DO UPDATE SET
			heat_score = excluded.heat_score,
			heat_tier = excluded.heat_tier,
			posture_component = excluded.posture_component,
			recency_component = excluded.recency_component,
			volume_component = excluded.volume_component,
			computed_at = excluded.computed_at,
			updated_at = excluded.updated_at`,
		state.TenantID, state.AccountID, state.HeatScore, string(state.HeatTier),
		state.Factors.PostureComponent, state.Factors.RecencyComponent, state.Factors.VolumeComponent,
		state.ComputedAt.UTC().Format(time.RFC3339Nano), state.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put heat state: %w", err)
	}
	return nil
}

func (s *SQLiteStateStore) Tier(ctx context.Context, tenantID string, tier contracts.HeatTier) ([]contracts.HeatState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, heat_score, heat_tier, posture_component, recency_component, volume_component, computed_at, updated_at
		FROM heat_states WHERE tenant_id = ? AND heat_tier = ? ORDER BY account_id`, tenantID, string(tier))
	if err != nil {
		return nil, fmt.Errorf("query tier: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.HeatState
	for rows.Next() {
		state := contracts.HeatState{TenantID: tenantID}
		var tierCol, computedAt, updatedAt string
		if err := rows.Scan(&state.AccountID, &state.HeatScore, &tierCol,
			&state.Factors.PostureComponent, &state.Factors.RecencyComponent,
			&state.Factors.VolumeComponent, &computedAt, &updatedAt); err != nil {
			return nil, err
		}
		state.HeatTier = contracts.HeatTier(tierCol)
		if t, err := time.Parse(time.RFC3339Nano, computedAt); err == nil {
			state.ComputedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			state.UpdatedAt = t
		}
		out = append(out, state)
	}
	return out, rows.Err()
}
