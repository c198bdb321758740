package synthesis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// PostureStore persists the latest posture per account.
type PostureStore interface {
	Put(ctx context.Context, state contracts.AccountPostureState) error
	Get(ctx context.Context, tenantID, accountID string) (contracts.AccountPostureState, error)
}

// SQLitePostureStore keeps one row per (tenant, account); each evaluation
// overwrites it. History lives in the ledger, not here.
type SQLitePostureStore struct {
	db *sql.DB
}

func NewSQLitePostureStore(db *sql.DB) (*SQLitePostureStore, error) {
	s := &SQLitePostureStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ PostureStore = (*SQLitePostureStore)(nil)

func (s *SQLitePostureStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS postures (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		state JSON NOT NULL,
		inputs_hash TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		evaluated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLitePostureStore) Put(ctx context.Context, state contracts.AccountPostureState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("put posture: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO postures (tenant_id, account_id, state, inputs_hash, rule_id, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, account_id) DO UPDATE SET
			state = excluded.state,
			inputs_hash = excluded.inputs_hash,
			rule_id = excluded.rule_id,
			evaluated_at = excluded.evaluated_at`,
		state.TenantID, state.AccountID, string(raw), state.InputsHash, state.RuleID,
		state.EvaluatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put posture: %w", err)
	}
	return nil
}

func (s *SQLitePostureStore) Get(ctx context.Context, tenantID, accountID string) (contracts.AccountPostureState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM postures WHERE tenant_id = ? AND account_id = ?`, tenantID, accountID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return contracts.AccountPostureState{}, taxonomy.New(taxonomy.CodeValidation,
				"no posture for account %s", accountID)
		}
		return contracts.AccountPostureState{}, fmt.Errorf("get posture: %w", err)
	}
	var state contracts.AccountPostureState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return contracts.AccountPostureState{}, fmt.Errorf("get posture: unmarshal: %w", err)
	}
	return state, nil
}
