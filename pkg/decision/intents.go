package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// IntentStore persists action intents. Status moves only through conditional
// transitions so a stale approval or cancellation loses the race instead of
// overwriting.
type IntentStore interface {
	Create(ctx context.Context, intent contracts.ActionIntent) error
	Get(ctx context.Context, tenantID, actionIntentID string) (contracts.ActionIntent, error)
	// Transition moves status from one state to another. ok=false means the
	// intent was not in the expected state.
	Transition(ctx context.Context, tenantID, actionIntentID, from, to string) (bool, error)
	ListByStatus(ctx context.Context, tenantID, status string) ([]contracts.ActionIntent, error)
}

type SQLiteIntentStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteIntentStore(db *sql.DB, clk clock.Clock) (*SQLiteIntentStore, error) {
	s := &SQLiteIntentStore{db: db, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ IntentStore = (*SQLiteIntentStore)(nil)

func (s *SQLiteIntentStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS action_intents (
		tenant_id TEXT NOT NULL,
		action_intent_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		action_version TEXT NOT NULL,
		parameters TEXT NOT NULL,
		status TEXT NOT NULL,
		decision_trace TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, action_intent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_intents_status ON action_intents (tenant_id, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteIntentStore) Create(ctx context.Context, intent contracts.ActionIntent) error {
	if intent.TenantID == "" || intent.AccountID == "" || intent.ActionIntentID == "" || intent.ActionType == "" {
		return taxonomy.New(taxonomy.CodeValidation, "action intent missing identity fields")
	}
	if intent.Status == "" {
		intent.Status = contracts.IntentProposed
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.clock.Now()
	}
	params, err := json.Marshal(intent.Parameters)
	if err != nil {
		return fmt.Errorf("create intent: marshal parameters: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_intents
			(tenant_id, action_intent_id, account_id, action_type, action_version,
			 parameters, status, decision_trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, action_intent_id) DO NOTHING`,
		intent.TenantID, intent.ActionIntentID, intent.AccountID, intent.ActionType,
		intent.ActionVersion, string(params), intent.Status, intent.DecisionTrace,
		intent.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create intent %s: %w", intent.ActionIntentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create intent %s: rows affected: %w", intent.ActionIntentID, err)
	}
	if affected == 0 {
		return taxonomy.New(taxonomy.CodeConditionalConflict,
			"action intent %s already exists", intent.ActionIntentID)
	}
	return nil
}

func (s *SQLiteIntentStore) Get(ctx context.Context, tenantID, actionIntentID string) (contracts.ActionIntent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, action_type, action_version, parameters, status, decision_trace, created_at
		FROM action_intents WHERE tenant_id = ? AND action_intent_id = ?`,
		tenantID, actionIntentID)
	return scanIntent(row, tenantID, actionIntentID)
}

func (s *SQLiteIntentStore) Transition(ctx context.Context, tenantID, actionIntentID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_intents SET status = ?
		WHERE tenant_id = ? AND action_intent_id = ? AND status = ?`,
		to, tenantID, actionIntentID, from)
	if err != nil {
		return false, fmt.Errorf("transition intent %s: %w", actionIntentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition intent %s: rows affected: %w", actionIntentID, err)
	}
	return affected > 0, nil
}

func (s *SQLiteIntentStore) ListByStatus(ctx context.Context, tenantID, status string) ([]contracts.ActionIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_intent_id, account_id, action_type, action_version, parameters, status, decision_trace, created_at
		FROM action_intents WHERE tenant_id = ? AND status = ?
		ORDER BY created_at ASC, action_intent_id ASC`,
		tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ActionIntent
	for rows.Next() {
		var (
			intent    contracts.ActionIntent
			params    string
			createdAt string
		)
		intent.TenantID = tenantID
		if err := rows.Scan(&intent.ActionIntentID, &intent.AccountID, &intent.ActionType,
			&intent.ActionVersion, &params, &intent.Status, &intent.DecisionTrace, &createdAt); err != nil {
			return nil, fmt.Errorf("list intents: scan: %w", err)
		}
		if err := hydrateIntent(&intent, params, createdAt); err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func scanIntent(row *sql.Row, tenantID, actionIntentID string) (contracts.ActionIntent, error) {
	intent := contracts.ActionIntent{TenantID: tenantID, ActionIntentID: actionIntentID}
	var params, createdAt string
	err := row.Scan(&intent.AccountID, &intent.ActionType, &intent.ActionVersion,
		&params, &intent.Status, &intent.DecisionTrace, &createdAt)
	if err == sql.ErrNoRows {
		return contracts.ActionIntent{}, taxonomy.New(taxonomy.CodeValidation,
			"action intent %s not found", actionIntentID)
	}
	if err != nil {
		return contracts.ActionIntent{}, fmt.Errorf("get intent %s: %w", actionIntentID, err)
	}
	if err := hydrateIntent(&intent, params, createdAt); err != nil {
		return contracts.ActionIntent{}, err
	}
	return intent, nil
}

func hydrateIntent(intent *contracts.ActionIntent, params, createdAt string) error {
	if err := json.Unmarshal([]byte(params), &intent.Parameters); err != nil {
		return fmt.Errorf("intent %s: parameters: %w", intent.ActionIntentID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return fmt.Errorf("intent %s: created_at: %w", intent.ActionIntentID, err)
	}
	intent.CreatedAt = t
	return nil
}
