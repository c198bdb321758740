package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// AttemptStore holds the per-intent execution lock. A live row is the lock;
// its TTL equals the state-machine timeout so a crashed handler frees the
// intent after the deadline it could not have survived past.
type AttemptStore interface {
	// Lock conditionally inserts the attempt row. false means another
	// execution holds the lock.
	Lock(ctx context.Context, tenantID, actionIntentID string, ttl time.Duration) (bool, error)
	// Complete records the terminal status and attempt count on the lock row.
	Complete(ctx context.Context, tenantID, actionIntentID, status string, attemptCount int) error
	Get(ctx context.Context, tenantID, actionIntentID string) (*contracts.ExecutionAttempt, error)
}

// OutcomeStore persists terminal outcomes.
type OutcomeStore interface {
	Put(ctx context.Context, tenantID string, outcome contracts.ActionOutcome) error
	GetByIntent(ctx context.Context, tenantID, actionIntentID string) (*contracts.ActionOutcome, error)
}

// DedupeStore guards external writes. A key that was recorded with a
// successful response short-circuits re-invocation with the cached result.
type DedupeStore interface {
	Lookup(ctx context.Context, tenantID, key string) (*ToolResponse, error)
	Record(ctx context.Context, tenantID, key string, resp ToolResponse) error
}

// CompensationStore makes compensation idempotent per outcome.
type CompensationStore interface {
	// Begin conditionally claims the compensation for an outcome. false
	// means a compensation already ran or is running.
	Begin(ctx context.Context, tenantID, outcomeID string) (bool, error)
	Finish(ctx context.Context, tenantID, outcomeID string, status contracts.CompensationStatus) error
}

// SQLiteExecutionStore implements all four stores on one database.
type SQLiteExecutionStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteExecutionStore(db *sql.DB, clk clock.Clock) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ AttemptStore      = (*SQLiteExecutionStore)(nil)
	_ OutcomeStore      = (*SQLiteExecutionStore)(nil)
	_ DedupeStore       = (*SQLiteExecutionStore)(nil)
	_ CompensationStore = (*SQLiteExecutionStore)(nil)
)

func (s *SQLiteExecutionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS execution_attempts (
		tenant_id TEXT NOT NULL,
		action_intent_id TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, action_intent_id)
	);
	CREATE TABLE IF NOT EXISTS execution_outcomes (
		tenant_id TEXT NOT NULL,
		outcome_id TEXT NOT NULL,
		action_intent_id TEXT NOT NULL,
		body TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, outcome_id)
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_intent
		ON execution_outcomes (tenant_id, action_intent_id, completed_at);
	CREATE TABLE IF NOT EXISTS external_write_dedupe (
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		response TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, idempotency_key)
	);
	CREATE TABLE IF NOT EXISTS compensations (
		tenant_id TEXT NOT NULL,
		outcome_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, outcome_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteExecutionStore) Lock(ctx context.Context, tenantID, actionIntentID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	startedAt := now.UTC().Format(time.RFC3339Nano)
	expiresAt := now.Add(ttl).UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_attempts (tenant_id, action_intent_id, attempt_count, status, started_at, expires_at)
		VALUES (?, ?, 0, 'RUNNING', ?, ?)
		ON CONFLICT (tenant_id, action_intent_id) DO NOTHING`,
		tenantID, actionIntentID, startedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("attempt lock %s: %w", actionIntentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attempt lock %s: rows affected: %w", actionIntentID, err)
	}
	if affected > 0 {
		return true, nil
	}

	// A terminal or expired lock can be retaken.
	res, err = s.db.ExecContext(ctx, `
		UPDATE execution_attempts
		SET attempt_count = 0, status = 'RUNNING', started_at = ?, expires_at = ?
		WHERE tenant_id = ? AND action_intent_id = ?
		  AND (status != 'RUNNING' OR expires_at <= ?)`,
		startedAt, expiresAt, tenantID, actionIntentID, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("attempt lock %s: takeover: %w", actionIntentID, err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attempt lock %s: rows affected: %w", actionIntentID, err)
	}
	return affected > 0, nil
}

func (s *SQLiteExecutionStore) Complete(ctx context.Context, tenantID, actionIntentID, status string, attemptCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_attempts SET status = ?, attempt_count = ?
		WHERE tenant_id = ? AND action_intent_id = ?`,
		status, attemptCount, tenantID, actionIntentID)
	if err != nil {
		return fmt.Errorf("complete attempt %s: %w", actionIntentID, err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Get(ctx context.Context, tenantID, actionIntentID string) (*contracts.ExecutionAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attempt_count, status, started_at, expires_at
		FROM execution_attempts WHERE tenant_id = ? AND action_intent_id = ?`,
		tenantID, actionIntentID)

	attempt := &contracts.ExecutionAttempt{ActionIntentID: actionIntentID}
	var startedAt, expiresAt string
	if err := row.Scan(&attempt.AttemptCount, &attempt.Status, &startedAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get attempt %s: %w", actionIntentID, err)
	}
	var err error
	if attempt.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("get attempt %s: started_at: %w", actionIntentID, err)
	}
	if attempt.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("get attempt %s: expires_at: %w", actionIntentID, err)
	}
	return attempt, nil
}

func (s *SQLiteExecutionStore) Put(ctx context.Context, tenantID string, outcome contracts.ActionOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("put outcome %s: marshal: %w", outcome.OutcomeID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_outcomes (tenant_id, outcome_id, action_intent_id, body, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, outcome_id) DO NOTHING`,
		tenantID, outcome.OutcomeID, outcome.ActionIntentID, string(body),
		outcome.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put outcome %s: %w", outcome.OutcomeID, err)
	}
	return nil
}

func (s *SQLiteExecutionStore) GetByIntent(ctx context.Context, tenantID, actionIntentID string) (*contracts.ActionOutcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM execution_outcomes
		WHERE tenant_id = ? AND action_intent_id = ?
		ORDER BY completed_at DESC LIMIT 1`,
		tenantID, actionIntentID)

	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get outcome for %s: %w", actionIntentID, err)
	}
	var outcome contracts.ActionOutcome
	if err := json.Unmarshal([]byte(body), &outcome); err != nil {
		return nil, fmt.Errorf("get outcome for %s: unmarshal: %w", actionIntentID, err)
	}
	return &outcome, nil
}

func (s *SQLiteExecutionStore) Lookup(ctx context.Context, tenantID, key string) (*ToolResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT response FROM external_write_dedupe
		WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)

	var body string
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dedupe lookup %s: %w", key, err)
	}
	var resp ToolResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("dedupe lookup %s: unmarshal: %w", key, err)
	}
	return &resp, nil
}

func (s *SQLiteExecutionStore) Record(ctx context.Context, tenantID, key string, resp ToolResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("dedupe record %s: marshal: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO external_write_dedupe (tenant_id, idempotency_key, response, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		tenantID, key, string(body), s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("dedupe record %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Begin(ctx context.Context, tenantID, outcomeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO compensations (tenant_id, outcome_id, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, outcome_id) DO NOTHING`,
		tenantID, outcomeID, contracts.CompensationPending,
		s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("begin compensation %s: %w", outcomeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin compensation %s: rows affected: %w", outcomeID, err)
	}
	return affected > 0, nil
}

func (s *SQLiteExecutionStore) Finish(ctx context.Context, tenantID, outcomeID string, status contracts.CompensationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE compensations SET status = ? WHERE tenant_id = ? AND outcome_id = ?`,
		status, tenantID, outcomeID)
	if err != nil {
		return fmt.Errorf("finish compensation %s: %w", outcomeID, err)
	}
	return nil
}
