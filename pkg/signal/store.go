package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// SQLiteStore persists signals and account state in sqlite.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB, clk clock.Clock) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     db,
		clock:  clk,
		logger: slog.Default().With("component", "signal-store"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS signals (
		tenant_id TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		confidence REAL NOT NULL,
		confidence_source TEXT NOT NULL,
		severity TEXT NOT NULL,
		ttl_days INTEGER,
		window_key TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		evidence JSON NOT NULL,
		detector_version TEXT NOT NULL DEFAULT '',
		inference_active INTEGER NOT NULL DEFAULT 1,
		suppression_reason TEXT NOT NULL DEFAULT '',
		suppressed_at TEXT,
		trace_id TEXT NOT NULL DEFAULT '',
		context JSON,
		metadata JSON,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, signal_id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_dedupe ON signals (tenant_id, dedupe_key);
	CREATE INDEX IF NOT EXISTS idx_signals_account ON signals (tenant_id, account_id, created_at);
	CREATE TABLE IF NOT EXISTS accounts (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		lifecycle_state TEXT NOT NULL,
		active_signal_index JSON NOT NULL,
		last_engagement_at TEXT,
		has_active_contract INTEGER NOT NULL DEFAULT 0,
		last_inference_at TEXT,
		inference_rule_version TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateSignal inserts the signal and updates the account read-model in one
// transaction. A duplicate dedupe key commits nothing and returns the
// original row.
func (s *SQLiteStore) CreateSignal(ctx context.Context, sig contracts.Signal) (CreateResult, error) {
	if sig.SignalID == "" || sig.TenantID == "" || sig.AccountID == "" || sig.DedupeKey == "" {
		return CreateResult{}, taxonomy.New(taxonomy.CodeValidation, "signal missing required identity fields")
	}
	if sig.Status == "" {
		sig.Status = contracts.SignalActive
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.clock.Now()
	}
	sig.UpdatedAt = sig.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create signal: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := s.insertSignal(ctx, tx, sig)
	if err != nil {
		return CreateResult{}, err
	}
	if !inserted {
		existing, err := s.getByDedupeTx(ctx, tx, sig.TenantID, sig.DedupeKey)
		if err != nil {
			return CreateResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return CreateResult{}, fmt.Errorf("create signal: commit: %w", err)
		}
		s.logger.InfoContext(ctx, "duplicate dedupe key, returning existing signal",
			"tenant_id", sig.TenantID, "dedupe_key", sig.DedupeKey, "signal_id", existing.SignalID)
		return CreateResult{Signal: *existing, Created: false}, nil
	}

	var transition *Transition
	if sig.Status == contracts.SignalActive && sig.InferenceActive {
		transition, err = s.applySignalToAccount(ctx, tx, sig)
		if err != nil {
			return CreateResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("create signal: commit: %w", err)
	}
	return CreateResult{Signal: sig, Created: true, Transition: transition}, nil
}

// CreateExecutionSignal writes only the signal row. Execution outcomes do not
// participate in lifecycle inference.
func (s *SQLiteStore) CreateExecutionSignal(ctx context.Context, sig contracts.Signal) (contracts.Signal, error) {
	if sig.Type != contracts.SignalActionExecuted && sig.Type != contracts.SignalActionFailed {
		return contracts.Signal{}, taxonomy.New(taxonomy.CodeValidation,
			"signal type %s is not an execution outcome", sig.Type)
	}
	if sig.Status == "" {
		sig.Status = contracts.SignalActive
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.clock.Now()
	}
	sig.UpdatedAt = sig.CreatedAt
	sig.InferenceActive = false

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Signal{}, fmt.Errorf("create execution signal: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := s.insertSignal(ctx, tx, sig)
	if err != nil {
		return contracts.Signal{}, err
	}
	if !inserted {
		existing, err := s.getByDedupeTx(ctx, tx, sig.TenantID, sig.DedupeKey)
		if err != nil {
			return contracts.Signal{}, err
		}
		sig = *existing
	}
	if err := tx.Commit(); err != nil {
		return contracts.Signal{}, fmt.Errorf("create execution signal: commit: %w", err)
	}
	return sig, nil
}

func (s *SQLiteStore) insertSignal(ctx context.Context, tx *sql.Tx, sig contracts.Signal) (bool, error) {
	evidenceJSON, err := json.Marshal(sig.Evidence)
	if err != nil {
		return false, fmt.Errorf("create signal: marshal evidence: %w", err)
	}
	contextJSON, _ := json.Marshal(sig.Context)
	metadataJSON, _ := json.Marshal(sig.Metadata)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO signals (tenant_id, signal_id, account_id, type, status, confidence,
			confidence_source, severity, ttl_days, window_key, dedupe_key, evidence,
			detector_version, inference_active, suppression_reason, suppressed_at,
			trace_id, context, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		sig.TenantID, sig.SignalID, sig.AccountID, string(sig.Type), string(sig.Status),
		sig.Confidence, string(sig.ConfidenceSource), string(sig.Severity),
		nullableInt(sig.TTLDays), sig.WindowKey, sig.DedupeKey, string(evidenceJSON),
		sig.DetectorVersion, boolInt(sig.InferenceActive), sig.SuppressionReason,
		nullableTime(sig.SuppressedAt), sig.TraceID, string(contextJSON), string(metadataJSON),
		formatTime(sig.CreatedAt), formatTime(sig.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create signal: insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create signal: rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) applySignalToAccount(ctx context.Context, tx *sql.Tx, sig contracts.Signal) (*Transition, error) {
	account, err := s.accountTx(ctx, tx, sig.TenantID, sig.AccountID)
	if err != nil {
		return nil, err
	}

	if account.ActiveSignalIndex == nil {
		account.ActiveSignalIndex = map[contracts.SignalType][]string{}
	}
	account.ActiveSignalIndex[sig.Type] = appendUnique(account.ActiveSignalIndex[sig.Type], sig.SignalID)

	if sig.Type == contracts.SignalFirstEngagementOccurred {
		if account.LastEngagementAt == nil || account.LastEngagementAt.Before(sig.CreatedAt) {
			t := sig.CreatedAt
			account.LastEngagementAt = &t
		}
	}

	return s.reinfer(ctx, tx, account, sig.TraceID)
}

// reinfer runs lifecycle inference against the updated index and persists the
// account row. The before state is the stored one, not a second inference.
func (s *SQLiteStore) reinfer(ctx context.Context, tx *sql.Tx, account contracts.AccountState, traceID string) (*Transition, error) {
	before := account.CurrentLifecycleState
	if before == "" {
		before = contracts.LifecycleProspect
	}
	after := Infer(account)

	now := s.clock.Now()
	account.CurrentLifecycleState = after
	account.LastInferenceAt = &now
	account.InferenceRuleVersion = InferenceRuleVersion
	account.UpdatedAt = now

	if err := s.putAccountTx(ctx, tx, account); err != nil {
		return nil, err
	}
	if after == before {
		return nil, nil
	}
	return &Transition{
		TenantID:  account.TenantID,
		AccountID: account.AccountID,
		From:      before,
		To:        after,
		TraceID:   traceID,
		At:        now,
	}, nil
}

// UpdateStatus enforces the signal state machine:
//
//	ACTIVE ──expire──▶ EXPIRED ──suppress──▶ SUPPRESSED
//	ACTIVE ──suppress─▶ SUPPRESSED
//
// SUPPRESSED is terminal and expiry requires the TTL to actually have
// elapsed. Leaving ACTIVE removes the signal from the account index.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, tenantID, signalID string, to contracts.SignalStatus, reason string) (UpdateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update status: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sig, err := s.getTx(ctx, tx, tenantID, signalID)
	if err != nil {
		return UpdateResult{}, err
	}
	if sig.Status == to {
		if err := tx.Commit(); err != nil {
			return UpdateResult{}, fmt.Errorf("update status: commit: %w", err)
		}
		return UpdateResult{Signal: *sig}, nil
	}

	now := s.clock.Now()
	if err := validateStatusChange(sig, to, now); err != nil {
		return UpdateResult{}, err
	}

	wasActive := sig.Status == contracts.SignalActive
	sig.Status = to
	sig.UpdatedAt = now
	var suppressedAt *time.Time
	if to == contracts.SignalSuppressed {
		sig.SuppressionReason = reason
		t := now
		sig.SuppressedAt = &t
		suppressedAt = &t
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE signals SET status = ?, suppression_reason = ?, suppressed_at = ?, updated_at = ?
		WHERE tenant_id = ? AND signal_id = ?`,
		string(to), sig.SuppressionReason, nullableTime(suppressedAt), formatTime(now),
		tenantID, signalID,
	); err != nil {
		return UpdateResult{}, fmt.Errorf("update status: update: %w", err)
	}

	var transition *Transition
	if wasActive && sig.InferenceActive {
		account, err := s.accountTx(ctx, tx, tenantID, sig.AccountID)
		if err != nil {
			return UpdateResult{}, err
		}
		account.ActiveSignalIndex[sig.Type] = remove(account.ActiveSignalIndex[sig.Type], signalID)
		if len(account.ActiveSignalIndex[sig.Type]) == 0 {
			delete(account.ActiveSignalIndex, sig.Type)
		}
		transition, err = s.reinfer(ctx, tx, account, sig.TraceID)
		if err != nil {
			return UpdateResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateResult{}, fmt.Errorf("update status: commit: %w", err)
	}
	return UpdateResult{Signal: *sig, Transition: transition}, nil
}

func validateStatusChange(sig *contracts.Signal, to contracts.SignalStatus, now time.Time) error {
	if sig.Status == contracts.SignalSuppressed {
		return taxonomy.New(taxonomy.CodeInvariant,
			"signal %s is SUPPRESSED, which is terminal", sig.SignalID)
	}
	switch to {
	case contracts.SignalSuppressed:
		return nil
	case contracts.SignalExpired:
		if !sig.ExpiredAt(now) {
			return taxonomy.New(taxonomy.CodeValidation,
				"signal %s TTL has not elapsed", sig.SignalID)
		}
		return nil
	default:
		return taxonomy.New(taxonomy.CodeValidation,
			"illegal status transition %s -> %s", sig.Status, to)
	}
}

// ExpireDue sweeps ACTIVE signals whose TTL has elapsed. The per-signal
// update keeps the account index in sync; read paths do not depend on the
// sweep having run.
func (s *SQLiteStore) ExpireDue(ctx context.Context, tenantID string) (int, error) {
	now := s.clock.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id, created_at, ttl_days FROM signals
		WHERE tenant_id = ? AND status = ? AND ttl_days IS NOT NULL`,
		tenantID, string(contracts.SignalActive))
	if err != nil {
		return 0, fmt.Errorf("expire sweep: query: %w", err)
	}
	var due []string
	for rows.Next() {
		var (
			id        string
			createdAt string
			ttlDays   int
		)
		if err := rows.Scan(&id, &createdAt, &ttlDays); err != nil {
			_ = rows.Close()
			return 0, err
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			continue
		}
		if !now.Before(created.Add(time.Duration(ttlDays) * 24 * time.Hour)) {
			due = append(due, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range due {
		if _, err := s.UpdateStatus(ctx, tenantID, id, contracts.SignalExpired, ""); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *SQLiteStore) GetSignal(ctx context.Context, tenantID, signalID string) (contracts.Signal, error) {
	row := s.db.QueryRowContext(ctx, signalColumns+` FROM signals WHERE tenant_id = ? AND signal_id = ?`,
		tenantID, signalID)
	sig, err := scanSignal(row)
	if err != nil {
		return contracts.Signal{}, err
	}
	return *sig, nil
}

func (s *SQLiteStore) GetByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*contracts.Signal, error) {
	row := s.db.QueryRowContext(ctx, signalColumns+` FROM signals WHERE tenant_id = ? AND dedupe_key = ?`,
		tenantID, dedupeKey)
	sig, err := scanSignal(row)
	if taxonomy.Classify(err) == taxonomy.CodeValidation {
		return nil, nil
	}
	return sig, err
}

// GetSignalsForAccount filters by status (default ACTIVE), type, and created
// time. ACTIVE rows whose TTL elapsed are excluded even before a sweep marks
// them EXPIRED.
func (s *SQLiteStore) GetSignalsForAccount(ctx context.Context, tenantID, accountID string, f Filter) ([]contracts.Signal, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []contracts.SignalStatus{contracts.SignalActive}
	}

	query := signalColumns + ` FROM signals WHERE tenant_id = ? AND account_id = ?`
	args := []any{tenantID, accountID}

	query += ` AND status IN (` + placeholders(len(statuses)) + `)`
	for _, st := range statuses {
		args = append(args, string(st))
	}
	if len(f.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(f.Types)) + `)`
		for _, ty := range f.Types {
			args = append(args, string(ty))
		}
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(f.To))
	}
	query += ` ORDER BY created_at DESC, signal_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clock.Now()
	var out []contracts.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		if sig.Status == contracts.SignalActive && sig.ExpiredAt(now) {
			continue
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAccountState(ctx context.Context, tenantID, accountID string) (contracts.AccountState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.AccountState{}, fmt.Errorf("get account: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	account, err := s.accountTx(ctx, tx, tenantID, accountID)
	if err != nil {
		return contracts.AccountState{}, err
	}
	return account, tx.Commit()
}

// SetHasActiveContract records a contract fact and re-runs inference.
func (s *SQLiteStore) SetHasActiveContract(ctx context.Context, tenantID, accountID string, active bool) (*Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("set contract: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	account, err := s.accountTx(ctx, tx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	account.HasActiveContract = active
	transition, err := s.reinfer(ctx, tx, account, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("set contract: commit: %w", err)
	}
	return transition, nil
}

func (s *SQLiteStore) accountTx(ctx context.Context, tx *sql.Tx, tenantID, accountID string) (contracts.AccountState, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT lifecycle_state, active_signal_index, last_engagement_at, has_active_contract,
			last_inference_at, inference_rule_version, updated_at
		FROM accounts WHERE tenant_id = ? AND account_id = ?`, tenantID, accountID)

	account := contracts.AccountState{
		TenantID:              tenantID,
		AccountID:             accountID,
		CurrentLifecycleState: contracts.LifecycleProspect,
		ActiveSignalIndex:     map[contracts.SignalType][]string{},
	}
	var (
		state         string
		indexJSON     string
		engagementAt  sql.NullString
		hasContract   int
		inferenceAt   sql.NullString
		inferenceRule string
		updatedAt     string
	)
	err := row.Scan(&state, &indexJSON, &engagementAt, &hasContract, &inferenceAt, &inferenceRule, &updatedAt)
	if err == sql.ErrNoRows {
		return account, nil
	}
	if err != nil {
		return account, fmt.Errorf("get account: %w", err)
	}

	account.CurrentLifecycleState = contracts.LifecycleState(state)
	if indexJSON != "" {
		_ = json.Unmarshal([]byte(indexJSON), &account.ActiveSignalIndex)
	}
	if account.ActiveSignalIndex == nil {
		account.ActiveSignalIndex = map[contracts.SignalType][]string{}
	}
	account.HasActiveContract = hasContract != 0
	account.InferenceRuleVersion = inferenceRule
	account.LastEngagementAt = parseNullTime(engagementAt)
	account.LastInferenceAt = parseNullTime(inferenceAt)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		account.UpdatedAt = t
	}
	return account, nil
}

func (s *SQLiteStore) putAccountTx(ctx context.Context, tx *sql.Tx, a contracts.AccountState) error {
	indexJSON, err := json.Marshal(a.ActiveSignalIndex)
	if err != nil {
		return fmt.Errorf("put account: marshal index: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (tenant_id, account_id, lifecycle_state, active_signal_index,
			last_engagement_at, has_active_contract, last_inference_at, inference_rule_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, account_id) DO UPDATE SET
			lifecycle_state = excluded.lifecycle_state,
			active_signal_index = excluded.active_signal_index,
			last_engagement_at = excluded.last_engagement_at,
			has_active_contract = excluded.has_active_contract,
			last_inference_at = excluded.last_inference_at,
			inference_rule_version = excluded.inference_rule_version,
			updated_at = excluded.updated_at`,
		a.TenantID, a.AccountID, string(a.CurrentLifecycleState), string(indexJSON),
		nullableTime(a.LastEngagementAt), boolInt(a.HasActiveContract),
		nullableTime(a.LastInferenceAt), a.InferenceRuleVersion, formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, tenantID, signalID string) (*contracts.Signal, error) {
	row := tx.QueryRowContext(ctx, signalColumns+` FROM signals WHERE tenant_id = ? AND signal_id = ?`,
		tenantID, signalID)
	return scanSignal(row)
}

func (s *SQLiteStore) getByDedupeTx(ctx context.Context, tx *sql.Tx, tenantID, dedupeKey string) (*contracts.Signal, error) {
	row := tx.QueryRowContext(ctx, signalColumns+` FROM signals WHERE tenant_id = ? AND dedupe_key = ?`,
		tenantID, dedupeKey)
	return scanSignal(row)
}

const signalColumns = `SELECT tenant_id, signal_id, account_id, type, status, confidence,
	confidence_source, severity, ttl_days, window_key, dedupe_key, evidence,
	detector_version, inference_active, suppression_reason, suppressed_at,
	trace_id, context, metadata, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSignal(row scannable) (*contracts.Signal, error) {
	var (
		sig              contracts.Signal
		sigType          string
		status           string
		confidenceSource string
		severity         string
		ttlDays          sql.NullInt64
		evidenceJSON     string
		inferenceActive  int
		suppressedAt     sql.NullString
		contextJSON      sql.NullString
		metadataJSON     sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&sig.TenantID, &sig.SignalID, &sig.AccountID, &sigType, &status,
		&sig.Confidence, &confidenceSource, &severity, &ttlDays, &sig.WindowKey,
		&sig.DedupeKey, &evidenceJSON, &sig.DetectorVersion, &inferenceActive,
		&sig.SuppressionReason, &suppressedAt, &sig.TraceID, &contextJSON, &metadataJSON,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, taxonomy.New(taxonomy.CodeValidation, "signal not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}

	sig.Type = contracts.SignalType(sigType)
	sig.Status = contracts.SignalStatus(status)
	sig.ConfidenceSource = contracts.ConfidenceSource(confidenceSource)
	sig.Severity = contracts.Severity(severity)
	if ttlDays.Valid {
		d := int(ttlDays.Int64)
		sig.TTLDays = &d
	}
	_ = json.Unmarshal([]byte(evidenceJSON), &sig.Evidence)
	sig.InferenceActive = inferenceActive != 0
	sig.SuppressedAt = parseNullTime(suppressedAt)
	if contextJSON.Valid && contextJSON.String != "" && contextJSON.String != "null" {
		_ = json.Unmarshal([]byte(contextJSON.String), &sig.Context)
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &sig.Metadata)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sig.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sig.UpdatedAt = t
	}
	return &sig, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
