package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

const genesisHash = "genesis"

// SQLiteLedger persists entries in sqlite.
type SQLiteLedger struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

// NewSQLiteLedger creates the ledger and runs its migration.
func NewSQLiteLedger(db *sql.DB, clk clock.Clock) (*SQLiteLedger, error) {
	l := &SQLiteLedger{
		db:     db,
		clock:  clk,
		logger: slog.Default().With("component", "ledger"),
	}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger (
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		data JSON,
		evidence_refs JSON,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (pk, sk)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_trace ON ledger (trace_id, sk);
	CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger (tenant_id, account_id, created_at);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append inserts e under its (pk, sk) key. Rejection of a duplicate sort key
// is logged and the existing row is returned; every other failure surfaces.
func (l *SQLiteLedger) Append(ctx context.Context, e contracts.LedgerEntry) (contracts.LedgerEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger append: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := l.headHash(ctx, tx, e.PK)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	e.PrevHash = prev

	contentHash, err := canon.Hash(struct {
		PK        string         `json:"pk"`
		SK        string         `json:"sk"`
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
		Prev      string         `json:"prev"`
	}{e.PK, e.SK, string(e.EventType), e.Data, e.PrevHash})
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger append: hash entry: %w", err)
	}
	e.ContentHash = contentHash

	dataJSON, _ := json.Marshal(e.Data)
	refsJSON, _ := json.Marshal(e.EvidenceRefs)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (pk, sk, tenant_id, account_id, trace_id, event_type, data, evidence_refs, content_hash, prev_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pk, sk) DO NOTHING`,
		e.PK, e.SK, e.TenantID, e.AccountID, e.TraceID, string(e.EventType),
		string(dataJSON), string(refsJSON), e.ContentHash, e.PrevHash,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger append: insert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger append: rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := l.getTx(ctx, tx, e.PK, e.SK)
		if err != nil {
			return contracts.LedgerEntry{}, err
		}
		if err := tx.Commit(); err != nil {
			return contracts.LedgerEntry{}, fmt.Errorf("ledger append: commit: %w", err)
		}
		l.logger.InfoContext(ctx, "duplicate ledger sort key, returning existing",
			"pk", e.PK, "sk", e.SK)
		return existing, nil
	}

	if err := tx.Commit(); err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger append: commit: %w", err)
	}
	return e, nil
}

func (l *SQLiteLedger) headHash(ctx context.Context, tx *sql.Tx, pk string) (string, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT content_hash FROM ledger WHERE pk = ? ORDER BY sk DESC LIMIT 1`, pk)
	var h string
	err := row.Scan(&h)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger append: head lookup: %w", err)
	}
	return h, nil
}

func (l *SQLiteLedger) getTx(ctx context.Context, tx *sql.Tx, pk, sk string) (contracts.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, selectColumns+` FROM ledger WHERE pk = ? AND sk = ?`, pk, sk)
	return scanEntry(row)
}

// ByTrace returns entries correlated to a trace id, ordered by sort key.
func (l *SQLiteLedger) ByTrace(ctx context.Context, traceID string) ([]contracts.LedgerEntry, error) {
	return l.query(ctx, selectColumns+` FROM ledger WHERE trace_id = ? ORDER BY sk ASC`, traceID)
}

// ByAccountTimeRange returns entries for an account within [from, to].
func (l *SQLiteLedger) ByAccountTimeRange(ctx context.Context, tenantID, accountID string, from, to time.Time) ([]contracts.LedgerEntry, error) {
	return l.query(ctx,
		selectColumns+` FROM ledger WHERE tenant_id = ? AND account_id = ? AND created_at >= ? AND created_at <= ? ORDER BY created_at ASC`,
		tenantID, accountID,
		from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
}

// ByPlan returns the partition for a plan id, ordered by sort key.
func (l *SQLiteLedger) ByPlan(ctx context.Context, planID string) ([]contracts.LedgerEntry, error) {
	return l.query(ctx, selectColumns+` FROM ledger WHERE pk = ? ORDER BY sk ASC`, planID)
}

// Verify recomputes the hash chain of a partition.
func (l *SQLiteLedger) Verify(ctx context.Context, pk string) (bool, string, error) {
	entries, err := l.ByPlan(ctx, pk)
	if err != nil {
		return false, "", err
	}
	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i, prev, e.PrevHash), nil
		}
		computed, err := canon.Hash(struct {
			PK        string         `json:"pk"`
			SK        string         `json:"sk"`
			EventType string         `json:"event_type"`
			Data      map[string]any `json:"data"`
			Prev      string         `json:"prev"`
		}{e.PK, e.SK, string(e.EventType), e.Data, e.PrevHash})
		if err != nil {
			return false, "", err
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i), nil
		}
		prev = e.ContentHash
	}
	return true, "chain verified", nil
}

const selectColumns = `SELECT pk, sk, tenant_id, account_id, trace_id, event_type, data, evidence_refs, content_hash, prev_hash, created_at`

func (l *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]contracts.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (contracts.LedgerEntry, error) {
	var (
		e         contracts.LedgerEntry
		eventType string
		dataJSON  sql.NullString
		refsJSON  sql.NullString
		createdAt string
	)
	if err := row.Scan(&e.PK, &e.SK, &e.TenantID, &e.AccountID, &e.TraceID, &eventType,
		&dataJSON, &refsJSON, &e.ContentHash, &e.PrevHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return e, fmt.Errorf("ledger entry not found")
		}
		return e, err
	}
	e.EventType = contracts.LedgerEventType(eventType)
	if dataJSON.Valid && dataJSON.String != "" {
		_ = json.Unmarshal([]byte(dataJSON.String), &e.Data)
	}
	if refsJSON.Valid && refsJSON.String != "" {
		_ = json.Unmarshal([]byte(refsJSON.String), &e.EvidenceRefs)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}
