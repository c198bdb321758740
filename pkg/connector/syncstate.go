package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
)

// SyncStateStore persists poll progress per (connector, tenant).
type SyncStateStore interface {
	Get(ctx context.Context, connectorID, tenantID string) (SyncState, error)
	Put(ctx context.Context, state SyncState) error
}

// SQLiteSyncStateStore keeps sync state in sqlite.
type SQLiteSyncStateStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteSyncStateStore(db *sql.DB, clk clock.Clock) (*SQLiteSyncStateStore, error) {
	s := &SQLiteSyncStateStore{db: db, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSyncStateStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS connector_sync_state (
		connector_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		last_sync_at TEXT,
		cursor TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (connector_id, tenant_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSyncStateStore) Get(ctx context.Context, connectorID, tenantID string) (SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at, cursor, updated_at FROM connector_sync_state WHERE connector_id = ? AND tenant_id = ?`,
		connectorID, tenantID)

	state := SyncState{ConnectorID: connectorID, TenantID: tenantID}
	var lastSync sql.NullString
	var updatedAt string
	err := row.Scan(&lastSync, &state.Cursor, &updatedAt)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("sync state get: %w", err)
	}
	if lastSync.Valid && lastSync.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastSync.String); err == nil {
			state.LastSyncAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		state.UpdatedAt = t
	}
	return state, nil
}

func (s *SQLiteSyncStateStore) Put(ctx context.Context, state SyncState) error {
	var lastSync any
	if state.LastSyncAt != nil {
		lastSync = state.LastSyncAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connector_sync_state (connector_id, tenant_id, last_sync_at, cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (connector_id, tenant_id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			cursor = excluded.cursor,
			updated_at = excluded.updated_at`,
		state.ConnectorID, state.TenantID, lastSync, state.Cursor,
		s.clock.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sync state put: %w", err)
	}
	return nil
}
