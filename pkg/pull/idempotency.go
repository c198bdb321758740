// Package pull schedules connector pull jobs under a strict four-step
// discipline: rate gate, idempotency reservation, atomic budget consume, then
// emit. Steps run in that order and stop at the first negative; negative
// outcomes are structured results, never errors.
package pull

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
)

// ReservationTTL bounds how long a pull_job_id reservation blocks retries. A
// reservation is never rolled back on downstream failure; the caller retries
// with the next time-bucketed id.
const ReservationTTL = 24 * time.Hour

// IdempotencyStore reserves pull job ids.
type IdempotencyStore interface {
	// Reserve conditionally claims key. False means a live reservation
	// already exists.
	Reserve(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error)
}

// SQLiteIdempotencyStore implements the reservation with a conditional
// insert; an expired reservation is taken over in place.
type SQLiteIdempotencyStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewSQLiteIdempotencyStore(db *sql.DB, clk clock.Clock) (*SQLiteIdempotencyStore, error) {
	s := &SQLiteIdempotencyStore{db: db, clock: clk}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ IdempotencyStore = (*SQLiteIdempotencyStore)(nil)

func (s *SQLiteIdempotencyStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pull_job_keys (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, key)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteIdempotencyStore) Reserve(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	reservedAt := now.UTC().Format(time.RFC3339Nano)
	expiresAt := now.Add(ttl).UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_job_keys (tenant_id, key, reserved_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO NOTHING`,
		tenantID, key, reservedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve %s: rows affected: %w", key, err)
	}
	if affected > 0 {
		return true, nil
	}

	// Take over only if the existing reservation has expired.
	res, err = s.db.ExecContext(ctx, `
		UPDATE pull_job_keys SET reserved_at = ?, expires_at = ?
		WHERE tenant_id = ? AND key = ? AND expires_at <= ?`,
		reservedAt, expiresAt, tenantID, key, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("reserve %s: takeover: %w", key, err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve %s: rows affected: %w", key, err)
	}
	return affected > 0, nil
}
