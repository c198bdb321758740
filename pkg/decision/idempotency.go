package decision

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
)

// ReservationTTL bounds how long a decision correlation id stays reserved.
const ReservationTTL = 24 * time.Hour

// IdempotencyStore reserves decision correlation ids.
type IdempotencyStore interface {
	Reserve(ctx context.Context, tenantID, correlationID string, ttl time.Duration) (bool, error)
}

// SQLiteIdempotencyStore uses a conditional insert keyed on the correlation
// id; an expired reservation is taken over in place.
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
	CREATE TABLE IF NOT EXISTS decision_idempotency (
		tenant_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, correlation_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteIdempotencyStore) Reserve(ctx context.Context, tenantID, correlationID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	reservedAt := now.UTC().Format(time.RFC3339Nano)
	expiresAt := now.Add(ttl).UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_idempotency (tenant_id, correlation_id, reserved_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, correlation_id) DO NOTHING`,
		tenantID, correlationID, reservedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("reserve decision %s: %w", correlationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve decision %s: rows affected: %w", correlationID, err)
	}
	if affected > 0 {
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE decision_idempotency SET reserved_at = ?, expires_at = ?
		WHERE tenant_id = ? AND correlation_id = ? AND expires_at <= ?`,
		reservedAt, expiresAt, tenantID, correlationID, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("reserve decision %s: takeover: %w", correlationID, err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve decision %s: rows affected: %w", correlationID, err)
	}
	return affected > 0, nil
}
