// Package connector runs external-system pollers and turns their records
// into immutable evidence snapshots.
package connector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// SyncMode declares how a connector tracks progress between polls.
type SyncMode string

const (
	ModeTimestamp SyncMode = "TIMESTAMP"
	ModeCursor    SyncMode = "CURSOR"
	// ModeHybrid keeps both; the cursor takes precedence, the timestamp is
	// the fallback floor when the cursor is invalidated upstream.
	ModeHybrid SyncMode = "HYBRID"
)

// SyncState is the persisted progress marker for a (connector, tenant).
type SyncState struct {
	ConnectorID string     `json:"connector_id"`
	TenantID    string     `json:"tenant_id"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	Cursor      string     `json:"cursor,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PollRequest scopes one poll invocation.
type PollRequest struct {
	TenantID  string
	AccountID string
	Depth     contracts.PullDepth
	State     SyncState
}

// Batch is the result of one poll: the snapshots observed plus the sync
// state to persist once the batch has been emitted.
type Batch struct {
	Snapshots []contracts.EvidenceSnapshot
	NextState SyncState
}

// Connector is implemented per external system (CRM, product usage, support).
type Connector interface {
	ID() string
	Mode() SyncMode
	Connect(ctx context.Context) error
	Poll(ctx context.Context, req PollRequest) (*Batch, error)
	Disconnect(ctx context.Context) error
}

// Error is a typed connector failure surfaced to the runtime.
type Error struct {
	ConnectorID string
	Op          string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector %s: %s: %v", e.ConnectorID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Base provides identity and outbound rate limiting for connector
// implementations. The limiter is consulted before every outward call.
type Base struct {
	id      string
	mode    SyncMode
	version string
	limiter *rate.Limiter
}

// NewBase creates a Base with a token bucket of requestsPerMinute + burst.
func NewBase(id string, mode SyncMode, version string, requestsPerMinute float64, burst int) *Base {
	return &Base{
		id:      id,
		mode:    mode,
		version: version,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), burst),
	}
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Mode() SyncMode  { return b.mode }
func (b *Base) Version() string { return b.version }

// Wait blocks until the rate limiter admits an outward call.
func (b *Base) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
