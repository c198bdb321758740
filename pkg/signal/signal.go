// Package signal owns the signal store and the account lifecycle read-model.
//
// The two are coupled by a single transaction: a signal write and the
// account's active-signal index move together or not at all. Readers always
// observe an index that reflects exactly the ACTIVE inference-relevant
// signals in the store.
package signal

import (
	"context"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

// Filter narrows a signal query. Zero values mean "no constraint"; an empty
// Statuses slice defaults to ACTIVE.
type Filter struct {
	Statuses []contracts.SignalStatus
	Types    []contracts.SignalType
	From     time.Time
	To       time.Time
}

// Transition records a lifecycle state change produced by a signal write.
type Transition struct {
	TenantID  string                   `json:"tenant_id"`
	AccountID string                   `json:"account_id"`
	From      contracts.LifecycleState `json:"from"`
	To        contracts.LifecycleState `json:"to"`
	TraceID   string                   `json:"trace_id,omitempty"`
	At        time.Time                `json:"at"`
}

// CreateResult is the outcome of a signal write. Created is false when the
// dedupe key resolved to an existing row.
type CreateResult struct {
	Signal     contracts.Signal
	Created    bool
	Transition *Transition
}

// UpdateResult is the outcome of a status update.
type UpdateResult struct {
	Signal     contracts.Signal
	Transition *Transition
}

// SignalWriter creates signals coupled to the lifecycle read-model.
type SignalWriter interface {
	// CreateSignal inserts s atomically with the account-state update. A
	// duplicate dedupe key resolves to the original row idempotently.
	CreateSignal(ctx context.Context, s contracts.Signal) (CreateResult, error)
	// UpdateStatus drives the signal state machine and synchronizes the
	// active-signal index. SUPPRESSED is terminal.
	UpdateStatus(ctx context.Context, tenantID, signalID string, to contracts.SignalStatus, reason string) (UpdateResult, error)
}

// SignalReader queries signals and account state.
type SignalReader interface {
	GetSignal(ctx context.Context, tenantID, signalID string) (contracts.Signal, error)
	GetByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*contracts.Signal, error)
	// GetSignalsForAccount returns signals ordered by created_at descending.
	// TTL expiry is applied at read time even if no sweep has run.
	GetSignalsForAccount(ctx context.Context, tenantID, accountID string, f Filter) ([]contracts.Signal, error)
	GetAccountState(ctx context.Context, tenantID, accountID string) (contracts.AccountState, error)
}

// ExecutionSignalWriter writes execution-outcome signals. These bypass the
// lifecycle coupling: only the signal row is written, with the same
// non-exists guard on signal_id.
type ExecutionSignalWriter interface {
	CreateExecutionSignal(ctx context.Context, s contracts.Signal) (contracts.Signal, error)
}

// AccountFactsWriter records externally observed account facts that feed
// lifecycle inference.
type AccountFactsWriter interface {
	SetHasActiveContract(ctx context.Context, tenantID, accountID string, active bool) (*Transition, error)
}

// Store is the full capability set. Handlers compose the narrow interfaces
// they need; construction fails when a required dependency is absent.
type Store interface {
	SignalWriter
	SignalReader
	ExecutionSignalWriter
	AccountFactsWriter
}
