package contracts

import "time"

// LedgerEventType categorizes ledger entries.
type LedgerEventType string

const (
	LedgerEventSignal     LedgerEventType = "SIGNAL"
	LedgerEventTransition LedgerEventType = "TRANSITION"
	LedgerEventOutcome    LedgerEventType = "OUTCOME"
	LedgerEventValidation LedgerEventType = "VALIDATION"
	LedgerEventPosture    LedgerEventType = "POSTURE"
	LedgerEventDecision   LedgerEventType = "DECISION"
)

// LedgerEntry is an append-only audit record. PK is the trace or plan id;
// SK is event_time plus a unique suffix. The single insertion condition is
// SK uniqueness within the partition.
type LedgerEntry struct {
	PK           string          `json:"pk"`
	SK           string          `json:"sk"`
	TenantID     string          `json:"tenant_id"`
	AccountID    string          `json:"account_id"`
	TraceID      string          `json:"trace_id"`
	EventType    LedgerEventType `json:"event_type"`
	Data         map[string]any  `json:"data"`
	EvidenceRefs []EvidenceRef   `json:"evidence_refs,omitempty"`
	ContentHash  string          `json:"content_hash"`
	PrevHash     string          `json:"prev_hash"`
	CreatedAt    time.Time       `json:"created_at"`
}
