package contracts

import "time"

// ActionIntent is a proposed action produced by the decision layer, executed
// only after approval (automatic or human).
type ActionIntent struct {
	ActionIntentID string         `json:"action_intent_id"`
	TenantID       string         `json:"tenant_id"`
	AccountID      string         `json:"account_id"`
	ActionType     string         `json:"action_type"`
	ActionVersion  string         `json:"action_version"`
	Parameters     map[string]any `json:"parameters"`
	Status         string         `json:"status"`
	DecisionTrace  string         `json:"decision_trace"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Intent approval states.
const (
	IntentProposed  = "PROPOSED"
	IntentApproved  = "APPROVED"
	IntentRejected  = "REJECTED"
	IntentExecuted  = "EXECUTED"
	IntentCancelled = "CANCELLED"
)

// AutonomyMode governs whether an action type may self-approve.
type AutonomyMode string

const (
	AutonomyAuto             AutonomyMode = "AUTO"
	AutonomyApprovalRequired AutonomyMode = "APPROVAL_REQUIRED"
	AutonomyBlocked          AutonomyMode = "BLOCKED"
)

// ReasonDuplicateDecision reports a correlation id that already holds a live
// reservation.
const ReasonDuplicateDecision ScheduleReason = "DUPLICATE_DECISION"

// DecisionRun is an admitted decision evaluation, handed to the runner after
// the cost gate passes.
type DecisionRun struct {
	TenantID      string    `json:"tenant_id"`
	AccountID     string    `json:"account_id"`
	CorrelationID string    `json:"correlation_id"`
	WindowKey     string    `json:"window_key"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// DecisionRunState is the per (tenant, account, window) mutable state the
// cost gate consumes against.
type DecisionRunState struct {
	TenantID      string    `json:"tenant_id"`
	AccountID     string    `json:"account_id"`
	WindowKey     string    `json:"window_key"`
	Runs          int       `json:"runs"`
	UnitsConsumed int64     `json:"units_consumed"`
	UpdatedAt     time.Time `json:"updated_at"`
}
