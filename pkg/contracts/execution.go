package contracts

import "time"

// OutcomeStatus is the terminal status of an execution attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "SUCCEEDED"
	OutcomeFailed    OutcomeStatus = "FAILED"
	OutcomeCancelled OutcomeStatus = "CANCELLED"
	OutcomeRetrying  OutcomeStatus = "RETRYING"
)

// CompensationStatus tracks the reversal step of a failed external write.
type CompensationStatus string

const (
	CompensationNone      CompensationStatus = "NONE"
	CompensationPending   CompensationStatus = "PENDING"
	CompensationCompleted CompensationStatus = "COMPLETED"
	CompensationFailed    CompensationStatus = "FAILED"
)

// CompensationStrategy is declared per action type in the registry.
type CompensationStrategy string

const (
	CompensationAutomatic CompensationStrategy = "AUTOMATIC"
	CompensationManual    CompensationStrategy = "MANUAL"
	CompensationDisabled  CompensationStrategy = "NONE"
)

// ExecutionAttempt is the lock row that guarantees at-most-one in-flight
// execution per intent. Its existence within the TTL is the lock.
type ExecutionAttempt struct {
	ActionIntentID string    `json:"action_intent_id"`
	AttemptCount   int       `json:"attempt_count"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExternalObjectRef identifies an object created or touched in an external
// system by a tool invocation.
type ExternalObjectRef struct {
	System   string `json:"system"`
	ObjectID string `json:"object_id"`
}

// ActionOutcome is the terminal record of an execution attempt.
type ActionOutcome struct {
	OutcomeID          string              `json:"outcome_id"`
	ActionIntentID     string              `json:"action_intent_id"`
	TenantID           string              `json:"tenant_id"`
	AccountID          string              `json:"account_id"`
	Status             OutcomeStatus       `json:"status"`
	ExternalObjectRefs []ExternalObjectRef `json:"external_object_refs,omitempty"`
	ToolRunRef         string              `json:"tool_run_ref,omitempty"`
	ErrorCode          string              `json:"error_code,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	CompensationStatus CompensationStatus  `json:"compensation_status"`
	StartedAt          time.Time           `json:"started_at"`
	CompletedAt        time.Time           `json:"completed_at"`
}
