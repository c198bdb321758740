package contracts

import "time"

// PullDepth selects how much history a connector pull requests.
type PullDepth string

const (
	DepthShallow PullDepth = "SHALLOW"
	DepthDeep    PullDepth = "DEEP"
)

// PullJob is a scheduled, idempotent intent to ask a connector for new
// evidence. PullJobID is deterministic within a cadence bucket so retries
// collapse naturally.
type PullJob struct {
	PullJobID       string    `json:"pull_job_id"`
	TenantID        string    `json:"tenant_id"`
	AccountID       string    `json:"account_id"`
	ConnectorID     string    `json:"connector_id"`
	Depth           PullDepth `json:"depth"`
	DepthUnits      int       `json:"depth_units"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	CorrelationID   string    `json:"correlation_id"`
	BudgetRemaining int64     `json:"budget_remaining"`
}

// ScheduleReason explains a negative scheduling decision.
type ScheduleReason string

const (
	ReasonRateLimit          ScheduleReason = "RATE_LIMIT"
	ReasonDuplicatePullJobID ScheduleReason = "DUPLICATE_PULL_JOB_ID"
	ReasonBudgetExceeded     ScheduleReason = "BUDGET_EXCEEDED"
)

// ScheduleResult is the structured outcome of a schedule attempt. Negative
// outcomes are results, not errors.
type ScheduleResult struct {
	Scheduled bool           `json:"scheduled"`
	Reason    ScheduleReason `json:"reason,omitempty"`
	Job       *PullJob       `json:"job,omitempty"`
}
