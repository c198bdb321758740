package pull

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ratelimit"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Request asks for one connector pull. Cadence is the requesting tier's
// cadence; it sizes the id bucket so retries inside one cadence window
// collapse onto the same job id.
type Request struct {
	TenantID      string
	AccountID     string
	ConnectorID   string
	Depth         contracts.PullDepth
	Cadence       time.Duration
	CorrelationID string
}

// Scheduler runs the four-step discipline.
type Scheduler struct {
	gate    ratelimit.Gate
	keys    IdempotencyStore
	budget  BudgetStore
	profile config.Profile
	clock   clock.Clock
	logger  *slog.Logger
}

func NewScheduler(gate ratelimit.Gate, keys IdempotencyStore, budget BudgetStore,
	profile config.Profile, clk clock.Clock) *Scheduler {
	return &Scheduler{
		gate:    gate,
		keys:    keys,
		budget:  budget,
		profile: profile,
		clock:   clk,
		logger:  slog.Default().With("component", "pull-scheduler"),
	}
}

// JobID derives the deterministic pull job id for a cadence bucket.
func JobID(tenantID, accountID, connectorID string, depth contracts.PullDepth, bucket int64) (string, error) {
	h, err := canon.HashStrings([]string{
		tenantID, accountID, connectorID, string(depth), fmt.Sprintf("%d", bucket),
	})
	if err != nil {
		return "", err
	}
	return "pull-" + h[:32], nil
}

// Schedule evaluates the steps in order and stops on the first negative:
//
//  1. rate gate (cheap, consumes nothing downstream)
//  2. idempotency reservation (never rolled back)
//  3. atomic budget consume
//  4. emit the job
func (s *Scheduler) Schedule(ctx context.Context, req Request) (contracts.ScheduleResult, error) {
	if req.TenantID == "" || req.AccountID == "" || req.ConnectorID == "" {
		return contracts.ScheduleResult{}, taxonomy.New(taxonomy.CodeValidation, "pull request missing identity fields")
	}
	if req.Cadence <= 0 {
		return contracts.ScheduleResult{}, taxonomy.New(taxonomy.CodeValidation, "pull request needs a positive cadence")
	}
	now := s.clock.Now()

	allowed, err := s.gate.Allow(ctx, fmt.Sprintf("pull:%s:%s", req.TenantID, req.ConnectorID), 1)
	if err != nil {
		return contracts.ScheduleResult{}, fmt.Errorf("schedule: rate gate: %w", err)
	}
	if !allowed {
		return contracts.ScheduleResult{Scheduled: false, Reason: contracts.ReasonRateLimit}, nil
	}

	bucket := now.Unix() / int64(req.Cadence/time.Second)
	jobID, err := JobID(req.TenantID, req.AccountID, req.ConnectorID, req.Depth, bucket)
	if err != nil {
		return contracts.ScheduleResult{}, fmt.Errorf("schedule: job id: %w", err)
	}
	reserved, err := s.keys.Reserve(ctx, req.TenantID, jobID, ReservationTTL)
	if err != nil {
		return contracts.ScheduleResult{}, fmt.Errorf("schedule: reserve: %w", err)
	}
	if !reserved {
		return contracts.ScheduleResult{Scheduled: false, Reason: contracts.ReasonDuplicatePullJobID}, nil
	}

	units := int64(s.profile.DepthUnits[req.Depth])
	if units == 0 {
		units = 1
	}
	day := now.UTC().Format("2006-01-02")
	remaining, ok, err := s.budget.Consume(ctx, req.TenantID, req.ConnectorID, day, units)
	if err != nil {
		return contracts.ScheduleResult{}, fmt.Errorf("schedule: budget: %w", err)
	}
	if !ok {
		// The reservation stays: the intent to schedule was real, and the
		// next cadence bucket produces a fresh id.
		return contracts.ScheduleResult{Scheduled: false, Reason: contracts.ReasonBudgetExceeded}, nil
	}

	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	job := &contracts.PullJob{
		PullJobID:       jobID,
		TenantID:        req.TenantID,
		AccountID:       req.AccountID,
		ConnectorID:     req.ConnectorID,
		Depth:           req.Depth,
		DepthUnits:      int(units),
		ScheduledAt:     now,
		CorrelationID:   correlation,
		BudgetRemaining: remaining,
	}
	s.logger.InfoContext(ctx, "pull job scheduled",
		"pull_job_id", jobID, "connector_id", req.ConnectorID, "depth", req.Depth,
		"budget_remaining", remaining)
	return contracts.ScheduleResult{Scheduled: true, Job: job}, nil
}
