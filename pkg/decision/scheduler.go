package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ratelimit"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Runner evaluates one admitted decision run.
type Runner func(ctx context.Context, run contracts.DecisionRun) error

// Result is the structured outcome of an admission attempt. Negative
// outcomes are results, not errors. Deferred results carry the time before
// which the re-queued event should not be redelivered.
type Result struct {
	Admitted  bool
	Reason    contracts.ScheduleReason
	Deferred  bool
	NotBefore time.Time
	Run       *contracts.DecisionRun
}

// Scheduler is the RUN_DECISION cost gate. Steps run in order and stop on
// the first negative: rate gate, idempotency reservation, conditional
// run-state consume, emit.
type Scheduler struct {
	gate      ratelimit.Gate
	keys      IdempotencyStore
	runs      RunStateStore
	policy    config.DecisionPolicy
	publisher bus.Publisher
	runner    Runner
	clock     clock.Clock
	logger    *slog.Logger
}

func NewScheduler(gate ratelimit.Gate, keys IdempotencyStore, runs RunStateStore,
	policy config.DecisionPolicy, publisher bus.Publisher, clk clock.Clock) *Scheduler {
	return &Scheduler{
		gate:      gate,
		keys:      keys,
		runs:      runs,
		policy:    policy,
		publisher: publisher,
		clock:     clk,
		logger:    slog.Default().With("component", "decision-scheduler"),
	}
}

// OnAdmit registers the runner invoked for each admitted run.
func (s *Scheduler) OnAdmit(r Runner) { s.runner = r }

// WindowKey buckets a time into the cost-gate window.
func (s *Scheduler) WindowKey(t time.Time) string {
	return t.UTC().Truncate(s.policy.Window).Format(time.RFC3339)
}

// Schedule admits, dedupes, or defers one decision run.
//
// The idempotency reservation is keyed by (correlation_id, window) so a
// duplicate delivery inside the window dedupes while a run deferred past the
// window boundary is re-admitted under a fresh key, the same way pull job
// ids collapse within a cadence bucket. Reservations are never rolled back.
func (s *Scheduler) Schedule(ctx context.Context, tenantID, accountID, correlationID string) (Result, error) {
	if tenantID == "" || accountID == "" || correlationID == "" {
		return Result{}, taxonomy.New(taxonomy.CodeValidation, "decision request missing identity fields")
	}
	now := s.clock.Now()
	windowKey := s.WindowKey(now)

	allowed, err := s.gate.Allow(ctx, "decision:"+tenantID, 1)
	if err != nil {
		return Result{}, fmt.Errorf("decision schedule: rate gate: %w", err)
	}
	if !allowed {
		// Nothing is reserved yet; a plain delay retry works.
		return Result{
			Reason:    contracts.ReasonRateLimit,
			Deferred:  true,
			NotBefore: now.Add(s.policy.DeferDelay),
		}, nil
	}

	key := correlationID + "#" + windowKey
	reserved, err := s.keys.Reserve(ctx, tenantID, key, ReservationTTL)
	if err != nil {
		return Result{}, fmt.Errorf("decision schedule: reserve: %w", err)
	}
	if !reserved {
		return Result{Reason: contracts.ReasonDuplicateDecision}, nil
	}

	ok, err := s.runs.Consume(ctx, tenantID, accountID, windowKey, s.policy.UnitsPerRun)
	if err != nil {
		return Result{}, fmt.Errorf("decision schedule: cost gate: %w", err)
	}
	if !ok {
		// The window budget is spent; re-running inside this window would be
		// rejected again, so the retry lands after the window rolls.
		nextWindow := now.UTC().Truncate(s.policy.Window).Add(s.policy.Window)
		notBefore := nextWindow
		if delayed := now.Add(s.policy.DeferDelay); delayed.After(notBefore) {
			notBefore = delayed
		}
		return Result{
			Reason:    contracts.ReasonBudgetExceeded,
			Deferred:  true,
			NotBefore: notBefore,
		}, nil
	}

	run := &contracts.DecisionRun{
		TenantID:      tenantID,
		AccountID:     accountID,
		CorrelationID: correlationID,
		WindowKey:     windowKey,
		ScheduledAt:   now,
	}
	s.logger.InfoContext(ctx, "decision run admitted",
		"correlation_id", correlationID, "account_id", accountID, "window_key", windowKey)
	return Result{Admitted: true, Run: run}, nil
}

// Handle consumes RUN_DECISION and RUN_DECISION_DEFERRED events. Deferred
// outcomes are re-queued; duplicates are dropped.
func (s *Scheduler) Handle(ctx context.Context, e bus.Event) error {
	if e.Kind != bus.KindRunDecision && e.Kind != bus.KindRunDecisionDeferred {
		return nil
	}
	tenantID, _ := e.Detail["tenant_id"].(string)
	accountID, _ := e.Detail["account_id"].(string)
	correlationID, _ := e.Detail["correlation_id"].(string)

	res, err := s.Schedule(ctx, tenantID, accountID, correlationID)
	if err != nil {
		return err
	}
	switch {
	case res.Admitted:
		if s.runner == nil {
			return nil
		}
		return s.runner(ctx, *res.Run)
	case res.Deferred:
		return s.publisher.Publish(ctx, bus.Event{
			Kind: bus.KindRunDecisionDeferred,
			Detail: map[string]any{
				"tenant_id":      tenantID,
				"account_id":     accountID,
				"correlation_id": correlationID,
				"not_before":     res.NotBefore.UTC().Format(time.RFC3339Nano),
				"reason":         string(res.Reason),
			},
		})
	default:
		s.logger.DebugContext(ctx, "decision run deduplicated",
			"correlation_id", correlationID, "account_id", accountID)
		return nil
	}
}
