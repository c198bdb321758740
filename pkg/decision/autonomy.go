package decision

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Approval sources recorded on ACTION_APPROVED events.
const (
	ApprovalSourceAutonomy = "autonomy"
	ApprovalSourceHuman    = "human"
)

// ApprovalDecision reports how the autonomy gate disposed of an intent.
type ApprovalDecision struct {
	Mode         contracts.AutonomyMode
	Approved     bool
	AutoExecuted bool
	Rejected     bool
	Reason       string
}

// AutoApprovalStore counts AUTO self-approvals per tenant per UTC day.
type AutoApprovalStore interface {
	// Consume takes one approval against the daily cap. ok=false means the
	// cap is spent.
	Consume(ctx context.Context, tenantID, day string) (ok bool, err error)
}

// SQLiteAutoApprovalStore is a conditional daily counter.
type SQLiteAutoApprovalStore struct {
	db  *sql.DB
	cap int64
}

func NewSQLiteAutoApprovalStore(db *sql.DB, dailyCap int64) (*SQLiteAutoApprovalStore, error) {
	s := &SQLiteAutoApprovalStore{db: db, cap: dailyCap}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ AutoApprovalStore = (*SQLiteAutoApprovalStore)(nil)

func (s *SQLiteAutoApprovalStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS auto_approvals (
		tenant_id TEXT NOT NULL,
		day TEXT NOT NULL,
		approvals INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, day)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteAutoApprovalStore) Consume(ctx context.Context, tenantID, day string) (bool, error) {
	if s.cap <= 0 {
		return true, nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_approvals (tenant_id, day, approvals)
		VALUES (?, ?, 1)
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			approvals = approvals + 1
			WHERE approvals + 1 <= ?`,
		tenantID, day, s.cap)
	if err != nil {
		return false, fmt.Errorf("auto approval consume: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("auto approval consume: rows affected: %w", err)
	}
	return affected > 0, nil
}

// Gate disposes of proposed intents under the tenant autonomy policy. AUTO
// intents self-approve within the daily budget; past it they degrade to
// pending human approval rather than being lost.
type Gate struct {
	intents   IntentStore
	approvals AutoApprovalStore
	policy    config.AutonomyPolicy
	ledger    ledger.Ledger
	publisher bus.Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

func NewGate(intents IntentStore, approvals AutoApprovalStore, policy config.AutonomyPolicy,
	led ledger.Ledger, publisher bus.Publisher, clk clock.Clock) *Gate {
	return &Gate{
		intents:   intents,
		approvals: approvals,
		policy:    policy,
		ledger:    led,
		publisher: publisher,
		clock:     clk,
		logger:    slog.Default().With("component", "autonomy-gate"),
	}
}

// Propose persists a new intent and applies the autonomy policy to it.
func (g *Gate) Propose(ctx context.Context, intent contracts.ActionIntent) (ApprovalDecision, error) {
	intent.Status = contracts.IntentProposed
	if err := g.intents.Create(ctx, intent); err != nil {
		return ApprovalDecision{}, err
	}

	mode := g.policy.ModeFor(intent.ActionType)
	decision := ApprovalDecision{Mode: mode}

	switch mode {
	case contracts.AutonomyBlocked:
		ok, err := g.intents.Transition(ctx, intent.TenantID, intent.ActionIntentID,
			contracts.IntentProposed, contracts.IntentRejected)
		if err != nil {
			return ApprovalDecision{}, err
		}
		if !ok {
			return ApprovalDecision{}, taxonomy.New(taxonomy.CodeConditionalConflict,
				"intent %s left PROPOSED before rejection", intent.ActionIntentID)
		}
		decision.Rejected = true
		decision.Reason = "action type blocked by autonomy policy"
		return decision, g.record(ctx, intent, "REJECTED", decision.Reason)

	case contracts.AutonomyAuto:
		day := g.clock.Now().UTC().Format("2006-01-02")
		ok, err := g.approvals.Consume(ctx, intent.TenantID, day)
		if err != nil {
			return ApprovalDecision{}, err
		}
		if !ok {
			decision.Reason = "auto approval budget exhausted"
			g.logger.InfoContext(ctx, "auto approval degraded to pending",
				"action_intent_id", intent.ActionIntentID, "action_type", intent.ActionType)
			return decision, g.record(ctx, intent, "PENDING", decision.Reason)
		}
		if err := g.approve(ctx, intent, ApprovalSourceAutonomy, true); err != nil {
			return ApprovalDecision{}, err
		}
		decision.Approved = true
		decision.AutoExecuted = true
		return decision, nil

	default:
		decision.Reason = "approval required"
		return decision, g.record(ctx, intent, "PENDING", decision.Reason)
	}
}

// Approve applies a human approval to a pending intent.
func (g *Gate) Approve(ctx context.Context, tenantID, actionIntentID string) error {
	intent, err := g.intents.Get(ctx, tenantID, actionIntentID)
	if err != nil {
		return err
	}
	if g.policy.ModeFor(intent.ActionType) == contracts.AutonomyBlocked {
		return taxonomy.New(taxonomy.CodeValidation,
			"action type %s is blocked by autonomy policy", intent.ActionType)
	}
	return g.approve(ctx, intent, ApprovalSourceHuman, false)
}

// Reject applies a human rejection to a pending intent.
func (g *Gate) Reject(ctx context.Context, tenantID, actionIntentID, reason string) error {
	intent, err := g.intents.Get(ctx, tenantID, actionIntentID)
	if err != nil {
		return err
	}
	ok, err := g.intents.Transition(ctx, tenantID, actionIntentID,
		contracts.IntentProposed, contracts.IntentRejected)
	if err != nil {
		return err
	}
	if !ok {
		return taxonomy.New(taxonomy.CodeConditionalConflict,
			"intent %s is no longer PROPOSED", actionIntentID)
	}
	return g.record(ctx, intent, "REJECTED", reason)
}

func (g *Gate) approve(ctx context.Context, intent contracts.ActionIntent, source string, autoExecuted bool) error {
	ok, err := g.intents.Transition(ctx, intent.TenantID, intent.ActionIntentID,
		contracts.IntentProposed, contracts.IntentApproved)
	if err != nil {
		return err
	}
	if !ok {
		return taxonomy.New(taxonomy.CodeConditionalConflict,
			"intent %s is no longer PROPOSED", intent.ActionIntentID)
	}
	if err := g.record(ctx, intent, "APPROVED", source); err != nil {
		return err
	}

	err = g.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindActionApproved,
		Detail: map[string]any{
			"data": map[string]any{
				"action_intent_id": intent.ActionIntentID,
				"tenant_id":        intent.TenantID,
				"account_id":       intent.AccountID,
				"approval_source":  source,
				"auto_executed":    autoExecuted,
			},
		},
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "publish ACTION_APPROVED failed",
			"action_intent_id", intent.ActionIntentID, "error", err)
	}
	g.logger.InfoContext(ctx, "action intent approved",
		"action_intent_id", intent.ActionIntentID, "action_type", intent.ActionType,
		"approval_source", source, "auto_executed", autoExecuted)
	return nil
}

func (g *Gate) record(ctx context.Context, intent contracts.ActionIntent, disposition, detail string) error {
	now := g.clock.Now()
	_, err := g.ledger.Append(ctx, contracts.LedgerEntry{
		PK:        fmt.Sprintf("acct#%s#%s", intent.TenantID, intent.AccountID),
		SK:        fmt.Sprintf("%s#DECISION#%s#%s", now.UTC().Format(time.RFC3339Nano), intent.ActionIntentID, disposition),
		TenantID:  intent.TenantID,
		AccountID: intent.AccountID,
		TraceID:   intent.DecisionTrace,
		EventType: contracts.LedgerEventDecision,
		Data: map[string]any{
			"action_intent_id": intent.ActionIntentID,
			"action_type":      intent.ActionType,
			"action_version":   intent.ActionVersion,
			"disposition":      disposition,
			"detail":           detail,
		},
		CreatedAt: now,
	})
	return err
}
