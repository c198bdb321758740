// Package suppress is the sole path for suppressing signals. Rules are keyed
// by lifecycle transition; a transition makes the signals that argued for it
// redundant, and they leave the active set in one audited batch.
package suppress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/signal"
)

// Item marks one signal for suppression.
type Item struct {
	SignalID string               `json:"signal_id"`
	Type     contracts.SignalType `json:"type"`
	Reason   string               `json:"reason"`
}

// Set is one batch of suppressions for an account transition.
type Set struct {
	TenantID  string                   `json:"tenant_id"`
	AccountID string                   `json:"account_id"`
	From      contracts.LifecycleState `json:"from"`
	To        contracts.LifecycleState `json:"to"`
	TraceID   string                   `json:"trace_id,omitempty"`
	Items     []Item                   `json:"items"`
}

// RuleTable maps a lifecycle transition to the signal types it suppresses.
type RuleTable map[contracts.LifecycleState]map[contracts.LifecycleState][]contracts.SignalType

// DefaultRules covers the built-in transitions. Promotion out of PROSPECT
// retires the activation and no-engagement signals that drove it; becoming a
// CUSTOMER additionally retires stalled-discovery nagging.
func DefaultRules() RuleTable {
	return RuleTable{
		contracts.LifecycleProspect: {
			contracts.LifecycleSuspect: {
				contracts.SignalAccountActivationDetected,
				contracts.SignalNoEngagementPresent,
			},
			contracts.LifecycleCustomer: {
				contracts.SignalAccountActivationDetected,
				contracts.SignalNoEngagementPresent,
				contracts.SignalDiscoveryProgressStalled,
			},
		},
		contracts.LifecycleSuspect: {
			contracts.LifecycleCustomer: {
				contracts.SignalNoEngagementPresent,
				contracts.SignalDiscoveryProgressStalled,
			},
		},
	}
}

// StatusUpdater is the slice of the signal store suppression needs.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, tenantID, signalID string, to contracts.SignalStatus, reason string) (signal.UpdateResult, error)
}

// ActiveReader loads the active signals considered for suppression.
type ActiveReader interface {
	GetSignalsForAccount(ctx context.Context, tenantID, accountID string, f signal.Filter) ([]contracts.Signal, error)
}

// Suppressor computes, applies, and logs suppression sets.
type Suppressor struct {
	rules   RuleTable
	reader  ActiveReader
	updater StatusUpdater
	ledger  ledger.Ledger
	clock   clock.Clock
	logger  *slog.Logger
}

func New(rules RuleTable, reader ActiveReader, updater StatusUpdater, led ledger.Ledger, clk clock.Clock) *Suppressor {
	return &Suppressor{
		rules:   rules,
		reader:  reader,
		updater: updater,
		ledger:  led,
		clock:   clk,
		logger:  slog.Default().With("component", "suppress"),
	}
}

// Compute selects the active signals the transition retires. Precedence: an
// active FIRST_ENGAGEMENT_OCCURRED always marks NO_ENGAGEMENT_PRESENT for
// suppression, regardless of the rule table.
func (s *Suppressor) Compute(tenantID, accountID string, from, to contracts.LifecycleState, active []contracts.Signal) Set {
	set := Set{TenantID: tenantID, AccountID: accountID, From: from, To: to}

	suppressTypes := map[contracts.SignalType]string{}
	for _, typ := range s.rules[from][to] {
		suppressTypes[typ] = fmt.Sprintf("lifecycle transition %s>%s", from, to)
	}
	for _, sig := range active {
		if sig.Type == contracts.SignalFirstEngagementOccurred {
			suppressTypes[contracts.SignalNoEngagementPresent] = "superseded by FIRST_ENGAGEMENT_OCCURRED"
			break
		}
	}

	for _, sig := range active {
		if sig.Status != contracts.SignalActive {
			continue
		}
		reason, ok := suppressTypes[sig.Type]
		if !ok {
			continue
		}
		if set.TraceID == "" {
			set.TraceID = sig.TraceID
		}
		set.Items = append(set.Items, Item{SignalID: sig.SignalID, Type: sig.Type, Reason: reason})
	}
	return set
}

// Apply drives each item through the signal state machine.
func (s *Suppressor) Apply(ctx context.Context, set Set) error {
	for _, item := range set.Items {
		if _, err := s.updater.UpdateStatus(ctx, set.TenantID, item.SignalID, contracts.SignalSuppressed, item.Reason); err != nil {
			return fmt.Errorf("suppress %s: %w", item.SignalID, err)
		}
	}
	return nil
}

// Log appends a single VALIDATION entry for the batch.
func (s *Suppressor) Log(ctx context.Context, set Set) error {
	if len(set.Items) == 0 {
		return nil
	}
	now := s.clock.Now()
	suppressed := make([]map[string]any, 0, len(set.Items))
	for _, item := range set.Items {
		suppressed = append(suppressed, map[string]any{
			"signal_id": item.SignalID,
			"type":      string(item.Type),
			"reason":    item.Reason,
		})
	}
	entry := contracts.LedgerEntry{
		PK:        fmt.Sprintf("acct#%s#%s", set.TenantID, set.AccountID),
		SK:        fmt.Sprintf("%s#SUPPRESS#%s>%s", now.UTC().Format(time.RFC3339Nano), set.From, set.To),
		TenantID:  set.TenantID,
		AccountID: set.AccountID,
		TraceID:   set.TraceID,
		EventType: contracts.LedgerEventValidation,
		Data: map[string]any{
			"check":      "suppression",
			"from":       string(set.From),
			"to":         string(set.To),
			"suppressed": suppressed,
		},
		CreatedAt: now,
	}
	if _, err := s.ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("suppression log: ledger: %w", err)
	}
	return nil
}

// OnTransition is wired as the signal service transition hook.
func (s *Suppressor) OnTransition(ctx context.Context, t signal.Transition) error {
	active, err := s.reader.GetSignalsForAccount(ctx, t.TenantID, t.AccountID, signal.Filter{})
	if err != nil {
		return fmt.Errorf("suppression: load active signals: %w", err)
	}
	set := s.Compute(t.TenantID, t.AccountID, t.From, t.To, active)
	if set.TraceID == "" {
		set.TraceID = t.TraceID
	}
	if len(set.Items) == 0 {
		return nil
	}
	if err := s.Apply(ctx, set); err != nil {
		return err
	}
	if err := s.Log(ctx, set); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "suppressed signals on transition",
		"account_id", t.AccountID, "from", t.From, "to", t.To, "count", len(set.Items))
	return nil
}
