package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
)

// TransitionHook runs after a lifecycle transition has been recorded. The
// suppression path hangs off this hook.
type TransitionHook func(ctx context.Context, t Transition) error

// Service wraps the store with ledger records and bus events. Detector
// handlers talk to the service; the store stays free of side channels.
type Service struct {
	store        Store
	ledger       ledger.Ledger
	publisher    bus.Publisher
	clock        clock.Clock
	logger       *slog.Logger
	onTransition TransitionHook
}

func NewService(store Store, led ledger.Ledger, pub bus.Publisher, clk clock.Clock) *Service {
	return &Service{
		store:     store,
		ledger:    led,
		publisher: pub,
		clock:     clk,
		logger:    slog.Default().With("component", "signal-service"),
	}
}

// OnTransition registers the transition hook. One hook; the suppression path
// is the sole consumer.
func (s *Service) OnTransition(h TransitionHook) { s.onTransition = h }

// Ingest writes a detected signal. The lifecycle context at detection time is
// stamped into the signal metadata so replay can reconstruct it.
func (s *Service) Ingest(ctx context.Context, sig contracts.Signal) (CreateResult, error) {
	prior, err := s.store.GetAccountState(ctx, sig.TenantID, sig.AccountID)
	if err != nil {
		return CreateResult{}, err
	}
	if sig.Metadata == nil {
		sig.Metadata = map[string]any{}
	}
	sig.Metadata["lifecycle_at_detection"] = string(prior.CurrentLifecycleState)
	if prior.LastEngagementAt != nil {
		sig.Metadata["last_engagement_at_detection"] = prior.LastEngagementAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.store.CreateSignal(ctx, sig)
	if err != nil {
		return CreateResult{}, err
	}
	if !res.Created {
		return res, nil
	}

	if _, err := s.ledger.Append(ctx, signalEntry(res.Signal)); err != nil {
		return res, fmt.Errorf("ingest signal: ledger: %w", err)
	}
	if err := s.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindSignalCreated,
		Detail: map[string]any{
			"tenant_id": res.Signal.TenantID,
			"account_id": res.Signal.AccountID,
			"signal_id": res.Signal.SignalID,
			"type":      string(res.Signal.Type),
			"trace_id":  res.Signal.TraceID,
		},
	}); err != nil {
		s.logger.ErrorContext(ctx, "publish SIGNAL_CREATED failed",
			"signal_id", res.Signal.SignalID, "error", err)
	}

	if res.Transition != nil {
		if err := s.recordTransition(ctx, *res.Transition); err != nil {
			return res, err
		}
	}
	return res, nil
}

// RecordOutcomeSignal writes an execution-outcome signal and its ledger entry.
func (s *Service) RecordOutcomeSignal(ctx context.Context, sig contracts.Signal) (contracts.Signal, error) {
	out, err := s.store.CreateExecutionSignal(ctx, sig)
	if err != nil {
		return contracts.Signal{}, err
	}
	if _, err := s.ledger.Append(ctx, signalEntry(out)); err != nil {
		return out, fmt.Errorf("outcome signal: ledger: %w", err)
	}
	if err := s.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindSignalCreated,
		Detail: map[string]any{
			"tenant_id": out.TenantID,
			"account_id": out.AccountID,
			"signal_id": out.SignalID,
			"type":      string(out.Type),
			"trace_id":  out.TraceID,
		},
	}); err != nil {
		s.logger.ErrorContext(ctx, "publish SIGNAL_CREATED failed",
			"signal_id", out.SignalID, "error", err)
	}
	return out, nil
}

// RecordContract updates the contract fact and handles any resulting
// transition.
func (s *Service) RecordContract(ctx context.Context, tenantID, accountID string, active bool) error {
	transition, err := s.store.SetHasActiveContract(ctx, tenantID, accountID, active)
	if err != nil {
		return err
	}
	if transition != nil {
		return s.recordTransition(ctx, *transition)
	}
	return nil
}

func (s *Service) recordTransition(ctx context.Context, t Transition) error {
	entry := contracts.LedgerEntry{
		PK:        accountPK(t.TenantID, t.AccountID),
		SK:        fmt.Sprintf("%s#TRANSITION#%s>%s", t.At.UTC().Format(time.RFC3339Nano), t.From, t.To),
		TenantID:  t.TenantID,
		AccountID: t.AccountID,
		TraceID:   t.TraceID,
		EventType: contracts.LedgerEventTransition,
		Data: map[string]any{
			"from": string(t.From),
			"to":   string(t.To),
		},
		CreatedAt: t.At,
	}
	if _, err := s.ledger.Append(ctx, entry); err != nil {
		return fmt.Errorf("record transition: ledger: %w", err)
	}

	if err := s.publisher.Publish(ctx, bus.Event{
		Kind: bus.KindLifecycleStateChanged,
		Detail: map[string]any{
			"tenant_id":  t.TenantID,
			"account_id": t.AccountID,
			"from":       string(t.From),
			"to":         string(t.To),
			"trace_id":   t.TraceID,
		},
	}); err != nil {
		s.logger.ErrorContext(ctx, "publish LIFECYCLE_STATE_CHANGED failed",
			"account_id", t.AccountID, "error", err)
	}

	if s.onTransition != nil {
		if err := s.onTransition(ctx, t); err != nil {
			return fmt.Errorf("transition hook: %w", err)
		}
	}
	return nil
}

func signalEntry(sig contracts.Signal) contracts.LedgerEntry {
	return contracts.LedgerEntry{
		PK:        accountPK(sig.TenantID, sig.AccountID),
		SK:        fmt.Sprintf("%s#SIGNAL#%s", sig.CreatedAt.UTC().Format(time.RFC3339Nano), sig.SignalID),
		TenantID:  sig.TenantID,
		AccountID: sig.AccountID,
		TraceID:   sig.TraceID,
		EventType: contracts.LedgerEventSignal,
		Data: map[string]any{
			"signal_id":        sig.SignalID,
			"type":             string(sig.Type),
			"status":           string(sig.Status),
			"confidence":       sig.Confidence,
			"dedupe_key":       sig.DedupeKey,
			"window_key":       sig.WindowKey,
			"detector_version": sig.DetectorVersion,
		},
		EvidenceRefs: []contracts.EvidenceRef{sig.Evidence},
		CreatedAt:    sig.CreatedAt,
	}
}

func accountPK(tenantID, accountID string) string {
	return fmt.Sprintf("acct#%s#%s", tenantID, accountID)
}
