package synthesis

import (
	"context"
	"fmt"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
)

// Service runs synthesis, persists the result, and records it in the ledger.
type Service struct {
	engine *Engine
	store  PostureStore
	ledger ledger.Ledger
}

func NewService(engine *Engine, store PostureStore, led ledger.Ledger) *Service {
	return &Service{engine: engine, store: store, ledger: led}
}

// Evaluate synthesizes and records the posture for one account.
func (s *Service) Evaluate(ctx context.Context, tenantID, accountID string, eventTime time.Time) (contracts.AccountPostureState, error) {
	state, err := s.engine.Synthesize(ctx, tenantID, accountID, eventTime)
	if err != nil {
		return contracts.AccountPostureState{}, err
	}
	if err := s.store.Put(ctx, state); err != nil {
		return contracts.AccountPostureState{}, err
	}

	entry := contracts.LedgerEntry{
		PK:        fmt.Sprintf("acct#%s#%s", tenantID, accountID),
		SK:        fmt.Sprintf("%s#POSTURE#%s", state.EvaluatedAt.UTC().Format(time.RFC3339Nano), state.RuleID),
		TenantID:  tenantID,
		AccountID: accountID,
		EventType: contracts.LedgerEventPosture,
		Data: map[string]any{
			"posture":             string(state.Posture),
			"momentum":            string(state.Momentum),
			"rule_id":             state.RuleID,
			"ruleset_version":     state.RulesetVersion,
			"inputs_hash":         state.InputsHash,
			"active_signals_hash": state.ActiveSignalsHash,
		},
		EvidenceRefs: state.EvidenceRefs,
		CreatedAt:    state.EvaluatedAt,
	}
	if _, err := s.ledger.Append(ctx, entry); err != nil {
		return state, fmt.Errorf("synthesis: ledger: %w", err)
	}
	return state, nil
}
