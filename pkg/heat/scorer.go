package heat

import (
	"context"
	"log/slog"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/signal"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// Scorer computes and persists heat states.
type Scorer struct {
	weights  config.HeatWeights
	policy   map[contracts.HeatTier]config.TierPolicy
	signals  signal.SignalReader
	postures PostureReader
	store    StateStore
	clock    clock.Clock
	logger   *slog.Logger
}

func NewScorer(profile config.Profile, signals signal.SignalReader, postures PostureReader,
	store StateStore, clk clock.Clock) *Scorer {
	return &Scorer{
		weights:  profile.HeatWeights,
		policy:   profile.TierPolicy,
		signals:  signals,
		postures: postures,
		store:    store,
		clock:    clk,
		logger:   slog.Default().With("component", "heat"),
	}
}

// Compute scores one account and persists the result. An account with no
// posture yet scores on recency and volume alone.
func (s *Scorer) Compute(ctx context.Context, tenantID, accountID string) (contracts.HeatState, error) {
	now := s.clock.Now()

	active, err := s.signals.GetSignalsForAccount(ctx, tenantID, accountID, signal.Filter{})
	if err != nil {
		return contracts.HeatState{}, err
	}

	var posture contracts.Posture
	postureState, err := s.postures.Get(ctx, tenantID, accountID)
	switch {
	case err == nil:
		posture = postureState.Posture
	case taxonomy.Is(err, taxonomy.CodeValidation):
		// not yet synthesized
	default:
		return contracts.HeatState{}, err
	}

	raw, factors := Score(s.weights, posture, active, now)
	tier := TierFor(raw)

	previous, err := s.store.Get(ctx, tenantID, accountID)
	if err != nil {
		return contracts.HeatState{}, err
	}
	effective := ApplyHysteresis(tier, previous, s.policy, now)

	state := contracts.HeatState{
		TenantID:   tenantID,
		AccountID:  accountID,
		HeatScore:  raw,
		HeatTier:   effective,
		Factors:    factors,
		ComputedAt: now,
		UpdatedAt:  now,
	}
	if effective != tier {
		// Demotion held back by the cooldown: keep the previous tier's
		// computed_at so the cooldown window does not restart.
		state.ComputedAt = previous.ComputedAt
		s.logger.DebugContext(ctx, "demotion held by cooldown",
			"account_id", accountID, "computed_tier", tier, "kept_tier", effective)
	}
	if err := s.store.Put(ctx, state); err != nil {
		return contracts.HeatState{}, err
	}
	return state, nil
}

// BulkError pairs a failed account with its error.
type BulkError struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// BulkResult is a partial-success bulk outcome.
type BulkResult struct {
	Computed []contracts.HeatState `json:"computed"`
	Errors   []BulkError           `json:"errors,omitempty"`
}

// ComputeBulk scores many accounts; one failure never aborts the batch.
func (s *Scorer) ComputeBulk(ctx context.Context, tenantID string, accountIDs []string) BulkResult {
	var result BulkResult
	for _, accountID := range accountIDs {
		state, err := s.Compute(ctx, tenantID, accountID)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{AccountID: accountID, Error: err.Error()})
			continue
		}
		result.Computed = append(result.Computed, state)
	}
	return result
}

// PolicyFor resolves the tier policy (cadence, default depth, cooldown).
func (s *Scorer) PolicyFor(tier contracts.HeatTier) config.TierPolicy {
	return s.policy[tier]
}
