// Package heat scores accounts into pull-cadence tiers. The score is a
// weighted combination of posture, signal recency, and signal volume; tier
// demotions are damped by a cooldown so a briefly quiet account is not
// immediately forgotten.
package heat

import (
	"context"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
)

const (
	hotThreshold  = 0.7
	warmThreshold = 0.4
)

var postureComponent = map[contracts.Posture]float64{
	contracts.PostureOK:      0.2,
	contracts.PostureWatch:   0.5,
	contracts.PostureAtRisk:  0.8,
	contracts.PostureExpand:  0.9,
	contracts.PostureDormant: 0.05,
}

// Score computes the composite heat score and its breakdown.
func Score(weights config.HeatWeights, posture contracts.Posture, active []contracts.Signal, now time.Time) (float64, contracts.HeatFactors) {
	factors := contracts.HeatFactors{
		PostureComponent: postureComponent[posture],
		RecencyComponent: recencyComponent(active, now),
		VolumeComponent:  volumeComponent(len(active)),
	}
	raw := weights.Posture*factors.PostureComponent +
		weights.Recency*factors.RecencyComponent +
		weights.Volume*factors.VolumeComponent
	return raw, factors
}

func recencyComponent(active []contracts.Signal, now time.Time) float64 {
	var newest time.Time
	for _, sig := range active {
		if sig.CreatedAt.After(newest) {
			newest = sig.CreatedAt
		}
	}
	if newest.IsZero() {
		return 0
	}
	age := now.Sub(newest)
	switch {
	case age <= time.Hour:
		return 1.0
	case age <= 6*time.Hour:
		return 0.7
	case age <= 24*time.Hour:
		return 0.4
	case age <= 7*24*time.Hour:
		return 0.1
	default:
		return 0
	}
}

func volumeComponent(n int) float64 {
	v := float64(n) / 10.0
	if v > 1 {
		return 1
	}
	return v
}

// TierFor maps a raw score to a tier.
func TierFor(raw float64) contracts.HeatTier {
	switch {
	case raw >= hotThreshold:
		return contracts.TierHot
	case raw >= warmThreshold:
		return contracts.TierWarm
	default:
		return contracts.TierCold
	}
}

// ApplyHysteresis keeps the previous tier when the new one is strictly cooler
// and the demotion cooldown for the previous tier has not elapsed. Promotions
// are always immediate.
func ApplyHysteresis(newTier contracts.HeatTier, previous *contracts.HeatState,
	policy map[contracts.HeatTier]config.TierPolicy, now time.Time) contracts.HeatTier {
	if previous == nil {
		return newTier
	}
	if !newTier.CoolerThan(previous.HeatTier) {
		return newTier
	}
	cooldown := time.Duration(policy[previous.HeatTier].DemotionCooldownHrs) * time.Hour
	if now.Sub(previous.ComputedAt) < cooldown {
		return previous.HeatTier
	}
	return newTier
}

// PostureReader is the slice of the posture store heat needs.
type PostureReader interface {
	Get(ctx context.Context, tenantID, accountID string) (contracts.AccountPostureState, error)
}
