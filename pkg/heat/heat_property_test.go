//go:build property
// +build property

// Property-based tests for heat scoring and tier hysteresis.
package heat_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/heat"
)

var propEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var propPostures = []contracts.Posture{
	contracts.PostureOK,
	contracts.PostureWatch,
	contracts.PostureAtRisk,
	contracts.PostureExpand,
	contracts.PostureDormant,
}

var propTiers = []contracts.HeatTier{
	contracts.TierHot,
	contracts.TierWarm,
	contracts.TierCold,
}

func signalsAged(ageMinutes []int) []contracts.Signal {
	out := make([]contracts.Signal, 0, len(ageMinutes))
	for _, m := range ageMinutes {
		out = append(out, contracts.Signal{
			Status:    contracts.SignalActive,
			CreatedAt: propEpoch.Add(-time.Duration(m%20000) * time.Minute),
		})
	}
	return out
}

// TestScoreBounded verifies the composite score stays in [0, 1] for any
// posture and signal mix when the weights sum to 1.
func TestScoreBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	weights := config.HeatWeights{Posture: 0.5, Recency: 0.3, Volume: 0.2}

	properties.Property("score stays within [0, 1]", prop.ForAll(
		func(postureIdx int, ages []int) bool {
			posture := propPostures[postureIdx%len(propPostures)]
			raw, factors := heat.Score(weights, posture, signalsAged(ages), propEpoch)
			if raw < 0 || raw > 1 {
				return false
			}
			for _, c := range []float64{factors.PostureComponent, factors.RecencyComponent, factors.VolumeComponent} {
				if c < 0 || c > 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		gen.SliceOf(gen.IntRange(0, 100000)),
	))

	properties.TestingRun(t)
}

// TestScoreDeterminism verifies scoring the same inputs twice yields the
// same score and breakdown.
func TestScoreDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	weights := config.HeatWeights{Posture: 0.4, Recency: 0.4, Volume: 0.2}

	properties.Property("identical inputs produce identical scores", prop.ForAll(
		func(postureIdx int, ages []int) bool {
			posture := propPostures[postureIdx%len(propPostures)]
			active := signalsAged(ages)
			raw1, f1 := heat.Score(weights, posture, active, propEpoch)
			raw2, f2 := heat.Score(weights, posture, active, propEpoch)
			return raw1 == raw2 && f1 == f2
		},
		gen.IntRange(0, 100),
		gen.SliceOf(gen.IntRange(0, 100000)),
	))

	properties.TestingRun(t)
}

// TestHysteresisNeverDemotesInsideCooldown verifies a cooler computed tier
// is held back until the demotion cooldown for the previous tier elapses,
// while promotions always pass through.
func TestHysteresisNeverDemotesInsideCooldown(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policy := config.DefaultProfile().TierPolicy

	properties.Property("demotions wait out the cooldown", prop.ForAll(
		func(newIdx, prevIdx, elapsedMinutes int) bool {
			newTier := propTiers[newIdx%len(propTiers)]
			prevTier := propTiers[prevIdx%len(propTiers)]
			elapsed := time.Duration(elapsedMinutes%(80*60)) * time.Minute
			previous := &contracts.HeatState{
				HeatTier:   prevTier,
				ComputedAt: propEpoch.Add(-elapsed),
			}

			effective := heat.ApplyHysteresis(newTier, previous, policy, propEpoch)

			if !newTier.CoolerThan(prevTier) {
				// Promotion or same tier is always immediate.
				return effective == newTier
			}
			cooldown := time.Duration(policy[prevTier].DemotionCooldownHrs) * time.Hour
			if elapsed < cooldown {
				return effective == prevTier
			}
			return effective == newTier
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
		gen.IntRange(0, 1000000),
	))

	properties.TestingRun(t)
}
