//go:build property
// +build property

// Property-based tests for the decision cost gate: run and unit counters
// never pass their window caps regardless of the consume sequence.
package decision_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/decision"
)

// TestRunStateNeverExceedsCaps verifies that any interleaving of consumes
// across accounts leaves every window's counters at or under both caps.
func TestRunStateNeverExceedsCaps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	policy := config.DecisionPolicy{
		Window:            time.Hour,
		MaxRunsPerWindow:  4,
		MaxUnitsPerWindow: 15,
		UnitsPerRun:       5,
	}
	accounts := []string{"acct-1", "acct-2"}
	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("window counters respect both caps", prop.ForAll(
		func(picks []int) bool {
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			store, err := decision.NewSQLiteRunStateStore(db, policy, clock.NewFake(epoch))
			if err != nil {
				return false
			}

			ctx := context.Background()
			for _, p := range picks {
				account := accounts[p%len(accounts)]
				if _, err := store.Consume(ctx, "t1", account, "w1", policy.UnitsPerRun); err != nil {
					return false
				}
			}

			for _, account := range accounts {
				state, err := store.Get(ctx, "t1", account, "w1")
				if err != nil {
					return false
				}
				if state == nil {
					continue
				}
				if state.Runs > policy.MaxRunsPerWindow {
					return false
				}
				if state.UnitsConsumed > policy.MaxUnitsPerWindow {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

// TestRunStateGrantedMatchesCounter verifies the number of granted consumes
// equals the persisted run counter for a single account.
func TestRunStateGrantedMatchesCounter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	epoch := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("granted consumes equal the stored run count", prop.ForAll(
		func(attempts, maxRuns int) bool {
			policy := config.DecisionPolicy{
				Window:           time.Hour,
				MaxRunsPerWindow: maxRuns%6 + 1,
				UnitsPerRun:      1,
			}
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			store, err := decision.NewSQLiteRunStateStore(db, policy, clock.NewFake(epoch))
			if err != nil {
				return false
			}

			ctx := context.Background()
			granted := 0
			for i := 0; i < attempts%20; i++ {
				ok, err := store.Consume(ctx, "t1", "acct-1", "w1", 1)
				if err != nil {
					return false
				}
				if ok {
					granted++
				}
			}

			state, err := store.Get(ctx, "t1", "acct-1", "w1")
			if err != nil {
				return false
			}
			if state == nil {
				return granted == 0
			}
			return state.Runs == granted && granted <= policy.MaxRunsPerWindow
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
