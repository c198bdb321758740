//go:build property
// +build property

// Property-based tests for the pull budget store: no sequence of consumes
// may push a day's total past either cap.
package pull_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/pull"
)

// TestBudgetNeverOvercommits verifies that for any sequence of unit
// consumptions across two connectors, the granted total never exceeds the
// tenant cap and each connector's granted total never exceeds its cap.
func TestBudgetNeverOvercommits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	budget := config.PullBudget{MaxPerDay: 20, MaxPerConnectorPerDay: 8}
	connectors := []string{"crm", "usage"}

	properties.Property("granted units stay within both caps", prop.ForAll(
		func(units []int, picks []int) bool {
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			store, err := pull.NewSQLiteBudgetStore(db, budget)
			if err != nil {
				return false
			}

			ctx := context.Background()
			granted := int64(0)
			perConnector := map[string]int64{}
			for i, u := range units {
				cost := int64(u%3 + 1)
				connector := connectors[0]
				if i < len(picks) {
					connector = connectors[picks[i]%len(connectors)]
				}
				_, ok, err := store.Consume(ctx, "t1", connector, "2026-03-01", cost)
				if err != nil {
					return false
				}
				if ok {
					granted += cost
					perConnector[connector] += cost
				}
			}

			if granted > budget.MaxPerDay {
				return false
			}
			for _, total := range perConnector {
				if total > budget.MaxPerConnectorPerDay {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

// TestBudgetDenialIsSticky verifies that once a consume of a given size is
// denied, repeating the identical consume in the same day is denied too.
func TestBudgetDenialIsSticky(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a denied consume stays denied", prop.ForAll(
		func(capUnits, cost int) bool {
			maxPerDay := int64(capUnits%10 + 1)
			unit := int64(cost%5 + 1)

			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			store, err := pull.NewSQLiteBudgetStore(db, config.PullBudget{MaxPerDay: maxPerDay})
			if err != nil {
				return false
			}

			ctx := context.Background()
			for i := 0; i < 30; i++ {
				_, ok, err := store.Consume(ctx, "t1", "crm", "2026-03-01", unit)
				if err != nil {
					return false
				}
				if !ok {
					_, again, err := store.Consume(ctx, "t1", "crm", "2026-03-01", unit)
					return err == nil && !again
				}
			}
			// Cap never reached only when the loop could not exhaust it.
			return unit*30 <= maxPerDay
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
