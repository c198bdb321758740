package pull_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/pull"
)

func TestPostgresConsumeBothScopes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := pull.NewPostgresBudgetStore(db, config.PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 25})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pull_budgets").
		WithArgs("t1", "connector#crm", "2026-03-01", int64(3), int64(25)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pull_budgets").
		WithArgs("t1", "tenant", "2026-03-01", int64(3), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT units_consumed FROM pull_budgets").
		WithArgs("t1", "tenant", "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"units_consumed"}).AddRow(3))
	mock.ExpectCommit()

	remaining, ok, err := store.Consume(context.Background(), "t1", "crm", "2026-03-01", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(97), remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConnectorCapRollsBackTenantItem(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := pull.NewPostgresBudgetStore(db, config.PullBudget{MaxPerDay: 100, MaxPerConnectorPerDay: 25})

	// The conditional update matches no row: the cap would be exceeded. The
	// transaction rolls back and the tenant scope is never touched.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pull_budgets").
		WithArgs("t1", "connector#crm", "2026-03-01", int64(3), int64(25)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, ok, err := store.Consume(context.Background(), "t1", "crm", "2026-03-01", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
