package budget

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

func TestSQLLedger_PostgresRollsBackOnFullWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(database.Wrap(db, database.Postgres))
	ws := WindowLimits(dailyPolicy(500), testNow)

	mock.ExpectBegin()
	// Sorted order: d:, m:, w:.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO spend_windows")).
		WithArgs("agent-1", "d:2026-10-17", int64(60), int64(500), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"total"}))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT window_id, total FROM spend_windows")).
		WithArgs("agent-1", "d:2026-10-17").
		WillReturnRows(sqlmock.NewRows([]string{"window_id", "total"}).AddRow("d:2026-10-17", 450))

	c, err := l.TryCommit(context.Background(), "agent-1", 60, ws)
	require.NoError(t, err)
	assert.False(t, c.Committed)
	assert.Equal(t, int64(450), c.CurrentTotal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_PostgresErrorFailsClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(database.Wrap(db, database.Postgres))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO spend_windows")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	c, err := l.TryCommit(context.Background(), "agent-1", 10, Windows(testNow))
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, c.Committed)
	require.NoError(t, mock.ExpectationsWereMet())
}
