package policy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	sqlStore := NewSQLStore(db)
	require.NoError(t, sqlStore.Init(ctx))

	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": sqlStore} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "agent-1")
			assert.ErrorIs(t, err, ErrPolicyNotFound)

			p := basePolicy()
			p.UpdatedBy = "ops-1"
			p.UpdatedAt = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
			require.NoError(t, s.Put(ctx, p))

			got, err := s.Get(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, p.LimitPerTx, got.LimitPerTx)
			assert.Equal(t, *p.DailyLimit, *got.DailyLimit)
			assert.Equal(t, "ops-1", got.UpdatedBy)

			// Mutating the returned copy never reaches the store.
			*got.DailyLimit = 1
			got.MerchantDenylist[0] = "changed"
			again, _ := s.Get(ctx, "agent-1")
			assert.Equal(t, int64(500), *again.DailyLimit)
			assert.Equal(t, "gambling-site", again.MerchantDenylist[0])

			p.LimitPerTx = 50
			require.NoError(t, s.Put(ctx, p))
			all, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, int64(50), all[0].LimitPerTx)

			assert.Error(t, s.Put(ctx, contracts.SpendingPolicy{}))
		})
	}
}

func TestSQLStore_ReadFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT document FROM spending_policies").
		WithArgs("agent-1").
		WillReturnError(assert.AnError)

	_, err = NewSQLStore(database.Wrap(db, database.Postgres)).Get(context.Background(), "agent-1")
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
