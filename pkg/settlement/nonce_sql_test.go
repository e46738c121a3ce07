package settlement

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

func sqlNonceStore(t *testing.T, path string) *SQLNonceStore {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLNonceStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSQLNonceStore(t *testing.T) {
	ctx := context.Background()
	s := sqlNonceStore(t, ":memory:")
	slot := Slot{Chain: "base", Address: common.HexToAddress(merchant)}

	for want := uint64(3); want < 6; want++ {
		n, err := s.Reserve(ctx, slot, 3)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, s.Release(ctx, slot, 4))
	require.NoError(t, s.Release(ctx, slot, 3))
	assert.Error(t, s.Release(ctx, slot, 99), "never reserved")

	n, err := s.Reserve(ctx, slot, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n, "lowest released first")

	// Chain moved past 4: the released 4 is discarded.
	n, err = s.Reserve(ctx, slot, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)
	released, err := s.Released(ctx, slot)
	require.NoError(t, err)
	assert.Empty(t, released)

	require.NoError(t, s.Confirm(ctx, slot, 10))
	n, err = s.Reserve(ctx, slot, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), n)

	other := Slot{Chain: "polygon", Address: slot.Address}
	n, err = s.Reserve(ctx, other, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "slots are independent")
}

// Two stores over one database file stand in for two replicas.
func TestSQLNonceStoreSharedAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sardis.db")
	a := sqlNonceStore(t, path)
	b := sqlNonceStore(t, path)
	slot := Slot{Chain: "base", Address: common.HexToAddress(merchant)}

	var (
		mu  sync.Mutex
		got []uint64
		wg  sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.Reserve(ctx, slot, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, 20)
	for i, n := range got {
		assert.Equal(t, uint64(i), n, "no nonce handed out twice")
	}
}
