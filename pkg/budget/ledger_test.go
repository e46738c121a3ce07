package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newSQLiteLedger(t *testing.T) *SQLLedger {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := NewSQLLedger(db)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func newMiniRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client), mr
}

func ledgersUnderTest(t *testing.T) map[string]Ledger {
	rl, _ := newMiniRedisLedger(t)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": newSQLiteLedger(t),
		"redis":  rl,
	}
}

func dailyPolicy(daily int64) contracts.SpendingPolicy {
	return contracts.SpendingPolicy{AgentID: "agent-1", LimitPerTx: 100, DailyLimit: contracts.Limit(daily)}
}

func TestWindows(t *testing.T) {
	ws := Windows(time.Date(2026, 10, 17, 23, 59, 0, 0, time.FixedZone("EST", -5*3600)))
	require.Len(t, ws, 3)
	// 23:59 EST is already the 18th in UTC.
	assert.Equal(t, "d:2026-10-18", ws[0].WindowID)
	assert.Equal(t, "w:2026-W42", ws[1].WindowID)
	assert.Equal(t, "m:2026-10", ws[2].WindowID)

	// ISO week-year differs from calendar year at the boundary.
	ws = Windows(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "w:2026-W53", ws[1].WindowID)
}

func TestWindowLimits(t *testing.T) {
	p := dailyPolicy(500)
	p.MonthlyLimit = contracts.Limit(0)
	ws := WindowLimits(p, testNow)
	assert.Equal(t, int64(500), ws[0].Limit)
	assert.Equal(t, Unlimited, ws[1].Limit)
	assert.Equal(t, int64(0), ws[2].Limit)
}

func TestTryCommit_DailyScenario(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ws := WindowLimits(dailyPolicy(500), testNow)

			c, err := l.TryCommit(ctx, "agent-1", 450, ws)
			require.NoError(t, err)
			require.True(t, c.Committed)

			c, err = l.TryCommit(ctx, "agent-1", 60, ws)
			require.NoError(t, err)
			assert.False(t, c.Committed)
			assert.Equal(t, "d:2026-10-17", c.RejectedWindow)
			assert.Equal(t, int64(450), c.CurrentTotal)
			assert.Equal(t, int64(500), c.Limit)

			c, err = l.TryCommit(ctx, "agent-1", 40, ws)
			require.NoError(t, err)
			require.True(t, c.Committed)
			assert.Equal(t, int64(490), c.Totals["d:2026-10-17"])

			snap, err := l.Snapshot(ctx, "agent-1", IDs(ws))
			require.NoError(t, err)
			assert.Equal(t, map[string]int64{"d:2026-10-17": 490, "w:2026-W42": 490, "m:2026-10": 490}, snap)
		})
	}
}

func TestTryCommit_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			p := dailyPolicy(1000)
			p.MonthlyLimit = contracts.Limit(100)
			ws := WindowLimits(p, testNow)

			c, err := l.TryCommit(ctx, "agent-1", 80, ws)
			require.NoError(t, err)
			require.True(t, c.Committed)

			c, err = l.TryCommit(ctx, "agent-1", 30, ws)
			require.NoError(t, err)
			assert.False(t, c.Committed)
			assert.Equal(t, "m:2026-10", c.RejectedWindow)

			snap, err := l.Snapshot(ctx, "agent-1", IDs(ws))
			require.NoError(t, err)
			assert.Equal(t, int64(80), snap["d:2026-10-17"], "daily must not be incremented when monthly rejects")
		})
	}
}

func TestTryCommit_AmountAboveLimitOnEmptyWindow(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ws := WindowLimits(dailyPolicy(50), testNow)
			c, err := l.TryCommit(ctx, "agent-1", 60, ws)
			require.NoError(t, err)
			assert.False(t, c.Committed)

			snap, _ := l.Snapshot(ctx, "agent-1", IDs(ws))
			assert.Zero(t, snap["d:2026-10-17"])
		})
	}
}

func TestTryCommit_Validation(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TryCommit(context.Background(), "a", 0, Windows(testNow))
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = l.TryCommit(context.Background(), "a", 5, nil)
			assert.ErrorIs(t, err, ErrNoWindows)
		})
	}
}

func TestTryCommit_NoOverspendUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			const limit, amount, workers = 500, 30, 50
			ws := WindowLimits(dailyPolicy(limit), testNow)

			var committed atomic.Int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					c, err := l.TryCommit(ctx, "agent-1", amount, ws)
					if err == nil && c.Committed {
						committed.Add(amount)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.LessOrEqual(t, committed.Load(), int64(limit))
			assert.Equal(t, int64(480), committed.Load(), "every slot that fits is used")
			snap, err := l.Snapshot(ctx, "agent-1", IDs(ws))
			require.NoError(t, err)
			assert.Equal(t, committed.Load(), snap["d:2026-10-17"])
		})
	}
}

func TestCompensate_FloorsAtZero(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ws := WindowLimits(dailyPolicy(500), testNow)
			_, err := l.TryCommit(ctx, "agent-1", 70, ws)
			require.NoError(t, err)

			require.NoError(t, l.Compensate(ctx, "m-1", "agent-1", 50, IDs(ws)))
			snap, _ := l.Snapshot(ctx, "agent-1", IDs(ws))
			assert.Equal(t, int64(20), snap["d:2026-10-17"])

			require.NoError(t, l.Compensate(ctx, "m-2", "agent-1", 50, IDs(ws)))
			snap, _ = l.Snapshot(ctx, "agent-1", IDs(ws))
			assert.Zero(t, snap["d:2026-10-17"])

			// Compensating an unknown agent or window is a no-op.
			require.NoError(t, l.Compensate(ctx, "m-3", "ghost", 10, []string{"d:1999-01-01"}))
			assert.ErrorIs(t, l.Compensate(ctx, "m-4", "agent-1", 0, IDs(ws)), ErrInvalidAmount)
			assert.ErrorIs(t, l.Compensate(ctx, "", "agent-1", 10, IDs(ws)), ErrNoKey)
		})
	}
}

func TestCompensate_AppliesOncePerKey(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ws := WindowLimits(dailyPolicy(500), testNow)
			_, err := l.TryCommit(ctx, "agent-1", 90, ws)
			require.NoError(t, err)
			_, err = l.TryCommit(ctx, "agent-1", 40, ws)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, l.Compensate(ctx, "m-40", "agent-1", 40, IDs(ws)))
				}()
			}
			wg.Wait()

			snap, err := l.Snapshot(ctx, "agent-1", IDs(ws))
			require.NoError(t, err)
			assert.Equal(t, int64(90), snap["d:2026-10-17"])
		})
	}
}

func TestRedisLedger_SetsWindowTTL(t *testing.T) {
	l, mr := newMiniRedisLedger(t)
	ws := Windows(testNow)
	_, err := l.TryCommit(context.Background(), "agent-1", 10, ws)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, mr.TTL("spend:agent-1:d:2026-10-17"))
}

func TestRedisLedger_OutageFailsClosed(t *testing.T) {
	l, mr := newMiniRedisLedger(t)
	mr.Close()
	c, err := l.TryCommit(context.Background(), "agent-1", 10, Windows(testNow))
	assert.Error(t, err)
	assert.False(t, c.Committed)
}
