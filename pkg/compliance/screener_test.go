package compliance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	mu    sync.Mutex
	err   error
	calls int
	list  *ListProvider
}

func (s *stubProvider) Screen(ctx context.Context, subject string) (Verdict, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.list.Screen(ctx, subject)
}

func TestScreenerFlagDenies(t *testing.T) {
	s := NewScreener(NewListProvider("0xBAD0000000000000000000000000000000000000"), DefaultConfig())

	d := s.Screen(context.Background(), 100, "did:agent:alice", "0xbad0000000000000000000000000000000000000")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeFlagged, d.Code)

	d = s.Screen(context.Background(), 100, "did:agent:alice", "0x1111111111111111111111111111111111111111")
	assert.True(t, d.Allowed)
	assert.False(t, d.Degraded)
}

func TestScreenerFailClosedByDefault(t *testing.T) {
	p := &stubProvider{err: errors.New("vendor timeout"), list: NewListProvider()}
	s := NewScreener(p, Config{})

	d := s.Screen(context.Background(), 1, "did:agent:alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeUnavailable, d.Code)
}

func TestScreenerNoProviderFailsClosed(t *testing.T) {
	d := NewScreener(nil, DefaultConfig()).Screen(context.Background(), 1, "x")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeUnavailable, d.Code)
}

func TestScreenerOpenBelow(t *testing.T) {
	p := &stubProvider{err: errors.New("503"), list: NewListProvider("0xbad")}
	cfg := DefaultConfig()
	cfg.Mode = FailOpenBelow
	cfg.OpenBelowMinor = 5000
	s := NewScreener(p, cfg)

	d := s.Screen(context.Background(), 4999, "did:agent:alice")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	d = s.Screen(context.Background(), 5000, "did:agent:alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeUnavailable, d.Code)

	// Flags deny regardless of amount once the provider answers.
	p.mu.Lock()
	p.err = nil
	p.mu.Unlock()
	s = NewScreener(p, cfg)
	d = s.Screen(context.Background(), 1, "0xBAD")
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeFlagged, d.Code)
}

func TestScreenerBreakerStopsCalls(t *testing.T) {
	p := &stubProvider{err: errors.New("down"), list: NewListProvider()}
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 2
	s := NewScreener(p, cfg)

	for i := 0; i < 5; i++ {
		s.Screen(context.Background(), 1, "x")
	}
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, BreakerOpen, s.Breaker().State())
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("t", 1, time.Minute).WithClock(func() time.Time { return now })

	require.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "probe after reset timeout")
	assert.False(t, cb.Allow(), "one probe at a time")
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.Failure()
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestParseFailMode(t *testing.T) {
	m, err := ParseFailMode("")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, m)
	m, err = ParseFailMode("OPEN_BELOW")
	require.NoError(t, err)
	assert.Equal(t, FailOpenBelow, m)
	m, err = ParseFailMode("disabled")
	require.NoError(t, err)
	assert.Equal(t, FailDisabled, m)
	_, err = ParseFailMode("open")
	assert.Error(t, err)
}

func TestLoadListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flagged:\n  - did:agent:mallory\n  - 0xDEAD\n"), 0o600))

	p, err := LoadListFile(path)
	require.NoError(t, err)
	v, _ := p.Screen(context.Background(), "0xdead")
	assert.Equal(t, VerdictFlag, v)
	v, _ = p.Screen(context.Background(), "did:agent:alice")
	assert.Equal(t, VerdictPass, v)
}

func TestCachedProvider(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := &stubProvider{list: NewListProvider("0xdead")}
	c := NewCachedProvider(inner, client, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Screen(ctx, "0xDEAD")
		require.NoError(t, err)
		assert.Equal(t, VerdictFlag, v)
	}
	assert.Equal(t, 1, inner.calls)

	mr.FastForward(2 * time.Minute)
	_, _ = c.Screen(ctx, "0xdead")
	assert.Equal(t, 2, inner.calls)

	inner.err = errors.New("down")
	_, err := c.Screen(ctx, "0xnew")
	assert.Error(t, err)
}
