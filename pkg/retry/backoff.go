// Package retry computes bounded exponential backoff with deterministic
// jitter, so two processes retrying the same operation spread out the same
// way every run.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for RPC broadcast retries.
var DefaultPolicy = BackoffPolicy{BaseMs: 250, MaxMs: 8000, MaxJitterMs: 100, MaxAttempts: 5}

// Delay returns the wait before retry number attempt (0-based) of the
// operation identified by key.
func (p BackoffPolicy) Delay(key string, attempt int) time.Duration {
	// delay = base * 2^attempt, exponent capped to avoid overflow
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseMs << shift
	if p.MaxMs > 0 && (delay > p.MaxMs || delay < 0) {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(key, attempt)) * time.Millisecond
}

func (p BackoffPolicy) jitter(key string, attempt int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delays for every retry after the first attempt.
func (p BackoffPolicy) Schedule(key string) []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	for i := range out {
		out[i] = p.Delay(key, i)
	}
	return out
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
