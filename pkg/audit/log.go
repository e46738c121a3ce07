// Package audit keeps the append-only, hash-chained record of every
// pipeline decision. Each entry commits to its predecessor, so any edit or
// deletion breaks Verify from that point on.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/canonicalize"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Genesis is the previous_hash of the first entry.
const Genesis = "genesis"

var ErrChainBroken = errors.New("audit hash chain is broken")

// Log is an append-only audit log. Append assigns Sequence, Timestamp,
// PreviousHash and EntryHash; callers fill the rest. A record carrying an
// IdempotencyKey already present in the log is not appended again; Append
// returns the stored entry.
type Log interface {
	Append(ctx context.Context, rec contracts.AuditRecord) (contracts.AuditRecord, error)
	// Entries returns up to limit entries with sequence >= from, in order.
	// limit <= 0 means no limit.
	Entries(ctx context.Context, from uint64, limit int) ([]contracts.AuditRecord, error)
}

// EntryHash hashes the canonical form of rec without its own EntryHash.
func EntryHash(rec contracts.AuditRecord) (string, error) {
	rec.EntryHash = ""
	h, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		return "", fmt.Errorf("audit entry hash: %w", err)
	}
	return h, nil
}

// seal links rec to prev and computes its hash.
func seal(rec contracts.AuditRecord, seq uint64, prev string, now time.Time) (contracts.AuditRecord, error) {
	rec.Sequence = seq
	rec.Timestamp = now.UTC()
	rec.PreviousHash = prev
	h, err := EntryHash(rec)
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	rec.EntryHash = h
	return rec, nil
}

// Verify recomputes the chain over a contiguous run of entries. When the run
// starts past sequence 1 the first previous_hash is taken on trust.
func Verify(entries []contracts.AuditRecord) error {
	for i, e := range entries {
		if i == 0 && e.Sequence <= 1 && e.PreviousHash != Genesis {
			return fmt.Errorf("%w: first entry does not start at genesis", ErrChainBroken)
		}
		if i > 0 {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return fmt.Errorf("%w: sequence gap %d -> %d", ErrChainBroken, prev.Sequence, e.Sequence)
			}
			if e.PreviousHash != prev.EntryHash {
				return fmt.Errorf("%w: entry %d previous_hash mismatch", ErrChainBroken, e.Sequence)
			}
		}
		computed, err := EntryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)", ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
	}
	return nil
}

// MemoryLog is an in-memory Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []contracts.AuditRecord
	byKey   map[string]int
	head    string
	clock   func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{head: Genesis, byKey: make(map[string]int), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) Append(_ context.Context, rec contracts.AuditRecord) (contracts.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byKey[rec.IdempotencyKey]; ok && rec.IdempotencyKey != "" {
		return l.entries[i], nil
	}
	sealed, err := seal(rec, uint64(len(l.entries))+1, l.head, l.clock())
	if err != nil {
		return contracts.AuditRecord{}, err
	}
	if rec.IdempotencyKey != "" {
		l.byKey[rec.IdempotencyKey] = len(l.entries)
	}
	l.entries = append(l.entries, sealed)
	l.head = sealed.EntryHash
	return sealed, nil
}

func (l *MemoryLog) Entries(_ context.Context, from uint64, limit int) ([]contracts.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	if from > uint64(len(l.entries)) {
		return nil, nil
	}
	out := l.entries[from-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]contracts.AuditRecord(nil), out...), nil
}

// Head returns the latest entry hash.
func (l *MemoryLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}
