package budget

import (
	"context"
	"sync"
)

// MemoryLedger implements Ledger in memory.
// Thread-safe via Mutex; the check and the increments share one critical
// section.
type MemoryLedger struct {
	mu      sync.Mutex
	totals  map[string]map[string]int64 // agent -> window -> total
	applied map[string]struct{}         // compensation keys
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{totals: make(map[string]map[string]int64), applied: make(map[string]struct{})}
}

func (l *MemoryLedger) TryCommit(ctx context.Context, agentID string, amount int64, windows []WindowLimit) (Commit, error) {
	if err := validateCommit(amount, windows); err != nil {
		return Commit{}, err
	}
	if err := ctx.Err(); err != nil {
		return Commit{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	agent := l.totals[agentID]
	if agent == nil {
		agent = make(map[string]int64)
		l.totals[agentID] = agent
	}
	for _, w := range windows {
		cur := agent[w.WindowID]
		if w.Limit != Unlimited && amount > w.Limit-cur {
			return Commit{RejectedWindow: w.WindowID, CurrentTotal: cur, Limit: w.Limit}, nil
		}
	}

	out := Commit{Committed: true, Totals: make(map[string]int64, len(windows))}
	for _, w := range windows {
		agent[w.WindowID] += amount
		out.Totals[w.WindowID] = agent[w.WindowID]
	}
	return out, nil
}

func (l *MemoryLedger) Compensate(ctx context.Context, key, agentID string, amount int64, windowIDs []string) error {
	if err := validateCompensation(key, amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, done := l.applied[key]; done {
		return nil
	}
	l.applied[key] = struct{}{}

	agent := l.totals[agentID]
	for _, id := range windowIDs {
		if agent == nil {
			return nil
		}
		agent[id] = max(agent[id]-amount, 0)
	}
	return nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context, agentID string, windowIDs []string) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64, len(windowIDs))
	for _, id := range windowIDs {
		out[id] = l.totals[agentID][id]
	}
	return out, nil
}
