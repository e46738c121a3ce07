// Package budget is the atomic spend ledger: the single source of truth for
// how much an agent has spent in each window.
//
// Every mutation is one conditional operation against the backing store.
// Nothing here reads a total, compares it and writes it back.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Unlimited marks a window that is tracked but not capped.
const Unlimited int64 = -1

// compensationRetention outlives the longest window, so a key cannot be
// forgotten while its spend could still be refunded twice.
const compensationRetention = 40 * 24 * time.Hour

var (
	ErrInvalidAmount = errors.New("budget: amount must be positive")
	ErrNoWindows     = errors.New("budget: at least one window is required")
	ErrNoKey         = errors.New("budget: compensation key is required")
)

// WindowLimit pairs a window with the ceiling enforced on it.
type WindowLimit struct {
	Kind     contracts.WindowKind `json:"kind"`
	WindowID string               `json:"window_id"`
	Limit    int64                `json:"limit"`
	TTL      time.Duration        `json:"-"`
}

// Commit is the result of TryCommit.
type Commit struct {
	Committed bool `json:"committed"`
	// Totals holds the new totals per window when committed.
	Totals map[string]int64 `json:"totals,omitempty"`
	// RejectedWindow and CurrentTotal describe the first window that would
	// have exceeded its limit.
	RejectedWindow string `json:"rejected_window,omitempty"`
	CurrentTotal   int64  `json:"current_total,omitempty"`
	Limit          int64  `json:"limit,omitempty"`
}

// Ledger is the atomic spend ledger.
type Ledger interface {
	// TryCommit increments every window by amount, or none of them if any
	// would exceed its limit.
	TryCommit(ctx context.Context, agentID string, amount int64, windows []WindowLimit) (Commit, error)
	// Compensate decrements the given windows, flooring at zero. It applies
	// at most once per key; a repeated key is a no-op.
	Compensate(ctx context.Context, key, agentID string, amount int64, windowIDs []string) error
	// Snapshot returns current totals; missing windows read as zero.
	Snapshot(ctx context.Context, agentID string, windowIDs []string) (map[string]int64, error)
}

func validateCompensation(key string, amount int64) error {
	if key == "" {
		return ErrNoKey
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func validateCommit(amount int64, windows []WindowLimit) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if len(windows) == 0 {
		return ErrNoWindows
	}
	return nil
}

// exceedsAlone reports a window the amount cannot fit even when empty.
func exceedsAlone(amount int64, windows []WindowLimit) (WindowLimit, bool) {
	for _, w := range windows {
		if w.Limit != Unlimited && amount > w.Limit {
			return w, true
		}
	}
	return WindowLimit{}, false
}
