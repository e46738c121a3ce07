package budget

import (
	"fmt"
	"sort"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Retention beyond each window's own length.
const windowGrace = 24 * time.Hour

// Windows derives the UTC window ids containing now, e.g. d:2026-10-17,
// w:2026-W42 and m:2026-10.
func Windows(now time.Time) []WindowLimit {
	now = now.UTC()
	year, week := now.ISOWeek()
	return []WindowLimit{
		{Kind: contracts.WindowDaily, WindowID: "d:" + now.Format("2006-01-02"), Limit: Unlimited, TTL: 24*time.Hour + windowGrace},
		{Kind: contracts.WindowWeekly, WindowID: fmt.Sprintf("w:%04d-W%02d", year, week), Limit: Unlimited, TTL: 7*24*time.Hour + windowGrace},
		{Kind: contracts.WindowMonthly, WindowID: "m:" + now.Format("2006-01"), Limit: Unlimited, TTL: 31*24*time.Hour + windowGrace},
	}
}

// WindowLimits pairs the windows containing now with the policy's limits.
// Windows the policy leaves unset are still tracked, as Unlimited.
func WindowLimits(p contracts.SpendingPolicy, now time.Time) []WindowLimit {
	ws := Windows(now)
	for i := range ws {
		if l := p.WindowLimit(ws[i].Kind); l != nil {
			ws[i].Limit = *l
		}
	}
	return ws
}

// IDs returns the window ids.
func IDs(windows []WindowLimit) []string {
	ids := make([]string, len(windows))
	for i, w := range windows {
		ids[i] = w.WindowID
	}
	return ids
}

// KindTotals maps totals keyed by window id back to window kinds.
func KindTotals(windows []WindowLimit, totals map[string]int64) map[contracts.WindowKind]int64 {
	out := make(map[contracts.WindowKind]int64, len(windows))
	for _, w := range windows {
		out[w.Kind] = totals[w.WindowID]
	}
	return out
}

// ToCommits records windows for later compensation.
func ToCommits(windows []WindowLimit) []contracts.WindowCommit {
	out := make([]contracts.WindowCommit, len(windows))
	for i, w := range windows {
		out[i] = contracts.WindowCommit{WindowID: w.WindowID, Limit: w.Limit}
	}
	return out
}

// sortedByID returns a copy ordered by window id so concurrent commits
// always touch rows in the same order.
func sortedByID(windows []WindowLimit) []WindowLimit {
	out := append([]WindowLimit(nil), windows...)
	sort.Slice(out, func(i, j int) bool { return out[i].WindowID < out[j].WindowID })
	return out
}
