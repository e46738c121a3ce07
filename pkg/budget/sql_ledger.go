package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

const spendSchema = `
CREATE TABLE IF NOT EXISTS spend_windows (
	agent_id TEXT NOT NULL,
	window_id TEXT NOT NULL,
	total BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (agent_id, window_id)
)`

const compensationSchema = `
CREATE TABLE IF NOT EXISTS spend_compensations (
	compensation_key TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	applied_at BIGINT NOT NULL
)`

// Guarded increment: the row is only updated when the new total fits.
// A fresh row is inserted unguarded, so callers reject amounts larger than
// the limit before reaching this statement.
const guardedIncrement = `
INSERT INTO spend_windows (agent_id, window_id, total, updated_at)
VALUES ($1, $2, $3, $5)
ON CONFLICT (agent_id, window_id) DO UPDATE
SET total = spend_windows.total + excluded.total, updated_at = excluded.updated_at
WHERE CAST($4 AS BIGINT) < 0 OR spend_windows.total <= CAST($4 AS BIGINT) - excluded.total
RETURNING total`

const flooredDecrement = `
UPDATE spend_windows
SET total = CASE WHEN total > $3 THEN total - $3 ELSE 0 END, updated_at = $4
WHERE agent_id = $1 AND window_id = $2`

// SQLLedger implements Ledger on Postgres or SQLite.
type SQLLedger struct {
	db    *database.DB
	clock func() time.Time
}

func NewSQLLedger(db *database.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

func (l *SQLLedger) Init(ctx context.Context) error {
	return l.db.InitSchema(ctx, spendSchema, compensationSchema)
}

var errWindowFull = errors.New("window full")

func (l *SQLLedger) TryCommit(ctx context.Context, agentID string, amount int64, windows []WindowLimit) (Commit, error) {
	if err := validateCommit(amount, windows); err != nil {
		return Commit{}, err
	}
	if w, over := exceedsAlone(amount, windows); over {
		return l.rejected(ctx, agentID, w)
	}

	now := l.clock().UnixNano()
	totals := make(map[string]int64, len(windows))
	var full WindowLimit
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, w := range sortedByID(windows) {
			var total int64
			err := tx.QueryRowContext(ctx, l.db.Rebind(guardedIncrement), agentID, w.WindowID, amount, w.Limit, now).Scan(&total)
			if errors.Is(err, sql.ErrNoRows) {
				full = w
				return errWindowFull
			}
			if err != nil {
				return fmt.Errorf("spend increment failed for %s: %w", w.WindowID, err)
			}
			totals[w.WindowID] = total
		}
		return nil
	})
	if errors.Is(err, errWindowFull) {
		return l.rejected(ctx, agentID, full)
	}
	if err != nil {
		return Commit{}, err
	}
	return Commit{Committed: true, Totals: totals}, nil
}

// rejected reports the current total of the window that refused the
// increment. The read is informational only.
func (l *SQLLedger) rejected(ctx context.Context, agentID string, w WindowLimit) (Commit, error) {
	totals, err := l.Snapshot(ctx, agentID, []string{w.WindowID})
	if err != nil {
		return Commit{}, err
	}
	return Commit{RejectedWindow: w.WindowID, CurrentTotal: totals[w.WindowID], Limit: w.Limit}, nil
}

// Compensate records key and decrements in one transaction, so a key is
// either fully applied or not at all.
func (l *SQLLedger) Compensate(ctx context.Context, key, agentID string, amount int64, windowIDs []string) error {
	if err := validateCompensation(key, amount); err != nil {
		return err
	}
	now := l.clock().UnixNano()
	return l.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, l.db.Rebind(`
			INSERT INTO spend_compensations (compensation_key, agent_id, amount, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (compensation_key) DO NOTHING`), key, agentID, amount, now)
		if err != nil {
			return fmt.Errorf("spend compensation record failed: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		for _, id := range windowIDs {
			if _, err := tx.ExecContext(ctx, l.db.Rebind(flooredDecrement), agentID, id, amount, now); err != nil {
				return fmt.Errorf("spend compensation failed for %s: %w", id, err)
			}
		}
		return nil
	})
}

func (l *SQLLedger) Snapshot(ctx context.Context, agentID string, windowIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(windowIDs))
	if len(windowIDs) == 0 {
		return out, nil
	}
	args := []any{agentID}
	marks := make([]string, len(windowIDs))
	for i, id := range windowIDs {
		out[id] = 0
		args = append(args, id)
		marks[i] = fmt.Sprintf("$%d", i+2)
	}
	query := fmt.Sprintf(`SELECT window_id, total FROM spend_windows WHERE agent_id = $1 AND window_id IN (%s)`, strings.Join(marks, ", "))
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("spend snapshot failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, err
		}
		out[id] = total
	}
	return out, rows.Err()
}
