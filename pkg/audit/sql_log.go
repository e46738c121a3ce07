package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	sequence BIGINT PRIMARY KEY,
	entry_hash TEXT NOT NULL UNIQUE,
	previous_hash TEXT NOT NULL,
	mandate_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	recorded_at BIGINT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	record TEXT NOT NULL
)`

const auditMandateIndex = `CREATE INDEX IF NOT EXISTS idx_audit_mandate ON audit_log (mandate_id)`

const auditKeyIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_idempotency
	ON audit_log (idempotency_key) WHERE idempotency_key <> ''`

// SQLLog persists the audit chain. Appends are serialized per database:
// Postgres takes a table lock inside the transaction, SQLite runs on a
// single connection.
type SQLLog struct {
	db    *database.DB
	clock func() time.Time
}

func NewSQLLog(db *database.DB) *SQLLog {
	return &SQLLog{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLog) WithClock(clock func() time.Time) *SQLLog {
	l.clock = clock
	return l
}

func (l *SQLLog) Init(ctx context.Context) error {
	return l.db.InitSchema(ctx, auditSchema, auditMandateIndex, auditKeyIndex)
}

func (l *SQLLog) Append(ctx context.Context, rec contracts.AuditRecord) (contracts.AuditRecord, error) {
	var sealed contracts.AuditRecord
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		if l.db.Dialect == database.Postgres {
			if _, err := tx.ExecContext(ctx, `LOCK TABLE audit_log IN SHARE ROW EXCLUSIVE MODE`); err != nil {
				return err
			}
		}

		if rec.IdempotencyKey != "" {
			var body string
			err := tx.QueryRowContext(ctx, l.db.Rebind(`SELECT record FROM audit_log WHERE idempotency_key = $1`), rec.IdempotencyKey).Scan(&body)
			switch {
			case err == nil:
				return json.Unmarshal([]byte(body), &sealed)
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		seq, prev := uint64(0), Genesis
		var head sql.NullString
		var last sql.NullInt64
		row := tx.QueryRowContext(ctx, `SELECT sequence, entry_hash FROM audit_log ORDER BY sequence DESC LIMIT 1`)
		switch err := row.Scan(&last, &head); {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			seq, prev = uint64(last.Int64), head.String //nolint:gosec // sequences are positive
		}

		var err error
		sealed, err = seal(rec, seq+1, prev, l.clock())
		if err != nil {
			return err
		}
		body, err := json.Marshal(sealed)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, l.db.Rebind(`
			INSERT INTO audit_log (sequence, entry_hash, previous_hash, mandate_id, agent_id, decision, recorded_at, idempotency_key, record)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
			int64(sealed.Sequence), sealed.EntryHash, sealed.PreviousHash, sealed.MandateID, sealed.AgentID, //nolint:gosec
			string(sealed.Decision), sealed.Timestamp.UnixNano(), sealed.IdempotencyKey, string(body))
		return err
	})
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("audit append failed: %w", err)
	}
	return sealed, nil
}

func (l *SQLLog) Entries(ctx context.Context, from uint64, limit int) ([]contracts.AuditRecord, error) {
	query := `SELECT record FROM audit_log WHERE sequence >= $1 ORDER BY sequence`
	args := []any{int64(from)} //nolint:gosec
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("audit read failed: %w", err)
	}
	defer rows.Close()

	var out []contracts.AuditRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("audit record decode: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ByMandate returns every entry recorded for a mandate.
func (l *SQLLog) ByMandate(ctx context.Context, mandateID string) ([]contracts.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`SELECT record FROM audit_log WHERE mandate_id = $1 ORDER BY sequence`), mandateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contracts.AuditRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
