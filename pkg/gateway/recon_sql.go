package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

const reconSchema = `
CREATE TABLE IF NOT EXISTS reconciliation (
	id TEXT PRIMARY KEY,
	mandate_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	token TEXT NOT NULL,
	chain TEXT NOT NULL,
	destination TEXT NOT NULL,
	windows TEXT NOT NULL,
	signing_address TEXT NOT NULL DEFAULT '',
	nonce BIGINT,
	tx_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	reason_code TEXT NOT NULL DEFAULT '',
	approval_id TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

const reconIndex = `CREATE INDEX IF NOT EXISTS idx_reconciliation_pending ON reconciliation (status, created_at)`

const reconColumns = `id, mandate_id, agent_id, amount_minor, token, chain, destination, windows,
	signing_address, nonce, tx_hash, status, target, reason_code, approval_id, attempts, last_error,
	created_at, updated_at`

// SQLReconStore implements ReconStore on Postgres or SQLite.
type SQLReconStore struct {
	db *database.DB
}

func NewSQLReconStore(db *database.DB) *SQLReconStore {
	return &SQLReconStore{db: db}
}

func (s *SQLReconStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, reconSchema, reconIndex)
}

func (s *SQLReconStore) Create(ctx context.Context, e contracts.ReconciliationEntry) error {
	windows, err := json.Marshal(e.Windows)
	if err != nil {
		return fmt.Errorf("reconciliation windows encode: %w", err)
	}
	var nonce any
	if e.Nonce != nil {
		nonce = int64(*e.Nonce)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO reconciliation (`+reconColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO NOTHING`),
		e.ID, e.MandateID, e.AgentID, e.AmountMinor, e.Token, e.Chain, e.Destination, string(windows),
		e.SigningAddress, nonce, e.TxHash, string(e.Status), string(e.Target), e.ReasonCode, e.ApprovalID,
		e.Attempts, e.LastError, e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("reconciliation insert failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}
	return nil
}

func (s *SQLReconStore) Get(ctx context.Context, id string) (contracts.ReconciliationEntry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+reconColumns+` FROM reconciliation WHERE id = $1`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ReconciliationEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return e, err
}

func (s *SQLReconStore) MarkSubmitted(ctx context.Context, id string, sub Submission) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reconciliation
		SET signing_address = $2, nonce = $3, tx_hash = $4, attempts = attempts + 1, updated_at = $5
		WHERE id = $1 AND status = 'pending'`),
		id, sub.SigningAddress, int64(sub.Nonce), sub.TxHash, sub.At.UnixNano()) //nolint:gosec // nonces fit in int64
	if err != nil {
		return fmt.Errorf("reconciliation submit update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotPending, id)
	}
	return nil
}

// BeginFinalize is a conditional update; a row that already left pending
// is left alone and reported as lost.
func (s *SQLReconStore) BeginFinalize(ctx context.Context, f Finalization) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reconciliation
		SET status = 'finalizing', target = $2, tx_hash = COALESCE(NULLIF($3, ''), tx_hash),
			reason_code = $4, last_error = $5, approval_id = COALESCE(NULLIF($6, ''), approval_id), updated_at = $7
		WHERE id = $1 AND status = 'pending'`),
		f.ID, string(f.Status), f.TxHash, f.ReasonCode, f.LastError, f.ApprovalID, f.At.UnixNano())
	if err != nil {
		return false, fmt.Errorf("reconciliation finalize failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLReconStore) Complete(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE reconciliation SET status = target, updated_at = $2
		WHERE id = $1 AND status = 'finalizing'`), id, at.UnixNano())
	if err != nil {
		return fmt.Errorf("reconciliation complete failed: %w", err)
	}
	return nil
}

func (s *SQLReconStore) ListOpen(ctx context.Context, olderThan time.Time) ([]contracts.ReconciliationEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+reconColumns+` FROM reconciliation
		WHERE status IN ('pending', 'finalizing') AND created_at <= $1
		ORDER BY created_at`), olderThan.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("reconciliation list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ReconciliationEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (contracts.ReconciliationEntry, error) {
	var (
		e                contracts.ReconciliationEntry
		windows, status  string
		target           string
		nonce            sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&e.ID, &e.MandateID, &e.AgentID, &e.AmountMinor, &e.Token, &e.Chain, &e.Destination, &windows,
		&e.SigningAddress, &nonce, &e.TxHash, &status, &target, &e.ReasonCode, &e.ApprovalID,
		&e.Attempts, &e.LastError, &created, &updated)
	if err != nil {
		return e, err
	}
	if err := json.NewDecoder(strings.NewReader(windows)).Decode(&e.Windows); err != nil {
		return e, fmt.Errorf("reconciliation windows decode: %w", err)
	}
	if nonce.Valid {
		n := uint64(nonce.Int64)
		e.Nonce = &n
	}
	e.Status = contracts.ReconciliationStatus(status)
	e.Target = contracts.ReconciliationStatus(target)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}
