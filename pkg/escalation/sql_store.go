package escalation

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

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	urgency TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	reviewed_by TEXT NOT NULL DEFAULT '',
	review_note TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	reviewed_at BIGINT,
	payload TEXT NOT NULL
)`

const approvalIndex = `CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals (status, expires_at)`

const approvalColumns = `id, action, status, urgency, requested_by, reviewed_by, review_note, created_at, expires_at, reviewed_at, payload`

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, approvalSchema, approvalIndex)
}

func (s *SQLStore) Create(ctx context.Context, a contracts.Approval) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("approval payload encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		a.ID, string(a.Action), string(a.Status), string(a.Urgency), a.RequestedBy, a.ReviewedBy, a.ReviewNote,
		a.CreatedAt.UnixNano(), a.ExpiresAt.UnixNano(), nullableTime(a.ReviewedAt), string(payload))
	if err != nil {
		return fmt.Errorf("approval insert failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`), id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Approval{}, ErrNotFound
	}
	return a, err
}

func (s *SQLStore) Resolve(ctx context.Context, r Resolution) (contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		UPDATE approvals
		SET status = $2, reviewed_by = $3, review_note = $4, reviewed_at = $5
		WHERE id = $1 AND status = 'pending' AND expires_at > $5
		RETURNING `+approvalColumns),
		r.ID, string(r.To), r.Reviewer, r.Note, r.At.UnixNano())
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, r.ID); errors.Is(getErr, ErrNotFound) {
			return contracts.Approval{}, ErrNotFound
		}
		return contracts.Approval{}, ErrNotPending
	}
	return a, err
}

func (s *SQLStore) ExpireDue(ctx context.Context, now time.Time) ([]contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		UPDATE approvals SET status = 'expired', reviewed_at = $1
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING `+approvalColumns), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("approval expiry sweep failed: %w", err)
	}
	out, err := scanApprovals(rows)
	if err != nil {
		return nil, err
	}
	sortByCreated(out)
	return out, nil
}

func (s *SQLStore) List(ctx context.Context, status contracts.ApprovalStatus) ([]contracts.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("approval list failed: %w", err)
	}
	return scanApprovals(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (contracts.Approval, error) {
	var (
		a                       contracts.Approval
		action, status, urgency string
		createdAt, expiresAt    int64
		reviewedAt              sql.NullInt64
		payload                 string
	)
	if err := row.Scan(&a.ID, &action, &status, &urgency, &a.RequestedBy, &a.ReviewedBy, &a.ReviewNote,
		&createdAt, &expiresAt, &reviewedAt, &payload); err != nil {
		return contracts.Approval{}, err
	}
	a.Action = contracts.ApprovalAction(action)
	a.Status = contracts.ApprovalStatus(status)
	a.Urgency = contracts.Urgency(urgency)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if reviewedAt.Valid {
		t := time.Unix(0, reviewedAt.Int64).UTC()
		a.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return contracts.Approval{}, fmt.Errorf("approval payload decode: %w", err)
	}
	return a, nil
}

func scanApprovals(rows *sql.Rows) ([]contracts.Approval, error) {
	defer rows.Close()
	var out []contracts.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
