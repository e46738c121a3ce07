package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

const nonceSchema = `
CREATE TABLE IF NOT EXISTS mandate_nonces (
	issuer TEXT NOT NULL,
	nonce TEXT NOT NULL,
	consumed_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	PRIMARY KEY (issuer, nonce)
)`

// An expired row may be claimed again; a live one never.
const claimNonce = `
INSERT INTO mandate_nonces (issuer, nonce, consumed_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (issuer, nonce) DO UPDATE
SET consumed_at = excluded.consumed_at, expires_at = excluded.expires_at
WHERE mandate_nonces.expires_at <= $3`

// SQLStore implements Store with a conditional upsert.
type SQLStore struct {
	db    *database.DB
	clock func() time.Time
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, nonceSchema)
}

func (s *SQLStore) CheckAndInsert(ctx context.Context, issuer, nonce string, ttl time.Duration) (bool, error) {
	if err := validate(issuer, nonce, ttl); err != nil {
		return false, err
	}
	now := s.clock()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(claimNonce), issuer, nonce, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("replay claim failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay claim result: %w", err)
	}
	return n == 1, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM mandate_nonces WHERE expires_at <= $1`), s.clock().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("replay purge failed: %w", err)
	}
	return res.RowsAffected()
}
