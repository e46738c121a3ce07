package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

const nonceSlotSchema = `
CREATE TABLE IF NOT EXISTS nonce_slots (
	slot TEXT PRIMARY KEY,
	next BIGINT NOT NULL,
	confirmed BIGINT NOT NULL
)`

const nonceReleasedSchema = `
CREATE TABLE IF NOT EXISTS nonce_released (
	slot TEXT NOT NULL,
	nonce BIGINT NOT NULL,
	PRIMARY KEY (slot, nonce)
)`

// The no-op update takes the row lock on Postgres, so every statement that
// follows in the transaction sees the slot exclusively.
const lockSlot = `
INSERT INTO nonce_slots (slot, next, confirmed) VALUES ($1, 0, -1)
ON CONFLICT (slot) DO UPDATE SET next = nonce_slots.next
RETURNING next`

// SQLNonceStore implements NonceStore on the shared Postgres (or Lite Mode
// SQLite) database, so replicas without Redis still draw from one sequence.
type SQLNonceStore struct {
	db *database.DB
}

func NewSQLNonceStore(db *database.DB) *SQLNonceStore {
	return &SQLNonceStore{db: db}
}

func (s *SQLNonceStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, nonceSlotSchema, nonceReleasedSchema)
}

func (s *SQLNonceStore) lock(ctx context.Context, tx *sql.Tx, slot Slot) (uint64, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, s.db.Rebind(lockSlot), slot.String()).Scan(&next); err != nil {
		return 0, fmt.Errorf("lock nonce slot %s: %w", slot, err)
	}
	return uint64(next), nil
}

func (s *SQLNonceStore) Reserve(ctx context.Context, slot Slot, chainNonce uint64) (uint64, error) {
	key := slot.String()
	var n uint64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		next, err := s.lock(ctx, tx, slot)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM nonce_released WHERE slot = $1 AND nonce < $2`), key, int64(chainNonce))
		if err != nil {
			return fmt.Errorf("discard stale nonces: %w", err)
		}

		var free int64
		err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT nonce FROM nonce_released WHERE slot = $1 ORDER BY nonce LIMIT 1`), key).Scan(&free)
		switch {
		case err == nil:
			n = uint64(free)
			_, err = tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM nonce_released WHERE slot = $1 AND nonce = $2`), key, free)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read released nonces: %w", err)
		}

		n = max(next, chainNonce)
		_, err = tx.ExecContext(ctx, s.db.Rebind(`UPDATE nonce_slots SET next = $2 WHERE slot = $1`), key, int64(n+1))
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLNonceStore) Release(ctx context.Context, slot Slot, n uint64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		next, err := s.lock(ctx, tx, slot)
		if err != nil {
			return err
		}
		if n >= next {
			return fmt.Errorf("release of unreserved nonce %d for %s", n, slot)
		}
		_, err = tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO nonce_released (slot, nonce) VALUES ($1, $2)
			ON CONFLICT (slot, nonce) DO NOTHING`), slot.String(), int64(n))
		return err
	})
}

func (s *SQLNonceStore) Confirm(ctx context.Context, slot Slot, n uint64) error {
	key := slot.String()
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lock(ctx, tx, slot); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM nonce_released WHERE slot = $1 AND nonce = $2`), key, int64(n)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.db.Rebind(`
			UPDATE nonce_slots
			SET next = CASE WHEN next <= $2 THEN $3 ELSE next END,
				confirmed = CASE WHEN confirmed < $2 THEN $2 ELSE confirmed END
			WHERE slot = $1`), key, int64(n), int64(n+1))
		return err
	})
}

// Released lists the free set of a slot in ascending order.
func (s *SQLNonceStore) Released(ctx context.Context, slot Slot) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT nonce FROM nonce_released WHERE slot = $1 ORDER BY nonce`), slot.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, uint64(n))
	}
	return out, rows.Err()
}
