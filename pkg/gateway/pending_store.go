package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

var ErrPendingNotFound = errors.New("pending payment not found")

// PendingStore parks payments awaiting approval. Take removes and returns
// an entry atomically, so exactly one resumer gets it.
type PendingStore interface {
	Put(ctx context.Context, p PendingPayment) error
	Take(ctx context.Context, approvalID string) (PendingPayment, error)
}

type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[string]PendingPayment
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{entries: make(map[string]PendingPayment)}
}

func (s *MemoryPendingStore) Put(_ context.Context, p PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[p.ApprovalID]; ok {
		return fmt.Errorf("pending payment %s already exists", p.ApprovalID)
	}
	s.entries[p.ApprovalID] = p
	return nil
}

func (s *MemoryPendingStore) Take(_ context.Context, approvalID string) (PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[approvalID]
	if !ok {
		return PendingPayment{}, ErrPendingNotFound
	}
	delete(s.entries, approvalID)
	return p, nil
}

const pendingSchema = `
CREATE TABLE IF NOT EXISTS pending_payments (
	approval_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	mandate_id TEXT NOT NULL,
	mandate TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`

// SQLPendingStore keeps parked payments in Postgres or SQLite.
type SQLPendingStore struct {
	db *database.DB
}

func NewSQLPendingStore(db *database.DB) *SQLPendingStore {
	return &SQLPendingStore{db: db}
}

func (s *SQLPendingStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, pendingSchema)
}

func (s *SQLPendingStore) Put(ctx context.Context, p PendingPayment) error {
	doc, err := json.Marshal(p.Mandate)
	if err != nil {
		return fmt.Errorf("pending mandate encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO pending_payments (approval_id, agent_id, mandate_id, mandate, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		p.ApprovalID, p.AgentID, p.Mandate.MandateID, string(doc), p.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("pending payment insert failed: %w", err)
	}
	return nil
}

// Take deletes the row and returns it in one statement.
func (s *SQLPendingStore) Take(ctx context.Context, approvalID string) (PendingPayment, error) {
	var (
		p       = PendingPayment{ApprovalID: approvalID}
		doc     string
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		DELETE FROM pending_payments WHERE approval_id = $1
		RETURNING agent_id, mandate, created_at`), approvalID).Scan(&p.AgentID, &doc, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingPayment{}, ErrPendingNotFound
	}
	if err != nil {
		return PendingPayment{}, fmt.Errorf("pending payment take failed: %w", err)
	}
	if err := json.Unmarshal([]byte(doc), &p.Mandate); err != nil {
		return PendingPayment{}, fmt.Errorf("pending mandate decode: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	return p, nil
}
