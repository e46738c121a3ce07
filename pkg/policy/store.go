package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
)

var ErrPolicyNotFound = errors.New("policy not found")

// Store persists spending policies. Reads return copies.
type Store interface {
	Get(ctx context.Context, agentID string) (contracts.SpendingPolicy, error)
	Put(ctx context.Context, p contracts.SpendingPolicy) error
	List(ctx context.Context) ([]contracts.SpendingPolicy, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]contracts.SpendingPolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]contracts.SpendingPolicy)}
}

func (s *MemoryStore) Get(_ context.Context, agentID string) (contracts.SpendingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[agentID]
	if !ok {
		return contracts.SpendingPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, agentID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, p contracts.SpendingPolicy) error {
	if p.AgentID == "" {
		return errors.New("policy agent_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.AgentID] = p.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]contracts.SpendingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.SpendingPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	return out, nil
}

const policySchemaDDL = `
CREATE TABLE IF NOT EXISTS spending_policies (
	agent_id TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
)`

// SQLStore persists policies as JSON documents.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Init(ctx context.Context) error {
	return s.db.InitSchema(ctx, policySchemaDDL)
}

func (s *SQLStore) Get(ctx context.Context, agentID string) (contracts.SpendingPolicy, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT document FROM spending_policies WHERE agent_id = $1`), agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.SpendingPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, agentID)
	}
	if err != nil {
		return contracts.SpendingPolicy{}, fmt.Errorf("policy read failed: %w", err)
	}
	var p contracts.SpendingPolicy
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return contracts.SpendingPolicy{}, fmt.Errorf("policy decode failed: %w", err)
	}
	return p, nil
}

func (s *SQLStore) Put(ctx context.Context, p contracts.SpendingPolicy) error {
	if p.AgentID == "" {
		return errors.New("policy agent_id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO spending_policies (agent_id, document, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE
		SET document = excluded.document, updated_by = excluded.updated_by, updated_at = excluded.updated_at`),
		p.AgentID, string(doc), p.UpdatedBy, p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("policy write failed: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]contracts.SpendingPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM spending_policies ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("policy list failed: %w", err)
	}
	defer rows.Close()

	var out []contracts.SpendingPolicy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p contracts.SpendingPolicy
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("policy decode failed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
