package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

var (
	ErrNotFound   = errors.New("approval not found")
	ErrNotPending = errors.New("approval is not pending")
)

// Resolution is a conditional transition out of pending.
type Resolution struct {
	ID       string
	To       contracts.ApprovalStatus
	Reviewer string
	Note     string
	At       time.Time
}

// Store persists approvals. Resolve and ExpireDue are conditional on the
// pending state and never block on anything external.
type Store interface {
	Create(ctx context.Context, a contracts.Approval) error
	Get(ctx context.Context, id string) (contracts.Approval, error)
	// Resolve moves a pending, unexpired approval to r.To. Returns
	// ErrNotPending when the condition fails.
	Resolve(ctx context.Context, r Resolution) (contracts.Approval, error)
	// ExpireDue marks every pending approval with expires_at <= now expired
	// and returns them.
	ExpireDue(ctx context.Context, now time.Time) ([]contracts.Approval, error)
	List(ctx context.Context, status contracts.ApprovalStatus) ([]contracts.Approval, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]contracts.Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]contracts.Approval)}
}

func (s *MemoryStore) Create(_ context.Context, a contracts.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[a.ID]; exists {
		return errors.New("approval already exists: " + a.ID)
	}
	s.approvals[a.ID] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return contracts.Approval{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Resolve(_ context.Context, r Resolution) (contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[r.ID]
	if !ok {
		return contracts.Approval{}, ErrNotFound
	}
	if a.Status != contracts.ApprovalPending || !a.ExpiresAt.After(r.At) {
		return contracts.Approval{}, ErrNotPending
	}
	at := r.At
	a.Status = r.To
	a.ReviewedBy = r.Reviewer
	a.ReviewNote = r.Note
	a.ReviewedAt = &at
	s.approvals[r.ID] = a
	return a, nil
}

func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Approval
	for id, a := range s.approvals {
		if a.Status != contracts.ApprovalPending || a.ExpiresAt.After(now) {
			continue
		}
		at := now
		a.Status = contracts.ApprovalExpired
		a.ReviewedAt = &at
		s.approvals[id] = a
		out = append(out, a)
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, status contracts.ApprovalStatus) ([]contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Approval
	for _, a := range s.approvals {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(as []contracts.Approval) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}
