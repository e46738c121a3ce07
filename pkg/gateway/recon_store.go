package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

var (
	ErrEntryNotFound = errors.New("reconciliation entry not found")
	ErrEntryExists   = errors.New("reconciliation entry already exists")
	// ErrEntryNotPending is returned by MarkSubmitted once the entry has
	// been finalized, so a late broadcast is aborted.
	ErrEntryNotPending = errors.New("reconciliation entry is not pending")
)

// Submission records a signed transaction before it is broadcast.
type Submission struct {
	SigningAddress string
	Nonce          uint64
	TxHash         string
	At             time.Time
}

// Finalization decides the outcome of a pending entry.
type Finalization struct {
	ID         string
	Status     contracts.ReconciliationStatus
	TxHash     string
	ReasonCode string
	LastError  string
	ApprovalID string
	At         time.Time
}

// ReconStore is the settlement outbox. An entry is written before
// dispatch and finalized in two steps: BeginFinalize moves it from pending
// to finalizing with its target status and reports whether this call won
// the move; Complete closes it once spend and audit effects are applied.
// ListOpen returns both pending and finalizing entries, so a finalization
// interrupted between the steps is driven again.
type ReconStore interface {
	Create(ctx context.Context, e contracts.ReconciliationEntry) error
	Get(ctx context.Context, id string) (contracts.ReconciliationEntry, error)
	MarkSubmitted(ctx context.Context, id string, s Submission) error
	BeginFinalize(ctx context.Context, f Finalization) (bool, error)
	Complete(ctx context.Context, id string, at time.Time) error
	// ListOpen returns pending and finalizing entries created at or before
	// olderThan, oldest first.
	ListOpen(ctx context.Context, olderThan time.Time) ([]contracts.ReconciliationEntry, error)
}

type MemoryReconStore struct {
	mu      sync.Mutex
	entries map[string]contracts.ReconciliationEntry
}

func NewMemoryReconStore() *MemoryReconStore {
	return &MemoryReconStore{entries: make(map[string]contracts.ReconciliationEntry)}
}

func (s *MemoryReconStore) Create(_ context.Context, e contracts.ReconciliationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *MemoryReconStore) Get(_ context.Context, id string) (contracts.ReconciliationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return contracts.ReconciliationEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return cloneEntry(e), nil
}

func (s *MemoryReconStore) MarkSubmitted(_ context.Context, id string, sub Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if e.Status != contracts.ReconcilePending {
		return fmt.Errorf("%w: %s is %s", ErrEntryNotPending, id, e.Status)
	}
	nonce := sub.Nonce
	e.SigningAddress = sub.SigningAddress
	e.Nonce = &nonce
	e.TxHash = sub.TxHash
	e.Attempts++
	e.UpdatedAt = sub.At
	s.entries[id] = e
	return nil
}

func (s *MemoryReconStore) BeginFinalize(_ context.Context, f Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[f.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, f.ID)
	}
	if e.Status != contracts.ReconcilePending {
		return false, nil
	}
	e.Status = contracts.ReconcileFinalizing
	e.Target = f.Status
	if f.TxHash != "" {
		e.TxHash = f.TxHash
	}
	e.ReasonCode = f.ReasonCode
	e.LastError = f.LastError
	if f.ApprovalID != "" {
		e.ApprovalID = f.ApprovalID
	}
	e.UpdatedAt = f.At
	s.entries[f.ID] = e
	return true, nil
}

func (s *MemoryReconStore) Complete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if e.Status != contracts.ReconcileFinalizing {
		return nil
	}
	e.Status = e.Target
	e.UpdatedAt = at
	s.entries[id] = e
	return nil
}

func (s *MemoryReconStore) ListOpen(_ context.Context, olderThan time.Time) ([]contracts.ReconciliationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.ReconciliationEntry
	for _, e := range s.entries {
		open := e.Status == contracts.ReconcilePending || e.Status == contracts.ReconcileFinalizing
		if open && !e.CreatedAt.After(olderThan) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneEntry(e contracts.ReconciliationEntry) contracts.ReconciliationEntry {
	c := e
	c.Windows = append([]contracts.WindowCommit(nil), e.Windows...)
	if e.Nonce != nil {
		n := *e.Nonce
		c.Nonce = &n
	}
	return c
}
