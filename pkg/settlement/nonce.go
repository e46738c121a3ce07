package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Slot identifies one nonce sequence.
type Slot struct {
	Chain   string
	Address common.Address
}

func (s Slot) String() string {
	return s.Chain + ":" + strings.ToLower(s.Address.Hex())
}

// NonceStore owns the nonce sequence of every slot. Each method is one
// atomic operation and never calls out to the chain.
type NonceStore interface {
	// Reserve returns the lowest released nonce >= chainNonce, otherwise
	// max(next, chainNonce), advancing next past it. Released nonces below
	// chainNonce are discarded.
	Reserve(ctx context.Context, slot Slot, chainNonce uint64) (uint64, error)
	// Release returns an unused nonce to the free set.
	Release(ctx context.Context, slot Slot, n uint64) error
	// Confirm records that n landed on chain.
	Confirm(ctx context.Context, slot Slot, n uint64) error
}

// NonceAllocator reads the authoritative pending nonce from the chain, then
// reserves through the store. The chain read happens outside the store's
// atomic section.
type NonceAllocator struct {
	store  NonceStore
	logger *slog.Logger
}

func NewNonceAllocator(store NonceStore) *NonceAllocator {
	return &NonceAllocator{store: store, logger: slog.Default().With("component", "nonce")}
}

func (a *NonceAllocator) Reserve(ctx context.Context, slot Slot, client ChainClient) (uint64, error) {
	chainNonce, err := client.PendingNonce(ctx, slot.Address)
	if err != nil {
		return 0, fmt.Errorf("pending nonce for %s: %w", slot, err)
	}
	n, err := a.store.Reserve(ctx, slot, chainNonce)
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", slot, err)
	}
	a.logger.DebugContext(ctx, "nonce reserved", "slot", slot.String(), "nonce", n, "chain_nonce", chainNonce)
	return n, nil
}

func (a *NonceAllocator) Release(ctx context.Context, slot Slot, n uint64) {
	if err := a.store.Release(ctx, slot, n); err != nil {
		// A lost release leaves a gap that the next PendingNonce read skips.
		a.logger.WarnContext(ctx, "nonce release failed", "slot", slot.String(), "nonce", n, "error", err)
	}
}

func (a *NonceAllocator) Confirm(ctx context.Context, slot Slot, n uint64) error {
	return a.store.Confirm(ctx, slot, n)
}

type memorySlot struct {
	next      uint64
	released  map[uint64]struct{}
	confirmed uint64
	hasConf   bool
}

// MemoryNonceStore is an in-process NonceStore.
type MemoryNonceStore struct {
	mu    sync.Mutex
	slots map[Slot]*memorySlot
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{slots: make(map[Slot]*memorySlot)}
}

func (s *MemoryNonceStore) slot(k Slot) *memorySlot {
	ms, ok := s.slots[k]
	if !ok {
		ms = &memorySlot{released: make(map[uint64]struct{})}
		s.slots[k] = ms
	}
	return ms
}

func (s *MemoryNonceStore) Reserve(_ context.Context, slot Slot, chainNonce uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.slot(slot)

	var (
		best  uint64
		found bool
	)
	for n := range ms.released {
		if n < chainNonce {
			delete(ms.released, n)
			continue
		}
		if !found || n < best {
			best, found = n, true
		}
	}
	if found {
		delete(ms.released, best)
		return best, nil
	}

	n := ms.next
	if chainNonce > n {
		n = chainNonce
	}
	ms.next = n + 1
	return n, nil
}

func (s *MemoryNonceStore) Release(_ context.Context, slot Slot, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.slot(slot)
	if n >= ms.next {
		return fmt.Errorf("release of unreserved nonce %d for %s", n, slot)
	}
	ms.released[n] = struct{}{}
	return nil
}

func (s *MemoryNonceStore) Confirm(_ context.Context, slot Slot, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.slot(slot)
	delete(ms.released, n)
	if ms.next <= n {
		ms.next = n + 1
	}
	if !ms.hasConf || n > ms.confirmed {
		ms.confirmed, ms.hasConf = n, true
	}
	return nil
}

// Released lists the free set of a slot in ascending order.
func (s *MemoryNonceStore) Released(slot Slot) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.slots[slot]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(ms.released))
	for n := range ms.released {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
