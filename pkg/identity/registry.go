// Package identity resolves mandate issuers to their registered domain and
// signing keys, and issues operator tokens.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("identity not found")
)

// Registry resolves an identity to its registered record.
type Registry interface {
	Lookup(ctx context.Context, identity string) (Record, error)
}

// Key lifecycle event types.
const (
	EventIdentityRegistered = "IDENTITY_REGISTERED"
	EventKeyAdded           = "KEY_ADDED"
	EventKeyRevoked         = "KEY_REVOKED"
	EventKeyRotated         = "KEY_ROTATED"
)

// Event is a lifecycle event applied to the registry.
type Event struct {
	EventType string            `json:"event_type"`
	Identity  string            `json:"identity"`
	Domain    string            `json:"domain,omitempty"`
	KeyID     string            `json:"key_id,omitempty"`
	PublicKey ed25519.PublicKey `json:"public_key,omitempty"`
}

// MemoryRegistry is an event-sourced registry. State is derived only from
// applied events; Lookup returns copies.
type MemoryRegistry struct {
	mu      sync.RWMutex
	events  []Event
	records map[string]*Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

// Apply processes an event, updating the materialized view.
func (r *MemoryRegistry) Apply(event Event) error {
	if event.Identity == "" {
		return fmt.Errorf("%s event must include identity", event.EventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[event.Identity]
	switch event.EventType {
	case EventIdentityRegistered:
		if event.Domain == "" {
			return fmt.Errorf("%s event must include domain", event.EventType)
		}
		if rec == nil {
			rec = &Record{Identity: event.Identity, Keys: make(map[string]ed25519.PublicKey)}
			r.records[event.Identity] = rec
		}
		rec.Domain = event.Domain

	case EventKeyAdded, EventKeyRotated:
		if rec == nil {
			return fmt.Errorf("%s for unregistered identity %s", event.EventType, event.Identity)
		}
		if len(event.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%s event must include a valid public_key", event.EventType)
		}
		if event.KeyID == "" {
			return fmt.Errorf("%s event must include key_id", event.EventType)
		}
		rec.Keys[event.KeyID] = append(ed25519.PublicKey(nil), event.PublicKey...)

	case EventKeyRevoked:
		if rec != nil {
			delete(rec.Keys, event.KeyID)
		}

	default:
		return fmt.Errorf("unknown identity event type: %s", event.EventType)
	}

	r.events = append(r.events, event)
	return nil
}

// Register is a convenience for IDENTITY_REGISTERED followed by KEY_ADDED.
func (r *MemoryRegistry) Register(identity, domain, keyID string, pub ed25519.PublicKey) error {
	if err := r.Apply(Event{EventType: EventIdentityRegistered, Identity: identity, Domain: domain}); err != nil {
		return err
	}
	return r.Apply(Event{EventType: EventKeyAdded, Identity: identity, KeyID: keyID, PublicKey: pub})
}

func (r *MemoryRegistry) Lookup(ctx context.Context, identity string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[identity]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	out := Record{Identity: rec.Identity, Domain: rec.Domain, Keys: make(map[string]ed25519.PublicKey, len(rec.Keys))}
	for kid, k := range rec.Keys {
		out.Keys[kid] = append(ed25519.PublicKey(nil), k...)
	}
	return out, nil
}

// EventCount returns the number of events processed.
func (r *MemoryRegistry) EventCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
