// Package escalation implements the human approval workflow: payments or
// policy changes that need an operator decision before they proceed.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
)

var (
	ErrSelfReview   = errors.New("reviewer must differ from requester")
	ErrNotRequester = errors.New("only the requester may cancel")
	ErrInvalidInput = errors.New("invalid approval request")
)

// DefaultSLA is the review window per urgency.
var DefaultSLA = map[contracts.Urgency]time.Duration{
	contracts.UrgencyCritical: 15 * time.Minute,
	contracts.UrgencyHigh:     time.Hour,
	contracts.UrgencyNormal:   4 * time.Hour,
	contracts.UrgencyLow:      24 * time.Hour,
}

// Request opens an approval.
type Request struct {
	Action      contracts.ApprovalAction
	Urgency     contracts.Urgency
	RequestedBy string
	Payload     contracts.ApprovalPayload
}

// Manager drives approvals through the transition table. It holds no lock
// across store or sink calls.
type Manager struct {
	store  Store
	sink   notify.Sink
	clock  func() time.Time
	sla    map[contracts.Urgency]time.Duration
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewManager(store Store, sink notify.Sink) *Manager {
	if sink == nil {
		sink = notify.Nop{}
	}
	sla := make(map[contracts.Urgency]time.Duration, len(DefaultSLA))
	for k, v := range DefaultSLA {
		sla[k] = v
	}
	return &Manager{
		store:  store,
		sink:   sink,
		clock:  time.Now,
		sla:    sla,
		logger: slog.Default().With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithSLA overrides the review window for one urgency.
func (m *Manager) WithSLA(u contracts.Urgency, d time.Duration) *Manager {
	m.sla[u] = d
	return m
}

func (m *Manager) Create(ctx context.Context, req Request) (contracts.Approval, error) {
	if req.RequestedBy == "" {
		return contracts.Approval{}, fmt.Errorf("%w: requested_by is required", ErrInvalidInput)
	}
	if req.Action != contracts.ActionPayment && req.Action != contracts.ActionPolicyUpdate {
		return contracts.Approval{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, req.Action)
	}
	urgency := req.Urgency
	if urgency == "" {
		urgency = contracts.UrgencyNormal
	}
	sla, ok := m.sla[urgency]
	if !ok {
		return contracts.Approval{}, fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, urgency)
	}

	now := m.clock().UTC()
	a := contracts.Approval{
		ID:          uuid.New().String(),
		Action:      req.Action,
		Status:      contracts.ApprovalPending,
		Urgency:     urgency,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(sla),
		Payload:     req.Payload,
	}
	if err := m.store.Create(ctx, a); err != nil {
		return contracts.Approval{}, err
	}
	m.logger.InfoContext(ctx, "approval created", "id", a.ID, "action", a.Action, "urgency", a.Urgency, "expires_at", a.ExpiresAt)
	m.notify(a, notify.EventCreated, a.RequestedBy)
	return a, nil
}

func (m *Manager) Approve(ctx context.Context, id, reviewer, note string) (contracts.Approval, error) {
	return m.review(ctx, id, reviewer, note, EventApprove)
}

func (m *Manager) Deny(ctx context.Context, id, reviewer, note string) (contracts.Approval, error) {
	return m.review(ctx, id, reviewer, note, EventDeny)
}

func (m *Manager) review(ctx context.Context, id, reviewer, note string, event Event) (contracts.Approval, error) {
	if reviewer == "" {
		return contracts.Approval{}, fmt.Errorf("%w: reviewer is required", ErrInvalidInput)
	}
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return contracts.Approval{}, err
	}
	if current.RequestedBy == reviewer {
		return contracts.Approval{}, ErrSelfReview
	}
	to, err := Transition(current.Status, event)
	if err != nil {
		return contracts.Approval{}, ErrNotPending
	}
	a, err := m.store.Resolve(ctx, Resolution{ID: id, To: to, Reviewer: reviewer, Note: note, At: m.clock().UTC()})
	if err != nil {
		return contracts.Approval{}, err
	}
	m.logger.InfoContext(ctx, "approval reviewed", "id", id, "status", a.Status, "reviewer", reviewer)
	m.notify(a, notifyType(a.Status), reviewer)
	return a, nil
}

// Cancel withdraws a pending approval. Only the requester may cancel.
func (m *Manager) Cancel(ctx context.Context, id, requester string) (contracts.Approval, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return contracts.Approval{}, err
	}
	if current.RequestedBy != requester {
		return contracts.Approval{}, ErrNotRequester
	}
	to, err := Transition(current.Status, EventCancel)
	if err != nil {
		return contracts.Approval{}, ErrNotPending
	}
	a, err := m.store.Resolve(ctx, Resolution{ID: id, To: to, Reviewer: requester, At: m.clock().UTC()})
	if err != nil {
		return contracts.Approval{}, err
	}
	m.notify(a, notify.EventCancelled, requester)
	return a, nil
}

// SweepExpired expires every overdue pending approval in one store call and
// notifies afterwards.
func (m *Manager) SweepExpired(ctx context.Context) ([]contracts.Approval, error) {
	expired, err := m.store.ExpireDue(ctx, m.clock().UTC())
	if err != nil {
		return nil, err
	}
	for _, a := range expired {
		m.notify(a, notify.EventExpired, "system")
	}
	if len(expired) > 0 {
		m.logger.InfoContext(ctx, "approvals expired", "count", len(expired))
	}
	return expired, nil
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) Get(ctx context.Context, id string) (contracts.Approval, error) {
	return m.store.Get(ctx, id)
}

// List returns approvals in the given status, or all when status is empty.
func (m *Manager) List(ctx context.Context, status contracts.ApprovalStatus) ([]contracts.Approval, error) {
	return m.store.List(ctx, status)
}

// Flush waits for in-flight notifications.
func (m *Manager) Flush() {
	m.wg.Wait()
}

func (m *Manager) notify(a contracts.Approval, eventType, actor string) {
	payload, err := json.Marshal(a)
	if err != nil {
		m.logger.Error("approval event encode failed", "id", a.ID, "error", err)
		return
	}
	e := notify.Event{
		ID:         notify.EventID(a.ID, eventType),
		Subject:    notify.ApprovalSubject(string(a.Urgency), eventType),
		Type:       eventType,
		ApprovalID: a.ID,
		Urgency:    string(a.Urgency),
		Action:     string(a.Action),
		Actor:      actor,
		OccurredAt: m.clock().UTC(),
		Payload:    payload,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.sink.Publish(ctx, e); err != nil {
			m.logger.Warn("approval notification failed", "id", e.ID, "error", err)
		}
	}()
}
