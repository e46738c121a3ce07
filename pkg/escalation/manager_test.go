package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingSink) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) ids() map[string]notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]notify.Event, len(r.events))
	for _, e := range r.events {
		out[e.ID] = e
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, *recordingSink) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	return NewManager(NewMemoryStore(), sink).WithClock(clock.Now), clock, sink
}

func paymentRequest(u contracts.Urgency) Request {
	return Request{
		Action:      contracts.ActionPayment,
		Urgency:     u,
		RequestedBy: "agent-1",
		Payload:     contracts.ApprovalPayload{MandateID: "m-1", Vendor: "acme", AmountMinor: 9000, Token: "USDC"},
	}
}

func TestCreateSetsSLA(t *testing.T) {
	ctx := context.Background()
	m, clock, sink := newTestManager(t)

	cases := map[contracts.Urgency]time.Duration{
		contracts.UrgencyCritical: 15 * time.Minute,
		contracts.UrgencyHigh:     time.Hour,
		contracts.UrgencyNormal:   4 * time.Hour,
		contracts.UrgencyLow:      24 * time.Hour,
	}
	for u, want := range cases {
		a, err := m.Create(ctx, paymentRequest(u))
		if err != nil {
			t.Fatalf("create %s: %v", u, err)
		}
		if a.Status != contracts.ApprovalPending {
			t.Errorf("status = %s, want pending", a.Status)
		}
		if got := a.ExpiresAt.Sub(clock.Now()); got != want {
			t.Errorf("%s SLA = %v, want %v", u, got, want)
		}
	}

	m.Flush()
	events := sink.ids()
	if len(events) != len(cases) {
		t.Fatalf("expected %d created events, got %d", len(cases), len(events))
	}
	for _, e := range events {
		if e.Subject != notify.ApprovalSubject(e.Urgency, notify.EventCreated) {
			t.Errorf("subject %q not routed by urgency", e.Subject)
		}
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, Request{Action: contracts.ActionPayment}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("missing requester: got %v", err)
	}
	if _, err := m.Create(ctx, Request{Action: "wire", RequestedBy: "a"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown action: got %v", err)
	}
	if _, err := m.Create(ctx, Request{Action: contracts.ActionPayment, RequestedBy: "a", Urgency: "urgent"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown urgency: got %v", err)
	}
}

func TestWithSLAOverride(t *testing.T) {
	m, clock, _ := newTestManager(t)
	m.WithSLA(contracts.UrgencyCritical, 5*time.Minute)

	a, err := m.Create(context.Background(), paymentRequest(contracts.UrgencyCritical))
	if err != nil {
		t.Fatal(err)
	}
	if a.ExpiresAt.Sub(clock.Now()) != 5*time.Minute {
		t.Errorf("override not applied: %v", a.ExpiresAt)
	}
}

func TestApproveIsTerminal(t *testing.T) {
	ctx := context.Background()
	m, _, sink := newTestManager(t)

	a, _ := m.Create(ctx, paymentRequest(contracts.UrgencyHigh))
	approved, err := m.Approve(ctx, a.ID, "ops-alice", "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != contracts.ApprovalApproved || approved.ReviewedBy != "ops-alice" || approved.ReviewedAt == nil {
		t.Fatalf("unexpected record: %+v", approved)
	}

	if _, err := m.Approve(ctx, a.ID, "ops-bob", ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("second approve: got %v, want ErrNotPending", err)
	}
	if _, err := m.Deny(ctx, a.ID, "ops-bob", ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("deny after approve: got %v, want ErrNotPending", err)
	}
	if _, err := m.Cancel(ctx, a.ID, "agent-1"); !errors.Is(err, ErrNotPending) {
		t.Errorf("cancel after approve: got %v, want ErrNotPending", err)
	}

	got, _ := m.Get(ctx, a.ID)
	if got.Status != contracts.ApprovalApproved || got.ReviewedBy != "ops-alice" {
		t.Errorf("terminal record modified: %+v", got)
	}

	m.Flush()
	if _, ok := sink.ids()[notify.EventID(a.ID, notify.EventApproved)]; !ok {
		t.Error("approved event not published")
	}
}

func TestConcurrentReviewOneWinner(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	a, _ := m.Create(ctx, paymentRequest(contracts.UrgencyNormal))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = m.Approve(ctx, a.ID, "ops-alice", "")
			} else {
				_, err = m.Deny(ctx, a.ID, "ops-bob", "")
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrNotPending) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful review, got %d", wins)
	}
}

func TestSelfReviewRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	a, _ := m.Create(ctx, paymentRequest(contracts.UrgencyNormal))

	if _, err := m.Approve(ctx, a.ID, "agent-1", ""); !errors.Is(err, ErrSelfReview) {
		t.Fatalf("expected ErrSelfReview, got %v", err)
	}
	got, _ := m.Get(ctx, a.ID)
	if got.Status != contracts.ApprovalPending {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestCancelOnlyByRequester(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	a, _ := m.Create(ctx, paymentRequest(contracts.UrgencyNormal))

	if _, err := m.Cancel(ctx, a.ID, "someone-else"); !errors.Is(err, ErrNotRequester) {
		t.Fatalf("expected ErrNotRequester, got %v", err)
	}
	c, err := m.Cancel(ctx, a.ID, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != contracts.ApprovalCancelled {
		t.Errorf("status = %s", c.Status)
	}
}

func TestReviewAfterDeadlineRejected(t *testing.T) {
	ctx := context.Background()
	m, clock, _ := newTestManager(t)
	a, _ := m.Create(ctx, paymentRequest(contracts.UrgencyCritical))

	clock.Advance(16 * time.Minute)
	if _, err := m.Approve(ctx, a.ID, "ops-alice", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("approve past deadline: got %v, want ErrNotPending", err)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	m, clock, sink := newTestManager(t)

	critical, _ := m.Create(ctx, paymentRequest(contracts.UrgencyCritical))
	low, _ := m.Create(ctx, paymentRequest(contracts.UrgencyLow))

	clock.Advance(20 * time.Minute)
	expired, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != critical.ID {
		t.Fatalf("expected only the critical approval to expire, got %+v", expired)
	}

	again, _ := m.SweepExpired(ctx)
	if len(again) != 0 {
		t.Errorf("second sweep re-expired %d approvals", len(again))
	}

	got, _ := m.Get(ctx, low.ID)
	if got.Status != contracts.ApprovalPending {
		t.Errorf("low urgency approval status = %s", got.Status)
	}

	pending, _ := m.List(ctx, contracts.ApprovalPending)
	if len(pending) != 1 {
		t.Errorf("pending count = %d", len(pending))
	}

	m.Flush()
	if _, ok := sink.ids()[notify.EventID(critical.ID, notify.EventExpired)]; !ok {
		t.Error("expired event not published")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTransitionTableClosed(t *testing.T) {
	terminal := []contracts.ApprovalStatus{
		contracts.ApprovalApproved, contracts.ApprovalDenied,
		contracts.ApprovalExpired, contracts.ApprovalCancelled,
	}
	events := []Event{EventApprove, EventDeny, EventExpire, EventCancel}
	for _, from := range terminal {
		for _, ev := range events {
			if _, err := Transition(from, ev); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s on %s: expected ErrInvalidTransition, got %v", ev, from, err)
			}
		}
	}
	if to, err := Transition(contracts.ApprovalPending, EventApprove); err != nil || to != contracts.ApprovalApproved {
		t.Errorf("pending+approve = %s, %v", to, err)
	}
	if _, err := Transition(contracts.ApprovalPending, "escalate"); err == nil {
		t.Error("unknown event accepted")
	}
}
