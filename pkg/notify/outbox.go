package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/retry"
)

const (
	defaultMaxAttempts = 10
	backoffMax         = 5 * time.Minute
)

// deliveryBackoff yields 5s, 10s, 20s, ... capped at backoffMax. Events are
// not jittered; the queue is process-local.
var deliveryBackoff = retry.BackoffPolicy{
	BaseMs:      5000,
	MaxMs:       backoffMax.Milliseconds(),
	MaxAttempts: defaultMaxAttempts,
}

type outboxItem struct {
	event    Event
	attempts int
	nextAt   time.Time
}

// Outbox decouples callers from delivery: Publish only enqueues and never
// blocks on the downstream sink. A worker delivers with exponential backoff.
type Outbox struct {
	next        Sink
	clock       func() time.Time
	maxAttempts int
	logger      *slog.Logger

	mu      sync.Mutex
	pending []*outboxItem
	wake    chan struct{}
}

func NewOutbox(next Sink) *Outbox {
	return &Outbox{
		next:        next,
		clock:       time.Now,
		maxAttempts: deliveryBackoff.MaxAttempts,
		logger:      slog.Default().With("component", "notify"),
		wake:        make(chan struct{}, 1),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

// Publish enqueues e for delivery.
func (o *Outbox) Publish(_ context.Context, e Event) error {
	o.mu.Lock()
	o.pending = append(o.pending, &outboxItem{event: e, nextAt: o.clock()})
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of undelivered events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// ProcessDue attempts every due event once and returns how many were
// delivered. The sink is called without holding the queue lock.
func (o *Outbox) ProcessDue(ctx context.Context) int {
	now := o.clock()

	o.mu.Lock()
	var due []*outboxItem
	rest := o.pending[:0]
	for _, it := range o.pending {
		if !it.nextAt.After(now) {
			due = append(due, it)
		} else {
			rest = append(rest, it)
		}
	}
	o.pending = rest
	o.mu.Unlock()

	delivered := 0
	var retry []*outboxItem
	for _, it := range due {
		if err := o.next.Publish(ctx, it.event); err != nil {
			it.attempts++
			if it.attempts >= o.maxAttempts {
				o.logger.Error("dropping event after retries", "id", it.event.ID, "attempts", it.attempts, "error", err)
				continue
			}
			it.nextAt = now.Add(nextAttempt(it.attempts - 1))
			o.logger.Warn("event delivery failed", "id", it.event.ID, "attempt", it.attempts, "error", err)
			retry = append(retry, it)
			continue
		}
		delivered++
	}

	if len(retry) > 0 {
		o.mu.Lock()
		o.pending = append(o.pending, retry...)
		o.mu.Unlock()
	}
	return delivered
}

// Run delivers until ctx is cancelled, polling at interval and waking
// early on new events.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
		o.ProcessDue(ctx)
	}
}

func nextAttempt(attemptCount int) time.Duration {
	return deliveryBackoff.Delay("", attemptCount)
}
