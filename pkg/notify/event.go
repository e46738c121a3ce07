// Package notify delivers approval lifecycle events to operators.
//
// Delivery is at-least-once. Every event carries a stable ID so receivers
// can drop duplicates.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// SubjectPrefix roots every approval subject.
const SubjectPrefix = "sardis.approvals"

// Approval lifecycle event types.
const (
	EventCreated   = "created"
	EventApproved  = "approved"
	EventDenied    = "denied"
	EventExpired   = "expired"
	EventCancelled = "cancelled"
)

// Event is one lifecycle notification.
type Event struct {
	// ID is "<approval id>:<event type>".
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	Type       string          `json:"type"`
	ApprovalID string          `json:"approval_id"`
	Urgency    string          `json:"urgency"`
	Action     string          `json:"action,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Sink publishes events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// ApprovalSubject routes by urgency: sardis.approvals.<urgency>.<event>.
func ApprovalSubject(urgency, eventType string) string {
	return SubjectPrefix + "." + urgency + "." + eventType
}

// EventID is the idempotency key for an approval transition.
func EventID(approvalID, eventType string) string {
	return approvalID + ":" + eventType
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans out to every sink, returning the first error.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
