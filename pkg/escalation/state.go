package escalation

import (
	"errors"
	"fmt"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Event is a reviewer or system action on an approval.
type Event string

const (
	EventApprove Event = "approve"
	EventDeny    Event = "deny"
	EventExpire  Event = "expire"
	EventCancel  Event = "cancel"
)

var ErrInvalidTransition = errors.New("invalid approval transition")

type transitionKey struct {
	from  contracts.ApprovalStatus
	event Event
}

// transitions is the complete state machine. Anything not listed is
// rejected; terminal states have no outgoing edges.
var transitions = map[transitionKey]contracts.ApprovalStatus{
	{contracts.ApprovalPending, EventApprove}: contracts.ApprovalApproved,
	{contracts.ApprovalPending, EventDeny}:    contracts.ApprovalDenied,
	{contracts.ApprovalPending, EventExpire}:  contracts.ApprovalExpired,
	{contracts.ApprovalPending, EventCancel}:  contracts.ApprovalCancelled,
}

// Transition returns the state reached from `from` on event.
func Transition(from contracts.ApprovalStatus, event Event) (contracts.ApprovalStatus, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	return to, nil
}

// notifyType maps a terminal status to its notification event type.
func notifyType(s contracts.ApprovalStatus) string {
	return string(s)
}
