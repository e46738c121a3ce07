package settlement

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass decides how a broadcast failure is handled.
type ErrorClass int

const (
	ClassTerminal ErrorClass = iota
	ClassTransient
	ClassNonceConsumed
	// ClassAlreadyKnown means the node already holds this exact transaction.
	ClassAlreadyKnown
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNonceConsumed:
		return "nonce_consumed"
	case ClassAlreadyKnown:
		return "already_known"
	default:
		return "terminal"
	}
}

var (
	nonceMessages = []string{
		"nonce too low",
		"replacement transaction underpriced",
		"nonce has already been used",
	}
	transientMessages = []string{
		"timeout",
		"connection refused",
		"connection reset",
		"too many requests",
		"rate limit",
		"service unavailable",
		"bad gateway",
		"txpool is full",
		"eof",
	}
)

// ClassifyError maps an RPC broadcast error onto an ErrorClass. Sentinel
// errors win over message matching.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTerminal
	case errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrNotRecorded):
		return ClassTerminal
	case errors.Is(err, ErrNonceConsumed):
		return ClassNonceConsumed
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrTerminal):
		return ClassTerminal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return ClassAlreadyKnown
	}
	for _, m := range nonceMessages {
		if strings.Contains(msg, m) {
			return ClassNonceConsumed
		}
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassTerminal
}
