package mandate

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable rejection reason.
type Code string

const (
	CodeExpiredMandate         Code = "ExpiredMandate"
	CodeInvalidSignature       Code = "InvalidSignature"
	CodeUnknownIdentity        Code = "UnknownIdentity"
	CodeDomainMismatch         Code = "DomainMismatch"
	CodeReplayDetected         Code = "ReplayDetected"
	CodeBrokenChain            Code = "BrokenChain"
	CodeReplayStoreUnavailable Code = "ReplayStoreUnavailable"
)

var ErrRegistryRequired = errors.New("mandate: identity registry is required")

// Error is a terminal verification rejection.
type Error struct {
	Code      Code
	MandateID string
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("mandate %s rejected: %s", e.MandateID, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the rejection code from err, if any.
func CodeOf(err error) (Code, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Code, true
	}
	return "", false
}

func reject(code Code, mandateID, detail string, cause error) *Error {
	return &Error{Code: code, MandateID: mandateID, Detail: detail, Err: cause}
}
