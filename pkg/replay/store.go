// Package replay tracks consumed mandate nonces so a mandate can be
// accepted at most once.
//
// Every implementation exposes a single atomic check-and-insert; callers
// must never emulate it with a read followed by a write.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTTL = errors.New("replay: ttl must be positive")
	ErrEmptyKey   = errors.New("replay: issuer and nonce are required")
)

// Store records (issuer, nonce) pairs for at least their TTL.
type Store interface {
	// CheckAndInsert inserts the pair if absent (or expired) and reports
	// whether this call inserted it. false means the nonce was already
	// consumed.
	CheckAndInsert(ctx context.Context, issuer, nonce string, ttl time.Duration) (bool, error)
}

// Key is the storage key of a nonce record. The issuer is length-prefixed
// because both parts may contain ':'.
func Key(issuer, nonce string) string {
	return fmt.Sprintf("replay:%d:%s:%s", len(issuer), issuer, nonce)
}

func validate(issuer, nonce string, ttl time.Duration) error {
	if issuer == "" || nonce == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
