// Package mandate verifies signed mandate chains and consumes their nonces
// exactly once.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/crypto"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/replay"
)

// DefaultMinTTL is the floor for replay record lifetimes.
const DefaultMinTTL = time.Minute

// Result is the outcome of verifying a chain.
type Result struct {
	Accepted bool
	// Identity is the issuer of the payment link.
	Identity string
	Payment  contracts.Mandate
	Reason   Code
	Err      error
}

// Verifier validates mandate chains. Every verification is terminal.
type Verifier struct {
	registry identity.Registry
	replay   replay.Store
	clock    func() time.Time
	minTTL   time.Duration
	logger   *slog.Logger
}

// NewVerifier requires both an identity registry and a replay store.
func NewVerifier(registry identity.Registry, store replay.Store) (*Verifier, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}
	if store == nil {
		return nil, errors.New("mandate: replay store is required")
	}
	return &Verifier{
		registry: registry,
		replay:   store,
		clock:    time.Now,
		minTTL:   DefaultMinTTL,
		logger:   slog.Default().With("component", "mandate"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// WithMinTTL sets the minimum replay record lifetime.
func (v *Verifier) WithMinTTL(d time.Duration) *Verifier {
	if d > 0 {
		v.minTTL = d
	}
	return v
}

// Verify checks every link root first and, only when all pass, consumes the
// payment mandate's nonce. A chain is never partially accepted.
func (v *Verifier) Verify(ctx context.Context, chain []contracts.Mandate) Result {
	res := v.verify(ctx, chain)
	if !res.Accepted {
		v.logger.Info("mandate rejected", "reason", res.Reason, "identity", res.Identity, "error", res.Err)
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, chain []contracts.Mandate) Result {
	if len(chain) == 0 {
		return failed("", reject(CodeBrokenChain, "", "empty chain", nil))
	}

	now := v.clock()
	prevHash := ""
	for i, m := range chain {
		isLast := i == len(chain)-1
		if err := v.verifyLink(ctx, m, now); err != nil {
			return failed(m.Issuer, err)
		}
		if err := checkLinkage(m, i, prevHash, isLast); err != nil {
			return failed(m.Issuer, err)
		}
		if i > 0 {
			if err := checkBinding(chain[i-1], m); err != nil {
				return failed(m.Issuer, err)
			}
		}
		h, err := crypto.MandateHash(m)
		if err != nil {
			return failed(m.Issuer, reject(CodeBrokenChain, m.MandateID, "hash failed", err))
		}
		prevHash = h
	}

	leaf := chain[len(chain)-1]
	ttl := leaf.Validity()
	if ttl < v.minTTL {
		ttl = v.minTTL
	}
	inserted, err := v.replay.CheckAndInsert(ctx, leaf.Issuer, leaf.Nonce, ttl)
	if err != nil {
		return failed(leaf.Issuer, reject(CodeReplayStoreUnavailable, leaf.MandateID, "", err))
	}
	if !inserted {
		return failed(leaf.Issuer, reject(CodeReplayDetected, leaf.MandateID, "nonce "+leaf.Nonce+" already consumed", nil))
	}

	return Result{Accepted: true, Identity: leaf.Issuer, Payment: leaf}
}

func (v *Verifier) verifyLink(ctx context.Context, m contracts.Mandate, now time.Time) *Error {
	rec, err := v.registry.Lookup(ctx, m.Issuer)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return reject(CodeUnknownIdentity, m.MandateID, m.Issuer, nil)
		}
		// Registry outages are indistinguishable from unknown identities to
		// the caller; both reject.
		return reject(CodeUnknownIdentity, m.MandateID, "registry lookup failed", err)
	}

	methodID, keyID, err := crypto.ParseVerificationMethod(m.Proof.VerificationMethod)
	if err != nil || methodID != m.Issuer {
		return reject(CodeInvalidSignature, m.MandateID, "verification method does not reference issuer", err)
	}
	pub, ok := rec.Key(keyID)
	if !ok {
		return reject(CodeInvalidSignature, m.MandateID, fmt.Sprintf("key %s not authorized", keyID), nil)
	}
	if err := crypto.VerifyMandate(m, pub); err != nil {
		return reject(CodeInvalidSignature, m.MandateID, "", err)
	}

	if !m.ExpiresAt.After(now) {
		return reject(CodeExpiredMandate, m.MandateID, "expired at "+m.ExpiresAt.UTC().Format(time.RFC3339), nil)
	}
	if m.Domain != rec.Domain {
		return reject(CodeDomainMismatch, m.MandateID, fmt.Sprintf("domain %q, registered %q", m.Domain, rec.Domain), nil)
	}
	return nil
}

func checkLinkage(m contracts.Mandate, index int, prevHash string, isLast bool) *Error {
	switch {
	case index == 0 && m.ParentHash != "":
		return reject(CodeBrokenChain, m.MandateID, "root mandate references a parent", nil)
	case index > 0 && m.ParentHash != prevHash:
		return reject(CodeBrokenChain, m.MandateID, "parent_hash does not match previous link", nil)
	case isLast && m.Kind != contracts.MandatePayment:
		return reject(CodeBrokenChain, m.MandateID, "last link must be a payment mandate", nil)
	case !isLast && m.Kind == contracts.MandatePayment:
		return reject(CodeBrokenChain, m.MandateID, "payment mandate must be the last link", nil)
	}
	return nil
}

// checkBinding keeps a child inside what its parent authorized: no larger
// amount, and the same token, chain, destination and agent.
func checkBinding(parent, child contracts.Mandate) *Error {
	switch {
	case child.AmountMinor > parent.AmountMinor:
		return reject(CodeBrokenChain, child.MandateID,
			fmt.Sprintf("amount %d exceeds parent amount %d", child.AmountMinor, parent.AmountMinor), nil)
	case child.Token != parent.Token:
		return reject(CodeBrokenChain, child.MandateID, "token differs from parent", nil)
	case child.Chain != parent.Chain:
		return reject(CodeBrokenChain, child.MandateID, "chain differs from parent", nil)
	case !strings.EqualFold(child.Destination, parent.Destination):
		return reject(CodeBrokenChain, child.MandateID, "destination differs from parent", nil)
	case child.Agent() != parent.Agent():
		return reject(CodeBrokenChain, child.MandateID, "agent differs from parent", nil)
	}
	return nil
}

func failed(identity string, err *Error) Result {
	return Result{Identity: identity, Reason: err.Code, Err: err}
}
