package mandate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/crypto"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/replay"
)

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type fixture struct {
	signer   *crypto.Ed25519Signer
	registry *identity.MemoryRegistry
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	reg := identity.NewMemoryRegistry()
	require.NoError(t, reg.Register("did:agent:alice", "shop.example", "k1", signer.PublicKeyBytes()))

	v, err := NewVerifier(reg, replay.NewMemoryStore().WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	v.WithClock(func() time.Time { return fixedNow })
	return &fixture{signer: signer, registry: reg, verifier: v}
}

func (f *fixture) mandate(t *testing.T, kind contracts.MandateKind, nonce, parent string) contracts.Mandate {
	t.Helper()
	m := contracts.Mandate{
		MandateID:        "m-" + nonce,
		Kind:             kind,
		Issuer:           "did:agent:alice",
		Subject:          "did:agent:alice",
		AmountMinor:      4000,
		Token:            "USDC",
		Chain:            "base",
		Destination:      "0x00000000000000000000000000000000000000aa",
		MerchantCategory: "5734",
		Domain:           "shop.example",
		Nonce:            nonce,
		IssuedAt:         fixedNow.Add(-time.Minute),
		ExpiresAt:        fixedNow.Add(10 * time.Minute),
		ParentHash:       parent,
	}
	require.NoError(t, crypto.SignMandate(&m, f.signer))
	return m
}

func (f *fixture) chain(t *testing.T, nonce string) []contracts.Mandate {
	t.Helper()
	intent := f.mandate(t, contracts.MandateIntent, nonce+"-i", "")
	ih, err := crypto.MandateHash(intent)
	require.NoError(t, err)
	cart := f.mandate(t, contracts.MandateCart, nonce+"-c", ih)
	ch, err := crypto.MandateHash(cart)
	require.NoError(t, err)
	pay := f.mandate(t, contracts.MandatePayment, nonce, ch)
	return []contracts.Mandate{intent, cart, pay}
}

func TestNewVerifier_RequiresRegistry(t *testing.T) {
	_, err := NewVerifier(nil, replay.NewMemoryStore())
	assert.ErrorIs(t, err, ErrRegistryRequired)
}

func TestVerify_AcceptsFullChain(t *testing.T) {
	f := newFixture(t)
	res := f.verifier.Verify(context.Background(), f.chain(t, "n1"))
	require.True(t, res.Accepted, "%v", res.Err)
	assert.Equal(t, "did:agent:alice", res.Identity)
	assert.Equal(t, "n1", res.Payment.Nonce)
}

func TestVerify_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t, "n1")

	require.True(t, f.verifier.Verify(context.Background(), chain).Accepted)
	res := f.verifier.Verify(context.Background(), chain)
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeReplayDetected, res.Reason)
}

func TestVerify_ConcurrentReplayExactlyOnce(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t, "race")

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.verifier.Verify(context.Background(), chain).Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestVerify_ExpiredWithValidSignature(t *testing.T) {
	f := newFixture(t)
	m := contracts.Mandate{
		MandateID: "m-old", Kind: contracts.MandatePayment, Issuer: "did:agent:alice",
		Domain: "shop.example", Nonce: "old", AmountMinor: 100,
		IssuedAt: fixedNow.Add(-time.Hour), ExpiresAt: fixedNow.Add(-time.Second),
	}
	require.NoError(t, crypto.SignMandate(&m, f.signer))
	pub := f.signer.PublicKeyBytes()
	require.NoError(t, crypto.VerifyMandate(m, pub), "signature itself is valid")

	res := f.verifier.Verify(context.Background(), []contracts.Mandate{m})
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeExpiredMandate, res.Reason)
	code, ok := CodeOf(res.Err)
	assert.True(t, ok)
	assert.Equal(t, CodeExpiredMandate, code)
}

func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture, chain []contracts.Mandate) []contracts.Mandate
		code   Code
	}{
		{
			name: "tampered amount",
			mutate: func(_ *testing.T, _ *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].AmountMinor = 999999
				return c
			},
			code: CodeInvalidSignature,
		},
		{
			name: "unknown issuer",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[0].Issuer = "did:agent:mallory"
				require.NoError(t, crypto.SignMandate(&c[0], f.signer))
				return c
			},
			code: CodeUnknownIdentity,
		},
		{
			name: "wrong domain",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				m := f.mandate(t, contracts.MandatePayment, "solo", "")
				m.Domain = "evil.example"
				require.NoError(t, crypto.SignMandate(&m, f.signer))
				return []contracts.Mandate{m}
			},
			code: CodeDomainMismatch,
		},
		{
			name: "broken parent hash",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].ParentHash = "sha256:deadbeef"
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "payment exceeds parent amount",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].AmountMinor = 4001
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "token differs from parent",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].Token = "USDT"
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "chain differs from parent",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].Chain = "polygon"
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "destination differs from parent",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].Destination = "0x00000000000000000000000000000000000000bb"
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "subject differs from parent",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				c[2].Subject = "did:agent:bob"
				require.NoError(t, crypto.SignMandate(&c[2], f.signer))
				return c
			},
			code: CodeBrokenChain,
		},
		{
			name: "payment not last",
			mutate: func(_ *testing.T, _ *fixture, c []contracts.Mandate) []contracts.Mandate {
				return c[:2]
			},
			code: CodeBrokenChain,
		},
		{
			name: "revoked key",
			mutate: func(t *testing.T, f *fixture, c []contracts.Mandate) []contracts.Mandate {
				require.NoError(t, f.registry.Apply(identity.Event{EventType: identity.EventKeyRevoked, Identity: "did:agent:alice", KeyID: "k1"}))
				return c
			},
			code: CodeInvalidSignature,
		},
		{
			name: "empty chain",
			mutate: func(_ *testing.T, _ *fixture, _ []contracts.Mandate) []contracts.Mandate {
				return nil
			},
			code: CodeBrokenChain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			chain := tt.mutate(t, f, f.chain(t, "n"))
			res := f.verifier.Verify(context.Background(), chain)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.code, res.Reason)
		})
	}
}

func TestVerify_NarrowerChildAccepted(t *testing.T) {
	f := newFixture(t)
	intent := f.mandate(t, contracts.MandateIntent, "n-i", "")
	ih, err := crypto.MandateHash(intent)
	require.NoError(t, err)
	pay := f.mandate(t, contracts.MandatePayment, "n", ih)
	pay.AmountMinor = 2500
	pay.Destination = "0x00000000000000000000000000000000000000AA"
	require.NoError(t, crypto.SignMandate(&pay, f.signer))

	res := f.verifier.Verify(context.Background(), []contracts.Mandate{intent, pay})
	require.True(t, res.Accepted, "%v", res.Err)
	assert.Equal(t, int64(2500), res.Payment.AmountMinor)
}

func TestVerify_RejectedChainDoesNotConsumeNonce(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t, "n1")
	bad := append([]contracts.Mandate(nil), chain...)
	bad[2].AmountMinor++

	assert.False(t, f.verifier.Verify(context.Background(), bad).Accepted)
	assert.True(t, f.verifier.Verify(context.Background(), chain).Accepted)
}

type brokenStore struct{}

func (brokenStore) CheckAndInsert(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestVerify_ReplayStoreOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	v, err := NewVerifier(f.registry, brokenStore{})
	require.NoError(t, err)
	v.WithClock(func() time.Time { return fixedNow })

	res := v.Verify(context.Background(), f.chain(t, "n1"))
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeReplayStoreUnavailable, res.Reason)
}
