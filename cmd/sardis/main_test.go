package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/compliance"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/config"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/crypto"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/gateway"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
)

const testAgent = "did:agent:alice"

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"sardis"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verify-mandate")
	assert.Contains(t, out, "approvals")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultStartsServer(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	code, _, _ := run()
	assert.Equal(t, 0, code)
	code, _, _ = run("serve")
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, called)
}

func TestKeygen(t *testing.T) {
	code, out, _ := run("keygen", "--type", "mandate", "--key-id", "k9")
	require.Equal(t, 0, code)
	var mk keyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &mk))
	assert.Equal(t, "k9", mk.KeyID)
	signer, err := crypto.NewEd25519SignerFromSeed(mk.PrivateKey, "k9")
	require.NoError(t, err)
	assert.Equal(t, mk.PublicKey, signer.PublicKey())

	code, out, _ = run("keygen", "--type", "settlement")
	require.Equal(t, 0, code)
	var sk keyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &sk))
	assert.True(t, strings.HasPrefix(sk.Address, "0x"))
	assert.Len(t, sk.PrivateKey, 64)

	code, _, _ = run("keygen", "--type", "rsa")
	assert.Equal(t, 2, code)
}

func TestTokenCmd(t *testing.T) {
	const secret = "cli-secret-cli-secret-cli-secret"
	t.Setenv("SARDIS_OPERATOR_SECRET", secret)

	code, out, _ := run("token", "--operator", "ops-1", "--scopes", "policy:write, approvals:review")
	require.Equal(t, 0, code)

	ks, err := identity.NewHMACKeySet([]byte(secret))
	require.NoError(t, err)
	claims, err := identity.NewTokenManager(ks).Authorize(strings.TrimSpace(out), identity.ScopePolicyWrite)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.True(t, claims.HasScope(identity.ScopeApprovalReview))

	code, _, _ = run("token")
	assert.Equal(t, 2, code)
}

const validPolicyYAML = `agent_id: did:agent:alice
schema_version: "1.0.0"
limit_per_tx: 10000
daily_limit: 20000
auto_approve_ceiling: 100
allowed_scopes: ["onchain:base"]
`

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "alice.yaml")
	require.NoError(t, os.WriteFile(good, []byte(validPolicyYAML), 0o600))

	code, out, _ := run("policy", "validate", "--file", good)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "VALID")
	assert.Contains(t, out, testAgent)

	code, out, _ = run("policy", "validate", "--file", dir, "--json")
	require.Equal(t, 0, code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Len(t, listed, 1)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agent_id: x\nlimit_per_tx: -5\nsurprise: true\n"), 0o600))
	code, _, errOut := run("policy", "validate", "--file", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "INVALID")
}

// liteEnv points the binary at a fresh Lite Mode data directory with one
// registered agent and returns the agent's mandate signer.
func liteEnv(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)

	dir := t.TempDir()
	registry := filepath.Join(dir, "identities.yaml")
	yml := fmt.Sprintf("identities:\n  - id: %s\n    domain: shop.example\n    keys:\n      - id: k1\n        public_key: %s\n",
		testAgent, hex.EncodeToString(signer.PublicKeyBytes()))
	require.NoError(t, os.WriteFile(registry, []byte(yml), 0o600))
	screening := filepath.Join(dir, "screening.yaml")
	require.NoError(t, os.WriteFile(screening, []byte("flagged:\n  - 0x00000000000000000000000000000000000000bad\n"), 0o600))

	for k, v := range map[string]string{
		"SARDIS_IDENTITY_REGISTRY": registry,
		"SARDIS_DATA_DIR":          filepath.Join(dir, "data"),
		"SARDIS_OPERATOR_SECRET":   "cli-secret-cli-secret-cli-secret",
		"DATABASE_URL":             "",
		"REDIS_URL":                "",
		"NATS_URL":                 "",
		"SARDIS_CHAINS":            "",
		"SARDIS_POLICY_DIR":        "",
		"SARDIS_COMPLIANCE_LIST":   screening,
		"SARDIS_COMPLIANCE_MODE":   "",
		"OTEL_ENABLED":             "",
	} {
		t.Setenv(k, v)
	}
	return signer
}

func writeRequest(t *testing.T, signer *crypto.Ed25519Signer, nonce string, amount int64) string {
	t.Helper()
	now := time.Now()
	link := func(kind contracts.MandateKind, suffix, parent string) contracts.Mandate {
		m := contracts.Mandate{
			MandateID:        "m-" + nonce + suffix,
			Kind:             kind,
			Issuer:           testAgent,
			Subject:          testAgent,
			AmountMinor:      amount,
			Token:            "USDC",
			Chain:            "base",
			Destination:      "0x00000000000000000000000000000000000000aa",
			Merchant:         "Acme Software",
			MerchantCategory: "5734",
			Domain:           "shop.example",
			Nonce:            nonce + suffix,
			IssuedAt:         now.Add(-time.Minute),
			ExpiresAt:        now.Add(10 * time.Minute),
			ParentHash:       parent,
		}
		require.NoError(t, crypto.SignMandate(&m, signer))
		return m
	}
	intent := link(contracts.MandateIntent, "-i", "")
	ih, err := crypto.MandateHash(intent)
	require.NoError(t, err)
	req := contracts.PaymentRequest{Chain: []contracts.Mandate{intent, link(contracts.MandatePayment, "", ih)}}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "request.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerifyMandate_DoesNotConsumeNonce(t *testing.T) {
	signer := liteEnv(t)
	path := writeRequest(t, signer, "v1", 50)

	for range 2 {
		code, out, _ := run("verify-mandate", "--file", path)
		require.Equal(t, 0, code, out)
		var rep verifyReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.True(t, rep.Accepted)
		assert.Equal(t, "m-v1", rep.MandateID)
	}

	other, err := crypto.NewEd25519Signer("k1")
	require.NoError(t, err)
	code, out, _ := run("verify-mandate", "--file", writeRequest(t, other, "v2", 50))
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `"accepted": false`)
}

// TestLiteMode_ApprovalLifecycle parks a payment above the auto-approve
// ceiling, lists it, denies it as an operator and verifies the audit chain.
func TestLiteMode_ApprovalLifecycle(t *testing.T) {
	signer := liteEnv(t)
	ctx := context.Background()

	cfg, err := config.Load()
	require.NoError(t, err)
	db, err := openDatabase(ctx, cfg)
	require.NoError(t, err)
	store := policy.NewSQLStore(db)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Put(ctx, contracts.SpendingPolicy{
		AgentID:            testAgent,
		SchemaVersion:      "1.0.0",
		LimitPerTx:         10000,
		DailyLimit:         contracts.Limit(20000),
		AutoApproveCeiling: 100,
		AllowedScopes:      []string{"onchain:base"},
	}))
	require.NoError(t, db.Close())

	reqPath := writeRequest(t, signer, "p1", 500)
	code, out, errOut := run("submit", "--file", reqPath)
	require.Equal(t, 0, code, errOut)
	var parked gateway.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &parked))
	require.Equal(t, gateway.StatusPendingApproval, parked.Status)
	require.NotEmpty(t, parked.ApprovalID)

	code, out, _ = run("submit", "--file", reqPath)
	assert.Equal(t, 1, code, "replayed chain must be rejected")
	assert.Contains(t, out, "ReplayDetected")

	code, out, _ = run("approvals", "list", "--json")
	require.Equal(t, 0, code)
	var pending []contracts.Approval
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, parked.ApprovalID, pending[0].ID)

	code, tok, _ := run("token", "--operator", "ops-1", "--scopes", identity.ScopeApprovalReview)
	require.Equal(t, 0, code)
	code, out, errOut = run("approvals", "deny", "--id", parked.ApprovalID, "--token", strings.TrimSpace(tok), "--note", "not this week")
	require.Equal(t, 0, code, errOut)
	var review gateway.Review
	require.NoError(t, json.Unmarshal([]byte(out), &review))
	assert.Equal(t, contracts.ApprovalDenied, review.Approval.Status)
	require.NotNil(t, review.Outcome)
	assert.Equal(t, gateway.StatusRejected, review.Outcome.Status)

	code, out, _ = run("approvals", "list", "--json")
	require.Equal(t, 0, code)
	pending = nil
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	assert.Empty(t, pending)

	code, out, _ = run("audit", "verify")
	require.Equal(t, 0, code, out)
	var rep auditReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Valid)
	assert.GreaterOrEqual(t, rep.Entries, 3)

	archive := t.TempDir()
	t.Setenv("SARDIS_ARCHIVE_DIR", archive)
	code, out, errOut = run("audit", "export", "--prefix", "seg/")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "chain_head")
	files, err := os.ReadDir(filepath.Join(archive, "seg"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestOpenScreener_FailsClosedWithoutList(t *testing.T) {
	ctx := context.Background()
	s, err := openScreener(&config.Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, s, "a missing list never silently disables screening")
	d := s.Screen(ctx, 10, "0x00000000000000000000000000000000000000aa")
	assert.False(t, d.Allowed)
	assert.Equal(t, compliance.CodeUnavailable, d.Code)

	s, err = openScreener(&config.Config{ComplianceMode: "open_below", ComplianceOpenBelow: 100}, nil)
	require.NoError(t, err)
	assert.True(t, s.Screen(ctx, 10, "0x00000000000000000000000000000000000000aa").Allowed)

	s, err = openScreener(&config.Config{ComplianceMode: "disabled"}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = openScreener(&config.Config{ComplianceMode: "sometimes"}, nil)
	assert.Error(t, err)
}

func TestSubcommandUsage(t *testing.T) {
	for _, args := range [][]string{
		{"policy"}, {"approvals"}, {"audit"},
		{"policy", "nope"}, {"approvals", "nope"}, {"audit", "nope"},
		{"submit"}, {"verify-mandate"},
	} {
		code, _, _ := run(args...)
		assert.Equal(t, 2, code, "args %v", args)
	}
}
