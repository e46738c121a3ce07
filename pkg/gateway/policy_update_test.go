package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/escalation"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
)

const narrowing = `{
  "agent_id": "did:agent:alice",
  "schema_version": "1.0.0",
  "limit_per_tx": 80,
  "daily_limit": 400,
  "auto_approve_ceiling": 50,
  "allowed_scopes": ["onchain:base"]
}`

const widening = `{
  "agent_id": "did:agent:alice",
  "schema_version": "1.0.0",
  "limit_per_tx": 200,
  "daily_limit": 1000,
  "auto_approve_ceiling": 100,
  "allowed_scopes": ["onchain:base", "onchain:polygon"]
}`

func TestUpdatePolicy_AgentCannotWriteOwnPolicy(t *testing.T) {
	f := newFixture(t)
	tok, err := f.tokens.GenerateToken(&identity.AgentIdentity{AgentID: agentID, Scopes: []string{identity.ScopePolicyWrite}}, time.Hour)
	require.NoError(t, err)

	_, err = f.gw.UpdatePolicy(context.Background(), tok, agentID, []byte(widening))
	assert.ErrorIs(t, err, ErrSelfEscalation)
}

func TestUpdatePolicy_OperatorNamedAsAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.UpdatePolicy(context.Background(), f.operatorToken(t, agentID, identity.ScopePolicyWrite), agentID, []byte(narrowing))
	assert.ErrorIs(t, err, ErrSelfEscalation)
}

func TestUpdatePolicy_RequiresScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.UpdatePolicy(context.Background(), f.operatorToken(t, "ops-1", identity.ScopeApprovalReview), agentID, []byte(narrowing))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.gw.UpdatePolicy(context.Background(), "not-a-jwt", agentID, []byte(narrowing))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpdatePolicy_NarrowingAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.gw.UpdatePolicy(ctx, f.operatorToken(t, "ops-1", identity.ScopePolicyWrite), agentID, []byte(narrowing))
	require.NoError(t, err)
	assert.True(t, change.Applied)
	assert.Empty(t, change.ApprovalID)

	p, err := f.policies.Get(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), p.LimitPerTx)
	assert.Equal(t, "ops-1", p.UpdatedBy)
	assert.Equal(t, []contracts.Decision{contracts.DecisionPolicyUpdated}, f.auditDecisions(t))
}

func TestUpdatePolicy_WideningNeedsSecondOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	change, err := f.gw.UpdatePolicy(ctx, f.operatorToken(t, "ops-1", identity.ScopePolicyWrite), agentID, []byte(widening))
	require.NoError(t, err)
	assert.False(t, change.Applied)
	require.NotEmpty(t, change.ApprovalID)

	p, err := f.policies.Get(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.LimitPerTx, "unchanged until approved")

	_, err = f.gw.ReviewApproval(ctx, f.operatorToken(t, "ops-1", identity.ScopeApprovalReview), change.ApprovalID, true, "")
	assert.ErrorIs(t, err, escalation.ErrSelfReview)

	rv, err := f.gw.ReviewApproval(ctx, f.operatorToken(t, "ops-2", identity.ScopeApprovalReview), change.ApprovalID, true, "")
	require.NoError(t, err)
	require.NotNil(t, rv.Policy)
	assert.True(t, rv.Policy.Applied)

	p, err = f.policies.Get(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.LimitPerTx)

	// A redelivered approval event does not apply or audit twice.
	err = f.gw.HandleApprovalEvent(ctx, notify.Event{
		Type:       notify.EventApproved,
		ApprovalID: change.ApprovalID,
		Action:     string(contracts.ActionPolicyUpdate),
	})
	require.NoError(t, err)
	assert.Equal(t, []contracts.Decision{contracts.DecisionPolicyUpdated}, f.auditDecisions(t))
}

func TestUpdatePolicy_InvalidCandidate(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.UpdatePolicy(context.Background(), f.operatorToken(t, "ops-1", identity.ScopePolicyWrite), agentID,
		[]byte(`{"agent_id":"did:agent:alice","schema_version":"2.0.0","limit_per_tx":10,"surprise":true}`))
	assert.Error(t, err)
}

func TestHandleApprovalEvent_ResumesPaymentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := alicePolicy()
	p.AutoApproveCeiling = 50
	require.NoError(t, f.policies.Put(ctx, p))

	out, err := f.gw.Submit(ctx, f.request(t, 70))
	require.NoError(t, err)
	_, err = f.approvals.Approve(ctx, out.ApprovalID, "ops-1", "")
	require.NoError(t, err)

	e := notify.Event{Type: notify.EventApproved, ApprovalID: out.ApprovalID, Action: string(contracts.ActionPayment)}
	require.NoError(t, f.gw.HandleApprovalEvent(ctx, e))
	require.NoError(t, f.gw.HandleApprovalEvent(ctx, e))
	assert.Equal(t, int64(70), f.spent(t))
	assert.Len(t, f.settler.dispatched, 1)
}
