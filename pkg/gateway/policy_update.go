package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/escalation"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
)

// appliedMarker tags a policy written by an approval so a redelivered
// approval event does not apply it twice.
func appliedMarker(approvalID string) string { return "approval:" + approvalID }

// UpdatePolicy validates candidate and changes agentID's policy. Narrowing
// changes apply at once; widening changes, including a first policy, wait
// for a second operator's approval.
func (g *Gateway) UpdatePolicy(ctx context.Context, token, agentID string, candidate []byte) (PolicyChange, error) {
	claims, err := g.authorizeOperator(token, identity.ScopePolicyWrite)
	if err != nil {
		return PolicyChange{}, err
	}
	if claims.Subject == agentID {
		return PolicyChange{}, fmt.Errorf("%w: %s", ErrSelfEscalation, agentID)
	}
	if g.Validator == nil {
		return PolicyChange{}, errors.New("gateway: policy validator is required for updates")
	}
	v, err := g.Validator.Validate(candidate)
	if err != nil {
		return PolicyChange{}, err
	}
	next := v.Policy
	if next.AgentID != agentID {
		return PolicyChange{}, fmt.Errorf("%w: candidate is for %q, not %q", ErrInvalidInput, next.AgentID, agentID)
	}
	change := PolicyChange{AgentID: agentID, Warnings: v.Warnings}

	current, err := g.Policies.Get(ctx, agentID)
	switch {
	case err == nil && !policy.Widens(current, next):
		next.UpdatedBy = claims.Subject
		next.UpdatedAt = g.clock().UTC()
		if err := g.Policies.Put(ctx, next); err != nil {
			return PolicyChange{}, err
		}
		change.Applied = true
		g.logger.InfoContext(ctx, "policy narrowed", "agent_id", agentID, "operator", claims.Subject)
		return change, g.appendAudit(ctx, contracts.AuditRecord{
			AgentID:  agentID,
			Decision: contracts.DecisionPolicyUpdated,
			Reason:   "narrowing update",
			Metadata: map[string]string{"operator": claims.Subject},
		})
	case err != nil && !errors.Is(err, policy.ErrPolicyNotFound):
		return PolicyChange{}, err
	}

	a, err := g.Approvals.Create(ctx, escalation.Request{
		Action:      contracts.ActionPolicyUpdate,
		Urgency:     contracts.UrgencyHigh,
		RequestedBy: claims.Subject,
		Payload: contracts.ApprovalPayload{
			AgentID: agentID,
			Reason:  "policy update widens permissions",
			Policy:  &next,
		},
	})
	if err != nil {
		return PolicyChange{}, err
	}
	change.ApprovalID = a.ID
	g.logger.InfoContext(ctx, "policy widening awaits approval", "agent_id", agentID, "approval_id", a.ID)
	return change, nil
}

// ApplyPolicyApproval writes the policy carried by an approved
// policy_update approval. Applying the same approval again is a no-op.
func (g *Gateway) ApplyPolicyApproval(ctx context.Context, approvalID string) (PolicyChange, error) {
	a, err := g.Approvals.Get(ctx, approvalID)
	if err != nil {
		return PolicyChange{}, err
	}
	if a.Action != contracts.ActionPolicyUpdate || a.Payload.Policy == nil {
		return PolicyChange{}, fmt.Errorf("%w: %s is not a policy update", ErrInvalidInput, a.ID)
	}
	if a.Status != contracts.ApprovalApproved {
		return PolicyChange{}, fmt.Errorf("%w: approval %s is %s", ErrUnauthorized, a.ID, a.Status)
	}
	next := a.Payload.Policy.Clone()
	if a.ReviewedBy == next.AgentID {
		return PolicyChange{}, fmt.Errorf("%w: %s", ErrSelfEscalation, next.AgentID)
	}
	change := PolicyChange{AgentID: next.AgentID, ApprovalID: a.ID, Applied: true}

	marker := appliedMarker(a.ID)
	if cur, err := g.Policies.Get(ctx, next.AgentID); err == nil && cur.UpdatedBy == marker {
		return change, nil
	}
	next.UpdatedBy = marker
	next.UpdatedAt = g.clock().UTC()
	if err := g.Policies.Put(ctx, next); err != nil {
		return PolicyChange{}, err
	}
	g.logger.InfoContext(ctx, "policy update applied", "agent_id", next.AgentID, "approval_id", a.ID, "reviewer", a.ReviewedBy)
	return change, g.appendAudit(ctx, contracts.AuditRecord{
		AgentID:    next.AgentID,
		Decision:   contracts.DecisionPolicyUpdated,
		Reason:     "approved widening update",
		ApprovalID: a.ID,
		Metadata:   map[string]string{"requested_by": a.RequestedBy, "reviewed_by": a.ReviewedBy},
	})
}
