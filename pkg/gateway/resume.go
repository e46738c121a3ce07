package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
)

// Resume continues a payment whose approval has resolved. Approved
// payments continue from the spend commit; any other terminal state is
// audited as a rejection. Each payment resumes at most once.
func (g *Gateway) Resume(ctx context.Context, approvalID string) (Outcome, error) {
	a, err := g.Approvals.Get(ctx, approvalID)
	if err != nil {
		return Outcome{}, err
	}
	if a.Action != contracts.ActionPayment {
		return Outcome{}, fmt.Errorf("%w: %s is a %s approval", ErrNotResumable, a.ID, a.Action)
	}
	if !a.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: %s is still pending", ErrNotResumable, a.ID)
	}

	p, err := g.Pending.Take(ctx, approvalID)
	if errors.Is(err, ErrPendingNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlreadyResumed, approvalID)
	}
	if err != nil {
		return Outcome{}, err
	}

	ctx, end := g.tel.TrackStage(ctx, "resume")
	out, err := g.resume(ctx, a, p)
	end(err)
	g.tel.RecordDecision(ctx, string(out.Status), out.Code)
	return out, err
}

func (g *Gateway) resume(ctx context.Context, a contracts.Approval, p PendingPayment) (Outcome, error) {
	if a.Status != contracts.ApprovalApproved {
		return g.reject(ctx, p.Mandate, Outcome{
			Code:       CodeApprovalPrefix + string(a.Status),
			Reason:     fmt.Sprintf("approval %s %s", a.ID, a.Status),
			ApprovalID: a.ID,
		})
	}
	pol, err := g.Policies.Get(ctx, p.AgentID)
	if errors.Is(err, policy.ErrPolicyNotFound) {
		return g.reject(ctx, p.Mandate, Outcome{Code: string(policy.CodeNoPolicy), Reason: "policy removed while awaiting approval", ApprovalID: a.ID})
	}
	if err != nil {
		return g.unavailable(ctx, p.Mandate, "policy load", err)
	}
	return g.settle(ctx, p.Mandate, pol, a.ID)
}

// HandleApprovalEvent reacts to approval lifecycle events delivered by a
// notify subscription. Duplicate deliveries are harmless.
func (g *Gateway) HandleApprovalEvent(ctx context.Context, e notify.Event) error {
	switch e.Type {
	case notify.EventApproved, notify.EventDenied, notify.EventExpired, notify.EventCancelled:
	default:
		return nil
	}
	switch contracts.ApprovalAction(e.Action) {
	case contracts.ActionPayment:
		_, err := g.Resume(ctx, e.ApprovalID)
		if errors.Is(err, ErrAlreadyResumed) {
			return nil
		}
		return err
	case contracts.ActionPolicyUpdate:
		if e.Type != notify.EventApproved {
			return nil
		}
		_, err := g.ApplyPolicyApproval(ctx, e.ApprovalID)
		return err
	}
	return nil
}

// ReviewApproval records an operator decision and immediately carries it
// out. The token must be an operator token with the approvals:review
// scope, and the operator may not be the agent the approval concerns.
func (g *Gateway) ReviewApproval(ctx context.Context, token, approvalID string, approve bool, note string) (Review, error) {
	claims, err := g.authorizeOperator(token, identity.ScopeApprovalReview)
	if err != nil {
		return Review{}, err
	}
	a, err := g.Approvals.Get(ctx, approvalID)
	if err != nil {
		return Review{}, err
	}
	if claims.Subject == a.Payload.AgentID {
		return Review{}, fmt.Errorf("%w: %s reviewing %s", ErrSelfEscalation, claims.Subject, a.ID)
	}

	if approve {
		a, err = g.Approvals.Approve(ctx, approvalID, claims.Subject, note)
	} else {
		a, err = g.Approvals.Deny(ctx, approvalID, claims.Subject, note)
	}
	if err != nil {
		return Review{}, err
	}
	rv := Review{Approval: a}

	switch a.Action {
	case contracts.ActionPayment:
		out, err := g.Resume(ctx, a.ID)
		if errors.Is(err, ErrAlreadyResumed) {
			return rv, nil
		}
		rv.Outcome = &out
		return rv, err
	case contracts.ActionPolicyUpdate:
		if a.Status != contracts.ApprovalApproved {
			return rv, nil
		}
		change, err := g.ApplyPolicyApproval(ctx, a.ID)
		rv.Policy = &change
		return rv, err
	}
	return rv, nil
}

func (g *Gateway) authorizeOperator(token, scope string) (*identity.IdentityClaims, error) {
	if g.Tokens == nil {
		return nil, fmt.Errorf("%w: no token manager configured", ErrUnauthorized)
	}
	claims, err := g.Tokens.Authorize(token, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Type != identity.PrincipalOperator {
		return nil, fmt.Errorf("%w: %s principal %s", ErrSelfEscalation, claims.Type, claims.Subject)
	}
	return claims, nil
}

// ExpireApprovals sweeps overdue approvals and resumes the payments they
// held, which records each as rejected.
func (g *Gateway) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := g.Approvals.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		if a.Action != contracts.ActionPayment {
			continue
		}
		if _, err := g.Resume(ctx, a.ID); err != nil && !errors.Is(err, ErrAlreadyResumed) {
			g.logger.ErrorContext(ctx, "expired approval resume failed", "approval_id", a.ID, "error", err)
		}
	}
	return len(expired), nil
}


// ResumeStranded resumes payments whose approval resolved but whose
// resume never ran, as when the process stopped between the review and
// Resume. It returns how many payments it resumed.
func (g *Gateway) ResumeStranded(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []contracts.ApprovalStatus{
		contracts.ApprovalApproved,
		contracts.ApprovalDenied,
		contracts.ApprovalExpired,
		contracts.ApprovalCancelled,
	} {
		approvals, err := g.Approvals.List(ctx, status)
		if err != nil {
			return resumed, err
		}
		for _, a := range approvals {
			if a.Action != contracts.ActionPayment {
				continue
			}
			_, err := g.Resume(ctx, a.ID)
			switch {
			case errors.Is(err, ErrAlreadyResumed):
			case err != nil:
				g.logger.ErrorContext(ctx, "stranded approval resume failed", "approval_id", a.ID, "error", err)
			default:
				g.logger.InfoContext(ctx, "stranded approval resumed", "approval_id", a.ID, "status", a.Status)
				resumed++
			}
		}
	}
	return resumed, nil
}
