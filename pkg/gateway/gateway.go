package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/audit"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/budget"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/compliance"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/crypto"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/escalation"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/mandate"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/observability"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/settlement"
)

// Settler is the settlement surface the pipeline needs.
// *settlement.Dispatcher implements it.
type Settler interface {
	Dispatch(ctx context.Context, intent settlement.Intent, record settlement.RecordFunc) (settlement.Result, error)
	WaitReceipt(ctx context.Context, chain, txHash string, timeout, interval time.Duration) (contracts.SettlementStatus, error)
	Observe(ctx context.Context, chain, txHash string, nonce uint64) (settlement.Observation, error)
	Confirm(ctx context.Context, chain string, nonce uint64) error
	Release(ctx context.Context, chain string, nonce uint64) error
}

// Deps are the pipeline stages. Screener, Tokens, Validator and Telemetry
// are optional; every other field is required.
type Deps struct {
	Verifier  *mandate.Verifier
	Policies  policy.Store
	Engine    *policy.Engine
	Validator *policy.Validator
	Ledger    budget.Ledger
	Approvals *escalation.Manager
	Settler   Settler
	Audit     audit.Log
	Screener  *compliance.Screener
	Tokens    *identity.TokenManager
	Pending   PendingStore
	Recon     ReconStore
	Telemetry *observability.Provider
}

// Config tunes settlement waiting.
type Config struct {
	// ReceiptTimeout bounds how long Submit waits for a confirmation before
	// handing the payment to the reconciler.
	ReceiptTimeout  time.Duration
	ReceiptInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ReceiptTimeout: 30 * time.Second, ReceiptInterval: 2 * time.Second}
}

// Gateway is the payment pipeline orchestrator.
type Gateway struct {
	Deps
	cfg    Config
	clock  func() time.Time
	tel    *observability.Provider
	logger *slog.Logger
}

func New(deps Deps, cfg Config) (*Gateway, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("gateway: mandate verifier is required")
	case deps.Policies == nil || deps.Engine == nil:
		return nil, errors.New("gateway: policy store and engine are required")
	case deps.Ledger == nil:
		return nil, errors.New("gateway: spend ledger is required")
	case deps.Approvals == nil:
		return nil, errors.New("gateway: approval manager is required")
	case deps.Settler == nil:
		return nil, errors.New("gateway: settler is required")
	case deps.Audit == nil:
		return nil, errors.New("gateway: audit log is required")
	case deps.Pending == nil || deps.Recon == nil:
		return nil, errors.New("gateway: pending and reconciliation stores are required")
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultConfig().ReceiptTimeout
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = DefaultConfig().ReceiptInterval
	}
	return &Gateway{
		Deps:   deps,
		cfg:    cfg,
		clock:  time.Now,
		tel:    tel,
		logger: slog.Default().With("component", "gateway"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// Submit runs a payment request through the pipeline. Rejections are
// outcomes, not errors; an error is returned only alongside an outcome
// when an infrastructure failure forced it.
func (g *Gateway) Submit(ctx context.Context, req contracts.PaymentRequest) (Outcome, error) {
	ctx, end := g.tel.TrackStage(ctx, "submit")
	out, err := g.submit(ctx, req)
	end(err)
	g.tel.RecordDecision(ctx, string(out.Status), out.Code)
	return out, err
}

func (g *Gateway) submit(ctx context.Context, req contracts.PaymentRequest) (Outcome, error) {
	leaf, _ := req.Payment()

	vctx, endVerify := g.tel.TrackStage(ctx, "verify")
	res := g.Verifier.Verify(vctx, req.Chain)
	endVerify(nil)
	if !res.Accepted {
		reason := ""
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return g.reject(ctx, leaf, Outcome{Code: string(res.Reason), Reason: reason})
	}

	pay := res.Payment
	agent := pay.Agent()
	observability.AddSpanEvent(ctx, "mandate.verified", observability.Payment(agent, pay.MandateID, pay.Chain)...)

	pol, err := g.Policies.Get(ctx, agent)
	if errors.Is(err, policy.ErrPolicyNotFound) {
		return g.reject(ctx, pay, Outcome{Code: string(policy.CodeNoPolicy), Reason: "no spending policy for " + agent})
	}
	if err != nil {
		return g.unavailable(ctx, pay, "policy load", err)
	}

	windows := budget.WindowLimits(pol, g.clock())
	totals, err := g.Ledger.Snapshot(ctx, agent, budget.IDs(windows))
	if err != nil {
		return g.unavailable(ctx, pay, "spend snapshot", err)
	}

	verdict := g.Engine.Evaluate(pol, policy.Snapshot(budget.KindTotals(windows, totals)), transactionOf(pay))
	if verdict.Denied() {
		return g.reject(ctx, pay, Outcome{Code: string(verdict.Code), Reason: verdict.Reason, Limit: verdict.Limit})
	}

	if g.Screener != nil {
		sctx, endScreen := g.tel.TrackStage(ctx, "screen")
		d := g.Screener.Screen(sctx, pay.AmountMinor, agent, pay.Destination)
		endScreen(nil)
		if !d.Allowed {
			return g.reject(ctx, pay, Outcome{Code: d.Code, Reason: d.Reason})
		}
		if d.Degraded {
			g.logger.WarnContext(ctx, "compliance screen degraded, allowing below threshold", "mandate_id", pay.MandateID)
		}
	}

	if verdict.RequiresApproval() {
		return g.suspend(ctx, pay, verdict)
	}
	return g.settle(ctx, pay, pol, "")
}

func transactionOf(m contracts.Mandate) contracts.Transaction {
	return contracts.Transaction{
		AgentID:      m.Agent(),
		AmountMinor:  m.AmountMinor,
		Token:        m.Token,
		Merchant:     m.MerchantName(),
		CategoryCode: m.MerchantCategory,
		Scope:        contracts.ScopeForChain(m.Chain),
	}
}

// suspend parks the payment behind an approval. Nothing is committed.
func (g *Gateway) suspend(ctx context.Context, pay contracts.Mandate, verdict policy.Verdict) (Outcome, error) {
	agent := pay.Agent()
	a, err := g.Approvals.Create(ctx, escalation.Request{
		Action:      contracts.ActionPayment,
		Urgency:     verdict.Urgency,
		RequestedBy: agent,
		Payload: contracts.ApprovalPayload{
			MandateID:   pay.MandateID,
			AgentID:     agent,
			Vendor:      pay.MerchantName(),
			AmountMinor: pay.AmountMinor,
			Token:       pay.Token,
			Purpose:     pay.Purpose,
			Reason:      verdict.Reason,
		},
	})
	if err != nil {
		return g.unavailable(ctx, pay, "approval create", err)
	}
	err = g.Pending.Put(ctx, PendingPayment{ApprovalID: a.ID, AgentID: agent, Mandate: pay, CreatedAt: g.clock().UTC()})
	if err != nil {
		if _, cerr := g.Approvals.Cancel(ctx, a.ID, agent); cerr != nil {
			g.logger.ErrorContext(ctx, "orphaned approval", "approval_id", a.ID, "error", cerr)
		}
		return g.unavailable(ctx, pay, "pending payment store", err)
	}

	out := Outcome{
		Status:     StatusPendingApproval,
		MandateID:  pay.MandateID,
		AgentID:    agent,
		Code:       string(verdict.Code),
		Reason:     verdict.Reason,
		Limit:      verdict.Limit,
		ApprovalID: a.ID,
		Urgency:    a.Urgency,
	}
	err = g.record(ctx, pay, contracts.AuditRecord{
		Decision:   contracts.DecisionPendingApproval,
		ReasonCode: out.Code,
		Reason:     out.Reason,
		ApprovalID: a.ID,
	})
	return out, err
}

// settle runs commit, outbox write, dispatch and confirmation. approvalID
// is set when resuming an approved payment.
func (g *Gateway) settle(ctx context.Context, pay contracts.Mandate, pol contracts.SpendingPolicy, approvalID string) (Outcome, error) {
	agent := pay.Agent()
	now := g.clock()
	if !pay.ExpiresAt.After(now) {
		return g.reject(ctx, pay, Outcome{
			Code:       string(mandate.CodeExpiredMandate),
			Reason:     "mandate expired before settlement",
			ApprovalID: approvalID,
		})
	}

	windows := budget.WindowLimits(pol, now)
	cctx, endCommit := g.tel.TrackStage(ctx, "commit")
	commit, err := g.Ledger.TryCommit(cctx, agent, pay.AmountMinor, windows)
	endCommit(err)
	if err != nil {
		return g.unavailable(ctx, pay, "spend commit", err)
	}
	if !commit.Committed {
		code, limit := rejectedWindow(windows, commit)
		return g.reject(ctx, pay, Outcome{
			Code:       code,
			Reason:     fmt.Sprintf("window %s at %d, limit %d", commit.RejectedWindow, commit.CurrentTotal, commit.Limit),
			Limit:      limit,
			ApprovalID: approvalID,
		})
	}

	entry := contracts.ReconciliationEntry{
		ID:          pay.MandateID,
		MandateID:   pay.MandateID,
		AgentID:     agent,
		AmountMinor: pay.AmountMinor,
		Token:       pay.Token,
		Chain:       pay.Chain,
		Destination: pay.Destination,
		Windows:     budget.ToCommits(windows),
		Status:      contracts.ReconcilePending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if err := g.Recon.Create(ctx, entry); err != nil {
		if cerr := g.Ledger.Compensate(ctx, compensationKey(entry.ID), agent, pay.AmountMinor, entry.WindowIDs()); cerr != nil {
			g.logger.ErrorContext(ctx, "compensation after outbox failure failed", "mandate_id", pay.MandateID, "error", cerr)
		}
		return g.unavailable(ctx, pay, "reconciliation write", err)
	}

	// The signed transaction is written to the outbox before broadcast; a
	// failed write aborts the broadcast.
	record := func(ctx context.Context, res settlement.Result) error {
		return g.Recon.MarkSubmitted(ctx, entry.ID, Submission{
			SigningAddress: res.SigningAddress,
			Nonce:          res.Nonce,
			TxHash:         res.TxHash,
			At:             g.clock().UTC(),
		})
	}

	dctx, endDispatch := g.tel.TrackStage(ctx, "dispatch", observability.AttrChain.String(pay.Chain))
	res, err := g.Settler.Dispatch(dctx, settlement.Intent{
		MandateID:   pay.MandateID,
		AgentID:     agent,
		Chain:       pay.Chain,
		Token:       pay.Token,
		Destination: pay.Destination,
		AmountMinor: pay.AmountMinor,
	}, record)
	endDispatch(err)
	if res.TxHash != "" {
		entry.SigningAddress = res.SigningAddress
		entry.Nonce = &res.Nonce
		entry.TxHash = res.TxHash
	}
	if err != nil {
		if res.TxHash != "" && (errors.Is(err, settlement.ErrRetriesExhausted) || ctx.Err() != nil) {
			// The signed transaction may still land. Leave it to the
			// reconciler rather than refunding spend that could be spent.
			return g.submitted(entry, res.TxHash, approvalID), nil
		}
		return g.fail(ctx, entry, res.TxHash, err.Error(), approvalID)
	}

	wctx, endWait := g.tel.TrackStage(ctx, "confirm")
	status, err := g.Settler.WaitReceipt(wctx, pay.Chain, res.TxHash, g.cfg.ReceiptTimeout, g.cfg.ReceiptInterval)
	endWait(err)
	switch {
	case err != nil:
		g.logger.WarnContext(ctx, "receipt wait failed", "mandate_id", pay.MandateID, "tx_hash", res.TxHash, "error", err)
		return g.submitted(entry, res.TxHash, approvalID), nil
	case status == contracts.SettlementConfirmed:
		return g.finishSettled(ctx, entry, res.TxHash, approvalID)
	case status == contracts.SettlementFailed:
		return g.fail(ctx, entry, res.TxHash, "transaction reverted", approvalID)
	default:
		return g.submitted(entry, res.TxHash, approvalID), nil
	}
}

func rejectedWindow(windows []budget.WindowLimit, c budget.Commit) (string, *int64) {
	for _, w := range windows {
		if w.WindowID == c.RejectedWindow {
			return string(policy.WindowCode(w.Kind)), contracts.Limit(w.Limit)
		}
	}
	return string(policy.CodeExceedsDaily), nil
}

// compensationKey is the ledger idempotency key for refunding entry id.
func compensationKey(id string) string { return "recon:" + id }

func (g *Gateway) submitted(e contracts.ReconciliationEntry, txHash, approvalID string) Outcome {
	return Outcome{
		Status:     StatusSubmitted,
		MandateID:  e.MandateID,
		AgentID:    e.AgentID,
		TxHash:     txHash,
		ApprovalID: approvalID,
	}
}

// finishSettled decides the entry as settled and, if this call won the
// decision, applies its effects.
func (g *Gateway) finishSettled(ctx context.Context, e contracts.ReconciliationEntry, txHash, approvalID string) (Outcome, error) {
	out := Outcome{Status: StatusSettled, MandateID: e.MandateID, AgentID: e.AgentID, TxHash: txHash, ApprovalID: approvalID}
	err := g.finalize(ctx, e, Finalization{
		ID:         e.ID,
		Status:     contracts.ReconcileSettled,
		TxHash:     txHash,
		ApprovalID: approvalID,
	})
	if err != nil {
		return g.submitted(e, txHash, approvalID), fmt.Errorf("settle %s: %w", e.ID, err)
	}
	return out, nil
}

// fail decides the entry as failed and, if this call won the decision,
// returns the committed spend and audits.
func (g *Gateway) fail(ctx context.Context, e contracts.ReconciliationEntry, txHash, reason, approvalID string) (Outcome, error) {
	out := Outcome{
		Status:     StatusFailed,
		MandateID:  e.MandateID,
		AgentID:    e.AgentID,
		Code:       CodeSettlementFailed,
		Reason:     reason,
		TxHash:     txHash,
		ApprovalID: approvalID,
	}
	return g.failWith(ctx, e, out)
}

func (g *Gateway) failWith(ctx context.Context, e contracts.ReconciliationEntry, out Outcome) (Outcome, error) {
	err := g.finalize(ctx, e, Finalization{
		ID:         e.ID,
		Status:     contracts.ReconcileFailed,
		TxHash:     out.TxHash,
		ReasonCode: out.Code,
		LastError:  out.Reason,
		ApprovalID: out.ApprovalID,
	})
	if err != nil {
		return g.submitted(e, out.TxHash, out.ApprovalID), fmt.Errorf("fail %s: %w", e.ID, err)
	}
	return out, nil
}

// finalize moves a pending entry to finalizing and applies the outcome.
// Losing the move is not an error: another caller owns the effects.
func (g *Gateway) finalize(ctx context.Context, e contracts.ReconciliationEntry, f Finalization) error {
	f.At = g.clock().UTC()
	won, err := g.Recon.BeginFinalize(ctx, f)
	if err != nil || !won {
		return err
	}
	e.Status = contracts.ReconcileFinalizing
	e.Target = f.Status
	e.ReasonCode = f.ReasonCode
	e.LastError = f.LastError
	if f.TxHash != "" {
		e.TxHash = f.TxHash
	}
	if f.ApprovalID != "" {
		e.ApprovalID = f.ApprovalID
	}
	return g.applyFinal(ctx, e)
}

// applyFinal applies the effects of a finalizing entry and completes it.
// Every effect is keyed by the entry, so a repeat after a partial failure
// applies each at most once. On error the entry stays finalizing and the
// reconciler drives it again.
func (g *Gateway) applyFinal(ctx context.Context, e contracts.ReconciliationEntry) error {
	rec := contracts.AuditRecord{
		MandateID:   e.MandateID,
		AgentID:     e.AgentID,
		AmountMinor: e.AmountMinor,
		TxHash:      e.TxHash,
		ApprovalID:  e.ApprovalID,
	}
	switch e.Target {
	case contracts.ReconcileSettled:
		if e.Nonce != nil {
			if err := g.Settler.Confirm(ctx, e.Chain, *e.Nonce); err != nil {
				g.logger.WarnContext(ctx, "nonce confirm failed", "chain", e.Chain, "nonce", *e.Nonce, "error", err)
			}
		}
		rec.Decision = contracts.DecisionSettled
		rec.SettlementOutcome = contracts.SettlementConfirmed
		rec.IdempotencyKey = e.ID + ":settled"
	case contracts.ReconcileFailed:
		if err := g.Ledger.Compensate(ctx, compensationKey(e.ID), e.AgentID, e.AmountMinor, e.WindowIDs()); err != nil {
			g.logger.ErrorContext(ctx, "spend compensation failed", "mandate_id", e.MandateID, "error", err)
			return fmt.Errorf("compensate: %w", err)
		}
		rec.Decision = contracts.DecisionFailed
		rec.ReasonCode = e.ReasonCode
		rec.Reason = e.LastError
		rec.SettlementOutcome = contracts.SettlementFailed
		rec.IdempotencyKey = e.ID + ":failed"
	default:
		return fmt.Errorf("entry %s has no final target", e.ID)
	}
	if err := g.appendAudit(ctx, rec); err != nil {
		return err
	}
	if err := g.Recon.Complete(ctx, e.ID, g.clock().UTC()); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if e.Target == contracts.ReconcileSettled {
		g.logger.InfoContext(ctx, "payment settled", "mandate_id", e.MandateID, "agent_id", e.AgentID, "tx_hash", e.TxHash)
	} else {
		g.logger.WarnContext(ctx, "payment failed", "mandate_id", e.MandateID, "code", e.ReasonCode, "reason", e.LastError)
	}
	return nil
}

// reject audits and returns a rejection for pay. pay may be the zero
// mandate when the request carried no chain.
func (g *Gateway) reject(ctx context.Context, pay contracts.Mandate, out Outcome) (Outcome, error) {
	out.Status = StatusRejected
	out.MandateID = pay.MandateID
	out.AgentID = pay.Agent()
	g.logger.InfoContext(ctx, "payment rejected", "mandate_id", out.MandateID, "agent_id", out.AgentID, "code", out.Code)
	err := g.record(ctx, pay, contracts.AuditRecord{
		Decision:   contracts.DecisionRejected,
		ReasonCode: out.Code,
		Reason:     out.Reason,
		ApprovalID: out.ApprovalID,
	})
	return out, err
}

// unavailable rejects fail-closed on an infrastructure error.
func (g *Gateway) unavailable(ctx context.Context, pay contracts.Mandate, stage string, cause error) (Outcome, error) {
	g.logger.ErrorContext(ctx, "pipeline stage unavailable", "stage", stage, "mandate_id", pay.MandateID, "error", cause)
	out, aerr := g.reject(ctx, pay, Outcome{Code: CodeUnavailable, Reason: stage + " unavailable"})
	return out, errors.Join(fmt.Errorf("%s: %w", stage, cause), aerr)
}

// record fills the mandate fields of rec and appends it.
func (g *Gateway) record(ctx context.Context, pay contracts.Mandate, rec contracts.AuditRecord) error {
	rec.MandateID = pay.MandateID
	rec.AgentID = pay.Agent()
	rec.AmountMinor = pay.AmountMinor
	if pay.MandateID != "" {
		if h, err := crypto.MandateHash(pay); err == nil {
			rec.PayloadHash = h
		}
	}
	return g.appendAudit(ctx, rec)
}

func (g *Gateway) appendAudit(ctx context.Context, rec contracts.AuditRecord) error {
	if _, err := g.Audit.Append(ctx, rec); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "mandate_id", rec.MandateID, "decision", rec.Decision, "error", err)
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}
