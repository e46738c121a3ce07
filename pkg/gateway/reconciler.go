package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Checked int `json:"checked"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
	Waiting int `json:"waiting"`
	Errors  int `json:"errors"`
}

// Reconciler finishes settlements the synchronous path left open. Pending
// entries are decided from the chain through the same conditional move
// Submit uses; finalizing entries have their remaining effects applied.
type Reconciler struct {
	g           *Gateway
	timeout     time.Duration
	dropTimeout time.Duration
	logger      *slog.Logger
}

// Reconciler returns a reconciler for entries pending longer than timeout.
// Broadcast transactions with no receipt after dropTimeout are treated as
// dropped.
func (g *Gateway) Reconciler(timeout, dropTimeout time.Duration) *Reconciler {
	if dropTimeout < timeout {
		dropTimeout = timeout
	}
	return &Reconciler{
		g:           g,
		timeout:     timeout,
		dropTimeout: dropTimeout,
		logger:      slog.Default().With("component", "reconciler"),
	}
}

func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, end := r.g.tel.TrackStage(ctx, "reconcile")
	rep, err := r.sweep(ctx)
	end(err)
	return rep, err
}

func (r *Reconciler) sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := r.g.clock()
	entries, err := r.g.Recon.ListOpen(ctx, now.Add(-r.timeout))
	if err != nil {
		return rep, err
	}

	for _, e := range entries {
		rep.Checked++
		if e.Status == contracts.ReconcileFinalizing {
			// Decided earlier; its effects did not all apply.
			if err := r.g.applyFinal(ctx, e); err != nil {
				r.logger.WarnContext(ctx, "finalization retry failed", "id", e.ID, "target", e.Target, "error", err)
				rep.Errors++
				continue
			}
			rep.count(e.Target)
			continue
		}
		r.check(ctx, now, e, &rep)
	}
	if rep.Checked > 0 {
		r.logger.InfoContext(ctx, "reconciliation sweep",
			"checked", rep.Checked, "settled", rep.Settled, "failed", rep.Failed, "waiting", rep.Waiting, "errors", rep.Errors)
	}
	return rep, nil
}

func (rep *SweepReport) count(target contracts.ReconciliationStatus) {
	if target == contracts.ReconcileSettled {
		rep.Settled++
	} else {
		rep.Failed++
	}
}

// check observes the chain for a pending entry and decides it when the
// chain allows.
func (r *Reconciler) check(ctx context.Context, now time.Time, e contracts.ReconciliationEntry, rep *SweepReport) {
	if e.TxHash == "" {
		// The hash is recorded before broadcast, so nothing was sent.
		if _, err := r.g.fail(ctx, e, "", "no transaction recorded before timeout", ""); err != nil {
			rep.Errors++
			return
		}
		rep.Failed++
		return
	}
	if e.Nonce == nil {
		r.logger.ErrorContext(ctx, "entry has a transaction but no nonce", "id", e.ID, "tx_hash", e.TxHash)
		rep.Errors++
		return
	}

	obs, err := r.g.Settler.Observe(ctx, e.Chain, e.TxHash, *e.Nonce)
	if err != nil {
		r.logger.WarnContext(ctx, "chain query failed", "id", e.ID, "tx_hash", e.TxHash, "error", err)
		rep.Errors++
		return
	}

	var out Outcome
	switch {
	case obs.Status == contracts.SettlementConfirmed:
		if _, err := r.g.finishSettled(ctx, e, e.TxHash, ""); err != nil {
			rep.Errors++
			return
		}
		rep.Settled++
		return
	case obs.Status == contracts.SettlementFailed:
		if _, err := r.g.fail(ctx, e, e.TxHash, "transaction reverted", ""); err != nil {
			rep.Errors++
			return
		}
		rep.Failed++
		return
	case obs.NonceUsed:
		// Another transaction took the nonce; this one can never land.
		out = r.dropped(e, "nonce used by another transaction")
	case obs.Pooled || now.Sub(e.CreatedAt) < r.dropTimeout:
		rep.Waiting++
		return
	default:
		out = r.dropped(e, "no receipt before drop timeout")
	}

	won, err := r.g.Recon.BeginFinalize(ctx, Finalization{
		ID:         e.ID,
		Status:     contracts.ReconcileFailed,
		ReasonCode: out.Code,
		LastError:  out.Reason,
		At:         r.g.clock().UTC(),
	})
	if err != nil {
		rep.Errors++
		return
	}
	if !won {
		return
	}
	if !obs.NonceUsed {
		// Never mined and not pooled, so the nonce can be signed again.
		if err := r.g.Settler.Release(ctx, e.Chain, *e.Nonce); err != nil {
			r.logger.WarnContext(ctx, "nonce release failed", "chain", e.Chain, "nonce", *e.Nonce, "error", err)
		}
	}
	e.Status = contracts.ReconcileFinalizing
	e.Target = contracts.ReconcileFailed
	e.ReasonCode = out.Code
	e.LastError = out.Reason
	if err := r.g.applyFinal(ctx, e); err != nil {
		rep.Errors++
		return
	}
	rep.Failed++
}

func (r *Reconciler) dropped(e contracts.ReconciliationEntry, reason string) Outcome {
	return Outcome{
		Status:    StatusFailed,
		MandateID: e.MandateID,
		AgentID:   e.AgentID,
		Code:      CodeDropped,
		Reason:    reason,
		TxHash:    e.TxHash,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}
