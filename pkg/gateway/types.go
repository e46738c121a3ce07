// Package gateway runs the payment pipeline end to end: mandate
// verification, policy evaluation, compliance screening, optional human
// approval, atomic spend commit, settlement and audit.
//
// It is the only package that coordinates the others. No lock or
// transaction is held while a payment waits for approval.
package gateway

import (
	"errors"
	"time"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Status is the pipeline result for one payment request.
type Status string

const (
	StatusSettled         Status = "settled"
	StatusRejected        Status = "rejected"
	StatusPendingApproval Status = "pending_approval"
	// StatusSubmitted means the transaction was broadcast but not yet
	// confirmed; the reconciler finishes it.
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Pipeline reason codes not owned by a stage package.
const (
	CodeUnavailable      = "pipeline_unavailable"
	CodeSettlementFailed = "settlement_failed"
	CodeDropped          = "settlement_dropped"
	CodeApprovalPrefix   = "approval_"
)

var (
	// ErrSelfEscalation rejects an agent changing its own policy or
	// reviewing its own payment.
	ErrSelfEscalation = errors.New("principal may not act on its own policy or payment")
	ErrUnauthorized   = errors.New("operator authorization failed")
	ErrNotResumable   = errors.New("approval cannot resume a payment")
	ErrAlreadyResumed = errors.New("payment already resumed")
	ErrInvalidInput   = errors.New("invalid input")
)

// Outcome is what Submit and Resume report to the caller.
type Outcome struct {
	Status     Status            `json:"status"`
	MandateID  string            `json:"mandate_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Code       string            `json:"code,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Limit      *int64            `json:"limit,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Urgency    contracts.Urgency `json:"urgency,omitempty"`
	TxHash     string            `json:"tx_hash,omitempty"`
}

// PendingPayment is a verified payment parked until its approval resolves.
type PendingPayment struct {
	ApprovalID string            `json:"approval_id"`
	AgentID    string            `json:"agent_id"`
	Mandate    contracts.Mandate `json:"mandate"`
	CreatedAt  time.Time         `json:"created_at"`
}

// PolicyChange reports what UpdatePolicy did with a candidate.
type PolicyChange struct {
	AgentID    string   `json:"agent_id"`
	Applied    bool     `json:"applied"`
	ApprovalID string   `json:"approval_id,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Review is the result of an operator decision on an approval.
type Review struct {
	Approval contracts.Approval `json:"approval"`
	// Outcome is set when the decision resumed a payment.
	Outcome *Outcome `json:"outcome,omitempty"`
	// Policy is set when the decision applied a policy update.
	Policy *PolicyChange `json:"policy,omitempty"`
}
