package contracts

import "time"

// Decision is the pipeline outcome recorded in the audit log.
type Decision string

const (
	DecisionRejected        Decision = "rejected"
	DecisionPendingApproval Decision = "pending_approval"
	DecisionSettled         Decision = "settled"
	DecisionFailed          Decision = "failed"
	DecisionPolicyUpdated   Decision = "policy_updated"
)

// AuditRecord is one immutable, hash-chained entry of the audit log.
type AuditRecord struct {
	Sequence          uint64            `json:"sequence"`
	Timestamp         time.Time         `json:"timestamp"`
	MandateID         string            `json:"mandate_id,omitempty"`
	AgentID           string            `json:"agent_id,omitempty"`
	Decision          Decision          `json:"decision"`
	ReasonCode        string            `json:"reason_code,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	AmountMinor       int64             `json:"amount_minor,omitempty"`
	SettlementOutcome SettlementStatus  `json:"settlement_outcome,omitempty"`
	TxHash            string            `json:"tx_hash,omitempty"`
	ApprovalID        string            `json:"approval_id,omitempty"`
	PayloadHash       string            `json:"payload_hash,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	// IdempotencyKey, when set, makes Append return the earlier entry with
	// the same key instead of recording a second one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PreviousHash      string            `json:"previous_hash"`
	EntryHash         string            `json:"entry_hash"`
}
