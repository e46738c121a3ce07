package contracts

import "time"

// ReconciliationStatus is the settlement state of an outbox entry.
type ReconciliationStatus string

const (
	ReconcilePending ReconciliationStatus = "pending"
	// ReconcileFinalizing means the outcome is decided (see Target) but its
	// spend and audit effects are not yet all confirmed.
	ReconcileFinalizing ReconciliationStatus = "finalizing"
	ReconcileSettled    ReconciliationStatus = "settled"
	ReconcileFailed     ReconciliationStatus = "failed"
)

// WindowCommit records one spend window incremented for a payment, so the
// exact same windows can be compensated later.
type WindowCommit struct {
	WindowID string `json:"window_id"`
	Limit    int64  `json:"limit"`
}

// ReconciliationEntry is the outbox record written before settlement is
// attempted. It is cleared (settled or failed) only after the spend counter
// and audit log agree with the chain. SigningAddress, Nonce and TxHash are
// recorded before the transaction is broadcast.
type ReconciliationEntry struct {
	ID             string               `json:"id"`
	MandateID      string               `json:"mandate_id"`
	AgentID        string               `json:"agent_id"`
	AmountMinor    int64                `json:"amount_minor"`
	Token          string               `json:"token"`
	Chain          string               `json:"chain"`
	Destination    string               `json:"destination"`
	Windows        []WindowCommit       `json:"windows"`
	SigningAddress string               `json:"signing_address,omitempty"`
	Nonce          *uint64              `json:"nonce,omitempty"`
	TxHash         string               `json:"tx_hash,omitempty"`
	Status         ReconciliationStatus `json:"status"`
	Target         ReconciliationStatus `json:"target,omitempty"`
	ReasonCode     string               `json:"reason_code,omitempty"`
	ApprovalID     string               `json:"approval_id,omitempty"`
	Attempts       int                  `json:"attempts"`
	LastError      string               `json:"last_error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// WindowIDs lists the committed window identifiers.
func (e ReconciliationEntry) WindowIDs() []string {
	ids := make([]string, 0, len(e.Windows))
	for _, w := range e.Windows {
		ids = append(ids, w.WindowID)
	}
	return ids
}

// SettlementStatus is the observed state of a broadcast transaction.
type SettlementStatus string

const (
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
	SettlementUnknown   SettlementStatus = "unknown"
)
