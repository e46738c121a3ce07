package contracts

import "time"

// ApprovalStatus is the state of a human sign-off request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalAction is what the approval gates.
type ApprovalAction string

const (
	ActionPayment      ApprovalAction = "payment"
	ActionPolicyUpdate ApprovalAction = "policy_update"
)

// Urgency drives SLA and notification routing only.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Approval is a workflow record awaiting an operator decision.
// Once terminal it is never modified again.
type Approval struct {
	ID          string          `json:"id"`
	Action      ApprovalAction  `json:"action"`
	Status      ApprovalStatus  `json:"status"`
	Urgency     Urgency         `json:"urgency"`
	RequestedBy string          `json:"requested_by"`
	ReviewedBy  string          `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	ReviewedAt  *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNote  string          `json:"review_note,omitempty"`
	Payload     ApprovalPayload `json:"payload"`
}

// ApprovalPayload is the action-specific context shown to reviewers.
type ApprovalPayload struct {
	MandateID   string `json:"mandate_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Token       string `json:"token,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	Reason      string `json:"reason,omitempty"`
	// Policy holds the proposed policy for policy_update approvals.
	Policy *SpendingPolicy `json:"policy,omitempty"`
}
