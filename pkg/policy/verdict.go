// Package policy evaluates payments against structured spending policies.
//
// Evaluation is a pure function of (policy, spend snapshot, transaction).
// Untrusted policy documents enter only through Validator.
package policy

import "github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"

// Outcome is the engine's decision.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeDenied           Outcome = "denied"
	OutcomeRequiresApproval Outcome = "requires_approval"
)

// Code is a stable reason code.
type Code string

const (
	CodeExceedsPerTx       Code = "exceeds_per_tx_limit"
	CodeExceedsDaily       Code = "exceeds_daily_limit"
	CodeExceedsWeekly      Code = "exceeds_weekly_limit"
	CodeExceedsMonthly     Code = "exceeds_monthly_limit"
	CodeMerchantDenied     Code = "merchant_denied"
	CodeMerchantNotAllowed Code = "merchant_not_allowlisted"
	CodeCategoryBlocked    Code = "category_blocked"
	CodeUnknownCategory    Code = "unknown_category"
	CodeScopeNotAllowed    Code = "scope_not_allowed"
	CodeInvalidAmount      Code = "invalid_amount"
	CodeAboveAutoApprove   Code = "above_auto_approve_ceiling"
	CodeNoPolicy           Code = "no_policy"
)

var windowCodes = map[contracts.WindowKind]Code{
	contracts.WindowDaily:   CodeExceedsDaily,
	contracts.WindowWeekly:  CodeExceedsWeekly,
	contracts.WindowMonthly: CodeExceedsMonthly,
}

// WindowCode is the reason code for exceeding the given window.
func WindowCode(kind contracts.WindowKind) Code {
	return windowCodes[kind]
}

// Verdict is the result of one evaluation. Denied and RequiresApproval
// verdicts name the rule and, where relevant, the limit that triggered them.
type Verdict struct {
	Outcome Outcome           `json:"outcome"`
	Code    Code              `json:"code,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Rule    string            `json:"rule,omitempty"`
	Limit   *int64            `json:"limit,omitempty"`
	Urgency contracts.Urgency `json:"urgency,omitempty"`
}

func (v Verdict) Approved() bool         { return v.Outcome == OutcomeApproved }
func (v Verdict) Denied() bool           { return v.Outcome == OutcomeDenied }
func (v Verdict) RequiresApproval() bool { return v.Outcome == OutcomeRequiresApproval }

// Snapshot is the agent's current spend per window.
type Snapshot map[contracts.WindowKind]int64

// Total returns the spend recorded for kind.
func (s Snapshot) Total(kind contracts.WindowKind) int64 {
	return s[kind]
}
