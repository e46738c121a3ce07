package contracts

import "time"

// SpendingPolicy is the structured ruleset that bounds an agent's payments.
//
// Window limits are pointers: nil means the window is not limited, zero
// means nothing may be spent in it. Merchant lists are matched case-folded
// and exactly.
type SpendingPolicy struct {
	AgentID            string   `json:"agent_id" yaml:"agent_id"`
	SchemaVersion      string   `json:"schema_version" yaml:"schema_version"`
	LimitPerTx         int64    `json:"limit_per_tx" yaml:"limit_per_tx"`
	DailyLimit         *int64   `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"`
	WeeklyLimit        *int64   `json:"weekly_limit,omitempty" yaml:"weekly_limit,omitempty"`
	MonthlyLimit       *int64   `json:"monthly_limit,omitempty" yaml:"monthly_limit,omitempty"`
	AutoApproveCeiling int64    `json:"auto_approve_ceiling" yaml:"auto_approve_ceiling"`
	MerchantAllowlist  []string `json:"merchant_allowlist,omitempty" yaml:"merchant_allowlist,omitempty"`
	MerchantDenylist   []string `json:"merchant_denylist,omitempty" yaml:"merchant_denylist,omitempty"`
	BlockedCategories  []string `json:"blocked_categories,omitempty" yaml:"blocked_categories,omitempty"`
	AllowedScopes      []string `json:"allowed_scopes,omitempty" yaml:"allowed_scopes,omitempty"`

	UpdatedBy string    `json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Clone returns a deep copy so callers can never mutate a stored policy.
func (p SpendingPolicy) Clone() SpendingPolicy {
	c := p
	c.DailyLimit = cloneLimit(p.DailyLimit)
	c.WeeklyLimit = cloneLimit(p.WeeklyLimit)
	c.MonthlyLimit = cloneLimit(p.MonthlyLimit)
	c.MerchantAllowlist = append([]string(nil), p.MerchantAllowlist...)
	c.MerchantDenylist = append([]string(nil), p.MerchantDenylist...)
	c.BlockedCategories = append([]string(nil), p.BlockedCategories...)
	c.AllowedScopes = append([]string(nil), p.AllowedScopes...)
	return c
}

func cloneLimit(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// Limit is a convenience constructor for window limits.
func Limit(v int64) *int64 { return &v }

// Transaction is the proposed spend evaluated against a policy.
type Transaction struct {
	AgentID      string `json:"agent_id"`
	AmountMinor  int64  `json:"amount_minor"`
	Token        string `json:"token"`
	Merchant     string `json:"merchant"`
	CategoryCode string `json:"category_code"`
	Scope        string `json:"scope"`
}

// ScopeForChain is the settlement surface identifier for an on-chain payment.
func ScopeForChain(chain string) string {
	return "onchain:" + chain
}

// WindowKind names a rolling spend window.
type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowWeekly  WindowKind = "weekly"
	WindowMonthly WindowKind = "monthly"
)

// WindowKinds lists every window in evaluation order.
var WindowKinds = []WindowKind{WindowDaily, WindowWeekly, WindowMonthly}

// WindowLimit returns the configured limit for kind, nil when unset.
func (p SpendingPolicy) WindowLimit(kind WindowKind) *int64 {
	switch kind {
	case WindowDaily:
		return p.DailyLimit
	case WindowWeekly:
		return p.WeeklyLimit
	case WindowMonthly:
		return p.MonthlyLimit
	}
	return nil
}
