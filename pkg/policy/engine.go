package policy

import (
	"fmt"
	"slices"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Engine evaluates transactions. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	categories CategoryTable
}

// NewEngine creates an engine over the given category table; nil uses the
// built-in table.
func NewEngine(categories CategoryTable) *Engine {
	if categories == nil {
		categories = DefaultCategories()
	}
	return &Engine{categories: categories}
}

// Categories returns the engine's category table.
func (e *Engine) Categories() CategoryTable { return e.categories }

// Evaluate applies, in order and short-circuiting on the first failure: the
// per-transaction limit, window limits against snap, the merchant denylist,
// the merchant allowlist, the category check and the scope check. A passing
// transaction above the auto-approve ceiling requires approval.
func (e *Engine) Evaluate(p contracts.SpendingPolicy, snap Snapshot, tx contracts.Transaction) Verdict {
	amount := tx.AmountMinor
	if amount <= 0 {
		return deny(CodeInvalidAmount, "amount", fmt.Sprintf("amount %d must be positive", amount), nil)
	}

	if amount > p.LimitPerTx {
		return deny(CodeExceedsPerTx, "limit_per_tx",
			fmt.Sprintf("exceeds per-transaction limit: %d > %d", amount, p.LimitPerTx), contracts.Limit(p.LimitPerTx))
	}

	for _, kind := range contracts.WindowKinds {
		limit := p.WindowLimit(kind)
		if limit == nil {
			continue
		}
		total := snap.Total(kind)
		// amount > limit-total avoids overflow of total+amount.
		if amount > *limit-total {
			return deny(windowCodes[kind], string(kind)+"_limit",
				fmt.Sprintf("exceeds %s limit: %d spent + %d > %d", kind, total, amount, *limit), contracts.Limit(*limit))
		}
	}

	if containsMerchant(p.MerchantDenylist, tx.Merchant) {
		return deny(CodeMerchantDenied, "merchant_denylist", fmt.Sprintf("merchant %q is denied", tx.Merchant), nil)
	}

	allowlisted := containsMerchant(p.MerchantAllowlist, tx.Merchant)
	if len(p.MerchantAllowlist) > 0 && !allowlisted {
		return deny(CodeMerchantNotAllowed, "merchant_allowlist", fmt.Sprintf("merchant %q is not allowlisted", tx.Merchant), nil)
	}

	if _, ok := e.categories.Lookup(tx.CategoryCode); !ok {
		return deny(CodeUnknownCategory, "category", fmt.Sprintf("unknown category code %q", tx.CategoryCode), nil)
	}
	if e.categories.blocked(p.BlockedCategories, tx.CategoryCode) {
		return deny(CodeCategoryBlocked, "blocked_categories", fmt.Sprintf("category %s is blocked", tx.CategoryCode), nil)
	}

	if tx.Scope == "" || !slices.Contains(p.AllowedScopes, tx.Scope) {
		return deny(CodeScopeNotAllowed, "allowed_scopes", fmt.Sprintf("scope %q is not allowed", tx.Scope), nil)
	}

	if amount > p.AutoApproveCeiling {
		return Verdict{
			Outcome: OutcomeRequiresApproval,
			Code:    CodeAboveAutoApprove,
			Rule:    "auto_approve_ceiling",
			Reason:  fmt.Sprintf("amount %d above auto-approve ceiling %d", amount, p.AutoApproveCeiling),
			Limit:   contracts.Limit(p.AutoApproveCeiling),
			Urgency: urgencyFor(p, amount, allowlisted),
		}
	}

	return Verdict{Outcome: OutcomeApproved}
}

// urgencyFor ranks by the share of the per-tx limit used; large amounts
// dominate, small allowlisted ones drop to low.
func urgencyFor(p contracts.SpendingPolicy, amount int64, allowlisted bool) contracts.Urgency {
	switch {
	case p.LimitPerTx > 0 && amount*10 >= p.LimitPerTx*9:
		return contracts.UrgencyCritical
	case p.LimitPerTx > 0 && amount*2 >= p.LimitPerTx:
		return contracts.UrgencyHigh
	case allowlisted && amount < 2*p.AutoApproveCeiling:
		return contracts.UrgencyLow
	default:
		return contracts.UrgencyNormal
	}
}

func deny(code Code, rule, reason string, limit *int64) Verdict {
	return Verdict{Outcome: OutcomeDenied, Code: code, Rule: rule, Reason: reason, Limit: limit}
}
