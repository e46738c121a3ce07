package policy

import (
	"slices"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Widens reports whether candidate permits anything current does not.
// Widening updates must be approved by a second operator.
func Widens(current, candidate contracts.SpendingPolicy) bool {
	if candidate.LimitPerTx > current.LimitPerTx || candidate.AutoApproveCeiling > current.AutoApproveCeiling {
		return true
	}
	for _, kind := range contracts.WindowKinds {
		cur, next := current.WindowLimit(kind), candidate.WindowLimit(kind)
		if cur == nil {
			continue
		}
		if next == nil || *next > *cur {
			return true
		}
	}

	// An allowlist restricts; emptying it or adding merchants widens.
	if len(current.MerchantAllowlist) > 0 {
		if len(candidate.MerchantAllowlist) == 0 || !subsetFold(candidate.MerchantAllowlist, current.MerchantAllowlist) {
			return true
		}
	}
	if !subsetFold(current.MerchantDenylist, candidate.MerchantDenylist) {
		return true
	}
	if !subsetFold(current.BlockedCategories, candidate.BlockedCategories) {
		return true
	}
	for _, s := range candidate.AllowedScopes {
		if !slices.Contains(current.AllowedScopes, s) {
			return true
		}
	}
	return false
}

// subsetFold reports whether every element of a is in b, compared in
// normalized form.
func subsetFold(a, b []string) bool {
	for _, x := range a {
		if !containsMerchant(b, x) {
			return false
		}
	}
	return true
}
