package policy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeMerchant returns the comparison form of a merchant identifier:
// trimmed, NFC-normalized and case-folded. Matching is exact on this form;
// substring matching is never used.
func NormalizeMerchant(s string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(s)))
}

func containsMerchant(list []string, merchant string) bool {
	want := NormalizeMerchant(merchant)
	if want == "" {
		return false
	}
	for _, m := range list {
		if NormalizeMerchant(m) == want {
			return true
		}
	}
	return false
}
