package policy

import "strings"

// CategoryTable maps known merchant category codes (MCC) to names. Codes
// absent from the table are unknown and always denied.
type CategoryTable map[string]string

// DefaultCategories is the built-in MCC table.
func DefaultCategories() CategoryTable {
	return CategoryTable{
		"4111": "transportation",
		"4121": "taxi_rideshare",
		"4511": "airlines",
		"4722": "travel_agencies",
		"4814": "telecom",
		"4816": "computer_network_services",
		"4829": "money_transfer",
		"5045": "computer_equipment",
		"5111": "office_supplies",
		"5311": "department_stores",
		"5411": "grocery",
		"5734": "software",
		"5812": "restaurants",
		"5817": "digital_goods_applications",
		"5818": "digital_goods_large",
		"5968": "subscriptions",
		"5999": "misc_retail",
		"6051": "crypto_quasi_cash",
		"6211": "securities_brokers",
		"7011": "lodging",
		"7273": "dating_services",
		"7372": "programming_services",
		"7399": "business_services",
		"7995": "gambling",
		"8999": "professional_services",
	}
}

// Lookup resolves a code, reporting false for empty or unknown codes.
func (t CategoryTable) Lookup(code string) (string, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", false
	}
	name, ok := t[code]
	return name, ok
}

// blocked reports whether code (or its name) is in the blocked list.
func (t CategoryTable) blocked(blockedList []string, code string) bool {
	code = strings.TrimSpace(code)
	name := NormalizeMerchant(t[code])
	for _, b := range blockedList {
		b = NormalizeMerchant(b)
		if b == code || (name != "" && b == name) {
			return true
		}
	}
	return false
}
