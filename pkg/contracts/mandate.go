// Package contracts defines the wire types shared by every stage of the
// payment pipeline: mandates, spending policies, approvals, reconciliation
// entries and audit records.
//
// All monetary amounts are integers in the smallest currency unit.
package contracts

import "time"

// MandateKind identifies a link in an authorization chain.
type MandateKind string

const (
	MandateIntent  MandateKind = "intent"
	MandateCart    MandateKind = "cart"
	MandatePayment MandateKind = "payment"
)

// Mandate is an immutable, signed authorization issued by an agent identity.
//
// A payment is authorized by a chain of mandates (intent → cart → payment)
// linked by ParentHash. The payment link is always the last one. Merchant
// is the name matched against policy merchant lists; when empty the
// destination address stands in for it.
type Mandate struct {
	MandateID        string      `json:"mandate_id"`
	Kind             MandateKind `json:"kind"`
	Issuer           string      `json:"issuer"`
	Subject          string      `json:"subject"`
	AmountMinor      int64       `json:"amount_minor"`
	Token            string      `json:"token"`
	Chain            string      `json:"chain"`
	Destination      string      `json:"destination"`
	Merchant         string      `json:"merchant,omitempty"`
	MerchantCategory string      `json:"merchant_category,omitempty"`
	Purpose          string      `json:"purpose,omitempty"`
	Domain           string      `json:"domain"`
	Nonce            string      `json:"nonce"`
	IssuedAt         time.Time   `json:"issued_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	ParentHash       string      `json:"parent_hash,omitempty"`
	Proof            Proof       `json:"proof"`
}

// Proof carries the issuer's signature over the canonical mandate bytes.
type Proof struct {
	// Type is the signature suite, e.g. "Ed25519Signature2020".
	Type string `json:"type"`
	// VerificationMethod references the signing key as "<identity>#<key-id>".
	VerificationMethod string `json:"verification_method"`
	// Signature is the hex-encoded signature. Empty while signing.
	Signature string `json:"signature,omitempty"`
}

// Unsigned returns a copy of the mandate with the signature stripped, which
// is the form covered by the signature.
func (m Mandate) Unsigned() Mandate {
	c := m
	c.Proof.Signature = ""
	return c
}

// Validity is the lifetime of the mandate as issued.
func (m Mandate) Validity() time.Duration {
	return m.ExpiresAt.Sub(m.IssuedAt)
}

// MerchantName is the name policies match merchants by.
func (m Mandate) MerchantName() string {
	if m.Merchant != "" {
		return m.Merchant
	}
	return m.Destination
}

// Agent is the identity whose budget the mandate spends.
func (m Mandate) Agent() string {
	if m.Subject != "" {
		return m.Subject
	}
	return m.Issuer
}

// PaymentRequest is what an agent submits to the pipeline.
type PaymentRequest struct {
	// Chain is ordered root first; the final element is the payment mandate.
	Chain []Mandate `json:"chain"`
}

// Payment returns the leaf mandate of the request, or false if empty.
func (r PaymentRequest) Payment() (Mandate, bool) {
	if len(r.Chain) == 0 {
		return Mandate{}, false
	}
	return r.Chain[len(r.Chain)-1], true
}
