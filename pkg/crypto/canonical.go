package crypto

import (
	"fmt"
	"strings"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/canonicalize"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// Signature suite and verification-method separator.
const (
	SuiteEd25519    = "Ed25519Signature2020"
	MethodSeparator = "#"
)

// MandateSigningBytes returns the canonical bytes covered by a mandate
// signature: the RFC 8785 encoding of the mandate with its signature empty.
func MandateSigningBytes(m contracts.Mandate) ([]byte, error) {
	b, err := canonicalize.JCS(m.Unsigned())
	if err != nil {
		return nil, fmt.Errorf("mandate canonicalization failed: %w", err)
	}
	return b, nil
}

// MandateHash is the content hash of a signed mandate. Child mandates
// reference their parent by this value.
func MandateHash(m contracts.Mandate) (string, error) {
	return canonicalize.CanonicalHash(m)
}

// VerificationMethod formats "<identity>#<key-id>".
func VerificationMethod(identity, keyID string) string {
	return identity + MethodSeparator + keyID
}

// ParseVerificationMethod splits "<identity>#<key-id>".
func ParseVerificationMethod(method string) (identity, keyID string, err error) {
	idx := strings.LastIndex(method, MethodSeparator)
	if idx <= 0 || idx == len(method)-1 {
		return "", "", fmt.Errorf("invalid verification method %q", method)
	}
	return method[:idx], method[idx+1:], nil
}
