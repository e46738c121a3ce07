package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrUnsupportedSuite = errors.New("unsupported signature suite")
)

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return VerifyWithKey(ed25519.PublicKey(pubKey), sigHex, data)
}

// VerifyWithKey verifies a hex signature against a decoded public key.
func VerifyWithKey(pub ed25519.PublicKey, sigHex string, data []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyMandate checks the mandate proof against pub. Any malformed input is
// reported as an error; a well-formed but wrong signature is ErrBadSignature.
func VerifyMandate(m contracts.Mandate, pub ed25519.PublicKey) error {
	if m.Proof.Signature == "" {
		return ErrMissingSignature
	}
	if m.Proof.Type != SuiteEd25519 {
		return fmt.Errorf("%w: %q", ErrUnsupportedSuite, m.Proof.Type)
	}
	payload, err := MandateSigningBytes(m)
	if err != nil {
		return err
	}
	ok, err := VerifyWithKey(pub, m.Proof.Signature, payload)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}
