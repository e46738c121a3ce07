package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner holds a secp256k1 key in memory. It exists for Lite Mode and
// tests; production deployments sign through an MPC or HSM Signer.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// LocalSignerFromHex parses a hex private key with or without 0x.
func LocalSignerFromHex(h string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewLocalSigner(key), nil
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) Sign(_ context.Context, address common.Address, digest []byte) ([]byte, error) {
	if address != s.address {
		return nil, fmt.Errorf("no key for %s", address.Hex())
	}
	return crypto.Sign(digest, s.key)
}
