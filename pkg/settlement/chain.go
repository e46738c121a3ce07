package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an ERC-20 contract. Scale is the number of base units per minor
// unit (USDC with 6 decimals and cent minor units has Scale 10_000).
type Token struct {
	Address common.Address
	Scale   int64
}

// ChainConfig describes one EVM chain.
type ChainConfig struct {
	Name           string
	ChainID        *big.Int
	SigningAddress common.Address

	// NativeSymbol is the gas token; transfers of it carry no calldata.
	NativeSymbol string
	NativeScale  int64
	Tokens       map[string]Token

	NativeGasLimit uint64
	TokenGasLimit  uint64
	// MaxFeeWei bounds GasFeeCap*Gas for one transaction.
	MaxFeeWei      *big.Int

	// RPC rate limit.
	RPS   float64
	Burst int
}

func (c ChainConfig) isNative(symbol string) bool {
	return strings.EqualFold(symbol, c.NativeSymbol)
}

func (c ChainConfig) token(symbol string) (Token, error) {
	for name, t := range c.Tokens {
		if strings.EqualFold(name, symbol) {
			return t, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, symbol, c.Name)
}

func (c ChainConfig) validate() error {
	if c.Name == "" || c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("chain config %q: name and positive chain id required", c.Name)
	}
	if c.SigningAddress == (common.Address{}) {
		return fmt.Errorf("chain config %q: signing address required", c.Name)
	}
	if c.MaxFeeWei == nil || c.MaxFeeWei.Sign() <= 0 {
		return fmt.Errorf("chain config %q: max fee required", c.Name)
	}
	return nil
}

// withDefaults fills gas limits and rate limits left at zero.
func (c ChainConfig) withDefaults() ChainConfig {
	if c.NativeGasLimit == 0 {
		c.NativeGasLimit = 21_000
	}
	if c.TokenGasLimit == 0 {
		c.TokenGasLimit = 100_000
	}
	if c.NativeScale == 0 {
		c.NativeScale = 1
	}
	if c.RPS <= 0 {
		c.RPS = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}
