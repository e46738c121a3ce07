package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainProfile is one settlement chain as declared in the chains file.
type ChainProfile struct {
	Name           string           `yaml:"name" json:"name"`
	ChainID        int64            `yaml:"chain_id" json:"chain_id"`
	RPCURL         string           `yaml:"rpc_url" json:"rpc_url"`
	SigningAddress string           `yaml:"signing_address,omitempty" json:"signing_address,omitempty"`
	NativeSymbol   string           `yaml:"native_symbol" json:"native_symbol"`
	NativeScale    int64            `yaml:"native_scale,omitempty" json:"native_scale,omitempty"`
	MaxFeeWei      string           `yaml:"max_fee_wei" json:"max_fee_wei"`
	NativeGasLimit uint64           `yaml:"native_gas_limit,omitempty" json:"native_gas_limit,omitempty"`
	TokenGasLimit  uint64           `yaml:"token_gas_limit,omitempty" json:"token_gas_limit,omitempty"`
	RPS            float64          `yaml:"rps,omitempty" json:"rps,omitempty"`
	Burst          int              `yaml:"burst,omitempty" json:"burst,omitempty"`
	Tokens         map[string]Token `yaml:"tokens,omitempty" json:"tokens,omitempty"`
}

// Token is an ERC-20 contract and the multiplier from minor units to
// on-chain base units.
type Token struct {
	Address string `yaml:"address" json:"address"`
	Scale   int64  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

type chainsFile struct {
	Chains []ChainProfile `yaml:"chains"`
}

// LoadChains reads the chains YAML file. Names are lower-cased and must be
// unique.
func LoadChains(path string) ([]ChainProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load chains %q: %w", path, err)
	}
	return ParseChains(data)
}

func ParseChains(data []byte) ([]ChainProfile, error) {
	var f chainsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chains: %w", err)
	}
	seen := make(map[string]bool, len(f.Chains))
	for i := range f.Chains {
		c := &f.Chains[i]
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		switch {
		case c.Name == "":
			return nil, fmt.Errorf("chain %d: name is required", i)
		case seen[c.Name]:
			return nil, fmt.Errorf("chain %s declared twice", c.Name)
		case c.ChainID <= 0:
			return nil, fmt.Errorf("chain %s: chain_id is required", c.Name)
		case c.RPCURL == "":
			return nil, fmt.Errorf("chain %s: rpc_url is required", c.Name)
		case c.MaxFeeWei == "":
			return nil, fmt.Errorf("chain %s: max_fee_wei is required", c.Name)
		}
		seen[c.Name] = true
	}
	return f.Chains, nil
}
