package settlement

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

const transferSignature = "transfer(address,uint256)"

// transferSelector is the first four bytes of keccak256(transferSignature).
var transferSelector = func() []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(transferSignature))
	return h.Sum(nil)[:4]
}()

// ERC20TransferData encodes transfer(to, amount) calldata.
func ERC20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// BuildTx builds the unsigned EIP-1559 transaction for an intent.
func BuildTx(cfg ChainConfig, intent Intent, nonce uint64, fees Fees) (*types.Transaction, error) {
	if !common.IsHexAddress(intent.Destination) {
		return nil, fmt.Errorf("%w: destination %q is not an address", ErrInvalidIntent, intent.Destination)
	}
	if intent.AmountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	dest := common.HexToAddress(intent.Destination)

	tx := &types.DynamicFeeTx{
		ChainID:   cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
	}
	if cfg.isNative(intent.Token) {
		tx.To = &dest
		tx.Value = scaled(intent.AmountMinor, cfg.NativeScale)
		tx.Gas = cfg.NativeGasLimit
	} else {
		token, err := cfg.token(intent.Token)
		if err != nil {
			return nil, err
		}
		contract := token.Address
		tx.To = &contract
		tx.Value = new(big.Int)
		tx.Data = ERC20TransferData(dest, scaled(intent.AmountMinor, token.Scale))
		tx.Gas = cfg.TokenGasLimit
	}
	return types.NewTx(tx), nil
}

// maxFee is the worst-case fee the transaction can burn.
func maxFee(tx *types.Transaction) *big.Int {
	return new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas()))
}

// signTx asks the external signer for a signature over the transaction's
// signing hash and returns the signed transaction.
func signTx(ctx context.Context, signer Signer, cfg ChainConfig, tx *types.Transaction) (*types.Transaction, error) {
	s := types.LatestSignerForChainID(cfg.ChainID)
	digest := s.Hash(tx)
	sig, err := signer.Sign(ctx, cfg.SigningAddress, digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	signed, err := tx.WithSignature(s, sig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature from signer: %w", err)
	}
	from, err := types.Sender(s, signed)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if from != cfg.SigningAddress {
		return nil, fmt.Errorf("signer returned signature for %s, want %s", from.Hex(), cfg.SigningAddress.Hex())
	}
	return signed, nil
}

func scaled(minor, scale int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(minor), big.NewInt(scale))
}
