package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

// RPCClient is a ChainClient over a JSON-RPC endpoint.
type RPCClient struct {
	eth *ethclient.Client
}

func DialRPC(ctx context.Context, url string) (*RPCClient, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &RPCClient{eth: c}, nil
}

func (c *RPCClient) Close() { c.eth.Close() }

func (c *RPCClient) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, address)
}

func (c *RPCClient) MinedNonce(ctx context.Context, address common.Address) (uint64, error) {
	return c.eth.NonceAt(ctx, address, nil)
}

// SuggestFees sets the fee cap to twice the latest base fee plus the tip.
func (c *RPCClient) SuggestFees(ctx context.Context) (Fees, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, err
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, err
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	return Fees{TipCap: tip, FeeCap: feeCap}, nil
}

func (c *RPCClient) Broadcast(ctx context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("%w: decode tx: %v", ErrTerminal, err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (c *RPCClient) Receipt(ctx context.Context, txHash string) (contracts.SettlementStatus, error) {
	r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return contracts.SettlementSubmitted, nil
	}
	if err != nil {
		return "", err
	}
	if r.Status == types.ReceiptStatusSuccessful {
		return contracts.SettlementConfirmed, nil
	}
	return contracts.SettlementFailed, nil
}
