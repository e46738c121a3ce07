// Package settlement turns an authorized payment into a signed EVM
// transaction and gets it onto the chain.
//
// Signing keys never live in this process: a Signer (MPC or HSM) signs the
// transaction digest. Nonces are reserved per signing address and chain so
// concurrent dispatches never collide and failed ones never leave gaps.
package settlement

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
)

var (
	// ErrTransient marks RPC failures worth retrying.
	ErrTransient = errors.New("transient chain error")
	// ErrNonceConsumed means the chain already has a transaction at the nonce.
	ErrNonceConsumed = errors.New("nonce already consumed")
	// ErrTerminal is a broadcast rejection that retrying cannot fix.
	ErrTerminal = errors.New("settlement rejected")
	// ErrRetriesExhausted means every transient retry failed. The signed
	// transaction may still have reached the network.
	ErrRetriesExhausted = errors.New("settlement retries exhausted")
	// ErrNotRecorded means the signed transaction could not be recorded,
	// so it was never broadcast.
	ErrNotRecorded   = errors.New("signed transaction not recorded")
	ErrFeeCeiling    = errors.New("fee exceeds chain ceiling")
	ErrUnknownChain  = errors.New("unknown chain")
	ErrUnknownToken  = errors.New("token not configured on chain")
	ErrInvalidIntent = errors.New("invalid settlement intent")
)

// Intent is an approved, committed payment ready to settle.
type Intent struct {
	MandateID   string
	AgentID     string
	Chain       string
	Token       string
	Destination string
	AmountMinor int64
}

// Result describes a dispatched transaction. TxHash is set whenever a
// transaction was signed, even if broadcasting later failed.
type Result struct {
	TxHash         string
	Status         contracts.SettlementStatus
	Nonce          uint64
	SigningAddress string
}

// RecordFunc persists a signed transaction before it is broadcast. An
// error aborts the broadcast and releases the nonce.
type RecordFunc func(ctx context.Context, res Result) error

// Observation is the chain's view of a signed transaction.
type Observation struct {
	Status contracts.SettlementStatus
	// NonceUsed is set when there is no receipt but the account has mined a
	// transaction at this nonce, so this one can never land.
	NonceUsed bool
	// Pooled is set when the node's pending nonce is past this nonce, so a
	// transaction holding it is waiting in the mempool.
	Pooled bool
}

// Fees are EIP-1559 fee suggestions in wei.
type Fees struct {
	TipCap *big.Int
	FeeCap *big.Int
}

// Signer signs a 32-byte transaction digest for address and returns a
// 65-byte [R || S || V] secp256k1 signature.
type Signer interface {
	Sign(ctx context.Context, address common.Address, digest []byte) ([]byte, error)
}

// ChainClient is the RPC surface of one chain.
type ChainClient interface {
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	// MinedNonce is the account nonce as of the latest block.
	MinedNonce(ctx context.Context, address common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (Fees, error)
	Broadcast(ctx context.Context, raw []byte) (string, error)
	Receipt(ctx context.Context, txHash string) (contracts.SettlementStatus, error)
}
