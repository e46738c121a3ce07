package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/retry"
)

type chainRuntime struct {
	cfg     ChainConfig
	client  ChainClient
	limiter *rate.Limiter
}

// Dispatcher signs and broadcasts settlement transactions.
type Dispatcher struct {
	chains  map[string]*chainRuntime
	signer  Signer
	nonces  *NonceAllocator
	backoff retry.BackoffPolicy
	sleep   retry.SleepFunc
	logger  *slog.Logger
}

func NewDispatcher(signer Signer, nonces *NonceAllocator) *Dispatcher {
	return &Dispatcher{
		chains:  make(map[string]*chainRuntime),
		signer:  signer,
		nonces:  nonces,
		backoff: retry.DefaultPolicy,
		sleep:   retry.Sleep,
		logger:  slog.Default().With("component", "settlement"),
	}
}

// AddChain registers a chain and its RPC client.
func (d *Dispatcher) AddChain(cfg ChainConfig, client ChainClient) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	d.chains[cfg.Name] = &chainRuntime{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
	return nil
}

// WithBackoff overrides the retry policy for attempts and broadcasts.
func (d *Dispatcher) WithBackoff(p retry.BackoffPolicy) *Dispatcher {
	d.backoff = p
	return d
}

// WithSleep overrides how retries wait, for tests.
func (d *Dispatcher) WithSleep(fn retry.SleepFunc) *Dispatcher {
	d.sleep = fn
	return d
}

// SigningAddress returns the hex signing address configured for chain.
func (d *Dispatcher) SigningAddress(chain string) (string, error) {
	rt, err := d.chain(chain)
	if err != nil {
		return "", err
	}
	return rt.cfg.SigningAddress.Hex(), nil
}

func (d *Dispatcher) chain(name string) (*chainRuntime, error) {
	rt, ok := d.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, name)
	}
	return rt, nil
}

// Dispatch settles one intent. record, when non-nil, is called with the
// signed transaction before it is broadcast.
//
// Transient failures anywhere in reserve, sign and broadcast are retried
// with backoff; a stale nonce is rebuilt once. The reserved nonce is
// released on every failure except ErrRetriesExhausted or cancellation
// after signing, when the transaction may still land and the nonce stays
// reserved until Confirm or Release.
func (d *Dispatcher) Dispatch(ctx context.Context, intent Intent, record RecordFunc) (Result, error) {
	rt, err := d.chain(intent.Chain)
	if err != nil {
		return Result{}, err
	}
	slot := Slot{Chain: rt.cfg.Name, Address: rt.cfg.SigningAddress}
	attempts := max(d.backoff.MaxAttempts, 1)

	rebuilt := false
	for i := 0; ; i++ {
		res, err := d.attempt(ctx, rt, slot, intent, record)
		if err == nil {
			return res, nil
		}
		switch ClassifyError(err) {
		case ClassNonceConsumed:
			if rebuilt {
				return res, err
			}
			// Our view of the sequence was stale. Refetch and rebuild once.
			rebuilt = true
			d.logger.WarnContext(ctx, "nonce consumed, rebuilding", "mandate_id", intent.MandateID, "nonce", res.Nonce)
		case ClassTransient:
			if i+1 >= attempts || ctx.Err() != nil {
				return res, err
			}
			d.logger.WarnContext(ctx, "settlement attempt failed, retrying",
				"mandate_id", intent.MandateID, "attempt", i+1, "error", err)
			if serr := d.sleep(ctx, d.backoff.Delay(intent.MandateID, i)); serr != nil {
				return res, err
			}
		default:
			return res, err
		}
	}
}

// attempt reserves a nonce, builds, signs, records and broadcasts.
func (d *Dispatcher) attempt(ctx context.Context, rt *chainRuntime, slot Slot, intent Intent, record RecordFunc) (Result, error) {
	if err := rt.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}
	nonce, err := d.nonces.Reserve(ctx, slot, rt.client)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	res := Result{Nonce: nonce, SigningAddress: rt.cfg.SigningAddress.Hex(), Status: contracts.SettlementFailed}

	signed, err := d.prepare(ctx, rt, intent, nonce)
	if err != nil {
		d.nonces.Release(ctx, slot, nonce)
		return res, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		d.nonces.Release(ctx, slot, nonce)
		return res, fmt.Errorf("%w: encode tx: %v", ErrTerminal, err)
	}

	res.TxHash = signed.Hash().Hex()
	if record != nil {
		if err := record(ctx, res); err != nil {
			d.nonces.Release(ctx, slot, nonce)
			res.TxHash = ""
			return res, fmt.Errorf("%w: %v", ErrNotRecorded, err)
		}
	}

	if err := d.broadcast(ctx, rt, intent.MandateID, raw); err != nil {
		if errors.Is(err, ErrRetriesExhausted) || ctx.Err() != nil {
			d.logger.WarnContext(ctx, "broadcast outcome unknown, keeping nonce reserved",
				"mandate_id", intent.MandateID, "tx_hash", res.TxHash, "nonce", nonce)
			return res, err
		}
		d.nonces.Release(ctx, slot, nonce)
		return res, err
	}
	res.Status = contracts.SettlementSubmitted
	d.logger.InfoContext(ctx, "transaction broadcast",
		"mandate_id", intent.MandateID, "chain", rt.cfg.Name, "tx_hash", res.TxHash, "nonce", nonce)
	return res, nil
}

func (d *Dispatcher) prepare(ctx context.Context, rt *chainRuntime, intent Intent, nonce uint64) (*types.Transaction, error) {
	if err := rt.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fees, err := rt.client.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: suggest fees: %v", ErrTransient, err)
	}
	tx, err := BuildTx(rt.cfg, intent, nonce, fees)
	if err != nil {
		return nil, err
	}
	if fee := maxFee(tx); fee.Cmp(rt.cfg.MaxFeeWei) > 0 {
		return nil, fmt.Errorf("%w: %s wei > %s wei on %s", ErrFeeCeiling, fee, rt.cfg.MaxFeeWei, rt.cfg.Name)
	}
	return signTx(ctx, d.signer, rt.cfg, tx)
}

func (d *Dispatcher) broadcast(ctx context.Context, rt *chainRuntime, key string, raw []byte) error {
	attempts := d.backoff.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := d.sleep(ctx, d.backoff.Delay(key, i-1)); err != nil {
				return err
			}
		}
		if err := rt.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := rt.client.Broadcast(ctx, raw)
		switch ClassifyError(err) {
		case ClassTerminal:
			if err == nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTerminal, err)
		case ClassAlreadyKnown:
			return nil
		case ClassNonceConsumed:
			return fmt.Errorf("%w: %v", ErrNonceConsumed, err)
		case ClassTransient:
			lastErr = err
			d.logger.WarnContext(ctx, "broadcast failed, retrying", "key", key, "attempt", i+1, "error", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}

// Status queries the receipt of txHash once.
func (d *Dispatcher) Status(ctx context.Context, chain, txHash string) (contracts.SettlementStatus, error) {
	rt, err := d.chain(chain)
	if err != nil {
		return "", err
	}
	if err := rt.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return rt.client.Receipt(ctx, txHash)
}

// WaitReceipt polls until the transaction is confirmed or failed, or the
// timeout passes, in which case it returns SettlementUnknown.
func (d *Dispatcher) WaitReceipt(ctx context.Context, chain, txHash string, timeout, interval time.Duration) (contracts.SettlementStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		status, err := d.Status(ctx, chain, txHash)
		if err == nil && (status == contracts.SettlementConfirmed || status == contracts.SettlementFailed) {
			return status, nil
		}
		if ctx.Err() != nil {
			return contracts.SettlementUnknown, nil
		}
		if err != nil && ClassifyError(err) != ClassTransient {
			return "", err
		}
		if err := d.sleep(ctx, interval); err != nil {
			return contracts.SettlementUnknown, nil
		}
	}
}

// Observe reports what chain knows about a signed transaction: its receipt
// if any, otherwise whether its nonce has been mined by another
// transaction or is still held in the mempool.
func (d *Dispatcher) Observe(ctx context.Context, chain, txHash string, nonce uint64) (Observation, error) {
	rt, err := d.chain(chain)
	if err != nil {
		return Observation{}, err
	}
	status, err := d.Status(ctx, chain, txHash)
	if err != nil {
		return Observation{}, err
	}
	if status == contracts.SettlementConfirmed || status == contracts.SettlementFailed {
		return Observation{Status: status}, nil
	}

	if err := rt.limiter.Wait(ctx); err != nil {
		return Observation{}, err
	}
	mined, err := rt.client.MinedNonce(ctx, rt.cfg.SigningAddress)
	if err != nil {
		return Observation{}, fmt.Errorf("mined nonce: %w", err)
	}
	if mined > nonce {
		// The slot is taken. Ask again in case ours was mined between reads.
		status, err = d.Status(ctx, chain, txHash)
		if err != nil {
			return Observation{}, err
		}
		if status == contracts.SettlementConfirmed || status == contracts.SettlementFailed {
			return Observation{Status: status}, nil
		}
		return Observation{Status: contracts.SettlementUnknown, NonceUsed: true}, nil
	}

	if err := rt.limiter.Wait(ctx); err != nil {
		return Observation{}, err
	}
	pending, err := rt.client.PendingNonce(ctx, rt.cfg.SigningAddress)
	if err != nil {
		return Observation{}, fmt.Errorf("pending nonce: %w", err)
	}
	return Observation{Status: status, Pooled: pending > nonce}, nil
}

// Release returns a nonce whose transaction was dropped.
func (d *Dispatcher) Release(ctx context.Context, chain string, nonce uint64) error {
	rt, err := d.chain(chain)
	if err != nil {
		return err
	}
	return d.nonces.store.Release(ctx, Slot{Chain: rt.cfg.Name, Address: rt.cfg.SigningAddress}, nonce)
}

// Confirm records a landed nonce for chain's signing slot.
func (d *Dispatcher) Confirm(ctx context.Context, chain string, nonce uint64) error {
	rt, err := d.chain(chain)
	if err != nil {
		return err
	}
	return d.nonces.Confirm(ctx, Slot{Chain: rt.cfg.Name, Address: rt.cfg.SigningAddress}, nonce)
}
