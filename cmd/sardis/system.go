package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/audit"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/budget"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/compliance"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/config"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/database"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/escalation"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/gateway"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/identity"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/mandate"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/observability"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/policy"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/replay"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/settlement"
)

// system is every wired subsystem of one sardis process.
type system struct {
	cfg *config.Config
	db  *database.DB

	redis  redis.UniversalClient
	nats   *notify.NATSSink
	outbox *notify.Outbox

	replaySQL  *replay.SQLStore
	auditLog   *audit.SQLLog
	approvals  *escalation.Manager
	policies   policy.Store
	validator  *policy.Validator
	dispatcher *settlement.Dispatcher
	screener   *compliance.Screener
	telemetry  *observability.Provider
	gw         *gateway.Gateway

	closers []func()
}

type systemOptions struct {
	// async routes notifications through the retrying outbox. One-shot CLI
	// commands publish synchronously so nothing is lost on exit.
	async bool
	// telemetry enables the OTLP exporter when configured.
	telemetry bool
}

// openDatabase opens Postgres, or SQLite under the data directory in Lite
// Mode.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		log.Printf("[sardis] lite mode: using sqlite at %s", cfg.LitePath())
	}
	return database.Open(ctx, cfg.DatabaseURL, cfg.LitePath())
}

func openSystem(ctx context.Context, cfg *config.Config, opts systemOptions) (_ *system, err error) {
	s := &system{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.db, err = openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = s.db.Close() })

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		s.closers = append(s.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.redis = client
		log.Printf("[sardis] redis: shared replay, budget and nonce state")
	}

	registry, err := identity.LoadRegistryFile(cfg.IdentityRegistry)
	if err != nil {
		return nil, err
	}

	var replayStore replay.Store
	var ledger budget.Ledger
	var nonces settlement.NonceStore
	if s.redis != nil {
		replayStore = replay.NewRedisStore(s.redis)
		ledger = budget.NewRedisLedger(s.redis)
		nonces = settlement.NewRedisNonceStore(s.redis)
	} else {
		s.replaySQL = replay.NewSQLStore(s.db)
		sqlLedger := budget.NewSQLLedger(s.db)
		sqlNonces := settlement.NewSQLNonceStore(s.db)
		if err := initAll(ctx, s.replaySQL, sqlLedger, sqlNonces); err != nil {
			return nil, err
		}
		replayStore = s.replaySQL
		ledger = sqlLedger
		nonces = sqlNonces
	}

	verifier, err := mandate.NewVerifier(registry, replayStore)
	if err != nil {
		return nil, err
	}

	categories := policy.DefaultCategories()
	s.validator, err = policy.NewValidator(policy.DefaultCeilings(), categories)
	if err != nil {
		return nil, err
	}
	policyStore := policy.NewSQLStore(s.db)
	escStore := escalation.NewSQLStore(s.db)
	s.auditLog = audit.NewSQLLog(s.db)
	pending := gateway.NewSQLPendingStore(s.db)
	recon := gateway.NewSQLReconStore(s.db)
	if err := initAll(ctx, policyStore, escStore, s.auditLog, pending, recon); err != nil {
		return nil, err
	}
	s.policies = policyStore

	sink, err := s.openSink(opts.async)
	if err != nil {
		return nil, err
	}
	s.approvals = escalation.NewManager(escStore, sink)

	s.screener, err = openScreener(cfg, s.redis)
	if err != nil {
		return nil, err
	}

	s.dispatcher, err = s.openDispatcher(ctx, nonces)
	if err != nil {
		return nil, err
	}

	var tokens *identity.TokenManager
	if cfg.OperatorSecret != "" {
		ks, err := identity.NewHMACKeySet([]byte(cfg.OperatorSecret))
		if err != nil {
			return nil, err
		}
		tokens = identity.NewTokenManager(ks)
	}

	s.telemetry = observability.Nop()
	if opts.telemetry && cfg.OTelEnabled {
		tcfg := observability.DefaultConfig()
		tcfg.Enabled = true
		tcfg.ServiceVersion = version
		tcfg.Environment = cfg.Environment
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		tcfg.Insecure = true
		s.telemetry, err = observability.New(ctx, tcfg)
		if err != nil {
			return nil, err
		}
	}

	gcfg := gateway.DefaultConfig()
	gcfg.ReceiptTimeout = cfg.ReceiptTimeout
	s.gw, err = gateway.New(gateway.Deps{
		Verifier:  verifier,
		Policies:  policyStore,
		Engine:    policy.NewEngine(categories),
		Validator: s.validator,
		Ledger:    ledger,
		Approvals: s.approvals,
		Settler:   s.dispatcher,
		Audit:     s.auditLog,
		Screener:  s.screener,
		Tokens:    tokens,
		Pending:   pending,
		Recon:     recon,
		Telemetry: s.telemetry,
	}, gcfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type initializer interface {
	Init(ctx context.Context) error
}

func initAll(ctx context.Context, stores ...initializer) error {
	for _, st := range stores {
		if err := st.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *system) openSink(async bool) (notify.Sink, error) {
	logSink := notify.NewLogSink(nil)
	if s.cfg.NATSURL == "" {
		return logSink, nil
	}
	nc, err := notify.NewNATSSink(s.cfg.NATSURL)
	if err != nil {
		return nil, err
	}
	s.nats = nc
	s.closers = append(s.closers, func() { _ = nc.Close() })
	if !async {
		return notify.Multi{logSink, nc}, nil
	}
	s.outbox = notify.NewOutbox(nc)
	return notify.Multi{logSink, s.outbox}, nil
}

// openScreener fails closed: with no screening list every payment is
// rejected as unavailable unless SARDIS_COMPLIANCE_MODE=disabled.
func openScreener(cfg *config.Config, client redis.UniversalClient) (*compliance.Screener, error) {
	mode, err := compliance.ParseFailMode(cfg.ComplianceMode)
	if err != nil {
		return nil, err
	}
	if mode == compliance.FailDisabled {
		log.Printf("[sardis] compliance: screening disabled by SARDIS_COMPLIANCE_MODE")
		return nil, nil
	}
	ccfg := compliance.DefaultConfig()
	ccfg.Mode = mode
	ccfg.OpenBelowMinor = cfg.ComplianceOpenBelow

	if cfg.ComplianceListFile == "" {
		log.Printf("[sardis] compliance: no screening list configured, payments fail %s", mode)
		return compliance.NewScreener(nil, ccfg), nil
	}
	list, err := compliance.LoadListFile(cfg.ComplianceListFile)
	if err != nil {
		return nil, err
	}
	var provider compliance.Provider = list
	if client != nil && cfg.ComplianceCacheTTL > 0 {
		provider = compliance.NewCachedProvider(list, client, cfg.ComplianceCacheTTL)
	}
	return compliance.NewScreener(provider, ccfg), nil
}

func (s *system) openDispatcher(ctx context.Context, nonces settlement.NonceStore) (*settlement.Dispatcher, error) {
	var profiles []config.ChainProfile
	if s.cfg.ChainsFile != "" {
		var err error
		profiles, err = config.LoadChains(s.cfg.ChainsFile)
		if err != nil {
			return nil, err
		}
	}

	var signer settlement.Signer
	var signerAddr common.Address
	switch {
	case s.cfg.SignerKeyHex != "":
		ls, err := settlement.LocalSignerFromHex(s.cfg.SignerKeyHex)
		if err != nil {
			return nil, err
		}
		signer, signerAddr = ls, ls.Address()
	case len(profiles) > 0:
		return nil, errors.New("SARDIS_SIGNER_KEY is required when chains are configured")
	default:
		log.Printf("[sardis] settlement: no chains configured, payments will fail at dispatch")
	}

	d := settlement.NewDispatcher(signer, settlement.NewNonceAllocator(nonces))
	for _, p := range profiles {
		chainCfg, err := chainConfig(p, signerAddr)
		if err != nil {
			return nil, err
		}
		client, err := settlement.DialRPC(ctx, p.RPCURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		if err := d.AddChain(chainCfg, client); err != nil {
			return nil, err
		}
		log.Printf("[sardis] settlement: chain %s (id %d) signing as %s", p.Name, p.ChainID, chainCfg.SigningAddress.Hex())
	}
	return d, nil
}

// chainConfig converts a file profile into the dispatcher's form. A profile
// without a signing address uses the local signer's.
func chainConfig(p config.ChainProfile, fallback common.Address) (settlement.ChainConfig, error) {
	maxFee, ok := new(big.Int).SetString(p.MaxFeeWei, 10)
	if !ok {
		return settlement.ChainConfig{}, fmt.Errorf("chain %s: invalid max_fee_wei %q", p.Name, p.MaxFeeWei)
	}
	addr := fallback
	if p.SigningAddress != "" {
		if !common.IsHexAddress(p.SigningAddress) {
			return settlement.ChainConfig{}, fmt.Errorf("chain %s: invalid signing_address", p.Name)
		}
		addr = common.HexToAddress(p.SigningAddress)
	}
	tokens := make(map[string]settlement.Token, len(p.Tokens))
	for sym, t := range p.Tokens {
		if !common.IsHexAddress(t.Address) {
			return settlement.ChainConfig{}, fmt.Errorf("chain %s: token %s has invalid address", p.Name, sym)
		}
		tokens[strings.ToUpper(sym)] = settlement.Token{Address: common.HexToAddress(t.Address), Scale: t.Scale}
	}
	return settlement.ChainConfig{
		Name:           p.Name,
		ChainID:        big.NewInt(p.ChainID),
		SigningAddress: addr,
		NativeSymbol:   p.NativeSymbol,
		NativeScale:    p.NativeScale,
		Tokens:         tokens,
		NativeGasLimit: p.NativeGasLimit,
		TokenGasLimit:  p.TokenGasLimit,
		MaxFeeWei:      maxFee,
		RPS:            p.RPS,
		Burst:          p.Burst,
	}, nil
}

// seedPolicies loads policy files for agents that have no stored policy.
// Stored policies win so operator updates survive restarts.
func (s *system) seedPolicies(ctx context.Context) (int, error) {
	if s.cfg.PolicyDir == "" {
		return 0, nil
	}
	loaded, err := policy.LoadPolicies(s.cfg.PolicyDir, s.validator)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, lp := range loaded {
		_, err := s.policies.Get(ctx, lp.Policy.AgentID)
		if err == nil {
			continue
		}
		if !errors.Is(err, policy.ErrPolicyNotFound) {
			return seeded, err
		}
		p := lp.Policy
		p.UpdatedBy = "file:" + lp.Path
		if err := s.policies.Put(ctx, p); err != nil {
			return seeded, err
		}
		for _, w := range lp.Warnings {
			log.Printf("[sardis] policy %s: %s", lp.Path, w)
		}
		seeded++
	}
	return seeded, nil
}

// Close releases resources in reverse order of acquisition.
func (s *system) Close() {
	if s.approvals != nil {
		s.approvals.Flush()
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(context.Background())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
