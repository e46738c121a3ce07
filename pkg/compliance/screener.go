// Package compliance screens payment parties against an external verdict
// provider. The provider can fail independently of everything else; what
// happens then is configured by FailMode and defaults to denial.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Verdict is a provider's answer for one subject.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFlag Verdict = "flag"
)

// Provider screens an identity or address.
type Provider interface {
	Screen(ctx context.Context, subject string) (Verdict, error)
}

// FailMode decides what a provider error means.
type FailMode string

const (
	// FailClosed denies on any provider error.
	FailClosed FailMode = "closed"
	// FailOpenBelow allows amounts strictly below Config.OpenBelowMinor when
	// the provider is unavailable. Flags always deny.
	FailOpenBelow FailMode = "open_below"
	// FailDisabled turns screening off. It must be chosen explicitly.
	FailDisabled FailMode = "disabled"
)

// Reason codes.
const (
	CodeFlagged     = "compliance_flagged"
	CodeUnavailable = "compliance_unavailable"
)

var ErrBreakerOpen = errors.New("compliance provider circuit open")

type Config struct {
	Mode           FailMode
	OpenBelowMinor int64
	Timeout        time.Duration
	// Breaker opens after this many consecutive provider errors.
	BreakerThreshold int
	BreakerReset     time.Duration
}

func DefaultConfig() Config {
	return Config{Mode: FailClosed, Timeout: 2 * time.Second, BreakerThreshold: 5, BreakerReset: 30 * time.Second}
}

// ParseFailMode accepts "closed", "open_below" or "disabled". Empty means
// closed.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpenBelow:
		return FailOpenBelow, nil
	case FailDisabled:
		return FailDisabled, nil
	default:
		return "", fmt.Errorf("unknown compliance fail mode %q", s)
	}
}

// Decision is the screening result for a payment.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
	Subject string
	// Degraded is set when the payment was allowed without a provider answer.
	Degraded bool
}

// Screener wraps a Provider with a circuit breaker and a fail mode.
type Screener struct {
	provider Provider
	breaker  *CircuitBreaker
	cfg      Config
	logger   *slog.Logger
}

func NewScreener(provider Provider, cfg Config) *Screener {
	if cfg.Mode == "" {
		cfg.Mode = FailClosed
	}
	return &Screener{
		provider: provider,
		breaker:  NewCircuitBreaker("compliance", cfg.BreakerThreshold, cfg.BreakerReset),
		cfg:      cfg,
		logger:   slog.Default().With("component", "compliance"),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (s *Screener) Breaker() *CircuitBreaker { return s.breaker }

// Screen checks every subject. Any flag denies. Any unavailable answer is
// resolved by the fail mode against amountMinor.
func (s *Screener) Screen(ctx context.Context, amountMinor int64, subjects ...string) Decision {
	var degraded bool
	for _, subject := range subjects {
		if subject == "" {
			continue
		}
		verdict, err := s.screenOne(ctx, subject)
		if err != nil {
			if s.cfg.Mode == FailOpenBelow && amountMinor < s.cfg.OpenBelowMinor {
				s.logger.WarnContext(ctx, "compliance unavailable, allowing below threshold",
					"subject", subject, "amount_minor", amountMinor, "error", err)
				degraded = true
				continue
			}
			return Decision{
				Code:    CodeUnavailable,
				Reason:  fmt.Sprintf("compliance provider unavailable: %v", err),
				Subject: subject,
			}
		}
		if verdict != VerdictPass {
			return Decision{
				Code:    CodeFlagged,
				Reason:  fmt.Sprintf("%s flagged by compliance screening", subject),
				Subject: subject,
			}
		}
	}
	return Decision{Allowed: true, Degraded: degraded}
}

func (s *Screener) screenOne(ctx context.Context, subject string) (Verdict, error) {
	if s.provider == nil {
		return "", errors.New("no compliance provider configured")
	}
	if !s.breaker.Allow() {
		return "", ErrBreakerOpen
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	v, err := s.provider.Screen(ctx, subject)
	if err != nil {
		s.breaker.Failure()
		return "", err
	}
	s.breaker.Success()
	switch v {
	case VerdictPass, VerdictFlag:
		return v, nil
	default:
		// Anything unrecognised is treated as a flag.
		return VerdictFlag, nil
	}
}
