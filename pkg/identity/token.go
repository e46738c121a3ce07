package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator token scopes.
const (
	ScopePolicyWrite    = "policy:write"
	ScopeApprovalReview = "approvals:review"
)

const (
	tokenIssuer   = "sardis/identity"
	tokenAudience = "sardis.operator"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingScope = errors.New("token lacks required scope")
)

// IdentityClaims extends standard JWT claims with principal fields.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Type   PrincipalType `json:"type"`
	Scopes []string      `json:"scopes,omitempty"`
}

// HasScope reports whether the claims grant scope.
func (c *IdentityClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenManager handles token generation and validation.
type TokenManager struct {
	keySet KeySet
	clock  func() time.Time
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// GenerateToken creates a signed JWT for a Principal.
func (tm *TokenManager) GenerateToken(p Principal, duration time.Duration) (string, error) {
	now := tm.clock().UTC()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", p.ID(), now.UnixNano()),
			Subject:   p.ID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
		},
		Type: p.Type(),
	}

	switch v := p.(type) {
	case *AgentIdentity:
		claims.Scopes = v.Scopes
	case *OperatorIdentity:
		claims.Scopes = v.Scopes
	}

	return tm.keySet.Sign(context.Background(), claims)
}

// ValidateToken parses and validates a JWT string.
func (tm *TokenManager) ValidateToken(tokenString string) (*IdentityClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(tm.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*IdentityClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Authorize validates the token and requires scope.
func (tm *TokenManager) Authorize(tokenString, scope string) (*IdentityClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(scope) {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return claims, nil
}
