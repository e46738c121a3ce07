package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages active signing keys and verification of past keys.
// Supports key rotation without downtime.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
}

const maxRetainedKeys = 10

// HMACKeySet holds HS256 secrets in memory.
type HMACKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string][]byte
	order      []string
}

// NewHMACKeySet starts with the given secret, or a random one when empty.
func NewHMACKeySet(secret []byte) (*HMACKeySet, error) {
	ks := &HMACKeySet{keys: make(map[string][]byte)}
	if len(secret) > 0 {
		ks.add("key-0", secret)
		return ks, nil
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate installs a fresh random secret as the signing key. Older secrets
// keep verifying until evicted.
func (ks *HMACKeySet) Rotate() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.add(fmt.Sprintf("key-%d", time.Now().UnixNano()), secret)
	return nil
}

// add must be called with mu held (or before the set is shared).
func (ks *HMACKeySet) add(kid string, secret []byte) {
	ks.keys[kid] = append([]byte(nil), secret...)
	ks.order = append(ks.order, kid)
	ks.currentKID = kid
	for len(ks.order) > maxRetainedKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
}

func (ks *HMACKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *HMACKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key, nil
	}
}
