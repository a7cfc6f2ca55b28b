// Package relay implements the Agora relay: a stateless in-memory router
// that fans signed envelopes out between peers over WebSocket and REST.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenBroker issues and verifies the relay's bearer tokens. Tokens carry
// the caller's public key fingerprint as subject and a jti so individual
// tokens can be revoked before expiry.
type TokenBroker struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewTokenBroker creates a broker signing with the given HMAC secret.
// A non-positive expiry defaults to one hour.
func NewTokenBroker(secret []byte, expiry time.Duration) *TokenBroker {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &TokenBroker{
		secret:  secret,
		expiry:  expiry,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// Issue mints a token for the given public key fingerprint and returns the
// token together with its jti.
func (b *TokenBroker) Issue(fingerprint string) (token, jti string, err error) {
	jti = uuid.NewString()
	now := b.now()
	claims := jwt.RegisteredClaims{
		Subject:   fingerprint,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.expiry)),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	return token, jti, err
}

// Verify checks signature, expiry and revocation, returning the caller's
// fingerprint and the token's jti.
func (b *TokenBroker) Verify(token string) (fingerprint, jti string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" || claims.ID == "" {
		return "", "", fmt.Errorf("token missing subject or jti")
	}
	if b.isRevoked(claims.ID) {
		return "", "", fmt.Errorf("token revoked")
	}
	return claims.Subject, claims.ID, nil
}

// Revoke invalidates a jti until its expiry passes. Expired entries are
// pruned on the next call.
func (b *TokenBroker) Revoke(jti string, exp time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, until := range b.revoked {
		if until.Before(now) {
			delete(b.revoked, id)
		}
	}
	b.revoked[jti] = exp
}

func (b *TokenBroker) isRevoked(jti string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.revoked[jti]
	return ok && b.now().Before(until)
}
