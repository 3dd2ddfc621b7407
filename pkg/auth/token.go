// Package auth issues and verifies client credentials: short opaque client
// ids paired with signed session tokens that rotate on every response.
package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const tokenKind = "client"

// TokenClaims is the verified content of a session token.
type TokenClaims struct {
	ClientID string
	TokenID  string
	IssuedAt time.Time
	Expires  time.Time
}

// TokenIssuer signs and verifies session tokens with a shared HMAC secret.
// Verification pins the algorithm, so a token signed with anything but HS256
// is rejected regardless of its header.
type TokenIssuer struct {
	secret      []byte
	ttl         time.Duration
	rotateAfter time.Duration
}

func NewTokenIssuer(secret []byte, ttl, rotateAfter time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenIssuer{secret: secret, ttl: ttl, rotateAfter: rotateAfter}, nil
}

// Issue creates a signed token bound to the given client id.
func (i *TokenIssuer) Issue(clientID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(i.ttl)

	tok, err := jwt.NewBuilder().
		Subject(clientID).
		JwtID(uuid.NewString()).
		IssuedAt(now).
		Expiration(expires).
		Claim("kind", tokenKind).
		Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), expires, nil
}

// Verify parses and validates a token and returns its claims.
func (i *TokenIssuer) Verify(tokenString string) (*TokenClaims, error) {
	tok, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, i.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if kind, ok := tok.Get("kind"); !ok || kind != tokenKind {
		return nil, fmt.Errorf("invalid token: wrong kind")
	}
	if tok.Subject() == "" {
		return nil, fmt.Errorf("invalid token: missing subject")
	}

	return &TokenClaims{
		ClientID: tok.Subject(),
		TokenID:  tok.JwtID(),
		IssuedAt: tok.IssuedAt(),
		Expires:  tok.Expiration(),
	}, nil
}
