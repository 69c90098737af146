// Package auth validates session tokens presented in the connection
// handshake. Tokens are HMAC-signed JWTs carrying the player id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken reports a token that failed parsing, signature or claim
// validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the token payload. SessionID is optional; when present the
// handshake must present the same session id.
type Claims struct {
	PlayerID  string `json:"playerId"`
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks handshake tokens against a shared secret.
type Validator struct {
	secret []byte
}

// NewValidator builds a validator for the given signing secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning the player id it vouches
// for and the session id it is bound to ("" when unbound).
func (v *Validator) Validate(token string) (string, string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.PlayerID == "" {
		return "", "", ErrInvalidToken
	}
	return claims.PlayerID, claims.SessionID, nil
}

// Issue signs a token for the player, optionally bound to a session id.
// Used by the dev login path and tests.
func (v *Validator) Issue(playerID, sessionID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		PlayerID:  playerID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   playerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
