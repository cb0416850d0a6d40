// Package auth verifies the bearer tokens that identify question set owners.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims carries the registered claims plus the legacy "id" claim some
// issuers use in place of "sub". The id may be a string or a number and is
// only read when sub is empty.
type Claims struct {
	jwt.RegisteredClaims
	LegacyID json.RawMessage `json:"id,omitempty"`
}

// OwnerID is the identity a question set is keyed by.
func (c Claims) OwnerID() string {
	if sub := strings.TrimSpace(c.Subject); sub != "" {
		return sub
	}
	return legacyID(c.LegacyID)
}

func legacyID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses token and returns the owner id it names.
func (v *Verifier) Verify(token string) (string, error) {
	claims, err := ParseToken(v.secret, token, v.leeway)
	if err != nil {
		return "", err
	}
	return claims.OwnerID(), nil
}

// IssueToken signs a token for ownerID. Used by the CLI and tests.
func IssueToken(secret []byte, ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string, leeway time.Duration) (Claims, error) {
	if len(secret) == 0 || strings.TrimSpace(token) == "" {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.OwnerID() == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
