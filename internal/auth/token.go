// Package auth issues and verifies the admin tokens that gate the ops
// server's mutating endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when the admin password does not match.
var ErrBadCredentials = errors.New("bad credentials")

// Claims are the JWT claims for an admin session token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer issues and verifies admin JWTs signed with an HMAC secret.
type TokenIssuer struct {
	secret       []byte
	passwordHash string // bcrypt hash of the admin password; empty disables Login
	issuer       string
	ttl          time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	secret       — HMAC signing key.
//	passwordHash — bcrypt hash checked by Login; empty disables password login.
//	issuerName   — the "iss" claim value.
//	ttl          — token lifetime (default: 1 hour).
func NewTokenIssuer(secret []byte, passwordHash, issuerName string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret:       secret,
		passwordHash: passwordHash,
		issuer:       issuerName,
		ttl:          ttl,
	}
}

// Login checks the admin password against the configured bcrypt hash and
// issues a token on success.
func (t *TokenIssuer) Login(password string) (string, error) {
	if t.passwordHash == "" {
		return "", fmt.Errorf("password login disabled: %w", ErrBadCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.passwordHash), []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return t.Issue("admin")
}

// Issue creates a signed admin token for the given subject.
func (t *TokenIssuer) Issue(subject string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Role: "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	if claims.Role != "admin" {
		return nil, fmt.Errorf("token lacks admin role")
	}
	return claims, nil
}

// HashPassword returns the bcrypt hash of a password, for generating the
// value stored in configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
