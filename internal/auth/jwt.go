// Package auth verifies bearer tokens and keeps a revocation list of
// invalidated sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Claims are the token claims the service reads. Subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Revoker stores revoked token ids until they would have expired anyway.
type Revoker interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier checks HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	clock  registrar.Clock
}

// NewVerifier builds a Verifier. A nil clock uses wall time.
func NewVerifier(secret, issuer string, clock registrar.Clock) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, clock: clock}, nil
}

func (v *Verifier) now() time.Time {
	if v.clock == nil {
		return time.Now()
	}
	return v.clock.Now()
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return v.secret, nil
}

func (v *Verifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	return opts
}

// Verify parses raw and returns its claims. A token without a subject is
// rejected.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc, v.parserOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registrar.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", registrar.ErrUnauthorized)
	}
	return claims, nil
}

// SignedID returns the jti of a token whose signature is valid even when its
// claims are not. Forged tokens yield "".
func (v *Verifier) SignedID(raw string) (string, time.Time) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", time.Time{}
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return claims.ID, exp
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID, jti string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
