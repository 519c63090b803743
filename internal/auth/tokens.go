// Package auth issues and validates the bearer tokens that protect the admin API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer     = "salonhub-bridge"
	ScopeAdmin = "admin"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingScope = errors.New("token lacks admin scope")
)

type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and checks HS256 admin tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints an admin token for subject.
func (ti *TokenIssuer) Issue(subject string) (string, error) {
	now := ti.now()
	claims := Claims{
		Scope: ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ti.secret)
}

// Validate parses tokenString and requires the admin scope.
func (ti *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return ti.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Scope != ScopeAdmin {
		return nil, ErrMissingScope
	}

	return claims, nil
}
