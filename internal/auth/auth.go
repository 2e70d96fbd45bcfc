// Package auth issues and verifies the identity tokens handed to clients
// after a successful AUTH.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the client identity carried by a token.
type Identity struct {
	Name  string
	Group string
}

// claims is the internal claims type used for JWT parsing.
type claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
}

// Authority signs and checks HS256 tokens with the relay's shared token.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL makes issued tokens expire after ttl. Tokens never expire by
// default, matching clients that store them across restarts.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) { a.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New creates an authority for secret.
func New(secret string, opts ...Option) (*Authority, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	a := &Authority{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Issue returns a signed token for id.
func (a *Authority) Issue(id Identity) (string, error) {
	if id.Name == "" {
		return "", ErrMissingName
	}
	now := a.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name:  id.Name,
		Group: id.Group,
	}
	if a.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of token and returns its identity.
func (a *Authority) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: expired", ErrInvalidToken)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.Name == "" {
		return Identity{}, ErrMissingName
	}
	return Identity{Name: parsed.Name, Group: parsed.Group}, nil
}
