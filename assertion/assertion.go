// Package assertion issues and verifies short-lived signed tokens that
// cache a verified session identity. A valid assertion lets a request skip
// the session store until the token expires; the store remains the source
// of truth.
package assertion

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/theapp/server/internal/util"
	"github.com/theapp/server/session"
	"github.com/theapp/server/storage"
)

const (
	// MinKeyLen is the minimum HMAC key length in bytes.
	MinKeyLen = 32
	// DefaultTTL is the assertion lifetime.
	DefaultTTL = 60 * time.Second
	// DefaultIssuer is the iss claim used when WithIssuer is not given.
	DefaultIssuer = "theapp"
)

var (
	// ErrInvalidToken is returned by Verify for every failure: bad
	// structure, bad signature, wrong algorithm or issuer, expiry, or
	// missing identity claims.
	ErrInvalidToken = errors.New("invalid assertion token")
	// ErrClosed is returned after the signer's key has been destroyed.
	ErrClosed = errors.New("assertion signer closed")
)

// Claims is the JWT payload.
type Claims struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

type Option func(*Signer)

// WithClock overrides the time source for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithIssuer(issuer string) Option {
	return func(s *Signer) { s.issuer = issuer }
}

// Signer holds the HMAC key in a locked, read-only memguard buffer for the
// process lifetime. It is safe for concurrent use.
type Signer struct {
	key    *memguard.LockedBuffer
	issuer string
	now    func() time.Time
}

// NewSigner copies key into guarded memory. The caller's slice is left
// untouched.
func NewSigner(key []byte, opts ...Option) (*Signer, error) {
	if len(key) < MinKeyLen {
		return nil, fmt.Errorf("assertion key must be at least %d bytes, got %d", MinKeyLen, len(key))
	}
	buf := memguard.NewBufferFromBytes(util.CopyBytes(key))
	buf.Freeze()

	s := &Signer{key: buf, issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close destroys the key. The signer is unusable afterwards.
func (s *Signer) Close() {
	s.key.Destroy()
}

// Issue signs identity with an expiry of ttl from now.
func (s *Signer) Issue(identity session.Identity, ttl time.Duration) (string, time.Time, error) {
	if !s.key.IsAlive() {
		return "", time.Time{}, ErrClosed
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("assertion ttl must be positive")
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		AccountID: identity.AccountID,
		SessionID: identity.SessionID,
		Role:      string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.AccountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key.Bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing assertion: %w", err)
	}
	return token, expiresAt, nil
}

// Verify returns the identity carried by a valid, unexpired token.
func (s *Signer) Verify(token string) (session.Identity, error) {
	if !s.key.IsAlive() {
		return session.Identity{}, ErrClosed
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key.Bytes(), nil
	})
	if err != nil || !parsed.Valid {
		return session.Identity{}, ErrInvalidToken
	}

	role := storage.Role(claims.Role)
	if claims.AccountID == "" || claims.SessionID == "" || !role.Valid() || claims.Subject != claims.AccountID {
		return session.Identity{}, ErrInvalidToken
	}
	return session.Identity{AccountID: claims.AccountID, SessionID: claims.SessionID, Role: role}, nil
}
