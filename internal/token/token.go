// Package token issues and verifies signed bearer tokens and records their
// revocation.
//
// A token moves from Issued to either Expired (its exp claim has passed) or
// Revoked (it was logged out). Tokens that fail to decode or whose signature
// does not verify are Malformed and are rejected before either check.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// DefaultTTL applies when Issue is called with a non-positive ttl.
const DefaultTTL = 30 * time.Minute

var (
	ErrMalformed = errors.New("token is malformed")
	ErrExpired   = errors.New("token has expired")
	ErrRevoked   = errors.New("token has been revoked")
)

// Outcome labels passed to a Recorder.
const (
	OutcomeOK        = "ok"
	OutcomeMalformed = "malformed"
	OutcomeExpired   = "expired"
	OutcomeRevoked   = "revoked"
	OutcomeError     = "error"
)

// RevocationStore is the part of the credential store the token service needs.
type RevocationStore interface {
	AddRevokedToken(ctx context.Context, token string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, token string) (bool, error)
}

// Recorder receives one call per Issue, Verify and Revoke with its outcome.
type Recorder interface {
	TokenOutcome(op, outcome string)
}

// Claims is the payload carried by every token. Subject holds the user's email.
type Claims struct {
	jwt.RegisteredClaims
}

// Expiry returns the exp claim, or the zero time if absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

type Option func(*Service)

// WithClock replaces time.Now. Verification uses the same clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTTL sets the lifetime used when Issue gets a non-positive ttl.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

// Service signs tokens with the active key of a Keyring and checks them
// against the revocation list.
type Service struct {
	keys  *Keyring
	store RevocationStore
	now   func() time.Time
	ttl   time.Duration
	rec   Recorder
}

func NewService(keys *Keyring, store RevocationStore, opts ...Option) *Service {
	s := &Service{keys: keys, store: store, now: time.Now, ttl: DefaultTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) DefaultTTL() time.Duration { return s.ttl }

// Issue signs a token for subject valid for ttl (DefaultTTL when ttl <= 0).
// The returned expiry is the exp claim as encoded, rounded up to a whole second.
func (s *Service) Issue(subject string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("issue token: empty subject")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	exp := now.Add(ttl)
	// exp is encoded in whole seconds; rounding down could make a short-lived
	// token expire before it was issued
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		exp = t.Add(time.Second)
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		s.record("issue", OutcomeError)
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        id.String(),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.keys.ActiveID()

	signed, err := tok.SignedString(s.keys.activeSecret())
	if err != nil {
		s.record("issue", OutcomeError)
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	s.record("issue", OutcomeOK)
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, then expiry, then revocation, in that order.
// Store failures are returned wrapped and are not mapped to a token state.
func (s *Service) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.decode(raw)
	if err != nil {
		s.record("verify", OutcomeMalformed)
		return nil, err
	}
	if s.expired(claims) {
		s.record("verify", OutcomeExpired)
		return nil, ErrExpired
	}

	revoked, err := s.store.IsTokenRevoked(ctx, raw)
	if err != nil {
		s.record("verify", OutcomeError)
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		s.record("verify", OutcomeRevoked)
		return nil, ErrRevoked
	}
	s.record("verify", OutcomeOK)
	return claims, nil
}

// Revoke adds raw to the revocation list until its expiry. Revoking an
// already revoked token succeeds. Expired tokens are not stored and yield
// ErrExpired; malformed ones yield ErrMalformed.
func (s *Service) Revoke(ctx context.Context, raw string) (*Claims, error) {
	claims, err := s.decode(raw)
	if err != nil {
		s.record("revoke", OutcomeMalformed)
		return nil, err
	}
	if s.expired(claims) {
		s.record("revoke", OutcomeExpired)
		return claims, ErrExpired
	}
	if err := s.store.AddRevokedToken(ctx, raw, claims.Expiry()); err != nil {
		s.record("revoke", OutcomeError)
		return nil, fmt.Errorf("revoke token: %w", err)
	}
	s.record("revoke", OutcomeOK)
	return claims, nil
}

// decode verifies the signature and the presence of sub and exp. Expiry is
// left to the caller so it is always judged against s.now.
func (s *Service) decode(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !tok.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return s.keys.activeSecret(), nil
	}
	secret, ok := s.keys.secret(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return secret, nil
}

// expired reports now >= exp.
func (s *Service) expired(c *Claims) bool {
	return !s.now().Before(c.Expiry())
}

func (s *Service) record(op, outcome string) {
	if s.rec != nil {
		s.rec.TokenOutcome(op, outcome)
	}
}
