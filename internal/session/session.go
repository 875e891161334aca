// Package session implements the user-facing account and login operations on
// top of the credential store, the password hasher and the token service.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/userauth/internal/password"
	"github.com/example/userauth/internal/store"
	"github.com/example/userauth/internal/token"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUnauthorized is returned when an operation requiring a token got none.
	ErrUnauthorized = errors.New("authentication required")

	ErrValidation = errors.New("validation failed")
)

// TokenType is the token_type reported with every grant.
const TokenType = "bearer"

// Login outcome labels passed to a Recorder.
const (
	LoginSuccess            = "success"
	LoginInvalidCredentials = "invalid_credentials"
	LoginError              = "error"
)

// LogoutResult tells a successful revocation apart from logging out a token
// that had already expired. Neither is an error.
type LogoutResult int

const (
	LogoutRevoked LogoutResult = iota + 1
	LogoutAlreadyExpired
)

type TokenGrant struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

type Recorder interface {
	LoginOutcome(outcome string)
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

type Service struct {
	store  store.Store
	hasher password.Hasher
	tokens *token.Service
	log    *slog.Logger
	rec    Recorder

	dummyOnce sync.Once
	dummyHash string
}

func New(st store.Store, hasher password.Hasher, tokens *token.Service, log *slog.Logger, opts ...Option) *Service {
	s := &Service{store: st, hasher: hasher, tokens: tokens, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register creates an account. The email is stored exactly as given.
func (s *Service) Register(ctx context.Context, email, pw string) (*store.User, error) {
	if email == "" || pw == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	hash, err := s.hash(pw)
	if err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(ctx, email, hash)
	if err != nil {
		return nil, err
	}
	s.log.Info("user.registered", "user_id", u.ID)
	return u, nil
}

// Login exchanges credentials for a bearer token. An unknown email still
// pays for one bcrypt comparison so both failures take comparable time.
func (s *Service) Login(ctx context.Context, email, pw string) (*TokenGrant, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.hasher.Verify(pw, s.dummy())
		s.recordLogin(LoginInvalidCredentials)
		return nil, ErrInvalidCredentials
	case err != nil:
		s.recordLogin(LoginError)
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !s.hasher.Verify(pw, u.PasswordHash) {
		s.recordLogin(LoginInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	tok, exp, err := s.tokens.Issue(u.Email, 0)
	if err != nil {
		s.recordLogin(LoginError)
		return nil, err
	}
	s.recordLogin(LoginSuccess)
	s.log.Info("auth.login", "user_id", u.ID)
	return &TokenGrant{AccessToken: tok, TokenType: TokenType, ExpiresAt: exp}, nil
}

// Logout revokes raw. Logging out twice succeeds; an expired token yields
// LogoutAlreadyExpired and is not stored.
func (s *Service) Logout(ctx context.Context, raw string) (LogoutResult, error) {
	if raw == "" {
		return 0, ErrUnauthorized
	}
	claims, err := s.tokens.Revoke(ctx, raw)
	switch {
	case errors.Is(err, token.ErrExpired):
		return LogoutAlreadyExpired, nil
	case err != nil:
		return 0, err
	}
	s.log.Info("auth.logout", "jti", claims.ID)
	return LogoutRevoked, nil
}

// Authorize fully verifies raw and returns its claims.
func (s *Service) Authorize(ctx context.Context, raw string) (*token.Claims, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}
	return s.tokens.Verify(ctx, raw)
}

func (s *Service) GetUser(ctx context.Context, id int64) (*store.User, error) {
	return s.store.GetUserByID(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]*store.User, error) {
	return s.store.ListUsers(ctx)
}

// UpdateUser changes the email and/or password. Nil or empty values leave the
// field unchanged; a new password is hashed before it is stored.
func (s *Service) UpdateUser(ctx context.Context, id int64, email, pw *string) (*store.User, error) {
	var upd store.UserUpdate
	if email != nil && *email != "" {
		upd.Email = email
	}
	if pw != nil && *pw != "" {
		hash, err := s.hash(*pw)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &hash
	}
	u, err := s.store.UpdateUser(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.log.Info("user.updated", "user_id", id, "email_changed", upd.Email != nil, "password_changed", upd.PasswordHash != nil)
	return u, nil
}

// DeleteUser removes an account. Any valid token is accepted: the token's
// subject is not compared with the account being deleted.
// TODO: restrict deletion to the account owner once roles exist.
func (s *Service) DeleteUser(ctx context.Context, id int64, bearer string) error {
	claims, err := s.Authorize(ctx, bearer)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.log.Info("user.deleted", "user_id", id, "by", claims.Subject)
	return nil
}

func (s *Service) hash(pw string) (string, error) {
	h, err := s.hasher.Hash(pw)
	if errors.Is(err, password.ErrTooLong) {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return h, err
}

// dummy returns a hash of a fixed string, computed on first use.
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("timing-equalisation-placeholder")
		if err != nil {
			s.log.Warn("auth.dummy_hash.fail", "err", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func (s *Service) recordLogin(outcome string) {
	if s.rec != nil {
		s.rec.LoginOutcome(outcome)
	}
}
