// Package store persists user accounts and the revoked-token blacklist.
//
// Three adapters implement Store: MemDB (process memory), SQLiteDB
// (modernc.org/sqlite) and PostgresDB (lib/pq or pgx). Lookups that find
// nothing return ErrNotFound; callers match errors with errors.Is.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an email is already taken.
	ErrConflict = errors.New("already exists")
)

// Store is the credential store used by the session and token layers.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error)
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]*User, error)

	// Revocation operations
	AddRevokedToken(ctx context.Context, token string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, token string) (bool, error)
	PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
