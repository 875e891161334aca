package store

import "time"

// User represents an account row in the users table.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// UserUpdate carries the optional fields of an account update.
// A nil field is left unchanged.
type UserUpdate struct {
	Email        *string
	PasswordHash *string
}

// RevokedToken represents a row in the token_blacklist table.
type RevokedToken struct {
	Token     string
	ExpiresAt time.Time
}
