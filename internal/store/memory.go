package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemDB keeps users and revoked tokens in process memory.
// Not recommended for production: state is lost on restart.
type MemDB struct {
	mu      sync.RWMutex
	users   map[int64]*User
	byEmail map[string]int64
	revoked map[string]time.Time
	seq     int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:   map[int64]*User{},
		byEmail: map[string]int64{},
		revoked: map[string]time.Time{},
		seq:     1,
	}
}

func (m *MemDB) CreateUser(_ context.Context, email, passwordHash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, ErrConflict
	}
	u := &User{ID: m.seq, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	m.seq++
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return copyUser(u), nil
}

func (m *MemDB) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

func (m *MemDB) UpdateUser(_ context.Context, id int64, upd UserUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Email != nil && *upd.Email != u.Email {
		if _, taken := m.byEmail[*upd.Email]; taken {
			return nil, ErrConflict
		}
		delete(m.byEmail, u.Email)
		u.Email = *upd.Email
		m.byEmail[u.Email] = u.ID
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	return copyUser(u), nil
}

func (m *MemDB) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEmail, u.Email)
	delete(m.users, id)
	return nil
}

func (m *MemDB) ListUsers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *MemDB) AddRevokedToken(_ context.Context, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[token]; ok {
		return nil
	}
	m.revoked[token] = expiresAt
	return nil
}

func (m *MemDB) IsTokenRevoked(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[token]
	return ok, nil
}

func (m *MemDB) PurgeRevokedTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tok, exp := range m.revoked {
		if !exp.After(before) {
			delete(m.revoked, tok)
			n++
		}
	}
	return n, nil
}

// lifecycle helpers
func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }

func copyUser(u *User) *User {
	c := *u
	return &c
}
