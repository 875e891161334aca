package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE reported by Postgres for duplicate keys.
const uniqueViolation = "23505"

// Postgres driver names accepted by NewPostgresDB.
const (
	DriverPQ  = "pq"
	DriverPGX = "pgx"
)

// PostgresDB implements Store over database/sql. The schema is owned by the
// migrations in this package (see ApplyMigrations).
type PostgresDB struct {
	db *sql.DB
}

// NewPostgresDB connects with the given driver ("pq" or "pgx") and verifies connectivity.
func NewPostgresDB(ctx context.Context, driver, dsn string) (*PostgresDB, error) {
	name, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}
	d, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := NewPostgresDBFromConn(d)
	if err := p.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return p, nil
}

// NewPostgresDBFromConn wraps an already opened *sql.DB.
func NewPostgresDBFromConn(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db}
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "", DriverPQ:
		return "postgres", nil
	case DriverPGX:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported postgres driver: %s (supported: pq, pgx)", driver)
	}
}

func (p *PostgresDB) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	u := &User{Email: email, PasswordHash: passwordHash}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(email,password,created_at) VALUES($1,$2,now()) RETURNING id, created_at`,
		email, passwordHash).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,email,password,created_at FROM users WHERE id = $1`, id)
	return scanPostgresUser(row)
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,email,password,created_at FROM users WHERE email = $1`, email)
	return scanPostgresUser(row)
}

func (p *PostgresDB) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE users SET email = COALESCE($2, email), password = COALESCE($3, password) WHERE id = $1 RETURNING id,email,password,created_at`,
		id, nullString(upd.Email), nullString(upd.PasswordHash))
	u, err := scanPostgresUser(row)
	if err != nil && isPostgresUniqueViolation(err) {
		return nil, ErrConflict
	}
	return u, err
}

func (p *PostgresDB) DeleteUser(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresDB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id,email,password,created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return users, nil
}

func (p *PostgresDB) AddRevokedToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO token_blacklist(token,expires_at) VALUES($1,$2) ON CONFLICT (token) DO NOTHING`,
		token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (p *PostgresDB) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE token = $1)`, token).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return revoked, nil
}

func (p *PostgresDB) PurgeRevokedTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at <= $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

// lifecycle helpers
func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresDB) Close() error                   { return p.db.Close() }

func scanPostgresUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &u, nil
}

// isPostgresUniqueViolation recognises duplicate-key errors from both lib/pq and pgx.
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
