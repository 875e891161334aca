package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/userauth/internal/token"
)

const insecureDefaultSecret = "change-me"

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	Env        string

	// Signing keys
	JwtSecret      string
	JwtKeyID       string
	JwtKeys        map[string]string
	JwtActiveKeyID string
	AccessTokenTTL time.Duration
	BcryptCost     int

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	PostgresDriver   string

	// Revocation list
	RedisURL                string
	RedisNegativeTTL        time.Duration
	RevocationSweepInterval time.Duration

	LoginRateLimitPerMinute int
	CORSAllowedOrigins      []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// Keyring builds the token signing ring from JWT_KEYS and JWT_SECRET. The
// single secret joins the ring under JWT_KEY_ID unless that id is already
// taken. With neither set, development falls back to an insecure default.
func (c *Config) Keyring() (*token.Keyring, error) {
	keys := map[string]string{}
	for kid, secret := range c.JwtKeys {
		keys[kid] = secret
	}
	secret := c.JwtSecret
	if secret == "" && len(keys) == 0 {
		secret = insecureDefaultSecret
	}
	if _, taken := keys[c.JwtKeyID]; !taken && secret != "" {
		keys[c.JwtKeyID] = secret
	}
	active := c.JwtActiveKeyID
	if active == "" {
		active = c.JwtKeyID
	}
	return token.NewKeyring(active, keys)
}

// IsProduction reports whether ENV (or NODE_ENV) names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// New reads configuration from the environment. A .env file in the working
// directory is loaded first; variables already set take precedence.
func New() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/users.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		Env:        strings.ToLower(getenv("NODE_ENV", getenv("ENV", ""))),

		JwtSecret:      getenv("JWT_SECRET", ""),
		JwtKeyID:       getenv("JWT_KEY_ID", "v1"),
		JwtActiveKeyID: getenv("JWT_ACTIVE_KEY_ID", ""),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "userauth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "userauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		PostgresDriver:   getenv("POSTGRES_DRIVER", "pq"),

		RedisURL: getenv("REDIS_URL", ""),
	}

	var err error
	if c.JwtKeys, err = token.ParseKeys(getenv("JWT_KEYS", "")); err != nil {
		return nil, fmt.Errorf("invalid JWT_KEYS: %w", err)
	}
	if c.AccessTokenTTL, err = getenvDuration("ACCESS_TOKEN_TTL", token.DefaultTTL); err != nil {
		return nil, err
	}
	if c.AccessTokenTTL == 0 {
		return nil, errors.New("invalid ACCESS_TOKEN_TTL: must be positive")
	}
	if c.RedisNegativeTTL, err = getenvDuration("REDIS_NEGATIVE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.RevocationSweepInterval, err = getenvDuration("REVOCATION_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.BcryptCost, err = getenvInt("BCRYPT_COST", 10); err != nil {
		return nil, err
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return nil, fmt.Errorf("invalid BCRYPT_COST: %d (must be 4-31)", c.BcryptCost)
	}
	if c.LoginRateLimitPerMinute, err = getenvInt("LOGIN_RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if c.LoginRateLimitPerMinute <= 0 {
		return nil, errors.New("invalid LOGIN_RATE_LIMIT_PER_MINUTE: must be positive")
	}
	for _, o := range strings.Split(getenv("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.CORSAllowedOrigins = append(c.CORSAllowedOrigins, o)
		}
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
		if c.PostgresDriver != "pq" && c.PostgresDriver != "pgx" {
			return nil, fmt.Errorf("invalid POSTGRES_DRIVER: %s (supported: pq, pgx)", c.PostgresDriver)
		}
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if _, err := c.Keyring(); err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	if c.IsProduction() {
		if len(c.JwtKeys) == 0 && (c.JwtSecret == "" || c.JwtSecret == insecureDefaultSecret) {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.JwtSecret == insecureDefaultSecret {
			return nil, errors.New("JWT_SECRET must not use the default value in production")
		}
		for kid, secret := range c.JwtKeys {
			if secret == insecureDefaultSecret {
				return nil, fmt.Errorf("JWT_KEYS entry %q uses the default secret", kid)
			}
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
