package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	cfg "github.com/example/userauth/internal/config"
	"github.com/example/userauth/internal/metrics"
	"github.com/example/userauth/internal/password"
	"github.com/example/userauth/internal/session"
	"github.com/example/userauth/internal/store"
	"github.com/example/userauth/internal/token"
)

type App struct {
	Store          store.Store
	Session        *session.Service
	Log            *slog.Logger
	Metrics        *metrics.Metrics
	AllowedOrigins []string

	loginLimiter *RateLimiter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("http.write_json.fail", "err", err)
	}
}

// Router wires every route. Middleware that must see unmatched requests
// (CORS preflight, 404s) wraps the router itself.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.Instrument)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)

	users := r.PathPrefix("/users").Subrouter()
	users.HandleFunc("/", a.HandleListUsers).Methods(http.MethodGet)
	users.HandleFunc("/", a.HandleCreateUser).Methods(http.MethodPost)
	users.Handle("/authenticate", a.LoginRateLimit(http.HandlerFunc(a.HandleLogin))).Methods(http.MethodPost)
	users.Handle("/login", a.LoginRateLimit(http.HandlerFunc(a.HandleLogin))).Methods(http.MethodPost)
	users.HandleFunc("/logout", a.HandleLogout).Methods(http.MethodPost)
	users.HandleFunc("/{id:[0-9]+}", a.HandleGetUser).Methods(http.MethodGet)
	users.HandleFunc("/{id:[0-9]+}", a.HandleUpdateUser).Methods(http.MethodPut)
	users.HandleFunc("/{id:[0-9]+}", a.HandleDeleteUser).Methods(http.MethodDelete)

	return SecurityHeaders(RequestID(a.Logging(a.CORS(r))))
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		a.Log.Warn("ready.fail", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func openStore(ctx context.Context, c *cfg.Config, log *slog.Logger) (store.Store, error) {
	var st store.Store
	switch c.DBAdapter {
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		st = s
	case "postgres":
		if err := store.ApplyMigrations(c.PostgresDSN, log); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.NewPostgresDB(ctx, c.PostgresDriver, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info("db.connected", "adapter", "postgres", "driver", c.PostgresDriver)
		st = p
	case "memory":
		log.Warn("db.memory", "msg", "using in-memory database (not recommended for production)")
		st = store.NewMemoryDB()
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.RedisURL == "" {
		return st, nil
	}
	rdb, err := store.NewRedisClient(ctx, c.RedisURL)
	if err != nil {
		log.Warn("revocation.cache.disabled", "err", err)
		return st, nil
	}
	log.Info("revocation.cache.enabled", "negative_ttl", c.RedisNegativeTTL.String())
	return store.NewCachedStore(st, rdb, c.RedisNegativeTTL, log), nil
}

func run() error {
	c, err := cfg.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := newLogger(os.Stdout, c.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, c, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ring, err := c.Keyring()
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}
	m := metrics.New()
	tokens := token.NewService(ring, st, token.WithTTL(c.AccessTokenTTL), token.WithRecorder(m))
	sess := session.New(st, password.NewBcrypt(c.BcryptCost), tokens, log, session.WithRecorder(m))

	app := &App{
		Store:          st,
		Session:        sess,
		Log:            log,
		Metrics:        m,
		AllowedOrigins: c.CORSAllowedOrigins,
		loginLimiter:   NewRateLimiter(c.LoginRateLimitPerMinute),
	}

	go store.RunSweeper(ctx, st, c.RevocationSweepInterval, log, m.TokensPurged)
	go app.loginLimiter.RunPruner(ctx, time.Minute, 10*time.Minute)

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("server.start", "port", c.Port, "adapter", c.DBAdapter, "key_id", ring.ActiveID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Info("server.stop")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
