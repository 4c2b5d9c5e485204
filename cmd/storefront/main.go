package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/auth"
	"github.com/orchardmart/storefront/internal/config"
	"github.com/orchardmart/storefront/internal/httpapi"
	"github.com/orchardmart/storefront/internal/mailer"
	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/password"
	"github.com/orchardmart/storefront/internal/rate"
	"github.com/orchardmart/storefront/internal/session"
	"github.com/orchardmart/storefront/internal/store"
	"github.com/orchardmart/storefront/internal/totp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	depTimeout := time.Duration(cfg.DependencySec) * time.Second

	migrCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = store.RunMigrations(migrCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPass,
		DialTimeout:  depTimeout,
		ReadTimeout:  depTimeout,
		WriteTimeout: depTimeout,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, depTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init hasher: %w", err)
	}
	sessions, err := session.NewManager(session.Config{
		Secret: []byte(cfg.SessionSecret),
		TTL:    time.Duration(cfg.SessionTTLMin) * time.Minute,
		Issuer: "orchardmart",
	})
	if err != nil {
		return fmt.Errorf("init sessions: %w", err)
	}
	mail, err := mailer.NewSMTPMailer(mailer.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		BaseURL:  cfg.BaseURL,
		Timeout:  depTimeout,
	})
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}

	mx := metrics.New(cfg.MetricsOn)
	users := store.NewPostgresStore(pool)
	staged := store.NewStagedSecretStore(rdb, store.DefaultStagedSecretTTL)
	engine := totp.New("OrchardMart")
	svc := auth.NewService(users, staged, hasher, engine, mail, mx, logger, auth.Config{})

	guard := httpapi.NewGuard(sessions, rate.New(rdb, rate.DefaultConfig()), mx, logger, cfg.Production())
	handlers := httpapi.NewHandlers(svc, sessions, users, rdb, mx, logger, cfg.Production())
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handlers:       handlers,
		Guard:          guard,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.RequestSec) * time.Second,
		WriteTimeout: time.Duration(cfg.RequestSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Port), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		zc := zap.NewProductionConfig()
		if err := zc.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, err
		}
		return zc.Build()
	}
	zc := zap.NewDevelopmentConfig()
	if err := zc.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, err
	}
	return zc.Build()
}
