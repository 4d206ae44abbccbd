package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"marketplace-api/internal/auth"
	"marketplace-api/internal/db"
	"marketplace-api/internal/events"
	"marketplace-api/internal/mail"
	"marketplace-api/internal/maintenance"
	"marketplace-api/internal/observability"
	"marketplace-api/internal/revocation"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Config  Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	ipResolver, err := observability.NewIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     cfg.AppRelease,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// database/sql view over the same pool, used by the migration runner.
	sqlDB := stdlib.OpenDBFromPool(pool)

	closers := []func() error{
		func() error { pool.Close(); return nil },
		sqlDB.Close,
	}
	fail := func(err error) (*Runtime, error) {
		_ = closeAll(closers)
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		applied, err := db.RunMigrations(ctx, sqlDB)
		if err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		logger.Info("migrations_applied", map[string]any{"versions": applied})
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
	})
	if err != nil {
		return fail(fmt.Errorf("init token issuer: %w", err))
	}

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, tokens, logger)
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LoginLockDuration)
	authService.WithFrontendURL(cfg.FrontendURL)

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("init mailer: %w", err))
	}
	authService.WithMailer(mailer)
	closers = append([]func() error{func() error {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.MailSendTimeout)
		defer closeCancel()
		return mailer.Close(closeCtx)
	}}, closers...)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaUserEventsTopic, logger)
		authService.WithEvents(publisher)
		closers = append([]func() error{publisher.Close}, closers...)
	}

	var (
		redisClient *redis.Client
		revoker     auth.SessionRevoker
	)
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fail(err)
		}
		closers = append([]func() error{redisClient.Close}, closers...)

		store := revocation.NewRedisStore(redisClient, tokens.AccessTTL())
		authService.WithRevoker(store)
		revoker = store
	}

	if cfg.AdminEmail != "" {
		if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			return fail(fmt.Errorf("bootstrap admin: %w", err))
		}
		logger.Info("admin_bootstrapped", map[string]any{"email": cfg.AdminEmail})
	}

	authHandler := auth.NewHandler(authService, auth.NewCookieConfig(cfg.IsProduction(), tokens.RefreshTTL()), logger)
	authenticator := auth.NewAuthenticator(tokens, revoker, logger)

	var limiter auth.RateLimiter = auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	if redisClient != nil {
		limiter = auth.NewRedisLoginRateLimiter(redisClient, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger)
	}

	sweeper := maintenance.NewSweeper(authRepo, logger, maintenance.SweeperConfig{
		TemporaryPasswordInterval: cfg.SweepTemporaryPasswords,
		ResetTokenInterval:        cfg.SweepResetTokens,
		InitialDelay:              cfg.SweepInitialDelay,
		RefreshBatchSize:          cfg.AuthCleanupBatchSize,
	})
	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, cfg.CronSecret)

	mux := http.NewServeMux()
	auth.RegisterRoutes(mux, authHandler, authenticator, limiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(pool))

	handler := ipResolver.Middleware(
		observability.RequestLoggingMiddleware(logger, observability.RecoverMiddleware(logger, mux)),
	)

	return &Runtime{
		Handler: handler,
		Sweeper: sweeper,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			err := closeAll(closers)
			observability.FlushSentry(2 * time.Second)
			logger.Sync()
			return err
		},
	}, nil
}

func openPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(min(cfg.DBMinConns, cfg.DBMaxConns))
	poolCfg.MaxConnLifetime = cfg.DBConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.DBConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, redisURL string, logger *observability.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Revocation checks and rate limiting fail open, so an unreachable
		// Redis at start-up is not fatal.
		logger.Warn("redis_ping_failed", map[string]any{"error": err.Error()})
	}
	return client, nil
}

func newMailer(cfg Config, logger *observability.Logger) (*mail.Dispatcher, error) {
	var sender mail.Sender = mail.NewLogSender(logger)
	if cfg.ResendAPIKey != "" {
		resendSender, err := mail.NewResendSender(cfg.ResendAPIKey, cfg.MailFrom, cfg.MailFromName)
		if err != nil {
			return nil, err
		}
		sender = resendSender
	} else {
		logger.Warn("email_provider_not_configured", nil)
	}
	return mail.NewDispatcher(sender, logger, cfg.MailSendTimeout), nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
