package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv      string
	AppRelease  string
	Port        string
	FrontendURL string

	DatabaseURL            string
	DBMaxConns             int
	DBMinConns             int
	DBConnMaxLifetime      time.Duration
	DBConnMaxIdleTime      time.Duration
	RunMigrationsOnStartup bool

	JWTSecret        string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	JWTIssuer        string
	JWTAudience      string

	LoginMaxAttempts     int
	LoginLockDuration    time.Duration
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
	TrustedProxies       []string

	SentryDSN string
	RedisURL  string

	KafkaBrokers         []string
	KafkaUserEventsTopic string

	ResendAPIKey    string
	MailFrom        string
	MailFromName    string
	MailSendTimeout time.Duration

	CronSecret              string
	SweepTemporaryPasswords time.Duration
	SweepResetTokens        time.Duration
	SweepInitialDelay       time.Duration
	AuthCleanupBatchSize    int

	AdminEmail    string
	AdminPassword string
}

func LoadConfig() (Config, error) {
	var cfg Config
	var err error

	if cfg.DatabaseURL, err = mustEnv("DATABASE_URL"); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret, err = mustEnv("JWT_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.JWTRefreshSecret, err = mustEnv("JWT_REFRESH_SECRET"); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret == cfg.JWTRefreshSecret {
		return Config{}, fmt.Errorf("JWT_SECRET and JWT_REFRESH_SECRET must differ")
	}

	cfg.AppEnv = envOrDefault("APP_ENV", "development")
	cfg.AppRelease = strings.TrimSpace(os.Getenv("APP_RELEASE"))
	cfg.Port = envOrDefault("PORT", "8080")
	cfg.FrontendURL = strings.TrimRight(envOrDefault("FRONTEND_URL", "http://localhost:3000"), "/")

	cfg.DBMaxConns = envIntOrDefault("DB_MAX_CONNS", 10)
	cfg.DBMinConns = envIntOrDefault("DB_MIN_CONNS", 1)
	cfg.DBConnMaxLifetime = envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30)
	cfg.DBConnMaxIdleTime = envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10)
	cfg.RunMigrationsOnStartup = EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false)

	cfg.AccessTokenTTL = envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15)
	cfg.RefreshTokenTTL = envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", "marketplace-api")
	cfg.JWTAudience = envOrDefault("JWT_AUDIENCE", "marketplace-client")

	cfg.LoginMaxAttempts = envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5)
	cfg.LoginLockDuration = envMinutesOrDefault("LOGIN_LOCK_MINUTES", 120)
	cfg.LoginRateLimitMax = envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10)
	cfg.LoginRateLimitWindow = envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60)
	cfg.TrustedProxies = envList("TRUSTED_PROXIES")

	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	cfg.KafkaBrokers = envList("KAFKA_BROKERS")
	cfg.KafkaUserEventsTopic = envOrDefault("KAFKA_USER_EVENTS_TOPIC", "user_events")

	cfg.ResendAPIKey = strings.TrimSpace(os.Getenv("RESEND_API_KEY"))
	cfg.MailFrom = strings.TrimSpace(os.Getenv("MAIL_FROM"))
	cfg.MailFromName = envOrDefault("MAIL_FROM_NAME", "Marketplace")
	cfg.MailSendTimeout = envSecondsOrDefault("MAIL_SEND_TIMEOUT_SECONDS", 10)

	cfg.CronSecret = strings.TrimSpace(os.Getenv("CRON_SECRET"))
	cfg.SweepTemporaryPasswords = envHoursOrDefault("SWEEP_TEMP_PASSWORD_HOURS", 6)
	cfg.SweepResetTokens = envMinutesOrDefault("SWEEP_RESET_TOKEN_MINUTES", 60)
	cfg.SweepInitialDelay = envSecondsOrDefault("SWEEP_INITIAL_DELAY_SECONDS", 10)
	cfg.AuthCleanupBatchSize = envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500)

	cfg.AdminEmail = strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if (cfg.AdminEmail == "") != (cfg.AdminPassword == "") {
		return Config{}, fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}

	if cfg.ResendAPIKey != "" && cfg.MailFrom == "" {
		return Config{}, fmt.Errorf("MAIL_FROM is required when RESEND_API_KEY is set")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envList(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
