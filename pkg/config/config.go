package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Billing       BillingConfig
	Collaborators CollaboratorsConfig
	Cache         CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BillingConfig tunes the installment compliance and deduction workers.
type BillingConfig struct {
	// GraceWindow is how long past due_at an unpaid installment stays PENDING
	// before the compliance sweep marks it MISSED.
	GraceWindow time.Duration

	// ComplianceInterval is the tick period for the overdue sweep.
	ComplianceInterval time.Duration

	// DeductionInterval is the tick period for the wallet auto-deduction worker.
	DeductionInterval time.Duration

	// DeductionWindow is the trailing window before due_at during which an
	// automatic wallet debit is attempted.
	DeductionWindow time.Duration

	// ReminderInterval is the tick period for the upcoming-due reminder worker.
	ReminderInterval time.Duration

	WorkerConcurrency int
	WorkerRetries     int
}

// CollaboratorsConfig holds the internal service endpoints the billing and
// timeline flows call out to.
type CollaboratorsConfig struct {
	SessionsURL string
	WalletURL   string
	PaymentsURL string
	MembersURL  string
	MailerURL   string

	// InternalAPIKey authenticates service-to-service calls.
	InternalAPIKey string
	Timeout        time.Duration

	FrontendBaseURL string
	AdminEmail      string
}

// CacheConfig tunes read-side response caching.
type CacheConfig struct {
	Enabled  bool
	StatsTTL time.Duration
	DetailTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Billing = BillingConfig{
		GraceWindow:        parseDuration(v.GetString("BILLING_GRACE_WINDOW"), 24*time.Hour),
		ComplianceInterval: parseDuration(v.GetString("BILLING_COMPLIANCE_INTERVAL"), time.Hour),
		DeductionInterval:  parseDuration(v.GetString("BILLING_DEDUCTION_INTERVAL"), 15*time.Minute),
		DeductionWindow:    parseDuration(v.GetString("BILLING_DEDUCTION_WINDOW"), time.Hour),
		ReminderInterval:   parseDuration(v.GetString("BILLING_REMINDER_INTERVAL"), time.Hour),
		WorkerConcurrency:  v.GetInt("BILLING_WORKER_CONCURRENCY"),
		WorkerRetries:      v.GetInt("BILLING_WORKER_RETRIES"),
	}

	cfg.Collaborators = CollaboratorsConfig{
		SessionsURL:     v.GetString("SESSIONS_SERVICE_URL"),
		WalletURL:       v.GetString("WALLET_SERVICE_URL"),
		PaymentsURL:     v.GetString("PAYMENTS_SERVICE_URL"),
		MembersURL:      v.GetString("MEMBERS_SERVICE_URL"),
		MailerURL:       v.GetString("MAILER_SERVICE_URL"),
		InternalAPIKey:  v.GetString("INTERNAL_API_KEY"),
		Timeout:         parseDuration(v.GetString("COLLABORATOR_TIMEOUT"), 10*time.Second),
		FrontendBaseURL: v.GetString("FRONTEND_BASE_URL"),
		AdminEmail:      v.GetString("ADMIN_EMAIL"),
	}

	cfg.Cache = CacheConfig{
		Enabled:   v.GetBool("ENABLE_CACHE"),
		StatsTTL:  parseDuration(v.GetString("CACHE_STATS_TTL"), time.Minute),
		DetailTTL: parseDuration(v.GetString("CACHE_DETAIL_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "academy")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BILLING_GRACE_WINDOW", "24h")
	v.SetDefault("BILLING_COMPLIANCE_INTERVAL", "1h")
	v.SetDefault("BILLING_DEDUCTION_INTERVAL", "15m")
	v.SetDefault("BILLING_DEDUCTION_WINDOW", "1h")
	v.SetDefault("BILLING_REMINDER_INTERVAL", "1h")
	v.SetDefault("BILLING_WORKER_CONCURRENCY", 1)
	v.SetDefault("BILLING_WORKER_RETRIES", 3)

	v.SetDefault("SESSIONS_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("WALLET_SERVICE_URL", "http://localhost:8082")
	v.SetDefault("PAYMENTS_SERVICE_URL", "http://localhost:8083")
	v.SetDefault("MEMBERS_SERVICE_URL", "http://localhost:8084")
	v.SetDefault("MAILER_SERVICE_URL", "http://localhost:8085")
	v.SetDefault("INTERNAL_API_KEY", "")
	v.SetDefault("COLLABORATOR_TIMEOUT", "10s")
	v.SetDefault("FRONTEND_BASE_URL", "http://localhost:3000")
	v.SetDefault("ADMIN_EMAIL", "")

	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("CACHE_STATS_TTL", "1m")
	v.SetDefault("CACHE_DETAIL_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
