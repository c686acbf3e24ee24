package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort     string
	InternalSecret string
	MaxRequestSize int64
	TrustedProxies []string

	// Database configuration
	DatabaseURL   string
	DBMaxConns    int
	DBMinConns    int
	RunMigrations bool

	// Redis configuration
	RedisURL string

	// M-Pesa (Daraja) settings
	Mpesa MpesaConfig

	// Worker settings
	WorkerConcurrency   int
	StatusQueryDelay    time.Duration
	StatusQueryMaxRetry int
	SweepInterval       time.Duration

	// Observability
	LogLevel            string
	LokiURL             string
	MetricsPushURL      string
	MetricsPushInterval time.Duration
	MetricsLabels       string

	// Status events
	KafkaBrokers []string
	KafkaTopic   string

	// Fraud scoring
	Fraud FraudConfig
}

// MpesaConfig holds the provider credentials and endpoints
type MpesaConfig struct {
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	CallbackURL     string
	BaseURL         string
	TransactionType string
	TimeZone        string
	HTTPTimeout     time.Duration
	AllowedIPs      []string
}

// FraudConfig holds the OpenRouter settings used for fraud scoring. An
// empty API key is allowed; every check then returns the fallback verdict.
type FraudConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Referer       string
	Timeout       time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort:     getEnv("SHIELD_SERVER_PORT", "8080"),
		InternalSecret: getEnv("SHIELD_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("SHIELD_MAX_REQUEST_SIZE", 1<<20), // 1MB
		TrustedProxies: getEnvList("SHIELD_TRUSTED_PROXIES"),

		DatabaseURL:   getEnv("SHIELD_DATABASE_URL", ""),
		DBMaxConns:    getEnvInt("SHIELD_DB_MAX_CONNS", 25),
		DBMinConns:    getEnvInt("SHIELD_DB_MIN_CONNS", 5),
		RunMigrations: getEnvBool("SHIELD_RUN_MIGRATIONS", true),

		RedisURL: getEnv("SHIELD_REDIS_URL", ""),

		Mpesa: MpesaConfig{
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:       getEnv("MPESA_BUSINESS_SHORTCODE", ""),
			Passkey:         getEnv("MPESA_PASSKEY", ""),
			CallbackURL:     getEnv("MPESA_CALLBACK_URL", ""),
			BaseURL:         getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			TransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			TimeZone:        getEnv("MPESA_TIMEZONE", "Africa/Nairobi"),
			HTTPTimeout:     getEnvDuration("MPESA_HTTP_TIMEOUT", 30*time.Second),
			AllowedIPs:      getEnvList("MPESA_ALLOWED_IPS"),
		},

		WorkerConcurrency:   getEnvInt("SHIELD_WORKER_CONCURRENCY", 10),
		StatusQueryDelay:    getEnvDuration("SHIELD_STATUS_QUERY_DELAY", time.Minute),
		StatusQueryMaxRetry: getEnvInt("SHIELD_STATUS_QUERY_MAX_RETRY", 5),
		SweepInterval:       getEnvDuration("SHIELD_SWEEP_INTERVAL", 5*time.Minute),

		LogLevel:            getEnv("SHIELD_LOG_LEVEL", "info"),
		LokiURL:             getEnv("SHIELD_LOKI_URL", ""),
		MetricsPushURL:      getEnv("SHIELD_METRICS_PUSH_URL", ""),
		MetricsPushInterval: getEnvDuration("SHIELD_METRICS_PUSH_INTERVAL", 10*time.Second),
		MetricsLabels:       getEnv("SHIELD_METRICS_LABELS", `service="shieldai-backend"`),

		KafkaBrokers: getEnvList("SHIELD_KAFKA_BROKERS"),
		KafkaTopic:   getEnv("SHIELD_KAFKA_TOPIC", "mpesa-status-events"),

		Fraud: FraudConfig{
			APIKey:        getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:       getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1/chat/completions"),
			Model:         getEnv("OPENROUTER_MODEL", "anthropic/claude-3-sonnet"),
			FallbackModel: getEnv("OPENROUTER_FALLBACK_MODEL", "google/gemini-flash-1.5"),
			Referer:       getEnv("OPENROUTER_HTTP_REFERER", "https://shieldai.ke"),
			Timeout:       getEnvDuration("OPENROUTER_TIMEOUT", 20*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"SHIELD_DATABASE_URL", c.DatabaseURL},
		{"SHIELD_REDIS_URL", c.RedisURL},
		{"SHIELD_INTERNAL_SECRET", c.InternalSecret},
		{"MPESA_CONSUMER_KEY", c.Mpesa.ConsumerKey},
		{"MPESA_CONSUMER_SECRET", c.Mpesa.ConsumerSecret},
		{"MPESA_BUSINESS_SHORTCODE", c.Mpesa.ShortCode},
		{"MPESA_PASSKEY", c.Mpesa.Passkey},
		{"MPESA_CALLBACK_URL", c.Mpesa.CallbackURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SHIELD_DB_MIN_CONNS (%d) exceeds SHIELD_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.Mpesa.HTTPTimeout <= 0 {
		return fmt.Errorf("MPESA_HTTP_TIMEOUT must be positive")
	}

	return nil
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig(logger *slog.Logger) {
	logger.Info("configuration loaded",
		"server_port", c.ServerPort,
		"database_url", maskConnectionString(c.DatabaseURL),
		"redis_url", maskConnectionString(c.RedisURL),
		"db_min_conns", c.DBMinConns,
		"db_max_conns", c.DBMaxConns,
		"worker_concurrency", c.WorkerConcurrency,
		"mpesa_short_code", c.Mpesa.ShortCode,
		"mpesa_base_url", c.Mpesa.BaseURL,
		"mpesa_allowed_ips", c.Mpesa.AllowedIPs,
		"trusted_proxies", c.TrustedProxies,
		"max_request_size", c.MaxRequestSize,
		"kafka_enabled", len(c.KafkaBrokers) > 0,
		"fraud_model", c.Fraud.Model,
		"fraud_fallback_model", c.Fraud.FallbackModel,
		"fraud_scoring_enabled", c.Fraud.APIKey != "",
	)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskConnectionString(connStr string) string {
	if i := strings.LastIndex(connStr, "@"); i >= 0 {
		return "***" + connStr[i:]
	}
	return "***"
}
