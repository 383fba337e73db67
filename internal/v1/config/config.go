package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/auth"
	"github.com/slopeline/slopeline/internal/v1/logging"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	Port        string
	RedisAddr   string
	DatabaseURL string

	// Optional variables with defaults
	RedisPassword   string
	EnsureSchema    bool
	DevelopmentMode bool
	AllowedOrigins  []string

	// Auth
	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool

	// Engine tunables
	PingThrottle          time.Duration
	ProximityRadiusMeters float64
	PresenceTTL           time.Duration
	ChatCacheSize         int
	ChatCacheTTL          time.Duration
	TypingTTL             time.Duration
	BatchSize             int
	BatchFlush            time.Duration
	WarmTimeout           time.Duration
	HotTimeout            time.Duration
	QueueConcurrency      int

	// Rate limits (ulule formatted, e.g. "60-M")
	RateLimitEnabled  bool
	RateLimitConnIP   string
	RateLimitConnUser string

	// Tracing
	TracingEnabled    bool
	OtelCollectorAddr string
}

// defaultDevOrigins is used when ALLOWED_ORIGINS is not set.
var defaultDevOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// ValidateEnv validates all environment variables and returns a Config.
// Every problem is collected so the operator sees the full list at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required: DATABASE_URL (postgres DSN)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	} else if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		errors = append(errors, fmt.Sprintf("DATABASE_URL must be a postgres:// DSN (got '%s')", redactSecret(cfg.DatabaseURL)))
	}

	cfg.EnsureSchema = getEnvOrDefault("ENSURE_SCHEMA", "true") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"

	// Auth0 settings are required unless auth is skipped (dev only)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if !cfg.SkipAuth {
		if cfg.Auth0Domain == "" {
			errors = append(errors, "AUTH0_DOMAIN is required unless SKIP_AUTH=true")
		}
		if cfg.Auth0Audience == "" {
			errors = append(errors, "AUTH0_AUDIENCE is required unless SKIP_AUTH=true")
		}
	}

	cfg.AllowedOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", defaultDevOrigins)

	// Engine tunables
	cfg.PingThrottle = getEnvDurationMs("PING_THROTTLE_MS", 1000, &errors)
	cfg.ProximityRadiusMeters = getEnvFloat("PROXIMITY_RADIUS_METERS", 500, &errors)
	cfg.PresenceTTL = getEnvDurationSec("PRESENCE_TTL_SECONDS", 300, &errors)
	cfg.ChatCacheSize = getEnvInt("CHAT_CACHE_SIZE", 50, &errors)
	cfg.ChatCacheTTL = getEnvDurationSec("CHAT_CACHE_TTL_SECONDS", 3600, &errors)
	cfg.TypingTTL = getEnvDurationSec("TYPING_TTL_SECONDS", 5, &errors)
	cfg.BatchSize = getEnvInt("BATCH_SIZE", 100, &errors)
	cfg.BatchFlush = getEnvDurationMs("BATCH_FLUSH_MS", 5000, &errors)
	cfg.WarmTimeout = getEnvDurationMs("WARM_TIMEOUT_MS", 5000, &errors)
	cfg.HotTimeout = getEnvDurationMs("HOT_TIMEOUT_MS", 1000, &errors)
	cfg.QueueConcurrency = getEnvInt("QUEUE_CONCURRENCY", 10, &errors)

	// Rate limits (M = minute, H = hour)
	cfg.RateLimitEnabled = getEnvOrDefault("RATE_LIMIT_ENABLED", "true") == "true"
	cfg.RateLimitConnIP = getEnvOrDefault("RATE_LIMIT_CONN_IP", "60-M")
	cfg.RateLimitConnUser = getEnvOrDefault("RATE_LIMIT_CONN_USER", "10-M")

	// Tracing
	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.TracingEnabled && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' when TRACING_ENABLED=true (got '%s')", cfg.OtelCollectorAddr))
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	logging.GetLogger().Info("environment configuration validated",
		zap.String("port", cfg.Port),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("database_url", redactSecret(cfg.DatabaseURL)),
		zap.Bool("ensure_schema", cfg.EnsureSchema),
		zap.Bool("skip_auth", cfg.SkipAuth),
		zap.Bool("development_mode", cfg.DevelopmentMode),
		zap.Duration("ping_throttle", cfg.PingThrottle),
		zap.Float64("proximity_radius_m", cfg.ProximityRadiusMeters),
		zap.Duration("presence_ttl", cfg.PresenceTTL),
		zap.Int("chat_cache_size", cfg.ChatCacheSize),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("batch_flush", cfg.BatchFlush),
		zap.Bool("rate_limit_enabled", cfg.RateLimitEnabled),
		zap.Bool("tracing_enabled", cfg.TracingEnabled),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive number (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvDurationMs(key string, defaultMs int, errs *[]string) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs, errs)) * time.Millisecond
}

func getEnvDurationSec(key string, defaultSec int, errs *[]string) time.Duration {
	return time.Duration(getEnvInt(key, defaultSec, errs)) * time.Second
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
