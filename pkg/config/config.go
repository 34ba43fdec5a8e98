// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Email        EmailConfig
	Log          LogConfig
	Workflow     WorkflowConfig
	Notification NotificationConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
	IdempotencyTTL  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPUseTLS   bool
}

type LogConfig struct {
	Level string
}

// WorkflowConfig tunes the verification workflow engine and its sweep.
type WorkflowConfig struct {
	// Storage selects the document store: "postgres" or "memory".
	Storage string

	// RulesFile overrides the embedded transition rule table when set.
	RulesFile string

	SweepSchedule      string
	SweepLockTTL       time.Duration
	SweepBatchSize     int
	BulkConcurrency    int
	BulkMaxDocuments   int
	RenewalLeadTime    time.Duration
	NotifyTimeout      time.Duration
	MetricsCacheTTL    time.Duration
	ApprovedVendorRole string
}

// NotificationConfig maps workflow audiences to e-mail distribution lists.
type NotificationConfig struct {
	ReviewerEmails   []string
	AdminEmails      []string
	ComplianceEmails []string
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			CORSOrigins:     getListEnv("CORS_ALLOWED_ORIGINS"),
			RateLimit:       getIntEnv("RATE_LIMIT_REQUESTS", 120),
			RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			IdempotencyTTL:  getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-this-secret"),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getIntEnv("SMTP_PORT", 587),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:     getEnv("SMTP_FROM", ""),
			SMTPUseTLS:   getBoolEnv("SMTP_USE_TLS", false),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Workflow: WorkflowConfig{
			Storage:            strings.ToLower(getEnv("WORKFLOW_STORAGE", "postgres")),
			RulesFile:          getEnv("WORKFLOW_RULES_FILE", ""),
			SweepSchedule:      getEnv("WORKFLOW_SWEEP_SCHEDULE", "@hourly"),
			SweepLockTTL:       getDurationEnv("WORKFLOW_SWEEP_LOCK_TTL", 55*time.Minute),
			SweepBatchSize:     getIntEnv("WORKFLOW_SWEEP_BATCH_SIZE", 500),
			BulkConcurrency:    getIntEnv("WORKFLOW_BULK_CONCURRENCY", 8),
			BulkMaxDocuments:   getIntEnv("WORKFLOW_BULK_MAX_DOCUMENTS", 500),
			RenewalLeadTime:    getDurationEnv("WORKFLOW_RENEWAL_LEAD_TIME", 30*24*time.Hour),
			NotifyTimeout:      getDurationEnv("WORKFLOW_NOTIFY_TIMEOUT", 10*time.Second),
			MetricsCacheTTL:    getDurationEnv("WORKFLOW_METRICS_CACHE_TTL", 5*time.Minute),
			ApprovedVendorRole: getEnv("WORKFLOW_APPROVED_VENDOR_ROLE", "approved_vendor"),
		},
		Notification: NotificationConfig{
			ReviewerEmails:   getListEnv("NOTIFY_REVIEWER_EMAILS"),
			AdminEmails:      getListEnv("NOTIFY_ADMIN_EMAILS"),
			ComplianceEmails: getListEnv("NOTIFY_COMPLIANCE_EMAILS"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
