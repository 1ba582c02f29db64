package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Live     LiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	LogLevel           string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/live?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr runs the service as a single
// process with in-memory presence counters and local-only fan-out.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the chat archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
	Endpoint             string
}

// LiveConfig tunes presence and chat admission.
type LiveConfig struct {
	DebounceMS        int
	PersistTimeoutSec int
	MaxMessageLen     int
	RateLimitPerSec   int
	TailMaxLimit      int
	InstanceID        string
	WebhookSecret     string
	WSInboundPerSec   int
	EnumTimeoutMS     int
}

// Debounce returns the presence recompute window.
func (c LiveConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// EnumTimeout bounds each roster source during cross-instance enumeration.
func (c LiveConfig) EnumTimeout() time.Duration {
	return time.Duration(c.EnumTimeoutMS) * time.Millisecond
}

// PersistTimeout returns the bound applied to every persistence call on the chat path.
func (c LiveConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutSec) * time.Second
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	hostname, _ := os.Hostname()
	instanceID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "live-chat-archive"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
		},
		Live: LiveConfig{
			DebounceMS:        getEnvInt("LIVE_DEBOUNCE_MS", 150),
			PersistTimeoutSec: getEnvInt("LIVE_PERSIST_TIMEOUT_SEC", 5),
			MaxMessageLen:     getEnvInt("LIVE_MAX_MESSAGE_LEN", 500),
			RateLimitPerSec:   getEnvInt("LIVE_RATE_LIMIT_PER_SEC", 10),
			TailMaxLimit:      getEnvInt("LIVE_TAIL_MAX_LIMIT", 200),
			InstanceID:        getEnv("LIVE_INSTANCE_ID", instanceID),
			WebhookSecret:     getEnv("LIVE_WEBHOOK_SECRET", ""),
			WSInboundPerSec:   getEnvInt("WS_MAX_INBOUND_PER_SEC", 20),
			EnumTimeoutMS:     getEnvInt("LIVE_ENUM_TIMEOUT_MS", 1000),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
