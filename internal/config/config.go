// Package config loads configuration from environment variables.
//
// A .env file in the working directory (or the file named by ENV_FILE) is
// read first; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Version is the application version shown in the layout.
const Version = "1.0-SNAPSHOT"

var validate = validator.New()

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `validate:"required"`
	MetricsAddr string

	// Application symbols
	AppVersion       string   `validate:"required"`
	ProductionMode   bool
	SupportedLocales []string `validate:"required,min=1,dive,required"`

	// Logging
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
	LogOutput string

	// Single sign-on. AppServer is host[:port] of this application as seen
	// by the browser; CASServer is the CAS base URL.
	AuthProvider string `validate:"oneof=cas oidc"`
	AppServer    string `validate:"required"`
	CASServer    string `validate:"required_if=AuthProvider cas"`

	// OIDC (optional)
	OIDCIssuerURL    string `validate:"required_if=AuthProvider oidc"`
	OIDCClientID     string `validate:"required_if=AuthProvider oidc"`
	OIDCClientSecret string

	// Sessions
	SessionSecret  string        `validate:"required,min=16"`
	SessionTTL     time.Duration `validate:"gt=0"`
	SessionBackend string        `validate:"oneof=memory postgres redis"`
	SessionCache   int           `validate:"gte=0"`
	DatabaseURL    string        `validate:"required_if=SessionBackend postgres"`
	RedisAddr      string        `validate:"required_if=SessionBackend redis"`
	RedisPassword  string
	RedisDB        int
	SecureCookies  bool

	// Storage. StorageRoot holds one folder per user.
	StorageBackend string `validate:"oneof=local s3"`
	StorageRoot    string `validate:"required,startswith=/"`
	S3Endpoint     string `validate:"required_if=StorageBackend s3"`
	S3Bucket       string `validate:"required_if=StorageBackend s3"`
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string

	// Limits
	MaxUploadSize  int64 `validate:"gt=0"`
	RequestsPerMin int   `validate:"gte=0"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	envFile := envOr("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		ListenAddr:       envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		AppVersion:       envOr("APP_VERSION", Version),
		ProductionMode:   envBool("PRODUCTION_MODE", false),
		SupportedLocales: envList("SUPPORTED_LOCALES", "en, MK_mk"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		LogOutput:        envOr("LOG_OUTPUT", "stdout"),
		AuthProvider:     envOr("AUTH_PROVIDER", "cas"),
		AppServer:        envOr("APP_SERVER", "localhost:8080"),
		CASServer:        strings.TrimSuffix(envOr("CAS_SERVER", ""), "/"),
		OIDCIssuerURL:    envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:     envOr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: envOr("OIDC_CLIENT_SECRET", ""),
		SessionSecret:    envOr("SESSION_SECRET", ""),
		SessionTTL:       envDuration("SESSION_TTL", 8*time.Hour),
		SessionBackend:   envOr("SESSION_BACKEND", "memory"),
		SessionCache:     envInt("SESSION_CACHE_SIZE", 1024),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		RedisAddr:        envOr("REDIS_ADDR", ""),
		RedisPassword:    envOr("REDIS_PASSWORD", ""),
		RedisDB:          envInt("REDIS_DB", 0),
		SecureCookies:    envBool("SECURE_COOKIES", false),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		StorageRoot:      envOr("STORAGE_ROOT", "/data/users"),
		S3Endpoint:       envOr("S3_ENDPOINT", ""),
		S3Bucket:         envOr("S3_BUCKET", "filebrowser"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:      envOr("S3_SECRET_KEY", ""),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		MaxUploadSize:    envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		RequestsPerMin:   envInt("REQUESTS_PER_MINUTE", 0),           // 0 = unlimited
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// BaseURL is the browser-facing base URL of the application.
func (c *Config) BaseURL() string {
	return "http://" + c.AppServer + "/"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList splits a comma-separated value, trimming blanks.
func envList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(envOr(key, fallback), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
