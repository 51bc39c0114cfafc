// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration. It is read once at startup and
// never mutated afterwards.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// The directory tree exposed by the service.
	RootDirectory string

	// Auth
	JWTSecret      string
	AccessPassword string // plain secret or bcrypt hash ($2…)
	SessionTTL     time.Duration
	StreamTokenTTL time.Duration

	// Passkeys (optional, enabled when DatabaseURL is set)
	DatabaseURL string
	RPID        string
	RPOrigin    string

	// Uploads
	MaxUploadSize int64

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		RootDirectory:  envOr("ROOT_DIRECTORY", "./files"),
		JWTSecret:      envOr("JWT_SECRET", ""),
		AccessPassword: envOr("ACCESS_PASSWORD", ""),
		SessionTTL:     time.Duration(envInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
		StreamTokenTTL: time.Duration(envInt("STREAM_TOKEN_TTL_SECONDS", 30)) * time.Second,
		DatabaseURL:    envOr("DATABASE_URL", ""),
		RPID:           envOr("RP_ID", "localhost"),
		RPOrigin:       envOr("RP_ORIGIN", "http://localhost:8080"),
		MaxUploadSize:  envInt64("MAX_UPLOAD_SIZE", 1024*1024*1024), // 1GB default
		TLSCertFile:    envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:     envOr("TLS_KEY_FILE", ""),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.AccessPassword == "" {
		return nil, fmt.Errorf("ACCESS_PASSWORD is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
