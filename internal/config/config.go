// Package config loads client and relay settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Client holds the call client configuration.
type Client struct {
	Token     string
	UserID    string
	UserName  string
	SignalURL string
	Namespace string
	// ChatURL is the realtime chat WebSocket endpoint. Empty disables it.
	ChatURL string
	// APIURL is the REST base used for history, the send fallback and dev login.
	APIURL            string
	STUNURLs          []string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	LogLevel          string
	// View pipes the first remote video to stdout.
	View bool
}

// Relay holds the signaling relay configuration.
type Relay struct {
	Addr            string
	JWTSecret       string
	TokenTTL        time.Duration
	MaxParticipants int
	AllowedOrigins  []string
	RedisURL        string
	Env             string
	LogLevel        string
	SignalsPerSec   float64
	SignalBurst     int
}

// Development reports whether development-only endpoints are served.
func (r *Relay) Development() bool {
	return r.Env == "development"
}

// LoadClient reads the client configuration from .env files (default .env,
// if present) and the environment. The environment wins over files.
func LoadClient(files ...string) (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load(files...)

	userID := os.Getenv("CALL_USER_ID")
	if userID == "" {
		return nil, fmt.Errorf("CALL_USER_ID environment variable is required")
	}

	attempts, err := intEnv("CALL_RECONNECT_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	delay, err := durationEnv("CALL_RECONNECT_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	view, err := boolEnv("CALL_VIEW", false)
	if err != nil {
		return nil, err
	}

	return &Client{
		Token:             os.Getenv("CALL_TOKEN"),
		UserID:            userID,
		UserName:          getEnvOrDefault("CALL_USER_NAME", userID),
		SignalURL:         getEnvOrDefault("CALL_SIGNAL_URL", "http://localhost:8080"),
		Namespace:         getEnvOrDefault("CALL_SIGNAL_NAMESPACE", "/video-call"),
		ChatURL:           os.Getenv("CALL_CHAT_URL"),
		APIURL:            os.Getenv("CALL_API_URL"),
		STUNURLs:          splitEnv("CALL_STUN_URLS", defaultSTUN),
		ReconnectAttempts: attempts,
		ReconnectDelay:    delay,
		LogLevel:          getEnvOrDefault("CALL_LOG_LEVEL", "info"),
		View:              view,
	}, nil
}

// LoadRelay reads the relay configuration. Outside development a JWT secret is required.
func LoadRelay(files ...string) (*Relay, error) {
	_ = godotenv.Load(files...)

	cfg := &Relay{
		Addr:           getEnvOrDefault("RELAY_ADDR", ":8080"),
		JWTSecret:      os.Getenv("RELAY_JWT_SECRET"),
		AllowedOrigins: splitEnv("RELAY_ALLOWED_ORIGINS", ""),
		RedisURL:       os.Getenv("REDIS_URL"),
		Env:            getEnvOrDefault("APP_ENV", "development"),
		LogLevel:       getEnvOrDefault("RELAY_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.MaxParticipants, err = intEnv("RELAY_MAX_PARTICIPANTS", 4); err != nil {
		return nil, err
	}
	if cfg.MaxParticipants < 2 {
		return nil, fmt.Errorf("RELAY_MAX_PARTICIPANTS must be at least 2, got %d", cfg.MaxParticipants)
	}
	if cfg.TokenTTL, err = durationEnv("RELAY_TOKEN_TTL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SignalBurst, err = intEnv("RELAY_SIGNAL_BURST", 200); err != nil {
		return nil, err
	}
	if cfg.SignalsPerSec, err = strconv.ParseFloat(getEnvOrDefault("RELAY_SIGNALS_PER_SEC", "50"), 64); err != nil {
		return nil, fmt.Errorf("RELAY_SIGNALS_PER_SEC: %w", err)
	}

	if cfg.JWTSecret == "" {
		if !cfg.Development() {
			return nil, fmt.Errorf("RELAY_JWT_SECRET environment variable is required when APP_ENV=%s", cfg.Env)
		}
		cfg.JWTSecret = "dev-secret-change-me"
	}
	return cfg, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitEnv splits a comma-separated variable, dropping empty entries.
func splitEnv(key, fallback string) []string {
	var out []string
	for _, s := range strings.Split(getEnvOrDefault(key, fallback), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
