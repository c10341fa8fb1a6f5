package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultWebsocketURL = "wss://ams-14883.antmedia.cloud:5443/WebRTCAppEE/websocket"
	defaultAPIBaseURL   = "http://api.moksa.ai"
	defaultSTUNURL      = "stun:stun1.l.google.com:19302"
	defaultBufferSize   = 60
)

// Config holds the application configuration.
type Config struct {
	StreamID     string
	WebsocketURL string
	APIBaseURL   string
	APIEmail     string
	APIPassword  string
	APIEnv       string
	BufferSize   int
	STUNURL      string
	TLSInsecure  bool
	LogLevel     string
	LogFormat    string
	MetricsAddr  string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		StreamID:     os.Getenv("ANTMEDIA_STREAM_ID"),
		WebsocketURL: GetEnv("WEBSOCKET_URL", defaultWebsocketURL),
		APIBaseURL:   strings.TrimRight(GetEnv("API_BASE_URL", defaultAPIBaseURL), "/"),
		APIEmail:     os.Getenv("API_EMAIL"),
		APIPassword:  os.Getenv("API_PASSWORD"),
		APIEnv:       GetEnv("API_ENV", "default"),
		BufferSize:   GetEnvInt("BUFFER_SIZE", defaultBufferSize),
		STUNURL:      GetEnv("STUN_URL", defaultSTUNURL),
		TLSInsecure:  GetEnvBool("TLS_INSECURE", true),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "text"),
		MetricsAddr:  GetEnv("METRICS_ADDR", ":9090"),
	}

	if cfg.StreamID == "" {
		return nil, fmt.Errorf("ANTMEDIA_STREAM_ID environment variable is required")
	}
	if cfg.APIEmail == "" || cfg.APIPassword == "" {
		return nil, fmt.Errorf("API_EMAIL and API_PASSWORD environment variables are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	return cfg, nil
}

// GraphQL reports whether the deployment talks to the GraphQL auth backend.
func (c *Config) GraphQL() bool {
	return strings.EqualFold(c.APIEnv, "protech")
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool is GetEnvInt for booleans in strconv.ParseBool syntax.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}
