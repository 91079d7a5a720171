// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/quotebroker/internal/domain"
)

// Browser launch modes.
const (
	BrowserModeLocal  = "local"
	BrowserModeRemote = "remote"
	BrowserModeDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	AllowedOrigin     string
	DBPath            string
	LoginLogRetention time.Duration
	GRPCHealthPort    string
	LogLevel          slog.Level
	Credentials       domain.Credentials
	Provider          ProviderConfig
	Challenge         ChallengeConfig
	Browser           BrowserConfig
}

// ProviderConfig controls the quote provider adapter.
type ProviderConfig struct {
	BaseURL    string
	SignInPath string
	HistoryURL string
	Timeout    time.Duration
	RateLimit  float64
	BarLimit   int

	// Markers are case-insensitive substrings that classify a login
	// rejection as a bot challenge.
	Markers []string
}

// SignInURL returns the absolute sign-in page URL.
func (p ProviderConfig) SignInURL() string {
	return strings.TrimSuffix(p.BaseURL, "/") + "/" + strings.TrimPrefix(p.SignInPath, "/")
}

// ChallengeConfig controls the browser-assisted login.
type ChallengeConfig struct {
	Timeout         time.Duration
	PollInterval    time.Duration
	ElementTimeout  time.Duration
	SessionCookie   string
	SignatureCookie string
}

// BrowserConfig controls how the controlled browser is launched.
type BrowserConfig struct {
	Mode        string
	ExecPath    string
	Headless    bool
	RemoteURL   string
	DockerImage string
	DockerPort  string
}

// ConfigError reports a missing or invalid setting. It is fatal at startup.
//
//nolint:revive // ConfigError reads better than config.Error at call sites.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Field + " " + e.Reason
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	baseURL := strings.TrimSuffix(getEnv("PROVIDER_BASE_URL", "https://www.tradingview.com"), "/")

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
		DBPath:            getEnv("DB_PATH", "./data/broker.db"),
		LoginLogRetention: getEnvDuration("LOGIN_LOG_RETENTION", 7*24*time.Hour),
		GRPCHealthPort:    getEnv("GRPC_HEALTH_PORT", ""),
		LogLevel:          parseLevel(getEnv("LOG_LEVEL", "info")),
		Credentials: domain.Credentials{
			Username: strings.TrimSpace(os.Getenv("USERNAME")),
			Password: os.Getenv("PASSWORD"),
		},
		Provider: ProviderConfig{
			BaseURL:    baseURL,
			SignInPath: getEnv("PROVIDER_SIGNIN_PATH", "/accounts/signin/"),
			HistoryURL: getEnv("PROVIDER_HISTORY_URL", baseURL+"/history"),
			Timeout:    getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second),
			RateLimit:  getEnvFloat("PROVIDER_RATE_LIMIT", 5),
			BarLimit:   getEnvInt("PROVIDER_BAR_LIMIT", 1000),
			Markers:    getEnvList("CHALLENGE_MARKERS", []string{"captcha", "robot", "bot detected"}),
		},
		Challenge: ChallengeConfig{
			Timeout:         getEnvDuration("CHALLENGE_TIMEOUT", 5*time.Minute),
			PollInterval:    getEnvDuration("CHALLENGE_POLL_INTERVAL", time.Second),
			ElementTimeout:  getEnvDuration("CHALLENGE_ELEMENT_TIMEOUT", 30*time.Second),
			SessionCookie:   getEnv("SESSION_COOKIE", "sessionid"),
			SignatureCookie: getEnv("SIGNATURE_COOKIE", "sessionid_sign"),
		},
		Browser: BrowserConfig{
			Mode:        strings.ToLower(getEnv("BROWSER_MODE", BrowserModeLocal)),
			ExecPath:    getEnv("BROWSER_EXEC_PATH", ""),
			Headless:    getEnvBool("BROWSER_HEADLESS", false),
			RemoteURL:   getEnv("BROWSER_REMOTE_URL", "ws://127.0.0.1:9222"),
			DockerImage: getEnv("BROWSER_DOCKER_IMAGE", "chromedp/headless-shell:latest"),
			DockerPort:  getEnv("BROWSER_DOCKER_PORT", "9222"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Credentials.Username == "" {
		return &ConfigError{Field: "USERNAME", Reason: "is required"}
	}
	if c.Credentials.Password == "" {
		return &ConfigError{Field: "PASSWORD", Reason: "is required"}
	}
	if c.Port == "" {
		return &ConfigError{Field: "PORT", Reason: "cannot be empty"}
	}
	if c.DBPath == "" {
		return &ConfigError{Field: "DB_PATH", Reason: "cannot be empty"}
	}
	if c.Provider.BaseURL == "" {
		return &ConfigError{Field: "PROVIDER_BASE_URL", Reason: "cannot be empty"}
	}
	if strings.Trim(c.Provider.SignInPath, "/ ") == "" {
		return &ConfigError{Field: "PROVIDER_SIGNIN_PATH", Reason: "must name a page below the site root"}
	}
	if c.Provider.BarLimit <= 0 {
		return &ConfigError{Field: "PROVIDER_BAR_LIMIT", Reason: "must be > 0"}
	}
	if len(c.Provider.Markers) == 0 {
		return &ConfigError{Field: "CHALLENGE_MARKERS", Reason: "cannot be empty"}
	}
	if c.Challenge.Timeout <= 0 {
		return &ConfigError{Field: "CHALLENGE_TIMEOUT", Reason: "must be > 0"}
	}
	if c.Challenge.PollInterval <= 0 || c.Challenge.PollInterval >= c.Challenge.Timeout {
		return &ConfigError{Field: "CHALLENGE_POLL_INTERVAL", Reason: "must be > 0 and shorter than CHALLENGE_TIMEOUT"}
	}
	if c.Challenge.SessionCookie == "" || c.Challenge.SignatureCookie == "" {
		return &ConfigError{Field: "SESSION_COOKIE", Reason: "cookie names cannot be empty"}
	}
	switch c.Browser.Mode {
	case BrowserModeLocal, BrowserModeDocker:
	case BrowserModeRemote:
		if c.Browser.RemoteURL == "" {
			return &ConfigError{Field: "BROWSER_REMOTE_URL", Reason: "is required in remote mode"}
		}
	default:
		return &ConfigError{Field: "BROWSER_MODE", Reason: fmt.Sprintf("unknown mode %q", c.Browser.Mode)}
	}
	return nil
}

// IsDevelopment returns true if no explicit origin is configured or it points at localhost.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
