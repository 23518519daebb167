// Package config provides configuration loading and management for the media
// service. It handles environment variable parsing and provides default
// values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. In development, it loads .env and .env.local files if they
// exist. In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the media service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL

	// Provider API credentials (the two secrets of the outbound boundary)
	ProviderTokenID     string
	ProviderTokenSecret string
	ProviderBaseURL     string

	// Webhook verification
	WebhookSecret       string        // Shared HMAC secret for inbound events
	SignatureTolerance  time.Duration // Allowed clock skew on the signature timestamp
	WebhookApplyTimeout time.Duration // Budget for inline reconciliation before async handoff

	// Playback token signing
	SigningKeyID string // Key ID claim stamped into playback tokens
	SigningKey   string // Base64-encoded HMAC secret shared with the provider

	// Session-token boundary (minted by the excluded auth layer)
	JWTIssuer   string
	JWTAudience string

	// Server-side reconciliation poll
	PollMaxAttempts int
	PollInterval    time.Duration

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultEnv             = "dev"
	defaultProviderBaseURL = "https://api.mux.com"
	defaultPollAttempts    = 60
	defaultPollInterval    = 10 * time.Second
	defaultTolerance       = 5 * time.Minute
	defaultApplyTimeout    = 5 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if required parameters are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("MEDIA_ENV", defaultEnv),
		Port:                getEnv("MEDIA_PORT", defaultPort),
		DatabaseDSN:         os.Getenv("MEDIA_DB_DSN"),
		NATSURL:             os.Getenv("MEDIA_NATS_URL"),
		ProviderTokenID:     os.Getenv("MEDIA_PROVIDER_TOKEN_ID"),
		ProviderTokenSecret: os.Getenv("MEDIA_PROVIDER_TOKEN_SECRET"),
		ProviderBaseURL:     getEnv("MEDIA_PROVIDER_BASE_URL", defaultProviderBaseURL),
		WebhookSecret:       os.Getenv("MEDIA_WEBHOOK_SECRET"),
		SigningKeyID:        os.Getenv("MEDIA_SIGNING_KEY_ID"),
		SigningKey:          os.Getenv("MEDIA_SIGNING_KEY"),
		JWTIssuer:           os.Getenv("MEDIA_JWT_ISSUER"),
		JWTAudience:         os.Getenv("MEDIA_JWT_AUDIENCE"),
		SignatureTolerance:  defaultTolerance,
		WebhookApplyTimeout: defaultApplyTimeout,
		PollMaxAttempts:     defaultPollAttempts,
		PollInterval:        defaultPollInterval,
	}

	if v, exists := os.LookupEnv("MEDIA_POLL_MAX_ATTEMPTS"); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollMaxAttempts = n
		}
	}

	if v, exists := os.LookupEnv("MEDIA_POLL_INTERVAL"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}

	if v, exists := os.LookupEnv("MEDIA_SIGNATURE_TOLERANCE"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SignatureTolerance = d
		}
	}

	if v, exists := os.LookupEnv("MEDIA_WEBHOOK_APPLY_TIMEOUT"); exists {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.WebhookApplyTimeout = d
		}
	}

	if corsOrigins, exists := os.LookupEnv("MEDIA_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.ProviderTokenID == "" {
		return cfg, fmt.Errorf("MEDIA_PROVIDER_TOKEN_ID is required")
	}

	if cfg.ProviderTokenSecret == "" {
		return cfg, fmt.Errorf("MEDIA_PROVIDER_TOKEN_SECRET is required")
	}

	if cfg.SigningKey == "" || cfg.SigningKeyID == "" {
		return cfg, fmt.Errorf("MEDIA_SIGNING_KEY and MEDIA_SIGNING_KEY_ID are required")
	}

	if cfg.Env == "prod" && cfg.WebhookSecret == "" {
		return cfg, fmt.Errorf("MEDIA_WEBHOOK_SECRET is required in prod")
	}

	return cfg, nil
}

// Production reports whether the service runs in the production environment.
// Outside production, inbound webhooks without a configured secret are
// accepted with a warning.
func (c Config) Production() bool {
	return c.Env == "prod"
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
