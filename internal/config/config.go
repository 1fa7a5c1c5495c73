// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dhiyaancnirmal/kitegate/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded settlement signing key; absent in demo mode
	Confirmations int
	RPCTimeout    time.Duration

	// Settlement
	SettleMode     string // "demo" or "chain"
	FacilitatorURL string // delegate verify/settle instead of self-settling (optional)

	// Payment settings
	Asset        string // token contract accepted for payment
	PayTo        string // recipient address stamped into challenges
	DefaultPrice string // base-unit amount per priced call

	// Session settings
	SessionSecret string // >= 32 bytes, signs access tokens
	SessionDomain string
	SessionURI    string
	ChallengeTTL  time.Duration
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP trace collector; tracing disabled if empty
}

// Kite testnet defaults
const (
	DefaultRPCURL        = "https://rpc-testnet.gokite.ai"
	DefaultChainID       = 2368 // Kite testnet
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultSettleMode    = "demo"
	DefaultPrice         = "1000000"
	DefaultRateLimit     = 100
	DefaultConfirmations = 1
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:     os.Getenv("PRIVATE_KEY"), // Required for chain settlement only
		Confirmations:  int(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)),
		RPCTimeout:     getEnvDuration("RPC_TIMEOUT", 10*time.Second),
		SettleMode:     getEnv("SETTLE_MODE", DefaultSettleMode),
		FacilitatorURL: os.Getenv("FACILITATOR_URL"),
		Asset:          os.Getenv("PAYMENT_ASSET"),
		PayTo:          os.Getenv("PAYMENT_PAY_TO"),
		DefaultPrice:   getEnv("DEFAULT_PRICE", DefaultPrice),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		SessionDomain:  getEnv("SESSION_DOMAIN", "localhost"),
		SessionURI:     getEnv("SESSION_URI", "http://localhost:8080"),
		ChallengeTTL:   getEnvDuration("CHALLENGE_TTL", 5*time.Minute),
		AccessTTL:      getEnvDuration("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:     getEnvDuration("REFRESH_TTL", 7*24*time.Hour),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SettleMode != "demo" && c.SettleMode != "chain" {
		return fmt.Errorf("SETTLE_MODE must be \"demo\" or \"chain\"")
	}

	if c.SettleMode == "chain" {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for chain settlement")
		}
		if c.PrivateKey != "" {
			// Allow both with and without 0x prefix
			key := c.PrivateKey
			if len(key) == 66 && key[:2] == "0x" {
				key = key[2:]
			}
			if len(key) != 64 {
				return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
			}
		}
	}

	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}

	// Outbound endpoints are operator-supplied, but production still
	// refuses loopback, private, and cloud-metadata targets.
	if c.IsProduction() {
		if c.SettleMode == "chain" {
			if err := security.ValidateEndpointURL(c.RPCURL); err != nil {
				return fmt.Errorf("RPC_URL: %w", err)
			}
		}
		if c.FacilitatorURL != "" {
			if err := security.ValidateEndpointURL(c.FacilitatorURL); err != nil {
				return fmt.Errorf("FACILITATOR_URL: %w", err)
			}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
