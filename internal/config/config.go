// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Loaded once at startup and
// passed into constructors; nothing reads the environment after Load.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL             string
	ChainID            int64
	TokenContract      string // AGNT ERC-20 contract address
	PlatformWallet     string // receives top-up deposits
	PlatformPrivateKey string // signs withdrawal transfers (optional; executor disabled without it)
	ChainTimeout       time.Duration
	MinConfirmations   int64

	// Negotiation settings
	NegotiationTTL       time.Duration
	NegotiationMaxRounds int

	// Quote settings
	QuoteTTL time.Duration

	// Withdrawal settings
	WithdrawalMin         string // AGNT
	WithdrawalFeePercent  string // e.g. "0.5"
	WithdrawalRatePerHour int

	// Deposit watcher
	WatcherEnabled  bool
	WatcherInterval time.Duration

	// Background sweeps
	ReconcileInterval time.Duration // ledger audit + stuck-credit sweep
	StuckPaymentAge   time.Duration // verified-not-credited re-drive threshold

	// Security
	AdminAPIKey  string
	RateLimitRPS int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string // empty disables tracing export
}

// Defaults. The chain values target Base Sepolia, same as the dev token
// deployment.
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultRPCURL          = "https://sepolia.base.org"
	DefaultChainID         = 84532
	DefaultChainTimeout    = 30 * time.Second
	DefaultNegotiationTTL  = 24 * time.Hour
	DefaultMaxRounds       = 5
	DefaultQuoteTTL        = time.Hour
	DefaultWithdrawalMin   = "100000"
	DefaultWithdrawalFee   = "0.5"
	DefaultWithdrawalRate  = 3
	DefaultWatcherInterval = 15 * time.Second
	DefaultReconcileEvery  = 5 * time.Minute
	DefaultStuckPaymentAge = 10 * time.Minute
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables. A .env file is
// honored when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RPCURL:                getEnv("RPC_URL", DefaultRPCURL),
		ChainID:               getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:         os.Getenv("TOKEN_CONTRACT"),
		PlatformWallet:        os.Getenv("PLATFORM_WALLET"),
		PlatformPrivateKey:    os.Getenv("PLATFORM_PRIVATE_KEY"),
		ChainTimeout:          getEnvDuration("CHAIN_TIMEOUT", DefaultChainTimeout),
		MinConfirmations:      getEnvInt64("MIN_CONFIRMATIONS", 1),
		NegotiationTTL:        getEnvDuration("NEGOTIATION_TTL", DefaultNegotiationTTL),
		NegotiationMaxRounds:  int(getEnvInt64("NEGOTIATION_MAX_ROUNDS", DefaultMaxRounds)),
		QuoteTTL:              getEnvDuration("QUOTE_TTL", DefaultQuoteTTL),
		WithdrawalMin:         getEnv("WITHDRAWAL_MIN", DefaultWithdrawalMin),
		WithdrawalFeePercent:  getEnv("WITHDRAWAL_FEE_PERCENT", DefaultWithdrawalFee),
		WithdrawalRatePerHour: int(getEnvInt64("WITHDRAWAL_RATE_PER_HOUR", DefaultWithdrawalRate)),
		WatcherEnabled:        getEnvBool("WATCHER_ENABLED", false),
		WatcherInterval:       getEnvDuration("WATCHER_INTERVAL", DefaultWatcherInterval),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		StuckPaymentAge:       getEnvDuration("STUCK_PAYMENT_AGE", DefaultStuckPaymentAge),
		AdminAPIKey:           os.Getenv("ADMIN_API_KEY"),
		RateLimitRPS:          int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:           getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		OTLPEndpoint:          os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency. Development mode stays
// permissive so the in-memory server starts with no environment at all.
func (c *Config) Validate() error {
	if c.NegotiationMaxRounds < 1 {
		return fmt.Errorf("NEGOTIATION_MAX_ROUNDS must be at least 1")
	}
	if c.WithdrawalRatePerHour < 1 {
		return fmt.Errorf("WITHDRAWAL_RATE_PER_HOUR must be at least 1")
	}
	if c.TokenContract != "" && !isHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a 0x-prefixed 40-hex-digit address")
	}
	if c.PlatformWallet != "" && !isHexAddress(c.PlatformWallet) {
		return fmt.Errorf("PLATFORM_WALLET must be a 0x-prefixed 40-hex-digit address")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required in production")
		}
		if c.PlatformWallet == "" {
			return fmt.Errorf("PLATFORM_WALLET is required in production")
		}
		if c.AdminAPIKey == "" {
			return fmt.Errorf("ADMIN_API_KEY is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
