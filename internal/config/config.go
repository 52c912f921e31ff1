// Package config loads the service's environment-variable configuration:
// a single Config struct, a Load that applies explicit defaults, and a
// Validate that fails fast when a required secret is missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the order-lifecycle service.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Database
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Payment processor (external hosted-checkout service)
	ProcessorBaseURL        string
	ProcessorSecretKey      string
	ProcessorPublishableKey string
	ProcessorWebhookSecret  string
	CheckoutSessionTTL      time.Duration

	// Platform hot wallet, shared by EVM-style adapters. Optional: when
	// empty, EVM adapters fall back to mock mode only if AllowMockTx is
	// explicitly set.
	HotWalletPrivateKey string
	AllowMockTx         bool

	// Per-provider endpoints
	FilecoinRPCURL        string
	FilecoinExplorerBase  string
	FilecoinChainID       int64
	FilecoinContractAddr  string
	GreenfieldRPCURL       string
	GreenfieldExplorerBase string
	GreenfieldChainID      int64
	GreenfieldContractAddr string
	LighthouseAPIBase      string
	LighthouseAPIKey       string
	LighthouseGatewayBase  string

	// Scheduling
	ProviderSyncCron      string
	TxConfirmationCron    string

	// Rate limiting / CORS / session
	RateLimitWindowMS   int
	RateLimitMaxRequests int
	CORSOrigins         []string
	SessionSecret       string

	Env string // "development" | "production"
}

// Load reads configuration from environment variables, applying the
// documented defaults. Call Validate afterwards to ensure required secrets
// are present before serving traffic.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", "0.0.0.0:8080"),
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		ProcessorBaseURL:        getEnv("PROCESSOR_BASE_URL", "https://api.processor.internal"),
		ProcessorSecretKey:      getEnv("PROCESSOR_SECRET_KEY", ""),
		ProcessorPublishableKey: getEnv("PROCESSOR_PUBLISHABLE_KEY", ""),
		ProcessorWebhookSecret:  getEnv("PROCESSOR_WEBHOOK_SECRET", ""),
		CheckoutSessionTTL:      getEnvDuration("CHECKOUT_SESSION_TTL", 30*time.Minute),

		HotWalletPrivateKey: getEnv("HOT_WALLET_PRIVATE_KEY", ""),
		AllowMockTx:         getEnvBool("ALLOW_MOCK_TX", false),

		FilecoinRPCURL:         getEnv("FILECOIN_RPC_URL", ""),
		FilecoinExplorerBase:   getEnv("FILECOIN_EXPLORER_BASE", "https://filfox.info"),
		FilecoinChainID:        getEnvInt64("FILECOIN_CHAIN_ID", 314),
		FilecoinContractAddr:   getEnv("FILECOIN_CONTRACT_ADDRESS", ""),
		GreenfieldRPCURL:       getEnv("GREENFIELD_RPC_URL", ""),
		GreenfieldExplorerBase: getEnv("GREENFIELD_EXPLORER_BASE", "https://greenfieldscan.com"),
		GreenfieldChainID:      getEnvInt64("GREENFIELD_CHAIN_ID", 1017),
		GreenfieldContractAddr: getEnv("GREENFIELD_CONTRACT_ADDRESS", ""),
		LighthouseAPIBase:      getEnv("LIGHTHOUSE_API_BASE", "https://node.lighthouse.storage"),
		LighthouseAPIKey:       getEnv("LIGHTHOUSE_API_KEY", ""),
		LighthouseGatewayBase:  getEnv("LIGHTHOUSE_GATEWAY_BASE", "https://gateway.lighthouse.storage"),

		ProviderSyncCron:   getEnv("PROVIDER_SYNC_CRON", "0 */6 * * *"),
		TxConfirmationCron: getEnv("TX_CONFIRMATION_CRON", "*/2 * * * *"),

		RateLimitWindowMS:    getEnvInt("RATE_LIMIT_WINDOW_MS", 60000),
		RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
		CORSOrigins:          strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		SessionSecret:        getEnv("SESSION_SECRET", ""),

		Env: getEnv("NODE_ENV", "development"),
	}

	return cfg, nil
}

// Validate fails fast when a secret required for operation is absent.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ProcessorSecretKey == "" {
		return fmt.Errorf("PROCESSOR_SECRET_KEY is required")
	}
	if c.ProcessorWebhookSecret == "" {
		return fmt.Errorf("PROCESSOR_WEBHOOK_SECRET is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET must be at least 32 characters")
	}
	if c.HotWalletPrivateKey == "" && !c.AllowMockTx {
		// Not fatal: EVM adapters simply report degraded/unavailable
		// until a wallet is configured).
	}
	return nil
}

// IsProduction reports whether NODE_ENV selects production feature flags.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
