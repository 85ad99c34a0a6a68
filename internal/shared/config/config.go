package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dispatch gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Logging
	LogLevel string

	// Database (credential store)
	DatabaseURL string
	AutoMigrate bool

	// Credentials added to the store at startup
	SeedTokens []string

	// Redis (prediction owners, rate limiting)
	RedisURL string

	// Bearer token callers must present on /v1 routes
	GatewayAPIToken string

	// Prediction provider
	ProviderBaseURL string
	ProviderTimeout time.Duration

	// Credential pool
	TokenPoolTTL                time.Duration
	TokenPoolMinRefreshInterval time.Duration

	// Dispatch
	DispatchMaxAttempts int
	DispatchBaseDelay   time.Duration
	WaitMax             time.Duration
	WaitPollInterval    time.Duration

	// How long a prediction's owning credential is remembered
	OwnerTTL time.Duration

	// Rate Limiting
	DefaultRateLimit int

	// Prompt enhancement
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	PromptEnhanceModel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", "8080"),
		Env:                         getEnv("ENV", "development"),
		LogLevel:                    getEnv("LOG_LEVEL", "info"),
		DatabaseURL:                 getEnv("DATABASE_URL", ""),
		AutoMigrate:                 getEnvBool("AUTO_MIGRATE", true),
		SeedTokens:                  getEnvList("REPLICATE_API_TOKENS"),
		RedisURL:                    getEnv("REDIS_URL", "redis://localhost:6379"),
		GatewayAPIToken:             getEnv("GATEWAY_API_TOKEN", ""),
		ProviderBaseURL:             getEnv("PROVIDER_BASE_URL", "https://api.replicate.com"),
		ProviderTimeout:             getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
		TokenPoolTTL:                getEnvDuration("TOKEN_POOL_TTL", 60*time.Second),
		TokenPoolMinRefreshInterval: getEnvDuration("TOKEN_POOL_MIN_REFRESH_INTERVAL", 5*time.Second),
		DispatchMaxAttempts:         getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBaseDelay:           getEnvDuration("DISPATCH_BASE_DELAY", 2*time.Second),
		WaitMax:                     getEnvDuration("WAIT_MAX", 5*time.Minute),
		WaitPollInterval:            getEnvDuration("WAIT_POLL_INTERVAL", 2*time.Second),
		OwnerTTL:                    getEnvDuration("OWNER_TTL", 24*time.Hour),
		DefaultRateLimit:            getEnvInt("DEFAULT_RATE_LIMIT", 100),
		OpenAIAPIKey:                getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:               getEnv("OPENAI_BASE_URL", ""),
		PromptEnhanceModel:          getEnv("PROMPT_ENHANCE_MODEL", "gpt-4o-mini"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DispatchMaxAttempts < 1 {
		return nil, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", cfg.DispatchMaxAttempts)
	}

	return cfg, nil
}

// PromptEnhanceEnabled reports whether an OpenAI key is configured.
func (c *Config) PromptEnhanceEnabled() bool {
	return c.OpenAIAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
