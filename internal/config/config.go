package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AnthropicAPIKey   string
	OpenRouterAPIKey  string
	OpenRouterReferer string
	OpenRouterTitle   string

	// Effective when a user carries no limit override. Zero means unlimited.
	DefaultGlobalTokenLimit  int64
	DefaultMonthlyTokenLimit int64

	OTLPEndpoint string

	AWSRegion         string
	AlertSNSTopicARN  string
	UsageSQSQueueURL  string
	ProviderKeySecret string

	RateLimitPerMinute int
	APIAuthEnabled     bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Local development convenience; the file is optional.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:        getEnv("ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterReferer: getEnv("OPENROUTER_REFERER", ""),
		OpenRouterTitle:   getEnv("OPENROUTER_TITLE", "chatforge-gateway"),

		DefaultGlobalTokenLimit:  getInt64Env("DEFAULT_GLOBAL_TOKEN_LIMIT", 0),
		DefaultMonthlyTokenLimit: getInt64Env("DEFAULT_MONTHLY_TOKEN_LIMIT", 0),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),

		AWSRegion:         getEnv("AWS_REGION", ""),
		AlertSNSTopicARN:  getEnv("ALERT_SNS_TOPIC_ARN", ""),
		UsageSQSQueueURL:  getEnv("USAGE_SQS_QUEUE_URL", ""),
		ProviderKeySecret: getEnv("PROVIDER_KEY_SECRET", ""),

		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 60),
		APIAuthEnabled:     getEnv("API_AUTH_ENABLED", "false") == "true",

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
