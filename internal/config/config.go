/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the spendguard-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	DecisionQueue       string `mapstructure:"DECISION_QUEUE"`
	DecisionExchange    string `mapstructure:"DECISION_EXCHANGE"`
	ExecutionAPIBaseURL string `mapstructure:"EXECUTION_API_BASE_URL"`
	ExecutionAPIKey     string `mapstructure:"EXECUTION_API_KEY"`
	JWTSecret           string `mapstructure:"JWT_SECRET"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`
	DefaultCurrency     string `mapstructure:"DEFAULT_CURRENCY"`
	IntentTTLSeconds    int    `mapstructure:"INTENT_TTL_SECONDS"`
	LockTTLSeconds      int    `mapstructure:"LOCK_TTL_SECONDS"`
	LockRetryCount      int    `mapstructure:"LOCK_RETRY_COUNT"`
	LockRetryDelayMs    int    `mapstructure:"LOCK_RETRY_DELAY_MS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "spendguard")
	viper.SetDefault("DECISION_QUEUE", "spendguard.intent_decisions")
	viper.SetDefault("DECISION_EXCHANGE", "spendguard.decisions")
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("INTENT_TTL_SECONDS", 900)
	viper.SetDefault("LOCK_TTL_SECONDS", 10)
	viper.SetDefault("LOCK_RETRY_COUNT", 3)
	viper.SetDefault("LOCK_RETRY_DELAY_MS", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SPENDGUARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DECISION_QUEUE")
	_ = viper.BindEnv("DECISION_EXCHANGE")
	_ = viper.BindEnv("EXECUTION_API_BASE_URL")
	_ = viper.BindEnv("EXECUTION_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SPENDGUARD_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("INTENT_TTL_SECONDS")
	_ = viper.BindEnv("LOCK_TTL_SECONDS")
	_ = viper.BindEnv("LOCK_RETRY_COUNT")
	_ = viper.BindEnv("LOCK_RETRY_DELAY_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SPENDGUARD_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "spendguard"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}

	if config.IntentTTLSeconds < 0 {
		log.Printf("level=warn component=config msg=\"negative intent ttl configured; coercing to zero\" intent_ttl_seconds=%d", config.IntentTTLSeconds)
		config.IntentTTLSeconds = 0
	}
	if config.LockTTLSeconds <= 0 {
		config.LockTTLSeconds = 10
	}
	if config.LockRetryCount < 0 {
		config.LockRetryCount = 0
	}
	if config.LockRetryDelayMs <= 0 {
		config.LockRetryDelayMs = 100
	}

	return
}
