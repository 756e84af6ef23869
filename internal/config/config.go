/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Out-of-range numeric values are coerced to their defaults with a warning rather than
 * failing startup. The one exception is the hold timeout: a configured value that cannot
 * fit the details retry schedule is rejected when the coordinator is built.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/payment-batch-service/internal/app"
	"github.com/transfa/payment-batch-service/internal/store"
)

// Config holds all the configuration variables for the payment-batch-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string  `mapstructure:"DATABASE_URL"`
	DetailsDatabaseURL            string  `mapstructure:"DETAILS_DATABASE_URL"`
	AutoMigrate                   bool    `mapstructure:"AUTO_MIGRATE"`
	RedisURL                      string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	BatchSubmitRateLimitPerMinute int     `mapstructure:"BATCH_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                   string  `mapstructure:"RABBITMQ_URL"`
	BatchEventsExchange           string  `mapstructure:"BATCH_EVENTS_EXCHANGE"`
	BatchRequestQueue             string  `mapstructure:"BATCH_REQUEST_QUEUE"`
	BatchConsumerPrefetch         int     `mapstructure:"BATCH_CONSUMER_PREFETCH"`
	InternalAPIKey                string  `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins            string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	DetailsMaxAttempts            int     `mapstructure:"DETAILS_MAX_ATTEMPTS"`
	DetailsInitialDelayMS         int     `mapstructure:"DETAILS_INITIAL_DELAY_MS"`
	DetailsBackoffMultiplier      float64 `mapstructure:"DETAILS_BACKOFF_MULTIPLIER"`
	DetailsMaxDelayMS             int     `mapstructure:"DETAILS_MAX_DELAY_MS"`
	DetailsAttemptTimeoutMS       int     `mapstructure:"DETAILS_ATTEMPT_TIMEOUT_MS"`
	HoldTxTimeoutSeconds          int     `mapstructure:"HOLD_TX_TIMEOUT_SECONDS"`
	HoldWriteMarginSeconds        int     `mapstructure:"HOLD_WRITE_MARGIN_SECONDS"`
	HoldLockTimeoutMS             int     `mapstructure:"HOLD_LOCK_TIMEOUT_MS"`
	MaxBatchSize                  int     `mapstructure:"MAX_BATCH_SIZE"`
	IntakeJobSchedule             string  `mapstructure:"INTAKE_JOB_SCHEDULE"`
	IntakeBatchSize               int     `mapstructure:"INTAKE_BATCH_SIZE"`
	IntakeMaxFailures             int     `mapstructure:"INTAKE_MAX_FAILURES"`
	IntakeRetryDelaySeconds       int     `mapstructure:"INTAKE_RETRY_DELAY_SECONDS"`
	LogLevel                      string  `mapstructure:"LOG_LEVEL"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8087")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", app.DefaultRateLimitPrefix)
	viper.SetDefault("BATCH_SUBMIT_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("BATCH_EVENTS_EXCHANGE", app.DefaultEventsExchange)
	viper.SetDefault("BATCH_REQUEST_QUEUE", "payment_batch_service.batch_requests")
	viper.SetDefault("BATCH_CONSUMER_PREFETCH", 4)
	viper.SetDefault("DETAILS_MAX_ATTEMPTS", app.DefaultMaxAttempts)
	viper.SetDefault("DETAILS_INITIAL_DELAY_MS", app.DefaultInitialDelay.Milliseconds())
	viper.SetDefault("DETAILS_BACKOFF_MULTIPLIER", app.DefaultMultiplier)
	viper.SetDefault("DETAILS_MAX_DELAY_MS", 0)
	viper.SetDefault("DETAILS_ATTEMPT_TIMEOUT_MS", app.DefaultAttemptTimeout.Milliseconds())
	viper.SetDefault("HOLD_TX_TIMEOUT_SECONDS", 0)
	viper.SetDefault("HOLD_WRITE_MARGIN_SECONDS", int(app.DefaultHoldWriteMargin.Seconds()))
	viper.SetDefault("HOLD_LOCK_TIMEOUT_MS", app.DefaultHoldLockTimeout.Milliseconds())
	viper.SetDefault("MAX_BATCH_SIZE", app.DefaultMaxBatchSize)
	viper.SetDefault("INTAKE_JOB_SCHEDULE", "@every 1m")
	viper.SetDefault("INTAKE_BATCH_SIZE", app.DefaultIntakeBatchSize)
	viper.SetDefault("INTAKE_MAX_FAILURES", store.DefaultIntakeMaxFailures)
	viper.SetDefault("INTAKE_RETRY_DELAY_SECONDS", int(store.DefaultIntakeRetryDelay.Seconds()))
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DETAILS_DATABASE_URL", "DETAILS_DATABASE_URL", "SECONDARY_DATABASE_URL")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_BATCH_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("BATCH_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BATCH_EVENTS_EXCHANGE")
	_ = viper.BindEnv("BATCH_REQUEST_QUEUE")
	_ = viper.BindEnv("BATCH_CONSUMER_PREFETCH")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_BATCH_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("DETAILS_MAX_ATTEMPTS")
	_ = viper.BindEnv("DETAILS_INITIAL_DELAY_MS")
	_ = viper.BindEnv("DETAILS_BACKOFF_MULTIPLIER")
	_ = viper.BindEnv("DETAILS_MAX_DELAY_MS")
	_ = viper.BindEnv("DETAILS_ATTEMPT_TIMEOUT_MS")
	_ = viper.BindEnv("HOLD_TX_TIMEOUT_SECONDS")
	_ = viper.BindEnv("HOLD_WRITE_MARGIN_SECONDS")
	_ = viper.BindEnv("HOLD_LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("MAX_BATCH_SIZE")
	_ = viper.BindEnv("INTAKE_JOB_SCHEDULE")
	_ = viper.BindEnv("INTAKE_BATCH_SIZE")
	_ = viper.BindEnv("INTAKE_MAX_FAILURES")
	_ = viper.BindEnv("INTAKE_RETRY_DELAY_SECONDS")
	_ = viper.BindEnv("LOG_LEVEL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.DetailsDatabaseURL = strings.TrimSpace(config.DetailsDatabaseURL)
	if config.DetailsDatabaseURL == "" {
		config.DetailsDatabaseURL = config.DatabaseURL
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = app.DefaultRateLimitPrefix
	}

	coercePositive("BATCH_SUBMIT_RATE_LIMIT_PER_MINUTE", &config.BatchSubmitRateLimitPerMinute, 30)
	coercePositive("BATCH_CONSUMER_PREFETCH", &config.BatchConsumerPrefetch, 4)
	coercePositive("DETAILS_MAX_ATTEMPTS", &config.DetailsMaxAttempts, app.DefaultMaxAttempts)
	coerceNonNegative("DETAILS_INITIAL_DELAY_MS", &config.DetailsInitialDelayMS, int(app.DefaultInitialDelay.Milliseconds()))
	coerceNonNegative("DETAILS_MAX_DELAY_MS", &config.DetailsMaxDelayMS, 0)
	coerceNonNegative("DETAILS_ATTEMPT_TIMEOUT_MS", &config.DetailsAttemptTimeoutMS, int(app.DefaultAttemptTimeout.Milliseconds()))
	coerceNonNegative("HOLD_TX_TIMEOUT_SECONDS", &config.HoldTxTimeoutSeconds, 0)
	coercePositive("HOLD_WRITE_MARGIN_SECONDS", &config.HoldWriteMarginSeconds, int(app.DefaultHoldWriteMargin.Seconds()))
	coercePositive("HOLD_LOCK_TIMEOUT_MS", &config.HoldLockTimeoutMS, int(app.DefaultHoldLockTimeout.Milliseconds()))
	coercePositive("MAX_BATCH_SIZE", &config.MaxBatchSize, app.DefaultMaxBatchSize)
	coercePositive("INTAKE_BATCH_SIZE", &config.IntakeBatchSize, app.DefaultIntakeBatchSize)
	coercePositive("INTAKE_MAX_FAILURES", &config.IntakeMaxFailures, store.DefaultIntakeMaxFailures)
	coerceNonNegative("INTAKE_RETRY_DELAY_SECONDS", &config.IntakeRetryDelaySeconds, int(store.DefaultIntakeRetryDelay.Seconds()))

	if config.DetailsBackoffMultiplier < 1 {
		slog.Warn("backoff multiplier below 1; coercing to default", "component", "config", "value", config.DetailsBackoffMultiplier)
		config.DetailsBackoffMultiplier = app.DefaultMultiplier
	}
	if strings.TrimSpace(config.IntakeJobSchedule) == "" {
		config.IntakeJobSchedule = "@every 1m"
	}

	return
}

func coercePositive(key string, value *int, def int) {
	if *value <= 0 {
		slog.Warn("non-positive value configured; coercing to default", "component", "config", "key", key, "value", *value, "default", def)
		*value = def
	}
}

func coerceNonNegative(key string, value *int, def int) {
	if *value < 0 {
		slog.Warn("negative value configured; coercing to default", "component", "config", "key", key, "value", *value, "default", def)
		*value = def
	}
}

// RetryPolicy builds the details retry policy with the default classifier.
func (c Config) RetryPolicy() app.RetryPolicy {
	return app.RetryPolicy{
		MaxAttempts:    c.DetailsMaxAttempts,
		InitialDelay:   time.Duration(c.DetailsInitialDelayMS) * time.Millisecond,
		Multiplier:     c.DetailsBackoffMultiplier,
		MaxDelay:       time.Duration(c.DetailsMaxDelayMS) * time.Millisecond,
		AttemptTimeout: time.Duration(c.DetailsAttemptTimeoutMS) * time.Millisecond,
		Classify:       app.ClassifyDetailsError,
	}
}

// IntakeRetryDelay is the base delay before a failed intake ref is listed again.
func (c Config) IntakeRetryDelay() time.Duration {
	return time.Duration(c.IntakeRetryDelaySeconds) * time.Second
}

func (c Config) HoldConfig() app.HoldConfig {
	return app.HoldConfig{
		Timeout:     time.Duration(c.HoldTxTimeoutSeconds) * time.Second,
		WriteMargin: time.Duration(c.HoldWriteMarginSeconds) * time.Second,
		LockTimeout: time.Duration(c.HoldLockTimeoutMS) * time.Millisecond,
	}
}

// HoldTimeout is the effective per-batch transaction budget.
func (c Config) HoldTimeout() (time.Duration, error) {
	return app.ResolveHoldTimeout(c.RetryPolicy(), c.HoldConfig())
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}
