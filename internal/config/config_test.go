package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "DETAILS_MAX_ATTEMPTS", "DETAILS_INITIAL_DELAY_MS", "HOLD_TX_TIMEOUT_SECONDS", "DETAILS_DATABASE_URL", "SECONDARY_DATABASE_URL", "INTAKE_MAX_FAILURES", "INTAKE_RETRY_DELAY_SECONDS"} {
		unsetEnvWithCleanup(t, key)
	}
	setEnvWithCleanup(t, "DATABASE_URL", "postgres://primary/db")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8087" {
		t.Fatalf("expected default port 8087, got %q", cfg.ServerPort)
	}
	if cfg.DetailsDatabaseURL != "postgres://primary/db" {
		t.Fatalf("expected details database to fall back to DATABASE_URL, got %q", cfg.DetailsDatabaseURL)
	}

	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 3 || policy.InitialDelay != 2*time.Second || policy.Multiplier != 2 || policy.AttemptTimeout != 5*time.Second {
		t.Fatalf("unexpected default retry policy %+v", policy)
	}
	hold, err := cfg.HoldTimeout()
	if err != nil || hold != 51*time.Second {
		t.Fatalf("expected derived 51s hold timeout, got %s %v", hold, err)
	}
	if cfg.IntakeMaxFailures != 5 || cfg.IntakeRetryDelay() != 5*time.Minute {
		t.Fatalf("unexpected intake failure policy %d %s", cfg.IntakeMaxFailures, cfg.IntakeRetryDelay())
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "10000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "10000" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CoercesInvalidRetrySettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DETAILS_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "DETAILS_BACKOFF_MULTIPLIER", "0.5")
	setEnvWithCleanup(t, "DETAILS_INITIAL_DELAY_MS", "-10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DetailsMaxAttempts != 3 || cfg.DetailsBackoffMultiplier != 2 || cfg.DetailsInitialDelayMS != 2000 {
		t.Fatalf("expected coerced defaults, got %+v", cfg)
	}
	if err := cfg.RetryPolicy().Validate(); err != nil {
		t.Fatalf("expected coerced policy to be valid, got %v", err)
	}
}

func TestLoadConfig_ExplicitHoldTimeoutBelowWorstCaseIsRejected(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "HOLD_TX_TIMEOUT_SECONDS", "10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if _, err := cfg.HoldTimeout(); err == nil {
		t.Fatal("expected a 10s hold timeout to be rejected")
	}
}

func TestLoadConfig_InternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "PAYMENT_BATCH_SERVICE_INTERNAL_API_KEY", " alias-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.test, ,https://b.test", LogLevel: "debug"}
	if got := cfg.AllowedOrigins(); len(got) != 2 || got[1] != "https://b.test" {
		t.Fatalf("unexpected origins %v", got)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %s", cfg.SlogLevel())
	}
	if (Config{LogLevel: "loud"}).SlogLevel() != slog.LevelInfo {
		t.Fatal("expected unknown level to fall back to info")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
