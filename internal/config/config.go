package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the coordinator's runtime settings, loaded from environment
// variables with sensible defaults.
type Config struct {
	Port              string        `mapstructure:"PORT"`
	DatabasePath      string        `mapstructure:"DATABASE_PATH"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	LockTimeout       time.Duration `mapstructure:"LOCK_TIMEOUT"`
	SettlementTimeout time.Duration `mapstructure:"SETTLEMENT_TIMEOUT"`
	IdempotencyWindow time.Duration `mapstructure:"IDEMPOTENCY_WINDOW"`
	ReviewThreshold   string        `mapstructure:"REVIEW_THRESHOLD"`
	FxRateValidity    time.Duration `mapstructure:"FX_RATE_VALIDITY"`
	FxMaxRequotes     int           `mapstructure:"FX_MAX_REQUOTES"`
	ReaperInterval    time.Duration `mapstructure:"REAPER_INTERVAL"`
	FinalityDelay     time.Duration `mapstructure:"FINALITY_DELAY"`
}

// Load reads configuration from the environment, optionally seeded by a
// .env file in the given path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_PATH", "coordinator.db")
	v.SetDefault("JWT_SECRET", "atomicsettle-secret-key")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("SETTLEMENT_TIMEOUT", "30s")
	v.SetDefault("IDEMPOTENCY_WINDOW", "24h")
	v.SetDefault("REVIEW_THRESHOLD", "10000000")
	v.SetDefault("FX_RATE_VALIDITY", "30s")
	v.SetDefault("FX_MAX_REQUOTES", 3)
	v.SetDefault("REAPER_INTERVAL", "10s")
	v.SetDefault("FINALITY_DELAY", "100ms")

	for _, key := range []string{
		"PORT", "DATABASE_PATH", "JWT_SECRET", "LOCK_TIMEOUT",
		"SETTLEMENT_TIMEOUT", "IDEMPOTENCY_WINDOW", "REVIEW_THRESHOLD",
		"FX_RATE_VALIDITY", "FX_MAX_REQUOTES", "REAPER_INTERVAL", "FINALITY_DELAY",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no environment is present.
func Default() Config {
	return Config{
		Port:              "8080",
		DatabasePath:      "coordinator.db",
		JWTSecret:         "atomicsettle-secret-key",
		LockTimeout:       5 * time.Second,
		SettlementTimeout: 30 * time.Second,
		IdempotencyWindow: 24 * time.Hour,
		ReviewThreshold:   "10000000",
		FxRateValidity:    30 * time.Second,
		FxMaxRequotes:     3,
		ReaperInterval:    10 * time.Second,
		FinalityDelay:     100 * time.Millisecond,
	}
}
