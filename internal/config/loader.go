package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when empty) over Defaults,
// loads .env if present and applies PMX_* overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// Unprefixed PORT, DATABASE_URL, REDIS_URL and RUN_ONCE are honoured for
// compatibility; the PMX_ form wins when both are set.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PMX_LOG_LEVEL")

	// Server
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "PMX_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "PMX_SERVER_SHUTDOWN_TIMEOUT")

	// Database
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "PMX_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "PMX_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "PMX_DATABASE_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "PMX_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "PMX_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.EventStream, "PMX_REDIS_EVENT_STREAM")
	setInt64(&cfg.Redis.StreamMaxLen, "PMX_REDIS_STREAM_MAX_LEN")

	// S3
	setBool(&cfg.S3.Enabled, "PMX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PMX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PMX_S3_REGION")
	setStr(&cfg.S3.Bucket, "PMX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PMX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PMX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PMX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PMX_S3_FORCE_PATH_STYLE")

	// Worker
	setDuration(&cfg.Worker.Interval, "PMX_WORKER_INTERVAL")
	setBool(&cfg.Worker.RunOnce, "RUN_ONCE")
	setBool(&cfg.Worker.RunOnce, "PMX_WORKER_RUN_ONCE")

	// Policy
	setStr(&cfg.Policy.Wave1.Token, "PMX_WAVE1_TOKEN")
	setDecimal(&cfg.Policy.Wave1.AllocationPercentage, "PMX_WAVE1_ALLOCATION_PERCENTAGE")
	setInt64(&cfg.Policy.Wave1.DailyEbit, "PMX_WAVE1_DAILY_EBIT")
	setInt(&cfg.Policy.Wave2.IdleThresholdDays, "PMX_WAVE2_IDLE_THRESHOLD_DAYS")
	setDecimal(&cfg.Policy.Wave2.IdleFraction, "PMX_WAVE2_IDLE_FRACTION")
	setInt64(&cfg.Policy.Wave2.MinIdleAmount, "PMX_WAVE2_MIN_IDLE_AMOUNT")
	setInt(&cfg.Policy.Wave2.ActivityLookbackDays, "PMX_WAVE2_ACTIVITY_LOOKBACK_DAYS")
	setInt(&cfg.Policy.Settlement.RetryAttempts, "PMX_SETTLEMENT_RETRY_ATTEMPTS")
	setDuration(&cfg.Policy.Settlement.RetryBackoff, "PMX_SETTLEMENT_RETRY_BACKOFF")
	setInt(&cfg.Policy.Settlement.Concurrency, "PMX_SETTLEMENT_CONCURRENCY")
	setInt64(&cfg.Policy.Limits.MaxPerGame, "PMX_LIMITS_MAX_PER_GAME")
	setInt64(&cfg.Policy.Limits.MaxOpenExposure, "PMX_LIMITS_MAX_OPEN_EXPOSURE")
	setInt(&cfg.Policy.Limits.MaxOpenGames, "PMX_LIMITS_MAX_OPEN_GAMES")
}

// Each helper only writes when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
