// Package config loads engine settings: built-in defaults, then an optional
// TOML file, then a .env file, then PMX_* environment overrides. Every
// economic constant the distribution and settlement code uses lives here.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmx/economy-engine/internal/model"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Worker   WorkerConfig   `toml:"worker"`
	Policy   PolicyConfig   `toml:"policy"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the Postgres store. An empty URL means in-memory.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the event stream.
type RedisConfig struct {
	URL          string   `toml:"url"`
	CacheTTL     duration `toml:"cache_ttl"`
	EventStream  string   `toml:"event_stream"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	SequenceKey  string   `toml:"sequence_key"`
}

// S3Config enables the event archive.
type S3Config struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
	Prefix         string   `toml:"prefix"`
	BatchSize      int      `toml:"batch_size"`
	FlushInterval  duration `toml:"flush_interval"`
}

// WorkerConfig drives the scheduler process.
type WorkerConfig struct {
	Interval     duration `toml:"interval"`
	RunOnce      bool     `toml:"run_once"`
	LockKey      string   `toml:"lock_key"`
	LockTTL      duration `toml:"lock_ttl"`
	EnableWave1  bool     `toml:"enable_wave1"`
	EnableWave2  bool     `toml:"enable_wave2"`
	EnableWave3  bool     `toml:"enable_wave3"`
	SettleClosed bool     `toml:"settle_closed"`
}

// PolicyConfig holds the economic parameters.
type PolicyConfig struct {
	Wave1      Wave1Policy      `toml:"wave1"`
	Wave2      Wave2Policy      `toml:"wave2"`
	Settlement SettlementPolicy `toml:"settlement"`
	Limits     LimitsPolicy     `toml:"limits"`
}

// Wave1Policy forms the daily prize pool.
type Wave1Policy struct {
	Token                string          `toml:"token"`
	AllocationPercentage decimal.Decimal `toml:"allocation_percentage"`
	DailyEbit            int64           `toml:"daily_ebit"`
	// EbitByDate overrides DailyEbit for specific days, keyed YYYY-MM-DD.
	EbitByDate map[string]int64 `toml:"ebit_by_date"`
}

// Wave2Policy selects and taxes idle balances.
type Wave2Policy struct {
	IdleThresholdDays    int             `toml:"idle_threshold_days"`
	IdleFraction         decimal.Decimal `toml:"idle_fraction"`
	MinIdleAmount        int64           `toml:"min_idle_amount"`
	ActivityLookbackDays int             `toml:"activity_lookback_days"`
	MaxReplans           int             `toml:"max_replans"`
}

// SettlementPolicy controls per-participant retry and game concurrency.
type SettlementPolicy struct {
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBackoff  duration `toml:"retry_backoff"`
	MaxBackoff    duration `toml:"max_backoff"`
	Concurrency   int      `toml:"concurrency"`
}

// LimitsPolicy caps stakes. Zero disables a limit.
type LimitsPolicy struct {
	MaxPerGame      int64 `toml:"max_per_game"`
	MaxOpenExposure int64 `toml:"max_open_exposure"`
	MaxOpenGames    int   `toml:"max_open_games"`
}

// duration is a time.Duration that decodes from strings like "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:     duration{30 * time.Second},
			EventStream:  "pmx:events",
			StreamMaxLen: 10000,
			SequenceKey:  "pmx:events:seq",
		},
		S3: S3Config{
			Region:        "us-east-1",
			Prefix:        "events",
			BatchSize:     500,
			FlushInterval: duration{time.Minute},
			UseSSL:        true,
		},
		Worker: WorkerConfig{
			Interval:     duration{time.Minute},
			LockKey:      "pmx:worker:lock",
			LockTTL:      duration{5 * time.Minute},
			EnableWave1:  true,
			EnableWave2:  true,
			EnableWave3:  true,
			SettleClosed: true,
		},
		Policy: PolicyConfig{
			Wave1: Wave1Policy{
				Token:                string(model.PMC),
				AllocationPercentage: decimal.RequireFromString("0.10"),
			},
			Wave2: Wave2Policy{
				IdleThresholdDays:    30,
				IdleFraction:         decimal.RequireFromString("0.10"),
				MinIdleAmount:        100,
				ActivityLookbackDays: 30,
				MaxReplans:           3,
			},
			Settlement: SettlementPolicy{
				RetryAttempts: 5,
				RetryBackoff:  duration{50 * time.Millisecond},
				MaxBackoff:    duration{2 * time.Second},
				Concurrency:   4,
			},
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "database.max_conns must be positive")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3.bucket is required when s3.enabled")
	}
	if c.S3.Enabled && c.S3.FlushInterval.Duration <= 0 {
		errs = append(errs, "s3.flush_interval must be positive")
	}
	if c.Worker.Interval.Duration <= 0 {
		errs = append(errs, "worker.interval must be positive")
	}

	w1 := c.Policy.Wave1
	if _, err := model.ParseTokenType(w1.Token); err != nil {
		errs = append(errs, fmt.Sprintf("policy.wave1.token %q is not PMP or PMC", w1.Token))
	}
	if !inUnitInterval(w1.AllocationPercentage, true) {
		errs = append(errs, "policy.wave1.allocation_percentage must be within [0, 1]")
	}
	if w1.DailyEbit < 0 {
		errs = append(errs, "policy.wave1.daily_ebit must not be negative")
	}
	for day, v := range w1.EbitByDate {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			errs = append(errs, fmt.Sprintf("policy.wave1.ebit_by_date key %q is not YYYY-MM-DD", day))
		}
		if v < 0 {
			errs = append(errs, fmt.Sprintf("policy.wave1.ebit_by_date[%s] must not be negative", day))
		}
	}

	w2 := c.Policy.Wave2
	if w2.IdleThresholdDays < 0 {
		errs = append(errs, "policy.wave2.idle_threshold_days must not be negative")
	}
	if !inUnitInterval(w2.IdleFraction, false) {
		errs = append(errs, "policy.wave2.idle_fraction must be within (0, 1]")
	}
	if w2.MinIdleAmount < 0 {
		errs = append(errs, "policy.wave2.min_idle_amount must not be negative")
	}
	if w2.ActivityLookbackDays <= 0 {
		errs = append(errs, "policy.wave2.activity_lookback_days must be positive")
	}

	st := c.Policy.Settlement
	if st.RetryAttempts <= 0 {
		errs = append(errs, "policy.settlement.retry_attempts must be positive")
	}
	if st.RetryBackoff.Duration < 0 || st.MaxBackoff.Duration < st.RetryBackoff.Duration {
		errs = append(errs, "policy.settlement backoff must satisfy 0 <= retry_backoff <= max_backoff")
	}
	if st.Concurrency <= 0 {
		errs = append(errs, "policy.settlement.concurrency must be positive")
	}

	lim := c.Policy.Limits
	if lim.MaxPerGame < 0 || lim.MaxOpenExposure < 0 || lim.MaxOpenGames < 0 {
		errs = append(errs, "policy.limits must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func inUnitInterval(v decimal.Decimal, allowZero bool) bool {
	if v.GreaterThan(decimal.NewFromInt(1)) || v.IsNegative() {
		return false
	}
	return allowZero || v.IsPositive()
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// PrizeToken returns the Wave 1 prize token. Validate guarantees it parses.
func (p Wave1Policy) PrizeToken() model.TokenType {
	t, err := model.ParseTokenType(p.Token)
	if err != nil {
		return model.PMC
	}
	return t
}

// EbitFor returns the EBIT for date's UTC day.
func (p Wave1Policy) EbitFor(date time.Time) model.Amount {
	if v, ok := p.EbitByDate[model.DayKey(date).Format(time.DateOnly)]; ok {
		return model.Amount(v)
	}
	return model.Amount(p.DailyEbit)
}
