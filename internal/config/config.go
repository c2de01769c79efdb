// Package config loads service configuration with viper: built-in defaults,
// then an optional YAML file named by SYNTH_CONFIG, then SYNTH_* environment
// variables (SYNTH_EXCHANGE_FEE_RATE overrides exchange.fee_rate).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "SYNTH"

type Config struct {
	LogLevel string

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Exchange ExchangeConfig
	Pricing  PricingConfig
	Targets  TargetsConfig
	Exits    ExitsConfig
	Limits   LimitsConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

type DatabaseConfig struct {
	// URL selects PostgreSQL; empty runs on the in-memory store.
	URL string
}

type RedisConfig struct {
	// URL enables the read-through cache, the shared volume cache and the
	// scheduler lock. Empty disables all three.
	URL      string
	CacheTTL time.Duration
	LockTTL  time.Duration
}

type NATSConfig struct {
	// URL enables signal ingestion and tick publication. Empty disables both.
	URL           string
	Stream        string
	SignalSubject string
	TickSubject   string
	Durable       string
}

type ExchangeConfig struct {
	FeeRate        decimal.Decimal
	LPFeeShare     decimal.Decimal
	MinTradeAmount decimal.Decimal
	DustEpsilon    decimal.Decimal
	LockTimeout    time.Duration
	ExecTimeout    time.Duration
	MaxRetries     int

	// SettleTimeout bounds the post-commit work of a trade (volume, tick,
	// target scan). It runs detached from the caller's context.
	SettleTimeout time.Duration
	// TreasurySweepInterval is how often accrued platform fees move from
	// the pools to the treasury wallet.
	TreasurySweepInterval time.Duration
}

type PricingConfig struct {
	EMABeta             decimal.Decimal
	VolumeV0            decimal.Decimal
	VolumeWindow        time.Duration
	VolumeCacheTTL      time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatStaleAfter time.Duration
	MinConfidence       decimal.Decimal
	MaxDeltaPercent     decimal.Decimal
	SignalRatePerMinute int
}

type TargetsConfig struct {
	MaxCascadeDepth int
}

type ExitsConfig struct {
	PollInterval time.Duration
}

type LimitsConfig struct {
	MaxPerAsset   decimal.Decimal
	MaxCorrelated decimal.Decimal
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("database.url", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "SYNTH")
	v.SetDefault("nats.signal_subject", "synth.signals.>")
	v.SetDefault("nats.tick_subject", "synth.ticks")
	v.SetDefault("nats.durable", "synth-engine")

	v.SetDefault("exchange.fee_rate", "0.003")
	v.SetDefault("exchange.lp_fee_share", "0.7")
	v.SetDefault("exchange.min_trade_amount", "0.0001")
	v.SetDefault("exchange.dust_epsilon", "0.000001")
	v.SetDefault("exchange.lock_timeout", 2*time.Second)
	v.SetDefault("exchange.exec_timeout", 5*time.Second)
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.settle_timeout", 30*time.Second)
	v.SetDefault("exchange.treasury_sweep_interval", time.Minute)

	v.SetDefault("pricing.ema_beta", "0.3")
	v.SetDefault("pricing.volume_v0", "10000")
	v.SetDefault("pricing.volume_window", 24*time.Hour)
	v.SetDefault("pricing.volume_cache_ttl", 5*time.Minute)
	v.SetDefault("pricing.heartbeat_interval", 15*time.Second)
	v.SetDefault("pricing.heartbeat_stale_after", 65*time.Second)
	v.SetDefault("pricing.min_confidence", "0.5")
	v.SetDefault("pricing.max_delta_percent", "20")
	v.SetDefault("pricing.signal_rate_per_minute", 6)

	v.SetDefault("targets.max_cascade_depth", 8)

	v.SetDefault("exits.poll_interval", 10*time.Second)

	v.SetDefault("limits.max_per_asset", "0")
	v.SetDefault("limits.max_correlated", "0")
}

// Load reads configuration from defaults, the optional file and the
// environment, then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	p := &decimalParser{v: v}
	cfg := &Config{
		LogLevel: v.GetString("log_level"),
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			IdleTimeout:    v.GetDuration("server.idle_timeout"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			Stream:        v.GetString("nats.stream"),
			SignalSubject: v.GetString("nats.signal_subject"),
			TickSubject:   v.GetString("nats.tick_subject"),
			Durable:       v.GetString("nats.durable"),
		},
		Exchange: ExchangeConfig{
			FeeRate:        p.get("exchange.fee_rate"),
			LPFeeShare:     p.get("exchange.lp_fee_share"),
			MinTradeAmount: p.get("exchange.min_trade_amount"),
			DustEpsilon:    p.get("exchange.dust_epsilon"),
			LockTimeout:    v.GetDuration("exchange.lock_timeout"),
			ExecTimeout:    v.GetDuration("exchange.exec_timeout"),
			MaxRetries:     v.GetInt("exchange.max_retries"),

			SettleTimeout:         v.GetDuration("exchange.settle_timeout"),
			TreasurySweepInterval: v.GetDuration("exchange.treasury_sweep_interval"),
		},
		Pricing: PricingConfig{
			EMABeta:             p.get("pricing.ema_beta"),
			VolumeV0:            p.get("pricing.volume_v0"),
			VolumeWindow:        v.GetDuration("pricing.volume_window"),
			VolumeCacheTTL:      v.GetDuration("pricing.volume_cache_ttl"),
			HeartbeatInterval:   v.GetDuration("pricing.heartbeat_interval"),
			HeartbeatStaleAfter: v.GetDuration("pricing.heartbeat_stale_after"),
			MinConfidence:       p.get("pricing.min_confidence"),
			MaxDeltaPercent:     p.get("pricing.max_delta_percent"),
			SignalRatePerMinute: v.GetInt("pricing.signal_rate_per_minute"),
		},
		Targets: TargetsConfig{MaxCascadeDepth: v.GetInt("targets.max_cascade_depth")},
		Exits:   ExitsConfig{PollInterval: v.GetDuration("exits.poll_interval")},
		Limits: LimitsConfig{
			MaxPerAsset:   p.get("limits.max_per_asset"),
			MaxCorrelated: p.get("limits.max_correlated"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decimalParser reads decimal keys and keeps the first parse failure.
type decimalParser struct {
	v   *viper.Viper
	err error
}

func (p *decimalParser) get(key string) decimal.Decimal {
	val, err := decimal.NewFromString(strings.TrimSpace(p.v.GetString(key)))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return val
}

var one = decimal.NewFromInt(1)

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	ex := c.Exchange
	check(!ex.FeeRate.IsNegative() && ex.FeeRate.LessThan(one), "exchange.fee_rate must be in [0, 1), got %s", ex.FeeRate)
	check(!ex.LPFeeShare.IsNegative() && ex.LPFeeShare.LessThanOrEqual(one), "exchange.lp_fee_share must be in [0, 1], got %s", ex.LPFeeShare)
	check(ex.MinTradeAmount.IsPositive(), "exchange.min_trade_amount must be positive")
	check(ex.DustEpsilon.IsPositive(), "exchange.dust_epsilon must be positive")
	check(ex.LockTimeout > 0 && ex.ExecTimeout > 0, "exchange timeouts must be positive")
	check(ex.MaxRetries >= 0, "exchange.max_retries must be >= 0")
	check(ex.SettleTimeout > 0 && ex.TreasurySweepInterval > 0, "exchange settle timeout and sweep interval must be positive")

	pr := c.Pricing
	check(pr.EMABeta.IsPositive() && pr.EMABeta.LessThanOrEqual(one), "pricing.ema_beta must be in (0, 1], got %s", pr.EMABeta)
	check(pr.VolumeV0.IsPositive(), "pricing.volume_v0 must be positive")
	check(pr.VolumeWindow > 0 && pr.VolumeCacheTTL > 0, "pricing volume window and cache ttl must be positive")
	check(pr.HeartbeatInterval > 0 && pr.HeartbeatStaleAfter > 0, "pricing heartbeat intervals must be positive")
	check(!pr.MinConfidence.IsNegative() && pr.MinConfidence.LessThanOrEqual(one), "pricing.min_confidence must be in [0, 1]")
	check(pr.MaxDeltaPercent.IsPositive() && pr.MaxDeltaPercent.LessThan(decimal.NewFromInt(100)), "pricing.max_delta_percent must be in (0, 100)")
	check(pr.SignalRatePerMinute > 0, "pricing.signal_rate_per_minute must be positive")

	check(c.Targets.MaxCascadeDepth >= 1, "targets.max_cascade_depth must be >= 1")
	check(c.Exits.PollInterval > 0, "exits.poll_interval must be positive")
	check(!c.Limits.MaxPerAsset.IsNegative() && !c.Limits.MaxCorrelated.IsNegative(), "limits must be >= 0")
	check(c.Server.Port != "", "server.port is required")

	return errors.Join(errs...)
}
