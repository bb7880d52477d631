// Package config defines the top-level configuration for the cashbridge
// trading core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CASHBRIDGE_* environment variables.
type Config struct {
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	BitGo    BitGoConfig    `toml:"bitgo"`
	Trading  TradingConfig  `toml:"trading"`
	Workers  WorkersConfig  `toml:"workers"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// SupabaseConfig holds the Postgres connection and auth settings.
type SupabaseConfig struct {
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	ApplicationName  string   `toml:"application_name"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
	// JWTSecret verifies Supabase access tokens (HS256).
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	RateCacheTTL duration `toml:"rate_cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds object storage parameters for payment proofs.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PublicBaseURL  string `toml:"public_base_url"`
	ProofPrefix    string `toml:"proof_prefix"`
	MaxProofBytes  int64  `toml:"max_proof_bytes"`
}

// WalletConfig maps a platform coin to a provider wallet.
type WalletConfig struct {
	// CoinID is the provider's coin identifier, e.g. "btc", "tbtc", "usdt".
	CoinID   string `toml:"coin_id"`
	WalletID string `toml:"wallet_id"`
}

// BitGoConfig holds the custodial wallet provider settings.
type BitGoConfig struct {
	BaseURL          string                  `toml:"base_url"`
	AccessToken      string                  `toml:"access_token"`
	Network          string                  `toml:"network"`
	WalletPassphrase string                  `toml:"wallet_passphrase"`
	Wallets          map[string]WalletConfig `toml:"wallets"`
	// DepositTolerance is the accepted |received - expected| in base units.
	DepositTolerance int64    `toml:"deposit_tolerance"`
	MinConfirmations int      `toml:"min_confirmations"`
	RequestTimeout   duration `toml:"request_timeout"`
}

// TradingConfig holds matching and fee parameters.
type TradingConfig struct {
	FeeDivisorUSD int64    `toml:"fee_divisor_usd"`
	FiatCurrency  string   `toml:"fiat_currency"`
	TradeTTL      duration `toml:"trade_ttl"`
	CashOrderTTL  duration `toml:"cash_order_ttl"`
	RequestLimit  int      `toml:"request_limit"`
	RequestWindow duration `toml:"request_window"`
	// EscrowCoins lists the coins whose sell trades get a deposit address.
	EscrowCoins []string `toml:"escrow_coins"`
}

// WorkersConfig holds background loop parameters.
type WorkersConfig struct {
	SweepInterval        duration `toml:"sweep_interval"`
	SweepBatch           int      `toml:"sweep_batch"`
	ReleaseRetryInterval duration `toml:"release_retry_interval"`
	MaxReleaseAttempts   int      `toml:"max_release_attempts"`
	ReleaseLockTTL       duration `toml:"release_lock_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the operator routes under /api/admin.
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`

	// Repeats of the same alert inside Cooldown are dropped. Zero disables.
	Cooldown duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Supabase: SupabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "postgres",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			ApplicationName:  "cashbridge",
			StatementTimeout: duration{15 * time.Second},
			RunMigrations:    true,
			JWTAudience:      "authenticated",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "cashbridge",
			RateCacheTTL: duration{60 * time.Second},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "cashbridge-proofs",
			ForcePathStyle: true,
			ProofPrefix:    "payment-proofs",
			MaxProofBytes:  10 << 20,
		},
		BitGo: BitGoConfig{
			BaseURL:          "https://app.bitgo-test.com",
			Network:          "testnet",
			Wallets:          map[string]WalletConfig{},
			DepositTolerance: 1000,
			MinConfirmations: 1,
			RequestTimeout:   duration{30 * time.Second},
		},
		Trading: TradingConfig{
			FeeDivisorUSD: 10,
			FiatCurrency:  "NGN",
			TradeTTL:      duration{30 * time.Minute},
			CashOrderTTL:  duration{24 * time.Hour},
			RequestLimit:  10,
			RequestWindow: duration{time.Minute},
			EscrowCoins:   []string{"BTC", "USDT"},
		},
		Workers: WorkersConfig{
			SweepInterval:        duration{time.Minute},
			SweepBatch:           100,
			ReleaseRetryInterval: duration{2 * time.Minute},
			MaxReleaseAttempts:   5,
			ReleaseLockTTL:       duration{2 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			TelegramAPIURL: "https://api.telegram.org",
			Events:         []string{"release_failed", "refund_required", "escrow_allocation_failed", "expiry_sweep", "deposit_missing"},
			Cooldown:       duration{15 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsServer reports whether the configured mode serves the HTTP API.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// RunsWorkers reports whether the configured mode runs background loops.
func (c *Config) RunsWorkers() bool {
	m := strings.ToLower(c.Mode)
	return m == "worker" || m == "full"
}

// Wallet returns the wallet configured for coin, matched case-insensitively.
func (c *Config) Wallet(coin string) (WalletConfig, bool) {
	for k, w := range c.BitGo.Wallets {
		if strings.EqualFold(k, coin) {
			return w, true
		}
	}
	return WalletConfig{}, false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}
	if c.RunsServer() && c.Supabase.JWTSecret == "" {
		errs = append(errs, "supabase: jwt_secret is required for mode "+c.Mode)
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.RateCacheTTL.Duration <= 0 {
		errs = append(errs, "redis: rate_cache_ttl must be > 0")
	}

	// S3
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.S3.MaxProofBytes <= 0 {
		errs = append(errs, "s3: max_proof_bytes must be > 0")
	}

	// BitGo
	if c.BitGo.BaseURL == "" {
		errs = append(errs, "bitgo: base_url must not be empty")
	}
	if c.BitGo.AccessToken == "" {
		errs = append(errs, "bitgo: access_token must not be empty")
	}
	if n := strings.ToLower(c.BitGo.Network); n != "mainnet" && n != "testnet" {
		errs = append(errs, fmt.Sprintf("bitgo: network must be mainnet or testnet, got %q", c.BitGo.Network))
	}
	if c.BitGo.DepositTolerance < 0 {
		errs = append(errs, "bitgo: deposit_tolerance must be >= 0")
	}
	for coin, w := range c.BitGo.Wallets {
		if w.CoinID == "" || w.WalletID == "" {
			errs = append(errs, fmt.Sprintf("bitgo: wallets.%s needs coin_id and wallet_id", coin))
		}
	}
	for _, coin := range c.Trading.EscrowCoins {
		if _, ok := c.Wallet(coin); !ok {
			errs = append(errs, fmt.Sprintf("bitgo: no wallet configured for escrow coin %s", coin))
		}
	}

	// Trading
	if c.Trading.FeeDivisorUSD <= 0 {
		errs = append(errs, "trading: fee_divisor_usd must be > 0")
	}
	if c.Trading.FiatCurrency == "" {
		errs = append(errs, "trading: fiat_currency must not be empty")
	}
	if c.Trading.TradeTTL.Duration <= 0 {
		errs = append(errs, "trading: trade_ttl must be > 0")
	}
	if c.Trading.CashOrderTTL.Duration <= 0 {
		errs = append(errs, "trading: cash_order_ttl must be > 0")
	}
	if c.Trading.RequestLimit < 1 {
		errs = append(errs, "trading: request_limit must be >= 1")
	}
	if c.Trading.RequestWindow.Duration <= 0 {
		errs = append(errs, "trading: request_window must be > 0")
	}

	// Workers
	if c.RunsWorkers() {
		if c.Workers.SweepInterval.Duration <= 0 {
			errs = append(errs, "workers: sweep_interval must be > 0")
		}
		if c.Workers.ReleaseRetryInterval.Duration <= 0 {
			errs = append(errs, "workers: release_retry_interval must be > 0")
		}
	}
	if c.Workers.MaxReleaseAttempts < 1 {
		errs = append(errs, "workers: max_release_attempts must be >= 1")
	}
	if c.Workers.ReleaseLockTTL.Duration <= 0 {
		errs = append(errs, "workers: release_lock_ttl must be > 0")
	}

	// Server
	if c.Server.Enabled && c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIKey == "" {
			errs = append(errs, "server: api_key is required to expose operator routes")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
