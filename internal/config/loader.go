package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CASHBRIDGE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CASHBRIDGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are normally injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "CASHBRIDGE_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "CASHBRIDGE_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "CASHBRIDGE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "CASHBRIDGE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "CASHBRIDGE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "CASHBRIDGE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "CASHBRIDGE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "CASHBRIDGE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "CASHBRIDGE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "CASHBRIDGE_SUPABASE_POOL_MIN_CONNS")
	setDuration(&cfg.Supabase.StatementTimeout, "CASHBRIDGE_SUPABASE_STATEMENT_TIMEOUT")
	setBool(&cfg.Supabase.RunMigrations, "CASHBRIDGE_SUPABASE_RUN_MIGRATIONS")
	setStr(&cfg.Supabase.JWTSecret, "CASHBRIDGE_SUPABASE_JWT_SECRET")
	setStr(&cfg.Supabase.JWTAudience, "CASHBRIDGE_SUPABASE_JWT_AUDIENCE")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CASHBRIDGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CASHBRIDGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CASHBRIDGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CASHBRIDGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CASHBRIDGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CASHBRIDGE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CASHBRIDGE_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.RateCacheTTL, "CASHBRIDGE_REDIS_RATE_CACHE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "CASHBRIDGE_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CASHBRIDGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CASHBRIDGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "CASHBRIDGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CASHBRIDGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CASHBRIDGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CASHBRIDGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CASHBRIDGE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.PublicBaseURL, "CASHBRIDGE_S3_PUBLIC_BASE_URL")
	setStr(&cfg.S3.ProofPrefix, "CASHBRIDGE_S3_PROOF_PREFIX")
	setInt64(&cfg.S3.MaxProofBytes, "CASHBRIDGE_S3_MAX_PROOF_BYTES")

	// ── BitGo ──
	setStr(&cfg.BitGo.BaseURL, "CASHBRIDGE_BITGO_BASE_URL")
	setStr(&cfg.BitGo.AccessToken, "CASHBRIDGE_BITGO_ACCESS_TOKEN")
	setStr(&cfg.BitGo.Network, "CASHBRIDGE_BITGO_NETWORK")
	setStr(&cfg.BitGo.WalletPassphrase, "CASHBRIDGE_BITGO_WALLET_PASSPHRASE")
	setWallets(&cfg.BitGo.Wallets, "CASHBRIDGE_BITGO_WALLETS")
	setInt64(&cfg.BitGo.DepositTolerance, "CASHBRIDGE_BITGO_DEPOSIT_TOLERANCE")
	setInt(&cfg.BitGo.MinConfirmations, "CASHBRIDGE_BITGO_MIN_CONFIRMATIONS")
	setDuration(&cfg.BitGo.RequestTimeout, "CASHBRIDGE_BITGO_REQUEST_TIMEOUT")

	// ── Trading ──
	setInt64(&cfg.Trading.FeeDivisorUSD, "CASHBRIDGE_TRADING_FEE_DIVISOR_USD")
	setStr(&cfg.Trading.FiatCurrency, "CASHBRIDGE_TRADING_FIAT_CURRENCY")
	setDuration(&cfg.Trading.TradeTTL, "CASHBRIDGE_TRADING_TRADE_TTL")
	setDuration(&cfg.Trading.CashOrderTTL, "CASHBRIDGE_TRADING_CASH_ORDER_TTL")
	setInt(&cfg.Trading.RequestLimit, "CASHBRIDGE_TRADING_REQUEST_LIMIT")
	setDuration(&cfg.Trading.RequestWindow, "CASHBRIDGE_TRADING_REQUEST_WINDOW")
	setStringSlice(&cfg.Trading.EscrowCoins, "CASHBRIDGE_TRADING_ESCROW_COINS")

	// ── Workers ──
	setDuration(&cfg.Workers.SweepInterval, "CASHBRIDGE_WORKERS_SWEEP_INTERVAL")
	setInt(&cfg.Workers.SweepBatch, "CASHBRIDGE_WORKERS_SWEEP_BATCH")
	setDuration(&cfg.Workers.ReleaseRetryInterval, "CASHBRIDGE_WORKERS_RELEASE_RETRY_INTERVAL")
	setInt(&cfg.Workers.MaxReleaseAttempts, "CASHBRIDGE_WORKERS_MAX_RELEASE_ATTEMPTS")
	setDuration(&cfg.Workers.ReleaseLockTTL, "CASHBRIDGE_WORKERS_RELEASE_LOCK_TTL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CASHBRIDGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CASHBRIDGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CASHBRIDGE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CASHBRIDGE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CASHBRIDGE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "CASHBRIDGE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CASHBRIDGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CASHBRIDGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CASHBRIDGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CASHBRIDGE_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "CASHBRIDGE_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "CASHBRIDGE_MODE")
	setStr(&cfg.LogLevel, "CASHBRIDGE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setWallets parses "BTC=tbtc:wallet1,USDT=tusdt:wallet2". Entries are merged
// over the TOML wallets; malformed entries are skipped.
func setWallets(dst *map[string]WalletConfig, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if *dst == nil {
		*dst = make(map[string]WalletConfig)
	}
	for _, entry := range strings.Split(v, ",") {
		coin, rest, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		coinID, walletID, ok := strings.Cut(rest, ":")
		if !ok || coin == "" || coinID == "" || walletID == "" {
			continue
		}
		(*dst)[strings.ToUpper(strings.TrimSpace(coin))] = WalletConfig{
			CoinID:   strings.TrimSpace(coinID),
			WalletID: strings.TrimSpace(walletID),
		}
	}
}
