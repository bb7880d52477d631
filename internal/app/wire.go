package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	s3blob "github.com/alanyoungcy/cashbridge/internal/blob/s3"
	"github.com/alanyoungcy/cashbridge/internal/cache/redis"
	"github.com/alanyoungcy/cashbridge/internal/chain"
	"github.com/alanyoungcy/cashbridge/internal/config"
	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/notify"
	"github.com/alanyoungcy/cashbridge/internal/platform/bitgo"
	"github.com/alanyoungcy/cashbridge/internal/server/handler"
	"github.com/alanyoungcy/cashbridge/internal/service"
	"github.com/alanyoungcy/cashbridge/internal/store/postgres"
)

// Dependencies bundles the infrastructure and services the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Infrastructure
	Stores      service.Stores
	RateStore   domain.RateStore
	NoteStore   domain.NotificationStore
	RateCache   domain.RateCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	BlobWriter  domain.BlobWriter
	Wallet      domain.WalletProvider
	Chains      *chain.Registry

	// Notifications
	Notifier *notify.Notifier
	Emitter  *notify.Emitter

	// Services
	Rates       *service.RateService
	Directory   *service.DirectoryService
	Escrow      *service.EscrowService
	Trades      *service.TradeService
	Fulfillment *service.FulfillmentService
	Sweeper     *service.Sweeper
	Retrier     *service.ReleaseRetrier

	// Health probes by dependency name.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:              cfg.Supabase.DSN,
		Host:             cfg.Supabase.Host,
		Port:             cfg.Supabase.Port,
		Database:         cfg.Supabase.Database,
		User:             cfg.Supabase.User,
		Password:         cfg.Supabase.Password,
		SSLMode:          cfg.Supabase.SSLMode,
		MaxConns:         cfg.Supabase.PoolMaxConns,
		MinConns:         cfg.Supabase.PoolMinConns,
		ApplicationName:  cfg.Supabase.ApplicationName,
		StatementTimeout: cfg.Supabase.StatementTimeout.Duration,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Health["postgres"] = pgClient

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Stores = service.Stores{
		Tx:         postgres.NewTxRunner(pool),
		Profiles:   postgres.NewProfileStore(pool),
		Merchants:  postgres.NewMerchantStore(pool),
		Vendors:    postgres.NewVendorStore(pool),
		Trades:     postgres.NewTradeStore(pool),
		Jobs:       postgres.NewVendorJobStore(pool),
		CashOrders: postgres.NewCashOrderStore(pool),
		Escrows:    postgres.NewEscrowStore(pool),
		Audit:      postgres.NewAuditStore(pool),
	}
	deps.RateStore = postgres.NewRateStore(pool)
	deps.NoteStore = postgres.NewNotificationStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Health["redis"] = redisClient

	deps.RateCache = redis.NewRateCache(redisClient, cfg.Redis.RateCacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)

	// --- S3 payment proofs ---
	s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		PublicBaseURL:  cfg.S3.PublicBaseURL,
	})
	if err != nil {
		return fail("s3", err)
	}
	deps.BlobWriter = s3blob.NewWriter(s3Client)
	deps.Health["s3"] = handler.PingFunc(s3Client.Health)

	// --- Escrow provider ---
	deps.Chains = chain.NewRegistry(chain.Network(strings.ToLower(cfg.BitGo.Network)))
	deps.Wallet = bitgo.NewClient(cfg.BitGo.BaseURL, cfg.BitGo.AccessToken,
		bitgo.WithWalletPassphrase(cfg.BitGo.WalletPassphrase),
		bitgo.WithHTTPClient(&http.Client{Timeout: cfg.BitGo.RequestTimeout.Duration}),
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)
	deps.Emitter = notify.NewEmitter(deps.NoteStore, deps.SignalBus, logger)

	wireServices(cfg, deps, logger)
	return deps, cleanup, nil
}

// wireServices builds the trading services on top of the infrastructure.
func wireServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) {
	wallets := make(map[domain.Coin]domain.WalletRef, len(cfg.BitGo.Wallets))
	for coin, w := range cfg.BitGo.Wallets {
		wallets[domain.ParseCoin(coin)] = domain.WalletRef{Coin: w.CoinID, WalletID: w.WalletID}
	}
	escrowCoins := make([]domain.Coin, 0, len(cfg.Trading.EscrowCoins))
	for _, c := range cfg.Trading.EscrowCoins {
		escrowCoins = append(escrowCoins, domain.ParseCoin(c))
	}

	deps.Rates = service.NewRateService(deps.RateStore, deps.RateCache, cfg.Trading.FiatCurrency, logger)
	deps.Directory = service.NewDirectoryService(
		deps.Stores.Profiles, deps.Stores.Merchants, deps.Chains, deps.SignalBus, logger,
	)
	deps.Escrow = service.NewEscrowService(
		deps.Stores.Escrows, deps.Wallet, deps.Chains, deps.LockManager,
		deps.SignalBus, deps.Stores.Audit, deps.Notifier,
		service.EscrowConfig{
			Wallets:            wallets,
			DepositTolerance:   cfg.BitGo.DepositTolerance,
			MinConfirmations:   cfg.BitGo.MinConfirmations,
			MaxReleaseAttempts: cfg.Workers.MaxReleaseAttempts,
			LockTTL:            cfg.Workers.ReleaseLockTTL.Duration,
		},
		logger,
	)
	deps.Trades = service.NewTradeService(
		deps.Stores, deps.Directory, deps.Rates, deps.Escrow, deps.Chains,
		deps.RateLimiter, deps.Emitter,
		service.TradeConfig{
			FeeDivisorUSD: cfg.Trading.FeeDivisorUSD,
			TradeTTL:      cfg.Trading.TradeTTL.Duration,
			CashOrderTTL:  cfg.Trading.CashOrderTTL.Duration,
			RequestLimit:  cfg.Trading.RequestLimit,
			RequestWindow: cfg.Trading.RequestWindow.Duration,
			EscrowCoins:   escrowCoins,
		},
		logger,
	)
	deps.Fulfillment = service.NewFulfillmentService(
		deps.Stores, deps.Trades, deps.Rates, deps.BlobWriter, deps.Emitter,
		service.FulfillmentConfig{
			ProofPrefix:   cfg.S3.ProofPrefix,
			MaxProofBytes: cfg.S3.MaxProofBytes,
			CashOrderTTL:  cfg.Trading.CashOrderTTL.Duration,
		},
		logger,
	)
	deps.Sweeper = service.NewSweeper(
		deps.Stores.Trades, deps.Stores.Jobs, deps.Trades, deps.Fulfillment, deps.Notifier,
		cfg.Workers.SweepInterval.Duration, cfg.Workers.SweepBatch, logger,
	)
	deps.Retrier = service.NewReleaseRetrier(deps.Escrow, cfg.Workers.ReleaseRetryInterval.Duration, logger)
}
