package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/rpsarena/internal/blob/s3"
	"github.com/alanyoungcy/rpsarena/internal/cache/local"
	"github.com/alanyoungcy/rpsarena/internal/cache/redis"
	"github.com/alanyoungcy/rpsarena/internal/config"
	"github.com/alanyoungcy/rpsarena/internal/crypto"
	"github.com/alanyoungcy/rpsarena/internal/domain"
	"github.com/alanyoungcy/rpsarena/internal/ledger"
	"github.com/alanyoungcy/rpsarena/internal/notify"
	boltstore "github.com/alanyoungcy/rpsarena/internal/store/bolt"
	"github.com/alanyoungcy/rpsarena/internal/store/postgres"
	"github.com/alanyoungcy/rpsarena/internal/tier"
)

// operationJournal is a durable tier that can also list what it applied.
type operationJournal interface {
	domain.ExecutionTier
	Operations(ctx context.Context, matchID string) ([]domain.Operation, error)
}

// Dependencies bundles the backend implementations the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	EscrowStore  domain.EscrowStore
	AuditStore   domain.AuditStore
	HistoryStore domain.HistoryStore

	// Execution tiers
	Durable operationJournal
	Fast    domain.ExecutionTier

	// Caches
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus
	RateLimiter  domain.RateLimiter
	SessionHints domain.SessionHints

	// Blob storage; nil when no bucket is configured.
	Archiver *s3blob.Archiver

	// Security
	Signer   *crypto.ReceiptSigner
	Tokens   *crypto.ResumeTokens
	Verifier *crypto.WalletVerifier

	// Notifications
	Notifier *notify.Notifier
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
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{}

	switch strings.ToLower(cfg.Mode) {
	case "full":
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.EscrowStore = postgres.NewEscrowStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HistoryStore = postgres.NewHistoryStore(pool)
		deps.Durable = postgres.NewDurableTier(pool)

		// --- Redis ---
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			TLSEnabled:  cfg.Redis.TLSEnabled,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SessionHints = redis.NewSessionHints(redisClient)
		deps.Fast = redis.NewFastTier(redisClient, cfg.Tier.FastStateTTL.Duration)

	case "local":
		boltClient, err := boltstore.Open(cfg.Bolt.DataDir)
		if err != nil {
			return fail("bolt", err)
		}
		closers = append(closers, func() { _ = boltClient.Close() })

		deps.EscrowStore = ledger.NewMemoryStore()
		deps.AuditStore = boltstore.NewAuditStore(boltClient)
		deps.HistoryStore = boltstore.NewHistoryStore(boltClient)
		deps.Durable = boltstore.NewDurableTier(boltClient)

		deps.LockManager = local.NewLockManager()
		deps.SignalBus = local.NewSignalBus()
		deps.RateLimiter = local.NewRateLimiter()
		deps.SessionHints = local.NewSessionHints()
		deps.Fast = tier.NewMemoryTier(domain.TierFast, cfg.Tier.FastStateTTL.Duration)

	default:
		return fail("mode", fmt.Errorf("unsupported mode %q", cfg.Mode))
	}

	// --- S3 archive (optional in both modes) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.HistoryStore,
			deps.AuditStore,
			logger,
		)
	}

	// --- Keys and tokens ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
		AllowEphemeral:   cfg.Wallet.AllowEphemeral,
	})
	if err != nil {
		return fail("receipt key", err)
	}
	deps.Signer, err = crypto.NewReceiptSigner(keyHex, cfg.Wallet.ChainID)
	if err != nil {
		return fail("receipt signer", err)
	}
	if cfg.Wallet.PrivateKey == "" && cfg.Wallet.EncryptedKeyPath == "" {
		logger.Warn("using an ephemeral receipt key",
			slog.String("address", deps.Signer.Address().Hex()),
		)
	}

	if cfg.Server.SessionSecret != "" {
		deps.Tokens = crypto.NewResumeTokens(cfg.Server.SessionSecret, cfg.Server.ResumeTokenTTL.Duration)
	}
	if cfg.Server.RequireSignature {
		deps.Verifier = crypto.NewWalletVerifier(cfg.Server.SignatureSkew.Duration)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(
			cfg.Notify.DiscordWebhookURL,
			cfg.Notify.DiscordUsername,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// ledgerConfig converts the string-keyed fee and balance tables.
func ledgerConfig(cfg config.LedgerConfig) ledger.Config {
	out := ledger.DefaultConfig()
	if len(cfg.Fees) > 0 {
		out.Fees = make(map[domain.Currency]ledger.FeeSchedule, len(cfg.Fees))
		for cur, fc := range cfg.Fees {
			sched := ledger.FeeSchedule{Default: fc.Default}
			for _, t := range fc.Tiers {
				sched.Tiers = append(sched.Tiers, ledger.FeeTier{UpTo: t.UpTo, Rate: t.Rate})
			}
			out.Fees[domain.Currency(cur)] = sched
		}
	}
	if len(cfg.OpeningBalances) > 0 {
		out.OpeningBalances = make(map[domain.Currency]decimal.Decimal, len(cfg.OpeningBalances))
		for cur, amount := range cfg.OpeningBalances {
			out.OpeningBalances[domain.Currency(cur)] = amount
		}
	}
	if cfg.LockTTL.Duration > 0 {
		out.LockTTL = cfg.LockTTL.Duration
	}
	return out
}
