package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RPSARENA_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is
// empty. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RPSARENA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "RPSARENA_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "RPSARENA_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "RPSARENA_WALLET_KEY_PASSWORD")
	setInt(&cfg.Wallet.ChainID, "RPSARENA_WALLET_CHAIN_ID")
	setBool(&cfg.Wallet.AllowEphemeral, "RPSARENA_WALLET_ALLOW_EPHEMERAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "RPSARENA_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias, wins when set
	setStr(&cfg.Postgres.Host, "RPSARENA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RPSARENA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RPSARENA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RPSARENA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RPSARENA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RPSARENA_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RPSARENA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RPSARENA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RPSARENA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "RPSARENA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RPSARENA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RPSARENA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RPSARENA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RPSARENA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "RPSARENA_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RPSARENA_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "RPSARENA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RPSARENA_S3_REGION")
	setStr(&cfg.S3.Bucket, "RPSARENA_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "RPSARENA_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "RPSARENA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RPSARENA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "RPSARENA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "RPSARENA_S3_FORCE_PATH_STYLE")

	// ── Bolt ──
	setStr(&cfg.Bolt.DataDir, "RPSARENA_BOLT_DATA_DIR")

	// ── Server ──
	setInt(&cfg.Server.Port, "RPSARENA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RPSARENA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RPSARENA_SERVER_API_KEY")
	setStr(&cfg.Server.SessionSecret, "RPSARENA_SERVER_SESSION_SECRET")
	setDuration(&cfg.Server.ResumeTokenTTL, "RPSARENA_SERVER_RESUME_TOKEN_TTL")
	setBool(&cfg.Server.RequireSignature, "RPSARENA_SERVER_REQUIRE_SIGNATURE")
	setDuration(&cfg.Server.SignatureSkew, "RPSARENA_SERVER_SIGNATURE_SKEW")
	setInt(&cfg.Server.RateLimit, "RPSARENA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "RPSARENA_SERVER_RATE_WINDOW")
	setInt(&cfg.Server.CommandLimit, "RPSARENA_SERVER_COMMAND_LIMIT")
	setDuration(&cfg.Server.CommandWindow, "RPSARENA_SERVER_COMMAND_WINDOW")

	// ── Session ──
	setInt(&cfg.Session.RoundsToWin, "RPSARENA_SESSION_ROUNDS_TO_WIN")
	setInt(&cfg.Session.MaxRoundsToWin, "RPSARENA_SESSION_MAX_ROUNDS_TO_WIN")
	setDuration(&cfg.Session.RoundDisplay, "RPSARENA_SESSION_ROUND_DISPLAY")
	setDuration(&cfg.Session.MoveTimeout, "RPSARENA_SESSION_MOVE_TIMEOUT")
	setDuration(&cfg.Session.GracePeriod, "RPSARENA_SESSION_GRACE_PERIOD")

	// ── Matchmaking ──
	setDuration(&cfg.Matchmaking.Timeout, "RPSARENA_MATCHMAKING_TIMEOUT")
	setDuration(&cfg.Matchmaking.SweepInterval, "RPSARENA_MATCHMAKING_SWEEP_INTERVAL")

	// ── Tier ──
	setDuration(&cfg.Tier.ProbeInterval, "RPSARENA_TIER_PROBE_INTERVAL")
	setDuration(&cfg.Tier.LatencyBudget, "RPSARENA_TIER_LATENCY_BUDGET")
	setInt(&cfg.Tier.CommitAttempts, "RPSARENA_TIER_COMMIT_ATTEMPTS")
	setDuration(&cfg.Tier.FastStateTTL, "RPSARENA_TIER_FAST_STATE_TTL")

	// ── History ──
	setInt(&cfg.History.ArchiveRetentionDays, "RPSARENA_HISTORY_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.History.ArchiveInterval, "RPSARENA_HISTORY_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RPSARENA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RPSARENA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RPSARENA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RPSARENA_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "RPSARENA_MODE")
	setStr(&cfg.LogLevel, "RPSARENA_LOG_LEVEL")
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
