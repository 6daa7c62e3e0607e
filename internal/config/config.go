// Package config defines the top-level configuration for the rpsarena server
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RPSARENA_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Bolt        BoltConfig        `toml:"bolt"`
	Server      ServerConfig      `toml:"server"`
	Session     SessionConfig     `toml:"session"`
	Matchmaking MatchmakingConfig `toml:"matchmaking"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Tier        TierConfig        `toml:"tier"`
	History     HistoryConfig     `toml:"history"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the key that signs settlement receipts.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int    `toml:"chain_id"`
	// AllowEphemeral generates a throwaway key when none is configured.
	AllowEphemeral bool `toml:"allow_ephemeral"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	DialTimeout duration `toml:"dial_timeout"`
	KeyPrefix   string   `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables history archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BoltConfig locates the local-mode database file.
type BoltConfig struct {
	DataDir string `toml:"data_dir"`
}

// ServerConfig holds HTTP and websocket gateway parameters.
type ServerConfig struct {
	Port             int      `toml:"port"`
	CORSOrigins      []string `toml:"cors_origins"`
	APIKey           string   `toml:"api_key"`
	SessionSecret    string   `toml:"session_secret"`
	ResumeTokenTTL   duration `toml:"resume_token_ttl"`
	RequireSignature bool     `toml:"require_signature"`
	SignatureSkew    duration `toml:"signature_skew"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	CommandLimit     int      `toml:"command_limit"`
	CommandWindow    duration `toml:"command_window"`
}

// SessionConfig holds match session timings.
type SessionConfig struct {
	RoundsToWin    int      `toml:"rounds_to_win"`
	MaxRoundsToWin int      `toml:"max_rounds_to_win"`
	RoundDisplay   duration `toml:"round_display"`
	MoveTimeout    duration `toml:"move_timeout"`
	GracePeriod    duration `toml:"grace_period"`
	Retention      duration `toml:"retention"`
	HintTTL        duration `toml:"hint_ttl"`
}

// MatchmakingConfig holds random-match pool parameters.
type MatchmakingConfig struct {
	Timeout       duration `toml:"timeout"`
	SweepInterval duration `toml:"sweep_interval"`
}

// FeeTierConfig is one step of a fee table: stakes up to UpTo pay Rate.
type FeeTierConfig struct {
	UpTo decimal.Decimal `toml:"up_to"`
	Rate decimal.Decimal `toml:"rate"`
}

// FeeConfig is the fee table of one currency.
type FeeConfig struct {
	Tiers   []FeeTierConfig `toml:"tiers"`
	Default decimal.Decimal `toml:"default"`
}

// LedgerConfig holds escrow parameters keyed by currency.
type LedgerConfig struct {
	Fees            map[string]FeeConfig       `toml:"fees"`
	OpeningBalances map[string]decimal.Decimal `toml:"opening_balances"`
	LockTTL         duration                   `toml:"lock_ttl"`
}

// TierConfig holds execution tier routing parameters.
type TierConfig struct {
	ProbeInterval   duration `toml:"probe_interval"`
	LatencyBudget   duration `toml:"latency_budget"`
	CommitAttempts  int      `toml:"commit_attempts"`
	CommitBaseDelay duration `toml:"commit_base_delay"`
	CommitMaxDelay  duration `toml:"commit_max_delay"`
	FastStateTTL    duration `toml:"fast_state_ttl"`
}

// HistoryConfig holds game history recording and archiving parameters.
type HistoryConfig struct {
	PollInterval         duration `toml:"poll_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// NotifyConfig holds operator notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
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

// Defaults returns a Config populated with sensible defaults for local
// development.
func Defaults() Config {
	return Config{
		Wallet: WalletConfig{
			ChainID: 1,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "rpsarena",
			User:          "rpsarena",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			KeyPrefix:   "rps:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Bolt: BoltConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			ResumeTokenTTL: duration{30 * time.Minute},
			SignatureSkew:  duration{5 * time.Minute},
			RateLimit:      120,
			RateWindow:     duration{time.Minute},
			CommandLimit:   30,
			CommandWindow:  duration{10 * time.Second},
		},
		Session: SessionConfig{
			RoundsToWin:    3,
			MaxRoundsToWin: 10,
			RoundDisplay:   duration{5 * time.Second},
			MoveTimeout:    duration{30 * time.Second},
			GracePeriod:    duration{30 * time.Second},
			Retention:      duration{10 * time.Minute},
			HintTTL:        duration{time.Hour},
		},
		Matchmaking: MatchmakingConfig{
			Timeout:       duration{30 * time.Second},
			SweepInterval: duration{time.Second},
		},
		Ledger: LedgerConfig{
			Fees: map[string]FeeConfig{
				"sol": {
					Tiers: []FeeTierConfig{
						{UpTo: decimal.New(1, -2), Rate: decimal.New(5, -2)},
						{UpTo: decimal.New(5, -2), Rate: decimal.New(3, -2)},
					},
					Default: decimal.New(2, -2),
				},
				"points": {Default: decimal.Zero},
			},
			OpeningBalances: map[string]decimal.Decimal{
				"points": decimal.New(1000, 0),
				"sol":    decimal.Zero,
			},
			LockTTL: duration{10 * time.Second},
		},
		Tier: TierConfig{
			ProbeInterval:   duration{30 * time.Second},
			LatencyBudget:   duration{500 * time.Millisecond},
			CommitAttempts:  8,
			CommitBaseDelay: duration{200 * time.Millisecond},
			CommitMaxDelay:  duration{10 * time.Second},
			FastStateTTL:    duration{5 * time.Minute},
		},
		History: HistoryConfig{
			PollInterval:         duration{500 * time.Millisecond},
			ArchiveRetentionDays: 90,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			DiscordUsername: "rpsarena",
			Events:          []string{"settlement_failed"},
		},
		Mode:     "local",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":  true,
	"local": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCurrencies = map[string]bool{
	"points": true,
	"sol":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, local)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" && !c.Wallet.AllowEphemeral {
		errs = append(errs, "wallet: private_key or encrypted_key_path must be set (or allow_ephemeral)")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if c.Wallet.ChainID <= 0 {
		errs = append(errs, "wallet: chain_id must be positive")
	}

	if mode == "full" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.S3.Bucket != "" && c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when bucket is set")
		}
		if c.Server.RequireSignature && c.Server.SessionSecret == "" {
			errs = append(errs, "server: session_secret is required when require_signature is set")
		}
	}
	if mode == "local" && c.Bolt.DataDir == "" {
		errs = append(errs, "bolt: data_dir must not be empty")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 || c.Server.CommandLimit < 0 {
		errs = append(errs, "server: rate_limit and command_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}
	if c.Server.CommandLimit > 0 && c.Server.CommandWindow.Duration <= 0 {
		errs = append(errs, "server: command_window must be > 0 when command_limit is set")
	}

	// Session
	if c.Session.MaxRoundsToWin < 1 {
		errs = append(errs, "session: max_rounds_to_win must be >= 1")
	}
	if c.Session.RoundsToWin < 1 || c.Session.RoundsToWin > c.Session.MaxRoundsToWin {
		errs = append(errs, fmt.Sprintf("session: rounds_to_win must be 1-%d, got %d", c.Session.MaxRoundsToWin, c.Session.RoundsToWin))
	}
	if c.Session.MoveTimeout.Duration <= 0 {
		errs = append(errs, "session: move_timeout must be > 0")
	}
	if c.Session.GracePeriod.Duration <= 0 {
		errs = append(errs, "session: grace_period must be > 0")
	}
	if c.Session.RoundDisplay.Duration < 0 {
		errs = append(errs, "session: round_display must be >= 0")
	}

	// Matchmaking
	if c.Matchmaking.Timeout.Duration <= 0 {
		errs = append(errs, "matchmaking: timeout must be > 0")
	}
	if c.Matchmaking.SweepInterval.Duration <= 0 {
		errs = append(errs, "matchmaking: sweep_interval must be > 0")
	}

	// Ledger
	for cur, fc := range c.Ledger.Fees {
		if !validCurrencies[cur] {
			errs = append(errs, fmt.Sprintf("ledger: unknown currency %q in fees", cur))
			continue
		}
		if fc.Default.IsNegative() || fc.Default.GreaterThanOrEqual(decimal.New(1, 0)) {
			errs = append(errs, fmt.Sprintf("ledger: fees.%s.default must be in [0, 1)", cur))
		}
		for i, t := range fc.Tiers {
			if !t.UpTo.IsPositive() {
				errs = append(errs, fmt.Sprintf("ledger: fees.%s.tiers[%d].up_to must be > 0", cur, i))
			}
			if t.Rate.IsNegative() || t.Rate.GreaterThanOrEqual(decimal.New(1, 0)) {
				errs = append(errs, fmt.Sprintf("ledger: fees.%s.tiers[%d].rate must be in [0, 1)", cur, i))
			}
		}
	}
	for cur, bal := range c.Ledger.OpeningBalances {
		if !validCurrencies[cur] {
			errs = append(errs, fmt.Sprintf("ledger: unknown currency %q in opening_balances", cur))
		}
		if bal.IsNegative() {
			errs = append(errs, fmt.Sprintf("ledger: opening_balances.%s must be >= 0", cur))
		}
	}

	// Tier
	if c.Tier.ProbeInterval.Duration <= 0 {
		errs = append(errs, "tier: probe_interval must be > 0")
	}
	if c.Tier.LatencyBudget.Duration <= 0 {
		errs = append(errs, "tier: latency_budget must be > 0")
	}
	if c.Tier.CommitAttempts < 1 {
		errs = append(errs, "tier: commit_attempts must be >= 1")
	}

	// History
	if c.History.ArchiveRetentionDays < 0 {
		errs = append(errs, "history: archive_retention_days must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
