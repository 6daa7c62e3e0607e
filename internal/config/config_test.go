package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConfig() Config {
	cfg := Defaults()
	cfg.Wallet.AllowEphemeral = true
	return cfg
}

func TestDefaultsValidateInLocalMode(t *testing.T) {
	cfg := localConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "arcade"
	cfg.LogLevel = "loud"
	cfg.Session.RoundsToWin = 0
	cfg.Ledger.Fees["sol"] = FeeConfig{Default: decimal.New(15, -1)}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "arcade"`,
		`unknown log_level "loud"`,
		"wallet: private_key or encrypted_key_path",
		"session: rounds_to_win",
		"ledger: fees.sol.default",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestFullModeNeedsBackends(t *testing.T) {
	cfg := localConfig()
	cfg.Mode = "full"
	cfg.Postgres.Host = ""
	cfg.Redis.Addr = ""
	cfg.Server.RequireSignature = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "server: session_secret")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "rpsarena.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "full"
log_level = "debug"

[session]
rounds_to_win = 5
move_timeout = "45s"

[ledger.fees.sol]
default = "0.01"
tiers = [{ up_to = "0.1", rate = "0.04" }]

[ledger.opening_balances]
points = "250"
`), 0o600))

	t.Setenv("RPSARENA_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("RPSARENA_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("RPSARENA_SESSION_GRACE_PERIOD", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Session.RoundsToWin)
	assert.Equal(t, 45*time.Second, cfg.Session.MoveTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Session.GracePeriod.Duration)
	assert.Equal(t, 10, cfg.Session.MaxRoundsToWin, "untouched fields keep defaults")
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)

	sol := cfg.Ledger.Fees["sol"]
	assert.True(t, sol.Default.Equal(decimal.RequireFromString("0.01")))
	require.Len(t, sol.Tiers, 1)
	assert.True(t, sol.Tiers[0].Rate.Equal(decimal.RequireFromString("0.04")))
	assert.True(t, cfg.Ledger.OpeningBalances["points"].Equal(decimal.New(250, 0)))
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Mode)
}

func TestRedactedConfig(t *testing.T) {
	cfg := localConfig()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pw"
	cfg.Server.SessionSecret = "hmac"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.SessionSecret)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Server.APIKey, "empty secrets stay empty")

	out.Server.CORSOrigins[0] = "mutated"
	out.Ledger.OpeningBalances["points"] = decimal.Zero
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.True(t, cfg.Ledger.OpeningBalances["points"].Equal(decimal.New(1000, 0)))
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}
