package cmd

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcward/suggestbot/suggestbot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// clearEnv clears the environment for the duration of the test, and
// resets viper and the --config flag afterward
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			viper.Reset()
			configFile = ""
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)
	captureOutput(t)
	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")
	envContent := `
# General/store config

DC_STORE_TYPE=sqlite
DC_DATA_DIR=/var/lib/suggestbot
DC_DATABASE=/home/foo/suggestbot.sqlite3
DC_DATABASE_LOG_LEVEL=INFO
DC_DATABASE_SLOW_THRESHOLD=200ms
DC_FLUSH_INTERVAL=2s
DC_MESSAGE_FLUSH_RATE=0.5
DC_LOG_LEVEL=DEBUG
DC_STARTUP_TIMEOUT=30s
DC_SHUTDOWN_TIMEOUT=60s
DC_DEVELOPMENT=true

# Discord bot config

DC_DISCORD_TOKEN=your-discord-bot-token
DC_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DC_DISCORD_GUILD_ID=
DC_DISCORD_LOG_LEVEL=WARN
DC_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
DC_DISCORD_CUSTOM_STATUS="Taking suggestions"
DC_DISCORD_GATEWAY_INTENTS=37377
DC_DISCORD_MUTED_USERS=123 456

# Discord webhook server

DC_DISCORD_WEBHOOK_SERVER_ENABLED=false
DC_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
DC_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
DC_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
DC_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
DC_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
DC_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
DC_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
DC_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s

# API server

DC_API_ENABLED=true
DC_API_LISTEN=127.0.0.1:5000
DC_API_SECRET='$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA'
DC_API_LOG_LEVEL=DEBUG
DC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DC_API_CORS_ALLOW_METHODS=GET POST PUT DELETE
DC_API_CORS_MAX_AGE=12h
DC_API_IDLE_TIMEOUT=30s
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "sqlite", viper.GetString("store_type"))
	assert.Equal(t, "/home/foo/suggestbot.sqlite3", viper.GetString("database"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, []string{"123", "456"}, viper.GetStringSlice("discord.muted_users"))

	assert.Equal(t, "sqlite", cfg.StoreType)
	assert.Equal(t, "/var/lib/suggestbot", cfg.DataDir)
	assert.Equal(t, "/home/foo/suggestbot.sqlite3", cfg.Database)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.InDelta(t, 0.5, cfg.MessageFlushRate, 0.0001)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Taking suggestions", cfg.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(37377), cfg.Discord.GatewayIntents)
	assert.Equal(t, []string{"123", "456"}, cfg.Discord.MutedUsers)

	assert.False(t, cfg.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", cfg.Discord.WebhookServer.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.Discord.WebhookServer.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", cfg.Discord.WebhookServer.SSL.Key)
	assert.Equal(t, uint16(771), cfg.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, cfg.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", cfg.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, cfg.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Discord.WebhookServer.WriteTimeout)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "PUT", "DELETE"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, suggestbot.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, 12*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 30*time.Second, cfg.API.IdleTimeout)
}

func TestLevelToStringHookFunc(t *testing.T) {
	lvl, err := levelStringToLevelVar("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl.Level())

	_, err = levelStringToLevelVar("loud")
	require.Error(t, err)
}
