package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/suggestbot/suggestbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = suggestbot.DefaultConfig()
	configFile string
)

// levelVarKeys are the config keys holding a *slog.LevelVar
var levelVarKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

// stringSliceKeys are given as space-separated strings in the environment
var stringSliceKeys = []string{
	"discord.muted_users",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "suggestbot [flags]",
	Short: "Discord bot for suggestions with votes, and per-user message counts",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *suggestbot.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvlVar, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvlVar, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("store_type", suggestbot.DefaultStoreType)
	viper.SetDefault("data_dir", suggestbot.DefaultDataDir)
	viper.SetDefault("database", suggestbot.DefaultDatabase)
	viper.SetDefault("database_slow_threshold", suggestbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", suggestbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("flush_interval", suggestbot.DefaultFlushInterval)
	viper.SetDefault("message_flush_rate", suggestbot.DefaultMessageFlushRate)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", suggestbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", suggestbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", suggestbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", suggestbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", suggestbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", suggestbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", suggestbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.muted_users", []string{})

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", suggestbot.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", suggestbot.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", suggestbot.DefaultReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", suggestbot.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", suggestbot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		suggestbot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		suggestbot.DefaultDiscordWebhookServerTLSminVersion,
	)
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", suggestbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", suggestbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", suggestbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", suggestbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", suggestbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", suggestbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", suggestbot.DefaultAPITLSMinVersion)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", suggestbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", suggestbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", suggestbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", suggestbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", suggestbot.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(suggestbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = suggestbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range levelVarKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load config from (defaults to .env)",
	)
}
