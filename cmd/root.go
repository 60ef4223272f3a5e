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
	"testing"

	"github.com/LucidPolaris/OllamaCord/ollamacord"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = ollamacord.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "ollamacord [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
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
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", ollamacord.DefaultDatabase)
	viper.SetDefault("database_type", ollamacord.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		ollamacord.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		ollamacord.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", ollamacord.DefaultRuntimeConfigTTL)
	viper.SetDefault("user_cache_ttl", ollamacord.DefaultUserCacheTTL)

	viper.SetDefault("log_level", ollamacord.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", ollamacord.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", ollamacord.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", ollamacord.DefaultShutdownTimeout)

	viper.SetDefault("queue.max_age", ollamacord.DefaultQueueMaxAge)
	viper.SetDefault("queue.size", ollamacord.DefaultQueueSize)
	viper.SetDefault(
		"queue.sleep_paused",
		ollamacord.DefaultQueueSleepPaused,
	)
	viper.SetDefault(
		"queue.sleep_empty",
		ollamacord.DefaultQueueSleepEmpty,
	)

	// Ollama config
	viper.SetDefault("ollama.url", ollamacord.DefaultOllamaURL)
	viper.SetDefault("ollama.model", ollamacord.DefaultOllamaModel)
	viper.SetDefault("ollama.timeout", ollamacord.DefaultOllamaTimeout)
	viper.SetDefault("ollama.temperature", ollamacord.DefaultOllamaTemperature)
	viper.SetDefault("ollama.keep_alive", ollamacord.DefaultOllamaKeepAlive)
	viper.SetDefault(
		"ollama.max_requests_per_second",
		ollamacord.DefaultOllamaMaxRequestsPerSecond,
	)
	viper.SetDefault("ollama.log_level", ollamacord.DefaultOllamaLogLevel.String())

	// Chat config
	viper.SetDefault(
		"chat.max_conversation_log_size",
		ollamacord.DefaultMaxConversationLogSize,
	)
	viper.SetDefault(
		"chat.max_text_attachment_size",
		ollamacord.DefaultMaxTextAttachmentSize,
	)
	viper.SetDefault(
		"chat.max_attachment_download_size",
		ollamacord.DefaultMaxAttachmentDownloadSize,
	)
	viper.SetDefault(
		"chat.worker_idle_timeout",
		ollamacord.DefaultChannelWorkerIdleTimeout,
	)
	viper.SetDefault(
		"chat.worker_send_timeout",
		ollamacord.DefaultChannelWorkerSendTimeout,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		ollamacord.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		ollamacord.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		ollamacord.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", ollamacord.DefaultDiscordStartupMessage)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", ollamacord.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		ollamacord.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", ollamacord.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		ollamacord.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", ollamacord.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", ollamacord.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		ollamacord.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		ollamacord.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		ollamacord.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", ollamacord.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		ollamacord.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(ollamacord.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = ollamacord.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	setViperLevelVar("log_level")
	setViperLevelVar("discord.log_level")
	setViperLevelVar("ollama.log_level")
	setViperLevelVar("discord.discordgo_log_level")
	setViperLevelVar("database_log_level")
	setViperLevelVar("api.log_level")
}

// setViperLevelVar replaces the string log level stored under the given
// viper key with a *slog.LevelVar. initConfig runs once per command
// execution, so the key may already hold a LevelVar from an earlier run;
// those are left alone rather than re-parsed as strings.
func setViperLevelVar(key string) {
	if _, ok := viper.Get(key).(*slog.LevelVar); ok {
		return
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
	if err != nil {
		log.Fatalf("error parsing %s: %v", key, err)
	}
	viper.Set(key, logLevelVar)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
