package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LucidPolaris/OllamaCord/ollamacord"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetCmdState clears viper and the package-level config so each test
// sees the same state a fresh process would.
func resetCmdState(t testing.TB) {
	t.Helper()
	reset := func() {
		viper.Reset()
		cfg = ollamacord.DefaultConfig()
		configFile = ""
	}
	reset()
	t.Cleanup(reset)
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetCmdState(t)

	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

OLLAMACORD_DATABASE=/home/foo/ollamacord.sqlite3
OLLAMACORD_DATABASE_TYPE=sqlite
OLLAMACORD_DATABASE_LOG_LEVEL=INFO
OLLAMACORD_DATABASE_SLOW_THRESHOLD=200ms
OLLAMACORD_LOG_LEVEL=INFO
OLLAMACORD_STARTUP_TIMEOUT=30s
OLLAMACORD_SHUTDOWN_TIMEOUT=60s

# In-memory ChatRequest queue config

OLLAMACORD_QUEUE_SIZE=100
OLLAMACORD_QUEUE_MAX_AGE=3m
OLLAMACORD_QUEUE_SLEEP_EMPTY=1s
OLLAMACORD_QUEUE_SLEEP_PAUSED=5s

# Ollama config

OLLAMACORD_OLLAMA_URL=http://localhost:11434
OLLAMACORD_OLLAMA_MODEL=llama3
OLLAMACORD_OLLAMA_TIMEOUT=120s
OLLAMACORD_OLLAMA_TEMPERATURE=0.7
OLLAMACORD_OLLAMA_KEEP_ALIVE=5m
OLLAMACORD_OLLAMA_MAX_REQUESTS_PER_SECOND=1
OLLAMACORD_OLLAMA_LOG_LEVEL=INFO

# Chat config

OLLAMACORD_CHAT_MAX_CONVERSATION_LOG_SIZE=50
OLLAMACORD_CHAT_MAX_TEXT_ATTACHMENT_SIZE=20000
OLLAMACORD_CHAT_MAX_ATTACHMENT_DOWNLOAD_SIZE=2097152
OLLAMACORD_CHAT_WORKER_IDLE_TIMEOUT=5m
OLLAMACORD_CHAT_WORKER_SEND_TIMEOUT=10s

# Discord bot config

OLLAMACORD_DISCORD_TOKEN=your-discord-bot-token
OLLAMACORD_DISCORD_APPLICATION_ID=your-discord-bot-app-id
OLLAMACORD_DISCORD_GUILD_ID=
OLLAMACORD_DISCORD_LOG_LEVEL=WARN
OLLAMACORD_DISCORD_DISCORDGO_LOG_LEVEL=WARN
OLLAMACORD_DISCORD_STARTUP_MESSAGE="I'm here!"
OLLAMACORD_DISCORD_GATEWAY_INTENTS=3243773

# API server

OLLAMACORD_API_LISTEN=127.0.0.1:5000
OLLAMACORD_API_SSL_CERT=/etc/ssl/cert.pem
OLLAMACORD_API_SSL_KEY=/etc/ssl/key.pem
OLLAMACORD_API_SSL_TLS_MIN_VERSION=771
OLLAMACORD_API_SECRET=your-api-secret
OLLAMACORD_API_LOG_LEVEL=DEBUG
OLLAMACORD_API_DEVELOPMENT=true
OLLAMACORD_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
OLLAMACORD_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
OLLAMACORD_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control X-CSRF-Token X-Request-ID
OLLAMACORD_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding X-Request-ID Location ETag Authorization Last-Modified
OLLAMACORD_API_CORS_ALLOW_CREDENTIALS=true
OLLAMACORD_API_CORS_MAX_AGE=12h
OLLAMACORD_API_READ_TIMEOUT=5s
OLLAMACORD_API_READ_HEADER_TIMEOUT=5s
OLLAMACORD_API_WRITE_TIMEOUT=10s
OLLAMACORD_API_IDLE_TIMEOUT=30s
OLLAMACORD_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/ollamacord.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/ollamacord.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, 100, viper.GetInt("queue.size"))
	assert.Equal(t, 3*time.Minute, viper.GetDuration("queue.max_age"))
	assert.Equal(t, 1*time.Second, viper.GetDuration("queue.sleep_empty"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("queue.sleep_paused"))

	assert.Equal(t, "http://localhost:11434", viper.GetString("ollama.url"))
	assert.Equal(t, "llama3", viper.GetString("ollama.model"))
	assert.Equal(t, 120*time.Second, viper.GetDuration("ollama.timeout"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("ollama.keep_alive"))
	assert.Equal(t, 1, viper.GetInt("ollama.max_requests_per_second"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("ollama.log_level"))

	assert.Equal(t, 50, viper.GetInt("chat.max_conversation_log_size"))
	assert.Equal(t, 20000, viper.GetInt("chat.max_text_attachment_size"))
	assert.Equal(t, 2097152, viper.GetInt("chat.max_attachment_download_size"))
	assert.Equal(t, 5*time.Minute, viper.GetDuration("chat.worker_idle_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("chat.worker_send_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.True(t, viper.GetBool("api.development"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.Equal(
		t,
		[]string{
			"Content-Type",
			"Content-Length",
			"Accept-Encoding",
			"X-Request-ID",
			"Location",
			"ETag",
			"Authorization",
			"Last-Modified",
		},
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into an ollamacord.Config struct
	var config ollamacord.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/ollamacord.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, 100, config.Queue.Size)
	assert.Equal(t, 3*time.Minute, config.Queue.MaxAge)
	assert.Equal(t, time.Second, config.Queue.SleepEmpty)
	assert.Equal(t, 5*time.Second, config.Queue.SleepPaused)

	assert.Equal(t, "http://localhost:11434", config.Ollama.URL)
	assert.Equal(t, "llama3", config.Ollama.Model)
	assert.Equal(t, 120*time.Second, config.Ollama.Timeout)
	assert.Equal(t, float32(0.7), config.Ollama.Temperature)
	assert.Equal(t, 5*time.Minute, config.Ollama.KeepAlive)
	assert.Equal(t, 1, config.Ollama.MaxRequestsPerSecond)
	assert.Equal(t, slog.LevelInfo, config.Ollama.LogLevel.Level())

	assert.Equal(t, 50, config.Chat.MaxConversationLogSize)
	assert.Equal(t, 20000, config.Chat.MaxTextAttachmentSize)
	assert.Equal(t, 2097152, config.Chat.MaxAttachmentDownloadSize)
	assert.Equal(t, 5*time.Minute, config.Chat.WorkerIdleTimeout)
	assert.Equal(t, 10*time.Second, config.Chat.WorkerSendTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.True(t, config.API.Development)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Requested-With",
			"Cache-Control",
			"X-CSRF-Token",
			"X-Request-ID",
		},
		config.API.CORS.AllowHeaders,
	)
}

// initConfig runs once per command execution and rewrites the log level
// keys from strings to *slog.LevelVar, so a second execution must not
// try to re-parse the stored LevelVar as a string.
func TestInitConfigRepeated(t *testing.T) {
	resetCmdState(t)

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assertLogLevel(t, ollamacord.DefaultLogLevel, viper.Get("log_level"))

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assertLogLevel(t, ollamacord.DefaultLogLevel, viper.Get("log_level"))
	assertLogLevel(
		t,
		ollamacord.DefaultDatabaseLogLevel,
		viper.Get("database_log_level"),
	)
}
