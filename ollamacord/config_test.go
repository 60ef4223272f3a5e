package ollamacord

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, config.DatabaseType)
	assert.Equal(t, DefaultDatabase, config.Database)
	assert.Equal(t, DefaultStartupTimeout, config.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, config.ShutdownTimeout)

	require.NotNil(t, config.LogLevel)
	assert.Equal(t, DefaultLogLevel, config.LogLevel.Level())

	require.NotNil(t, config.Queue)
	assert.Equal(t, DefaultQueueSize, config.Queue.Size)
	assert.Equal(t, DefaultQueueMaxAge, config.Queue.MaxAge)
	assert.Equal(t, DefaultQueueSleepEmpty, config.Queue.SleepEmpty)
	assert.Equal(t, DefaultQueueSleepPaused, config.Queue.SleepPaused)

	require.NotNil(t, config.Ollama)
	assert.Equal(t, DefaultOllamaURL, config.Ollama.URL)
	assert.Equal(t, DefaultOllamaModel, config.Ollama.Model)
	assert.Equal(t, DefaultOllamaTimeout, config.Ollama.Timeout)
	assert.Equal(t, float32(DefaultOllamaTemperature), config.Ollama.Temperature)
	assert.Equal(t, DefaultOllamaKeepAlive, config.Ollama.KeepAlive)
	assert.Equal(
		t,
		DefaultOllamaMaxRequestsPerSecond,
		config.Ollama.MaxRequestsPerSecond,
	)

	require.NotNil(t, config.Chat)
	assert.Equal(
		t,
		DefaultMaxConversationLogSize,
		config.Chat.MaxConversationLogSize,
	)
	assert.Equal(
		t,
		DefaultMaxTextAttachmentSize,
		config.Chat.MaxTextAttachmentSize,
	)
	assert.Equal(
		t,
		DefaultChannelWorkerIdleTimeout,
		config.Chat.WorkerIdleTimeout,
	)

	require.NotNil(t, config.Discord)
	assert.Equal(t, DefaultDiscordGatewayIntent, config.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordStartupMessage, config.Discord.StartupMessage)
	require.NotNil(t, config.Discord.DiscordGoLogLevel)
	assert.Equal(
		t,
		DefaultDiscordgoLogLevel,
		config.Discord.DiscordGoLogLevel.Level(),
	)

	require.NotNil(t, config.API)
	assert.Equal(t, DefaultAPIListen, config.API.Listen)
	assert.Equal(t, defaultListenNetwork, config.API.ListenNetwork)
	assert.Equal(t, uint16(DefaultAPITLSMinVersion), config.API.SSL.TLSMinVersion)
	assert.Equal(t, DefaultAPISessionMaxAge, config.API.SessionMaxAge)
	assert.False(t, config.API.Development)
}

func TestDefaultCORSConfig(t *testing.T) {
	config := DefaultCORSConfig()

	assert.Empty(t, config.AllowOrigins)
	assert.Equal(t, DefaultCORSAllowMethods, config.AllowMethods)
	assert.Equal(t, DefaultCORSAllowHeaders, config.AllowHeaders)
	assert.Equal(t, DefaultCORSExposeHeaders, config.ExposeHeaders)
	assert.Equal(t, DefaultCORSMaxAge, config.MaxAge)
	assert.True(t, config.AllowCredentials)

	// mutating the returned slices must not affect the defaults
	config.AllowMethods[0] = "BREW"
	assert.NotEqual(t, "BREW", DefaultCORSAllowMethods[0])
}

func TestCORSConfigGINConfig(t *testing.T) {
	config := CORSConfig{
		AllowOrigins:     []string{"https://example.com"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		ExposeHeaders:    []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}

	ginConfig := config.GINConfig()
	assert.Equal(t, config.AllowOrigins, ginConfig.AllowOrigins)
	assert.Equal(t, config.AllowMethods, ginConfig.AllowMethods)
	assert.Equal(t, config.AllowHeaders, ginConfig.AllowHeaders)
	assert.Equal(t, config.ExposeHeaders, ginConfig.ExposeHeaders)
	assert.Equal(t, config.MaxAge, ginConfig.MaxAge)
	assert.True(t, ginConfig.AllowCredentials)
}

func TestValidateQueueConfig(t *testing.T) {
	valid := QueueConfig{
		Size:        10,
		MaxAge:      time.Minute,
		SleepEmpty:  time.Second,
		SleepPaused: time.Second,
	}
	assert.Nil(t, validateQueueConfig(reflect.ValueOf(valid)))

	cases := map[string]QueueConfig{
		"size must be >= 0":         {Size: -1},
		"max_age must be >= 0":      {MaxAge: -time.Second},
		"sleep_empty must be >= 0":  {SleepEmpty: -time.Second},
		"sleep_paused must be >= 0": {SleepPaused: -time.Second},
	}
	for expected, config := range cases {
		assert.Equal(
			t,
			expected,
			validateQueueConfig(reflect.ValueOf(config)),
		)
	}
}

func TestConfigLogLevelVars(t *testing.T) {
	config := DefaultConfig()

	// level vars are live - changing them re-levels existing loggers
	config.LogLevel.Set(slog.LevelDebug)
	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
}
