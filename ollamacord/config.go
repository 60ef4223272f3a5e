//nolint:lll // struct tags can't be split
package ollamacord

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"reflect"
	"time"
)

const (
	EnvvarSetEnvPrefix = "OLLAMACORD_ENV_PREFIX"
	DefaultEnvPrefix   = "OLLAMACORD"

	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "ollamacord.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultOllamaURL                   = "http://localhost:11434"
	DefaultOllamaModel                 = "llama3"
	DefaultOllamaTimeout               = 120 * time.Second
	DefaultOllamaTemperature           = 0.7
	DefaultOllamaKeepAlive             = 5 * time.Minute
	DefaultOllamaMaxRequestsPerSecond  = 1
	DefaultMaxConversationLogSize      = 50
	DefaultMaxTextAttachmentSize       = 20000
	DefaultMaxAttachmentDownloadSize   = 2 * 1024 * 1024
	DefaultChannelWorkerIdleTimeout    = 5 * time.Minute
	DefaultChannelWorkerSendTimeout    = 10 * time.Second
	discordInteractionTokenLifespan    = 15 * time.Minute
	DefaultReadTimeout                 = 5 * time.Second
	DefaultReadHeaderTimeout           = 5 * time.Second
	DefaultWriteTimeout                = 10 * time.Second
	DefaultIdleTimeout                 = 30 * time.Second
	DiscordSlashCommandReset           = "reset"
	DefaultDiscordResetDescription     = "Reset my memory of this channel's conversation"
	DiscordSlashCommandToggle          = "toggle"
	DefaultDiscordToggleDescription    = "Enable or disable chat replies"
	DiscordToggleOptionEnable          = "enable"
	DefaultToggleOptionDescription     = "Explicitly enable (true) or disable (false) replies"
	DefaultDiscordGatewayIntent        = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordErrorMessage         = "sorry, something went wrong!"
	DefaultDiscordBusyMessage          = "I'm still working on the last message in this channel!"
	DefaultDiscordChatDisabledMessage  = "Chat responses are currently disabled."
	DefaultDiscordCustomStatus         = "@mention me to chat!"
	DefaultDiscordStartupMessage       = "I'm here!"
	discordMaxMessageLength            = 2000
	DefaultAPIListen                   = "127.0.0.1:5000"
	DefaultAPITLSMinVersion            = tls.VersionTLS12
	DefaultQueueSleepEmpty             = 1 * time.Second
	DefaultQueueSleepPaused            = 5 * time.Second
	DefaultQueueSize                   = 100
	DefaultQueueMaxAge                 = 3 * time.Minute
	DefaultAPISessionMaxAge            = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultDiscordLogLevel         = slog.LevelWarn
	DefaultOllamaLogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultUserCacheTTL     = time.Hour
)

type DiscordInteractionReceiveMethod string

var discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the ChatRequest queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// Ollama holds the configuration for the Ollama inference backend
	Ollama *OllamaConfig `yaml:"ollama" mapstructure:"ollama" json:"ollama"`

	// Chat configures conversation context and message handling
	Chat *ChatConfig `yaml:"chat" mapstructure:"chat" json:"chat"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize/enqueue running. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// By default, RuntimeConfig is loaded on start, and refreshed with each
	// update. When running multiple instances, though, the config may become
	// 'stale' if updated from another instance. If this TTL is set above 0,
	// the config will be refreshed from the database at least every TTL duration.
	// If using PostgreSQL, LISTEN/NOTIFY will be used to announce updates in
	// addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// UserCacheTTL sets the time-to-live for the User cache. By default, all
	// [User] entries are loaded on startup, and new/updated entries are
	// added/updated as needed. If this TTL is set above 0, the cache will
	// be refreshed from the database at least every TTL duration. This is
	// primarily useful when running multiple instances.
	UserCacheTTL time.Duration `yaml:"user_cache_ttl" mapstructure:"user_cache_ttl" json:"user_cache_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and behavior of the ChatRequest queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue. Requests
	// older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Sleep for this duration when the bot is paused or chat replies are
	// disabled, before checking again
	SleepPaused time.Duration `yaml:"sleep_paused" mapstructure:"sleep_paused" json:"sleep_paused"`
}

func validateQueueConfig(field reflect.Value) any {
	if value, ok := field.Interface().(QueueConfig); ok {
		if value.Size < 0 {
			return "size must be >= 0"
		}
		if value.MaxAge < 0 {
			return "max_age must be >= 0"
		}
		if value.SleepEmpty < 0 {
			return "sleep_empty must be >= 0"
		}
		if value.SleepPaused < 0 {
			return "sleep_paused must be >= 0"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global. Global commands
	// can take up to an hour to propagate to all guilds; set a guild ID
	// during development for instant registration.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, and [RuntimeConfig.NotificationChannelID] is set, the bot
	// will send this message to that channel whenever it connects to the
	// discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message" binding:"required"`

	// Discord gateway intents. Message content is a privileged intent and
	// must also be enabled in the dev portal, or mentions will arrive with
	// empty content. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OllamaConfig configures the connection to the Ollama inference server.
//
//nolint:lll // can't break tags
type OllamaConfig struct {
	// Base URL of the Ollama server
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`

	// Model name passed to /api/chat (e.g. "llama3", "mistral")
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Per-request timeout. When exceeded, the channel sees
	// "AI request timed out."
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// Sampling temperature sent with each request
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// How long the model stays loaded in memory after a request
	KeepAlive time.Duration `yaml:"keep_alive" mapstructure:"keep_alive" json:"keep_alive"`

	// Maximum inference requests started per second across all channels
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// Ollama client log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ChatConfig bounds conversation context and message intake.
//
//nolint:lll // can't break tags
type ChatConfig struct {
	// Maximum number of messages retained per channel conversation,
	// including the system prompt. The system prompt is never trimmed.
	MaxConversationLogSize int `yaml:"max_conversation_log_size" mapstructure:"max_conversation_log_size" json:"max_conversation_log_size" binding:"min=2"`

	// Maximum size, in bytes, of a text attachment's content that will be
	// appended to a prompt
	MaxTextAttachmentSize int `yaml:"max_text_attachment_size" mapstructure:"max_text_attachment_size" json:"max_text_attachment_size" binding:"min=1"`

	// Maximum size, in bytes, of an attachment the bot will download at all
	MaxAttachmentDownloadSize int `yaml:"max_attachment_download_size" mapstructure:"max_attachment_download_size" json:"max_attachment_download_size" binding:"min=1"`

	// How long an idle channel worker goroutine lingers before exiting
	WorkerIdleTimeout time.Duration `yaml:"worker_idle_timeout" mapstructure:"worker_idle_timeout" json:"worker_idle_timeout"`

	// How long the queue watcher waits to hand a request to a busy channel
	// worker before giving up and posting the busy message
	WorkerSendTimeout time.Duration `yaml:"worker_send_timeout" mapstructure:"worker_send_timeout" json:"worker_send_timeout"`
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"required_if=Enabled true,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	ollamaLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	ollamaLogLevel.Set(DefaultOllamaLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		UserCacheTTL:          DefaultUserCacheTTL,
		Queue: &QueueConfig{
			Size:        DefaultQueueSize,
			MaxAge:      DefaultQueueMaxAge,
			SleepEmpty:  DefaultQueueSleepEmpty,
			SleepPaused: DefaultQueueSleepPaused,
		},
		Ollama: &OllamaConfig{
			URL:                  DefaultOllamaURL,
			Model:                DefaultOllamaModel,
			Timeout:              DefaultOllamaTimeout,
			Temperature:          DefaultOllamaTemperature,
			KeepAlive:            DefaultOllamaKeepAlive,
			MaxRequestsPerSecond: DefaultOllamaMaxRequestsPerSecond,
			LogLevel:             ollamaLogLevel,
		},
		Chat: &ChatConfig{
			MaxConversationLogSize:    DefaultMaxConversationLogSize,
			MaxTextAttachmentSize:     DefaultMaxTextAttachmentSize,
			MaxAttachmentDownloadSize: DefaultMaxAttachmentDownloadSize,
			WorkerIdleTimeout:         DefaultChannelWorkerIdleTimeout,
			WorkerSendTimeout:         DefaultChannelWorkerSendTimeout,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
