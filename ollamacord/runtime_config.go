package ollamacord

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"strings"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigChatEnabled   = "chat_enabled"
	columnRuntimeConfigPaused        = "paused"
)

// DefaultSystemPromptTemplate seeds new conversations. The single %s verb
// is replaced with the bot's Discord display name.
const DefaultSystemPromptTemplate = "You are %s, a helpful but slightly " +
	"offhand assistant residing in Discord. Answer the user's questions " +
	"directly. You may be playful or roast lightly, but do not be abusive " +
	"or discriminatory."

// CommandOptions holds the user-visible strings for the bot's commands
// and canned replies. Embedded in RuntimeConfig so they can be changed
// without a restart.
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// ResetCommandDescription is the description for the '/reset' command.
	ResetCommandDescription string `json:"reset_command_description" gorm:"type:string" binding:"omitempty,min=1,max=100"`

	// ToggleCommandDescription is the description for the '/toggle' command.
	ToggleCommandDescription string `json:"toggle_command_description" gorm:"type:string" binding:"omitempty,min=1,max=100"`

	// ToggleOptionDescription is the description for '/toggle''s optional
	// 'enable' boolean.
	ToggleOptionDescription string `json:"toggle_option_description" gorm:"type:string" binding:"omitempty,min=1,max=100"`

	// DiscordErrorMessage is the canned reply when something breaks
	// unexpectedly.
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// DiscordBusyMessage is sent when a channel's worker is still busy
	// with a previous request.
	DiscordBusyMessage string `json:"discord_busy_message" gorm:"type:string"`

	// ChatDisabledMessage is sent in reply to mentions while chat
	// responses are toggled off.
	ChatDisabledMessage string `json:"chat_disabled_message" gorm:"type:string"`

	// RecoverPanic, if true, recovers panics in request handling rather
	// than crashing the bot.
	RecoverPanic bool `json:"recover_panic"`
}

// RuntimeConfig represents the runtime configuration of the OllamaCord bot.
// It stores settings that can be modified during runtime and persisted
// across restarts. This struct is used to manage the 'live' application
// state for states we would want to maintain across restarts (e.g. the
// /toggle flag, or being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// ChatEnabled is the '/toggle' flag: when false, the bot does not
	// reply to mentions. '/reset' and '/toggle' still work.
	ChatEnabled bool `json:"chat_enabled" gorm:"not null;default:true"`

	// Paused indicates whether request processing is currently paused.
	// Unlike ChatEnabled, mentions received while paused stay queued.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID, if set, receives the configured startup
	// message when the bot connects to the gateway.
	NotificationChannelID string `json:"notification_channel_id" gorm:"type:string"`

	// SystemPromptTemplate is the template used to seed new channel
	// conversations. A single %s verb is replaced with the bot's
	// display name.
	SystemPromptTemplate string `json:"system_prompt_template" gorm:"type:string" binding:"omitempty,min=1"`

	// OllamaMaxRequestsPerSecond is the rate limit for inference requests
	// sent to the Ollama server.
	OllamaMaxRequestsPerSecond int `gorm:"column:ollama_max_requests_per_second;default:1" json:"ollama_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// OllamaLogLevel is the logging level for Ollama-related operations.
	OllamaLogLevel DBLogLevel `gorm:"default:INFO;column:ollama_log_level;type:string;check:ollama_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"ollama_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// SystemPrompt renders the system prompt for the given bot display name.
func (c RuntimeConfig) SystemPrompt(botName string) string {
	template := c.SystemPromptTemplate
	if template == "" {
		template = DefaultSystemPromptTemplate
	}
	if strings.Contains(template, "%s") {
		return fmt.Sprintf(template, botName)
	}
	return template
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			ResetCommandDescription:  DefaultDiscordResetDescription,
			ToggleCommandDescription: DefaultDiscordToggleDescription,
			ToggleOptionDescription:  DefaultToggleOptionDescription,
			DiscordErrorMessage:      DefaultDiscordErrorMessage,
			DiscordBusyMessage:       DefaultDiscordBusyMessage,
			ChatDisabledMessage:      DefaultDiscordChatDisabledMessage,
			RecoverPanic:             false,
		},
		ChatEnabled:                true,
		SystemPromptTemplate:       DefaultSystemPromptTemplate,
		OllamaMaxRequestsPerSecond: DefaultOllamaMaxRequestsPerSecond,
		DiscordCustomStatus:        DefaultDiscordCustomStatus,
		LogLevel:                   DBLogLevel(slog.LevelInfo.String()),
		OllamaLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:            DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:          DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:           DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:                DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is the PATCH payload for runtime configuration.
// Nil fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	ChatEnabled  *bool `json:"chat_enabled,omitempty"`
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty"`
	NotificationChannelID *string `json:"notification_channel_id,omitempty"`
	DiscordErrorMessage   *string `json:"discord_error_message,omitempty"`
	DiscordBusyMessage    *string `json:"discord_busy_message,omitempty"`
	ChatDisabledMessage   *string `json:"chat_disabled_message,omitempty"`

	ResetCommandDescription  *string `json:"reset_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	ToggleCommandDescription *string `json:"toggle_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	ToggleOptionDescription  *string `json:"toggle_option_description,omitempty" binding:"omitnil,min=1,max=100"`

	SystemPromptTemplate       *string `json:"system_prompt_template,omitempty" binding:"omitnil,min=1"`
	OllamaMaxRequestsPerSecond *int    `json:"ollama_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=100"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OllamaLogLevel    *DBLogLevel `json:"ollama_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	err := structValidator.Struct(b)
	return err
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	if !config.ChatEnabled {
		return discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusIdle),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
