package ollamacord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	ToggleCommandStateReceived  ToggleCommandState = "received"
	ToggleCommandStateFailed    ToggleCommandState = "failed"
	ToggleCommandStateCompleted ToggleCommandState = "completed"
	ToggleCommandStateIgnored   ToggleCommandState = "ignored"
)

var (
	// toggleCommandResponseEnabled is the response message sent when
	// /toggle leaves chat replies enabled.
	// TODO set this via RuntimeConfig
	toggleCommandResponseEnabled = "Chat replies are now **enabled**."

	// toggleCommandResponseDisabled is the response message sent when
	// /toggle leaves chat replies disabled.
	// TODO set this via RuntimeConfig
	toggleCommandResponseDisabled = "Chat replies are now **disabled**."

	columnToggleCommandState      = "state"
	columnToggleCommandFinishedAt = "finished_at"
	columnToggleCommandResponse   = "response"
	columnToggleCommandError      = "error"
	columnToggleCommandStartedAt  = "started_at"
	columnToggleCommandEnabled    = "enabled"
)

type ToggleCommandState string

// ToggleCommand represents a '/toggle' slash command execution.
//
// It flips (or explicitly sets, via the optional 'enable' boolean)
// [RuntimeConfig.ChatEnabled]. When disabled, the bot stops replying to
// mentions; /reset and /toggle itself keep working. The flag is global
// and persisted, so it survives restarts. The response is public.
//
//nolint:lll // struct tags can't be split
type ToggleCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction
	logger *slog.Logger
	State  ToggleCommandState

	// Requested is the value of the 'enable' option, if it was provided.
	// Nil means "flip the current state".
	Requested *bool `json:"requested" gorm:"type:bool"`

	// Enabled records the resulting state of [RuntimeConfig.ChatEnabled]
	// after the command ran
	Enabled bool `json:"enabled" gorm:"type:bool"`

	Error    *string `json:"error" gorm:"type:string"`
	Response *string `json:"response" gorm:"type:string"`
	handler  InteractionHandler
}

func NewUserToggleCommand(
	o *OllamaCord,
	u *User,
	i *discordgo.InteractionCreate,
) *ToggleCommand {
	interaction := NewUserInteraction(i, u)

	rec := &ToggleCommand{
		Interaction: *interaction,
		State:       ToggleCommandStateReceived,
	}

	optionMap := discordInteractionOptions(i)
	if opt, ok := optionMap[DiscordToggleOptionEnable]; ok {
		requested := opt.BoolValue()
		rec.Requested = &requested
	}

	rec.logger = o.logger.With("toggle_command", rec)
	return rec
}

func (c *ToggleCommand) Deadline() time.Time {
	return time.UnixMilli(c.TokenExpires).UTC()
}

func (c ToggleCommand) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Any("interaction", c.Interaction),
		slog.Bool(columnToggleCommandEnabled, c.Enabled),
		slog.String("error", stringPointerValue(c.Error)),
		slog.String("response", stringPointerValue(c.Response)),
	}
	if c.Requested != nil {
		attrs = append(attrs, slog.Bool("requested", *c.Requested))
	}
	return slog.GroupValue(attrs...)
}

// execute processes the ToggleCommand, setting or flipping
// [RuntimeConfig.ChatEnabled] and announcing the resulting state.
func (c *ToggleCommand) execute(
	ctx context.Context,
	o *OllamaCord,
) error {
	o.toggleCommandsInProgress.Add(1)
	defer o.toggleCommandsInProgress.Add(-1)

	started := time.Now()

	config := c.handler.Config()

	cmdLogger := c.logger
	if cmdLogger == nil {
		cmdLogger = slog.Default()
	}

	newValue := !o.RuntimeConfig().ChatEnabled
	if c.Requested != nil {
		newValue = *c.Requested
	}
	c.Enabled = newValue

	updates := map[string]any{
		columnToggleCommandStartedAt: &started,
		columnToggleCommandState:     ToggleCommandStateCompleted,
		columnToggleCommandEnabled:   newValue,
	}

	err := o.setChatEnabled(ctx, newValue)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	switch {
	case err != nil:
		cmdLogger.ErrorContext(ctx, "error updating chat_enabled", tint.Err(err))
		updates[columnToggleCommandResponse] = config.DiscordErrorMessage
		updates[columnToggleCommandError] = err.Error()
		updates[columnToggleCommandState] = ToggleCommandStateFailed
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, editErr := c.handler.Edit(
				ctx,
				&discordgo.WebhookEdit{Content: &config.DiscordErrorMessage},
				discordgo.WithContext(ctx),
			)
			if editErr != nil {
				cmdLogger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
			}
		}()
	default:
		response := toggleCommandResponseDisabled
		if newValue {
			response = toggleCommandResponseEnabled
		}
		updates[columnToggleCommandResponse] = response

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.dbNotifier.ReloadRuntimeConfig(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, editErr := c.handler.Edit(
				ctx,
				&discordgo.WebhookEdit{Content: &response},
				discordgo.WithContext(ctx),
			)
			if editErr != nil {
				cmdLogger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
			}
		}()
	}

	ended := time.Now()
	updates[columnToggleCommandFinishedAt] = &ended

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, e := o.writeDB.Updates(context.TODO(), c, updates); e != nil {
			cmdLogger.ErrorContext(ctx, "error updating toggle command", tint.Err(e))
		}
	}()

	return err
}
