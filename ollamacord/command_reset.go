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
	ResetCommandStateReceived  ResetCommandState = "received"
	ResetCommandStateFailed    ResetCommandState = "failed"
	ResetCommandStateCompleted ResetCommandState = "completed"
	ResetCommandStateIgnored   ResetCommandState = "ignored"
)

var (
	// resetCommandResponseForgotten is the response message sent when a
	// /reset command succeeds.
	// TODO set this via RuntimeConfig
	resetCommandResponseForgotten = "Alright, I've forgotten this channel's conversation!"

	columnResetCommandState      = "state"
	columnResetCommandFinishedAt = "finished_at"
	columnResetCommandResponse   = "response"
	columnResetCommandError      = "error"
	columnResetCommandStartedAt  = "started_at"
)

type ResetCommandState string

// ResetCommand represents a '/reset' slash command execution.
//
// Executing it truncates the channel's conversation back to its system
// prompt, so the next mention starts from a clean context. The response
// is public in the channel.
type ResetCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction
	logger   *slog.Logger
	State    ResetCommandState
	Error    *string `json:"error" gorm:"type:string"`
	Response *string `json:"response" gorm:"type:string"`
	handler  InteractionHandler
}

func NewUserResetCommand(
	o *OllamaCord,
	u *User,
	i *discordgo.InteractionCreate,
) *ResetCommand {
	interaction := NewUserInteraction(i, u)

	rec := &ResetCommand{
		Interaction: *interaction,
		State:       ResetCommandStateReceived,
	}
	rec.logger = o.logger.With("reset_command", rec)
	return rec
}

func (c *ResetCommand) Deadline() time.Time {
	return time.UnixMilli(c.TokenExpires).UTC()
}

func (c ResetCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("interaction", c.Interaction),
		slog.String("error", stringPointerValue(c.Error)),
		slog.String("response", stringPointerValue(c.Response)),
	)
}

// execute processes the ResetCommand, truncating the channel's
// conversation back to the system prompt.
//
// The conversation rows are reset in the database, the channel's worker
// (if one is running) is told to drop its in-memory log, and other
// instances are notified so theirs follow. The command works regardless
// of the /toggle state.
func (c *ResetCommand) execute(
	ctx context.Context,
	o *OllamaCord,
) error {
	o.resetCommandsInProgress.Add(1)
	defer o.resetCommandsInProgress.Add(-1)

	started := time.Now()

	config := c.handler.Config()

	cmdLogger := c.logger
	if cmdLogger == nil {
		cmdLogger = slog.Default()
	}

	updates := map[string]any{
		columnResetCommandStartedAt: &started,
		columnResetCommandState:     ResetCommandStateCompleted,
	}

	systemPrompt := o.RuntimeConfig().SystemPrompt(o.discord.botDisplayName())
	_, err := resetConversation(
		ctx,
		o.writeDB,
		c.ChannelID,
		c.GuildID,
		systemPrompt,
	)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	switch {
	case err != nil:
		cmdLogger.ErrorContext(ctx, "error resetting conversation", tint.Err(err))
		updates[columnResetCommandResponse] = config.DiscordErrorMessage
		updates[columnResetCommandError] = err.Error()
		updates[columnResetCommandState] = ResetCommandStateFailed
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
		updates[columnResetCommandResponse] = resetCommandResponseForgotten

		o.resetChannelWorkerLog(c.ChannelID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.dbNotifier.ConversationReset(ctx, c.ChannelID)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, editErr := c.handler.Edit(
				ctx,
				&discordgo.WebhookEdit{Content: &resetCommandResponseForgotten},
				discordgo.WithContext(ctx),
			)
			if editErr != nil {
				cmdLogger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
			}
		}()
	}

	ended := time.Now()
	updates[columnResetCommandFinishedAt] = &ended

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, e := o.writeDB.Updates(context.TODO(), c, updates); e != nil {
			cmdLogger.ErrorContext(ctx, "error updating reset command", tint.Err(e))
		}
	}()

	return err
}
