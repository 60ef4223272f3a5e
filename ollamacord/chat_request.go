package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	ChatRequestStateReceived    ChatRequestState = "received"
	ChatRequestStateQueued      ChatRequestState = "queued"
	ChatRequestStateInProgress  ChatRequestState = "in_progress"
	ChatRequestStateCompleted   ChatRequestState = "completed"
	ChatRequestStateFailed      ChatRequestState = "failed"
	ChatRequestStateExpired     ChatRequestState = "expired"
	ChatRequestStateIgnored     ChatRequestState = "ignored"
	ChatRequestStateRateLimited ChatRequestState = "rate_limited"
	ChatRequestStateAborted     ChatRequestState = "aborted"
)

const (
	ChatRequestStepEnqueue   ChatRequestStep = "enqueue"
	ChatRequestStepInference ChatRequestStep = "inference"
	ChatRequestStepReply     ChatRequestStep = "reply"
)

var ErrChatRequestTooOld = errors.New("chat request too old")

var (
	columnChatRequestState      = "state"
	columnChatRequestStep       = "step"
	columnChatRequestResponse   = "response"
	columnChatRequestError      = "error"
	columnChatRequestStartedAt  = "started_at"
	columnChatRequestFinishedAt = "finished_at"
	columnChatRequestPriority   = "priority"
	columnChatRequestChannelID  = "channel_id"
	columnChatRequestMessageID  = "message_id"
	columnChatRequestPrompt     = "prompt"
	columnChatRequestCreatedAt  = "created_at"
	columnChatRequestID         = "id"

	columnUserID = "user_id"
)

// ChatRequestState is the current or final processing state of a ChatRequest
type ChatRequestState string

// IsFinal returns true if the ChatRequestState is one in which a ChatRequest
// should not be executed (completed, failed, expired, ignored, rate limited,
// aborted, ...)
func (s ChatRequestState) IsFinal() bool {
	switch s {
	case ChatRequestStateCompleted:
		return true
	case ChatRequestStateFailed:
		return true
	case ChatRequestStateExpired:
		return true
	case ChatRequestStateIgnored:
		return true
	case ChatRequestStateRateLimited:
		return true
	case ChatRequestStateAborted:
		return true
	default:
		return false
	}
}

// IsProcessing returns true if the ChatRequestState is in a 'non-final'
// state- either it's been received, is currently queued, or in progress.
func (s ChatRequestState) IsProcessing() bool {
	switch s {
	case ChatRequestStateReceived:
		return true
	case ChatRequestStateQueued:
		return true
	case ChatRequestStateInProgress:
		return true
	default:
		return false
	}
}

func (s ChatRequestState) String() string {
	return string(s)
}

// ChatRequestStep reflects an execution step in the ChatRequest
type ChatRequestStep string

func (s ChatRequestStep) String() string {
	return string(s)
}

// ChatRequest is a single @-mention of the bot that should receive an
// inference-backed reply.
//
// When OllamaCord sees a [discordgo.MessageCreate] event that mentions the
// bot user (and isn't from a bot, and isn't "!"-prefixed), a new ChatRequest
// record is created with State set to ChatRequestStateReceived, and the
// request is pushed onto the queue. The queue watcher then hands it to the
// worker goroutine for the originating channel, which serializes requests
// so the conversation log stays in order.
//
//goland:noinspection GoMixedReceiverTypes
//nolint:lll // struct tags can't be split
type ChatRequest struct {
	ModelUintID
	ModelUnixTime

	// State is the overall execution state of this request
	State ChatRequestState `json:"state" gorm:"type:string"`

	// Step is the current, or most recent step in the request
	// execution (such as where the bot stopped execution,
	// due to a failure or a restart)
	Step ChatRequestStep `json:"step" gorm:"type:string"`

	// Prompt is the message content with the bot mention stripped,
	// plus the content of any accepted text attachments
	Prompt string `json:"prompt" gorm:"type:string"`

	// MessageID is the Discord message that triggered this request.
	// The reply references it.
	MessageID string `json:"message_id" gorm:"type:string"`

	// ChannelID the triggering message was sent in. Determines which
	// channel worker (and conversation) handles the request.
	ChannelID string `json:"channel_id" gorm:"index;type:string"`

	// GuildID of the channel, if any
	GuildID string `json:"guild_id" gorm:"type:string"`

	UserID string `json:"user_id" gorm:"index;not null;default:null"`
	User   *User  `json:"user" gorm:"->"`

	// ConversationID is set once the channel worker has resolved the
	// conversation this request was appended to
	ConversationID *uint `json:"conversation_id"`

	// Priority is true if [User.Priority] was true at the time
	// the message was seen
	Priority bool `json:"priority" gorm:"type:bool"`

	StartedAt  *time.Time `json:"started_at" gorm:"type:timestamp"`
	FinishedAt *time.Time `json:"finished_at" gorm:"type:timestamp"`

	// Response is the content of the final reply sent to the channel,
	// either the model's answer or an error/warning message
	Response *string `json:"response" gorm:"type:string"`

	// Error is a string representation of error(s) encountered
	// while processing the request
	Error NullableString `json:"error"`

	index int
}

// NewChatRequest creates a new ChatRequest from an incoming discord
// message that mentions the bot.
func NewChatRequest(u *User, m *discordgo.Message, botUserID string) *ChatRequest {
	rec := &ChatRequest{
		State:     ChatRequestStateReceived,
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Prompt:    stripBotMention(m.Content, botUserID),
	}
	if u != nil {
		rec.User = u
		rec.UserID = u.ID
		rec.Priority = u.Priority
		if u.Ignored {
			rec.State = ChatRequestStateIgnored
		}
	}
	return rec
}

// stripBotMention removes @-mentions of the bot user from the message
// content. Both the nickname (<@!id>) and plain (<@id>) forms are removed.
func stripBotMention(content string, botUserID string) string {
	content = strings.ReplaceAll(
		content, fmt.Sprintf("<@!%s>", botUserID), "",
	)
	content = strings.ReplaceAll(
		content, fmt.Sprintf("<@%s>", botUserID), "",
	)
	return strings.TrimSpace(content)
}

// Age returns the time elapsed since the request was created
func (c *ChatRequest) Age() time.Duration {
	return time.Since(time.UnixMilli(c.CreatedAt))
}

func (c ChatRequest) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(c.ID)),
		slog.String(columnChatRequestState, c.State.String()),
		slog.String(columnChatRequestStep, c.Step.String()),
		slog.Bool(columnChatRequestPriority, c.Priority),
		slog.String(columnUserID, c.UserID),
		slog.String(columnChatRequestChannelID, c.ChannelID),
		slog.String(columnChatRequestMessageID, c.MessageID),
	}
	if c.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", c.GuildID))
	}
	return slog.GroupValue(attrs...)
}

// attachmentRejectedError is returned when a message attachment can't be
// included in the prompt. UserReply is sent to the channel verbatim, and
// the mention is not processed any further.
type attachmentRejectedError struct {
	Filename  string
	UserReply string
}

func (e *attachmentRejectedError) Error() string {
	return fmt.Sprintf("attachment %s rejected: %s", e.Filename, e.UserReply)
}

func rejectAttachmentTooLarge(
	filename string,
	maxBytes int,
) *attachmentRejectedError {
	return &attachmentRejectedError{
		Filename: filename,
		UserReply: fmt.Sprintf(
			"%s is too large (max %d bytes).", filename, maxBytes,
		),
	}
}

func rejectAttachmentNotText(filename string) *attachmentRejectedError {
	return &attachmentRejectedError{
		Filename:  filename,
		UserReply: fmt.Sprintf("%s is not a text file.", filename),
	}
}

// appendTextAttachments downloads the text attachments from the
// triggering message and appends their content to the prompt.
//
// An attachment is appended when:
//   - its reported size is within [ChatConfig.MaxAttachmentDownloadSize]
//   - its content type indicates text
//   - the downloaded content is valid UTF-8
//   - the content fits [ChatConfig.MaxTextAttachmentSize]
//
// Oversized, non-text, and non-UTF-8 attachments return an
// [attachmentRejectedError]: the caller replies with the rejection
// message instead of forwarding the mention.
func appendTextAttachments(
	ctx context.Context,
	httpClient *http.Client,
	config *ChatConfig,
	prompt string,
	attachments []*discordgo.MessageAttachment,
) (string, error) {
	if len(attachments) == 0 {
		return prompt, nil
	}
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	builder := strings.Builder{}
	builder.WriteString(prompt)

	for _, attachment := range attachments {
		if attachment == nil || attachment.URL == "" {
			continue
		}
		attachmentLogger := logger.With(
			"filename", attachment.Filename,
			"size", attachment.Size,
			"content_type", attachment.ContentType,
		)
		if attachment.Size > config.MaxAttachmentDownloadSize {
			attachmentLogger.WarnContext(ctx, "attachment too large to download")
			return prompt, rejectAttachmentTooLarge(
				attachment.Filename,
				config.MaxAttachmentDownloadSize,
			)
		}
		if !isTextContentType(attachment.ContentType) {
			attachmentLogger.InfoContext(ctx, "rejecting non-text attachment")
			return prompt, rejectAttachmentNotText(attachment.Filename)
		}

		content, err := downloadAttachment(
			ctx,
			httpClient,
			attachment.URL,
			int64(config.MaxAttachmentDownloadSize),
		)
		if err != nil {
			attachmentLogger.ErrorContext(
				ctx,
				"error downloading attachment",
				tint.Err(err),
			)
			if errors.Is(err, errAttachmentTooLarge) {
				return prompt, rejectAttachmentTooLarge(
					attachment.Filename,
					config.MaxAttachmentDownloadSize,
				)
			}
			// transient download failures omit the attachment but
			// don't eat the mention
			continue
		}
		if !utf8.Valid(content) {
			attachmentLogger.WarnContext(ctx, "attachment is not valid UTF-8")
			return prompt, rejectAttachmentNotText(attachment.Filename)
		}
		if len(content) > config.MaxTextAttachmentSize {
			attachmentLogger.WarnContext(
				ctx,
				"attachment content too large",
				"max_size", config.MaxTextAttachmentSize,
			)
			return prompt, rejectAttachmentTooLarge(
				attachment.Filename,
				config.MaxTextAttachmentSize,
			)
		}

		builder.WriteString(
			fmt.Sprintf(
				"\n\n[Attachment: %s]\n%s",
				attachment.Filename,
				string(content),
			),
		)
		attachmentLogger.InfoContext(ctx, "appended attachment content to prompt")
	}

	return builder.String(), nil
}

func isTextContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch {
	case strings.Contains(contentType, "json"):
		return true
	case strings.Contains(contentType, "xml"):
		return true
	case strings.Contains(contentType, "yaml"):
		return true
	default:
		return false
	}
}

var errAttachmentTooLarge = errors.New("attachment too large")

// downloadAttachment fetches the attachment URL, reading at most
// maxSize+1 bytes so oversized bodies are detected without being
// fully buffered.
func downloadAttachment(
	ctx context.Context,
	httpClient *http.Client,
	url string,
	maxSize int64,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	rv, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rv.Body.Close()
	}()
	if rv.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment download returned %d", rv.StatusCode)
	}
	content, err := io.ReadAll(io.LimitReader(rv.Body, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > maxSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errAttachmentTooLarge, maxSize)
	}
	return content, nil
}

// execute runs the full mention-to-reply flow for the request. It's
// called from the channel worker goroutine, which owns convLog, so
// conversation access here needs no locking.
func (c *ChatRequest) execute(
	ctx context.Context,
	o *OllamaCord,
	convLog *conversationLog,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger = logger.With(
			slog.Group("chat_request", chatRequestLogAttrs(*c)...),
		)
		ctx = WithLogger(ctx, logger)
	}

	if ctx.Err() != nil {
		logger.WarnContext(ctx, "context canceled, aborting")
		return
	}

	runtimeConfig := o.RuntimeConfig()
	if runtimeConfig.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				logger.ErrorContext(
					ctx,
					"recovered from panic executing chat request",
					"panic", rc,
				)
				discordNotifyRequestPanicked(ctx, logger, c, o.discord)
				c.finalize(ctx, o, "", fmt.Errorf("panic: %v", rc))
			}
		}()
	}

	startedAt := time.Now()
	if _, err := o.writeDB.Updates(
		context.TODO(), c, map[string]any{
			columnChatRequestState:     ChatRequestStateInProgress,
			columnChatRequestStartedAt: &startedAt,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error updating request state", tint.Err(err))
	}

	convID := convLog.conversation.ID
	c.ConversationID = &convID

	if err := convLog.Append(
		ctx,
		o.writeDB,
		chatRoleUser,
		c.Prompt,
		c.UserID,
		&c.ID,
	); err != nil {
		c.finalize(
			ctx,
			o,
			"",
			fmt.Errorf("error appending user message: %w", err),
		)
		return
	}

	// typing indicator while inference runs
	if typingErr := o.discord.channelTyping(c.ChannelID); typingErr != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(typingErr))
	}

	response, err := o.ollama.Chat(ctx, o.writeDB, c, convLog.APIMessages())
	if err != nil {
		if isShutdownErr(ctx, err) || errors.Is(err, context.Canceled) {
			logger.WarnContext(ctx, "shutting down, abandoning request")
			return
		}
		userReply := ollamaUserReply(err)
		c.Response = &userReply
		c.sendReply(ctx, o, userReply)
		c.finalize(ctx, o, userReply, err)
		return
	}

	answer := strings.TrimSpace(response.Message.Content)
	if answer == "" {
		userReply := runtimeConfig.DiscordErrorMessage
		c.Response = &userReply
		c.sendReply(ctx, o, userReply)
		c.finalize(ctx, o, userReply, errors.New("empty response from model"))
		return
	}

	if appendErr := convLog.Append(
		ctx,
		o.writeDB,
		chatRoleAssistant,
		answer,
		"",
		&c.ID,
	); appendErr != nil {
		logger.ErrorContext(
			ctx,
			"error appending assistant message",
			tint.Err(appendErr),
		)
	}

	c.sendReply(ctx, o, answer)
	c.finalize(ctx, o, answer, nil)
}

// sendReply posts the reply to the originating channel, prefixed with a
// mention of the requesting user. Content longer than the discord message
// limit is split into chunks; the first chunk is sent as a reply to the
// triggering message, the rest as plain messages.
func (c *ChatRequest) sendReply(
	ctx context.Context,
	o *OllamaCord,
	content string,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}

	if _, err := o.writeDB.Update(
		context.TODO(),
		c,
		columnChatRequestStep,
		ChatRequestStepReply,
	); err != nil {
		logger.ErrorContext(ctx, "error updating request step", tint.Err(err))
	}

	if c.User != nil {
		content = fmt.Sprintf("%s %s", c.User.Mention(), content)
	}

	chunks := chunkString(content, discordMaxMessageLength)
	for i, chunk := range chunks {
		var sendErr error
		if i == 0 {
			sendErr = o.discord.channelMessageSendReply(
				c.ChannelID,
				chunk,
				&discordgo.MessageReference{
					MessageID: c.MessageID,
					ChannelID: c.ChannelID,
					GuildID:   c.GuildID,
				},
				discordgo.WithContext(ctx),
			)
		} else {
			sendErr = o.discord.channelMessageSend(
				c.ChannelID,
				chunk,
				discordgo.WithContext(ctx),
			)
		}
		if sendErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending reply chunk",
				tint.Err(sendErr),
				"chunk_index", i,
				"chunk_count", len(chunks),
			)
			return
		}
	}
}

// finalize records the terminal state of the request. A nil err marks
// the request completed; otherwise it's failed, with the error recorded.
func (c *ChatRequest) finalize(
	ctx context.Context,
	o *OllamaCord,
	answer string,
	err error,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx = WithLogger(ctx, logger)
	}

	finishedAt := time.Now()
	updates := map[string]any{
		columnChatRequestFinishedAt: &finishedAt,
	}
	if c.ConversationID != nil {
		updates["conversation_id"] = c.ConversationID
	}

	if err != nil {
		updates[columnChatRequestState] = ChatRequestStateFailed
		updates[columnChatRequestError] = err.Error()
		if c.Response != nil {
			updates[columnChatRequestResponse] = c.Response
		}
		c.State = ChatRequestStateFailed
		c.Error = NullableString(err.Error())
		logger.ErrorContext(ctx, "chat request failed", tint.Err(err))
		c.discordNotifyError(ctx, logger, o, err)
	} else {
		updates[columnChatRequestState] = ChatRequestStateCompleted
		updates[columnChatRequestResponse] = &answer
		c.State = ChatRequestStateCompleted
		c.Response = &answer
	}

	if _, updateErr := o.writeDB.Updates(
		context.TODO(), c, updates,
	); updateErr != nil {
		logger.ErrorContext(
			ctx,
			"error updating request state",
			tint.Err(updateErr),
		)
	}
}

func (c *ChatRequest) discordNotifyError(
	_ context.Context,
	logger *slog.Logger,
	o *OllamaCord,
	err error,
) {
	if err == nil {
		return
	}
	config := o.RuntimeConfig()
	if config.NotificationChannelID == "" {
		logger.Debug("no discord notification channel set, skipping message send")
		return
	}
	if sendErr := o.discord.channelMessageSend(
		config.NotificationChannelID,
		fmt.Sprintf(
			"## Error!\n\n"+
				"- ChatRequest ID: `%d`\n"+
				"- Message ID: `%s`\n"+
				"- Channel: `%s`\n"+
				"- User: `%s`\n"+
				"- State: `%s`\n"+
				"- Step: `%s`\n"+
				"### Error\n"+
				"```\n"+
				"%s\n"+
				"```\n"+
				"### Prompt\n"+
				"```\n"+
				"%s\n"+
				"```\n",
			c.ID,
			c.MessageID,
			c.ChannelID,
			c.UserID,
			c.State,
			c.Step,
			err.Error(),
			minifyString(c.Prompt, 500),
		),
	); sendErr != nil {
		logger.Error(
			"error sending error notification",
			tint.Err(sendErr),
		)
	}
}

// discordNotifyRequestPanicked logs and notifies about a request that
// panicked mid-execution. If [RuntimeConfig.NotificationChannelID] is not
// set, this is a no-op.
func discordNotifyRequestPanicked(
	ctx context.Context,
	log *slog.Logger,
	req *ChatRequest,
	d *Discord,
) {
	config := d.o.RuntimeConfig()
	if config.NotificationChannelID == "" {
		return
	}
	var username string
	if req.User != nil {
		username = req.User.Username
	}
	if sendErr := d.channelMessageSend(
		config.NotificationChannelID,
		fmt.Sprintf(
			"# **Panic in ChatRequest!**\n"+
				"- User ID: `%s`\n"+
				"- Username: `%s`\n"+
				"- ChatRequest ID: `%d`\n"+
				"- Message ID: `%s`\n"+
				"- Prompt: `%s`\n",
			req.UserID,
			username,
			req.ID,
			req.MessageID,
			minifyString(req.Prompt, 500),
		),
		discordgo.WithContext(ctx),
		discordgo.WithRestRetries(1),
		discordgo.WithRetryOnRatelimit(true),
	); sendErr != nil {
		log.ErrorContext(
			ctx,
			"error sending panic notification",
			tint.Err(sendErr),
		)
	}
}

// chatRequestStats summarizes recent requests for the admin API.
type chatRequestStats struct {
	Total      int64                      `json:"total"`
	ByState    map[ChatRequestState]int64 `json:"by_state"`
	InProgress int64                      `json:"in_progress"`
}

func getChatRequestStats(
	ctx context.Context,
	db DBI,
	since time.Time,
) (chatRequestStats, error) {
	stats := chatRequestStats{ByState: map[ChatRequestState]int64{}}

	var requests []ChatRequest
	if err := db.DB().WithContext(ctx).Where(
		"created_at >= ?", since.UnixMilli(),
	).Find(&requests).Error; err != nil {
		return stats, err
	}
	for _, req := range requests {
		stats.Total++
		stats.ByState[req.State]++
		if req.State == ChatRequestStateInProgress {
			stats.InProgress++
		}
	}
	return stats, nil
}
