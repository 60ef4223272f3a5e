package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

const (
	chatRoleSystem    = "system"
	chatRoleUser      = "user"
	chatRoleAssistant = "assistant"
)

var (
	columnConversationChannelID    = "channel_id"
	columnConversationSystemPrompt = "system_prompt"
	columnConversationMessageRole  = "role"
	columnConversationID           = "conversation_id"
)

// Conversation is the persistent chat context for a single Discord
// channel. The bot keeps one conversation per channel; '/reset'
// truncates it back to the system prompt.
type Conversation struct {
	ModelUintID
	ModelUnixTime

	// ChannelID is the Discord channel this conversation belongs to
	ChannelID string `json:"channel_id" gorm:"uniqueIndex;not null;type:string"`

	// GuildID of the channel, if any (empty for DMs)
	GuildID string `json:"guild_id" gorm:"type:string"`

	// SystemPrompt is the rendered system prompt the conversation was
	// seeded with. Stored so prompt template changes don't silently
	// rewrite history for existing channels.
	SystemPrompt string `json:"system_prompt" gorm:"type:string"`
}

func (c Conversation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String(columnConversationChannelID, c.ChannelID),
		slog.String("guild_id", c.GuildID),
	)
}

// ConversationMessage is a single message in a channel conversation,
// in the role/content shape the Ollama chat endpoint expects.
type ConversationMessage struct {
	ModelUintID
	ModelUnixTime

	ConversationID uint   `json:"conversation_id" gorm:"index;not null"`
	Role           string `json:"role" gorm:"not null;type:string"`
	Content        string `json:"content" gorm:"type:string"`

	// UserID is the Discord user ID of the author, for user messages
	UserID string `json:"user_id" gorm:"type:string"`

	// ChatRequestID links the message to the ChatRequest that produced it
	ChatRequestID *uint `json:"chat_request_id"`
}

// getOrCreateConversation returns the Conversation row for the given
// channel, creating and seeding it with the system prompt if it doesn't
// exist yet.
func getOrCreateConversation(
	ctx context.Context,
	db DBI,
	channelID string,
	guildID string,
	systemPrompt string,
) (*Conversation, error) {
	if channelID == "" {
		return nil, errors.New("empty channel ID")
	}
	var conv Conversation
	err := db.DB().WithContext(ctx).Where(
		"channel_id = ?", channelID,
	).First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv = Conversation{
		ChannelID:    channelID,
		GuildID:      guildID,
		SystemPrompt: systemPrompt,
	}
	txErr := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(&conv).Error; e != nil {
				return e
			}
			seed := ConversationMessage{
				ConversationID: conv.ID,
				Role:           chatRoleSystem,
				Content:        systemPrompt,
			}
			return tx.Create(&seed).Error
		},
	)
	if txErr != nil {
		return nil, fmt.Errorf("error seeding conversation: %w", txErr)
	}
	return &conv, nil
}

// loadConversationMessages returns the full ordered message log for the
// conversation, system prompt first.
func loadConversationMessages(
	ctx context.Context,
	db DBI,
	conversationID uint,
) ([]ConversationMessage, error) {
	var messages []ConversationMessage
	err := db.DB().WithContext(ctx).Where(
		"conversation_id = ?", conversationID,
	).Order("id asc").Find(&messages).Error
	return messages, err
}

// resetConversation deletes all non-system messages for the channel's
// conversation, and refreshes the stored system prompt. The conversation
// is created if it doesn't exist, so '/reset' in a fresh channel still
// succeeds.
func resetConversation(
	ctx context.Context,
	db DBI,
	channelID string,
	guildID string,
	systemPrompt string,
) (*Conversation, error) {
	conv, err := getOrCreateConversation(ctx, db, channelID, guildID, systemPrompt)
	if err != nil {
		return nil, err
	}

	if _, err = db.DeleteWhere(
		ctx,
		&ConversationMessage{},
		"conversation_id = ? AND role != ?",
		conv.ID,
		chatRoleSystem,
	); err != nil {
		return conv, err
	}

	if conv.SystemPrompt != systemPrompt {
		conv.SystemPrompt = systemPrompt
		if _, err = db.Update(
			ctx, conv, columnConversationSystemPrompt, systemPrompt,
		); err != nil {
			return conv, err
		}
		if _, err = db.UpdatesWhere(
			ctx,
			&ConversationMessage{},
			map[string]any{"content": systemPrompt},
			"conversation_id = ? AND role = ?",
			conv.ID,
			chatRoleSystem,
		); err != nil {
			return conv, err
		}
	}

	return conv, nil
}

// conversationLog is the in-memory working copy of a channel's
// conversation, owned by that channel's worker goroutine. It is not
// safe for concurrent use.
type conversationLog struct {
	conversation *Conversation
	messages     []ConversationMessage
	maxSize      int
}

func newConversationLog(
	conv *Conversation,
	messages []ConversationMessage,
	maxSize int,
) *conversationLog {
	return &conversationLog{
		conversation: conv,
		messages:     messages,
		maxSize:      maxSize,
	}
}

// Append adds a message to the log and persists it. Afterwards, the log
// is trimmed to maxSize: the oldest non-system messages are dropped
// first, and the system prompt at position 0 is never dropped.
func (c *conversationLog) Append(
	ctx context.Context,
	db DBI,
	role string,
	content string,
	userID string,
	chatRequestID *uint,
) error {
	msg := ConversationMessage{
		ConversationID: c.conversation.ID,
		Role:           role,
		Content:        content,
		UserID:         userID,
		ChatRequestID:  chatRequestID,
	}
	if _, err := db.Create(ctx, &msg); err != nil {
		return err
	}
	c.messages = append(c.messages, msg)
	return c.trim(ctx, db)
}

// trim drops the oldest non-system messages until the log fits maxSize.
func (c *conversationLog) trim(ctx context.Context, db DBI) error {
	if c.maxSize <= 0 {
		return nil
	}
	var trimErr error
	for len(c.messages) > c.maxSize {
		dropIndex := 0
		if c.messages[0].Role == chatRoleSystem {
			if len(c.messages) == 1 {
				break
			}
			dropIndex = 1
		}
		dropped := c.messages[dropIndex]
		c.messages = append(
			c.messages[:dropIndex],
			c.messages[dropIndex+1:]...,
		)
		if dropped.ID != 0 {
			if _, err := db.Delete(&ConversationMessage{}, dropped.ID); err != nil {
				trimErr = errors.Join(trimErr, err)
			}
		}
	}
	return trimErr
}

// Reset discards everything but the system prompt from the in-memory log.
func (c *conversationLog) Reset() {
	kept := make([]ConversationMessage, 0, 1)
	for _, m := range c.messages {
		if m.Role == chatRoleSystem {
			kept = append(kept, m)
			break
		}
	}
	c.messages = kept
}

// Len returns the number of messages currently in the log, including
// the system prompt.
func (c *conversationLog) Len() int {
	return len(c.messages)
}

// APIMessages converts the log into the wire messages sent to Ollama.
func (c *conversationLog) APIMessages() []OllamaMessage {
	messages := make([]OllamaMessage, 0, len(c.messages))
	for _, m := range c.messages {
		messages = append(
			messages,
			OllamaMessage{Role: m.Role, Content: m.Content},
		)
	}
	return messages
}

// conversationStats summarizes a channel conversation for the admin API.
type conversationStats struct {
	ChannelID    string `json:"channel_id"`
	GuildID      string `json:"guild_id"`
	MessageCount int64  `json:"message_count"`
	UpdatedAt    int64  `json:"updated_at"`
}

func getConversationStats(
	ctx context.Context,
	db *gorm.DB,
	limit int,
) ([]conversationStats, error) {
	var conversations []Conversation
	if err := db.WithContext(ctx).Order(
		"updated_at desc",
	).Limit(limit).Find(&conversations).Error; err != nil {
		return nil, err
	}
	stats := make([]conversationStats, 0, len(conversations))
	for _, conv := range conversations {
		var count int64
		if err := db.WithContext(ctx).Model(&ConversationMessage{}).Where(
			"conversation_id = ?", conv.ID,
		).Count(&count).Error; err != nil {
			return stats, err
		}
		stats = append(
			stats, conversationStats{
				ChannelID:    conv.ChannelID,
				GuildID:      conv.GuildID,
				MessageCount: count,
				UpdatedAt:    conv.UpdatedAt,
			},
		)
	}
	return stats, nil
}
