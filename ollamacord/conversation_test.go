package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateConversation(t *testing.T) {
	ctx := context.Background()
	db := gormDB(t)
	writeDB := NewDatabase(db, slog.Default(), false)

	_, err := getOrCreateConversation(ctx, writeDB, "", "guild", "prompt")
	require.Error(t, err)

	channelID := fmt.Sprintf("channel_%s", t.Name())
	conv, err := getOrCreateConversation(
		ctx, writeDB, channelID, "guild", "You are a bot.",
	)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.NotZero(t, conv.ID)
	assert.Equal(t, channelID, conv.ChannelID)
	assert.Equal(t, "guild", conv.GuildID)
	assert.Equal(t, "You are a bot.", conv.SystemPrompt)

	// new conversations are seeded with the system prompt
	messages, err := loadConversationMessages(ctx, writeDB, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, chatRoleSystem, messages[0].Role)
	assert.Equal(t, "You are a bot.", messages[0].Content)

	// fetching again returns the same row, even with a different prompt
	again, err := getOrCreateConversation(
		ctx, writeDB, channelID, "guild", "different prompt",
	)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, "You are a bot.", again.SystemPrompt)
}

func TestResetConversation(t *testing.T) {
	ctx := context.Background()
	db := gormDB(t)
	writeDB := NewDatabase(db, slog.Default(), false)

	channelID := fmt.Sprintf("channel_%s", t.Name())
	conv, err := getOrCreateConversation(
		ctx, writeDB, channelID, "guild", "You are a bot.",
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg := ConversationMessage{
			ConversationID: conv.ID,
			Role:           chatRoleUser,
			Content:        fmt.Sprintf("message %d", i),
		}
		_, err = writeDB.Create(ctx, &msg)
		require.NoError(t, err)
	}

	messages, err := loadConversationMessages(ctx, writeDB, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)

	// reset drops non-system messages and refreshes the stored prompt
	conv, err = resetConversation(
		ctx, writeDB, channelID, "guild", "You are a different bot.",
	)
	require.NoError(t, err)
	assert.Equal(t, "You are a different bot.", conv.SystemPrompt)

	messages, err = loadConversationMessages(ctx, writeDB, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, chatRoleSystem, messages[0].Role)
	assert.Equal(t, "You are a different bot.", messages[0].Content)

	// resetting a channel with no conversation creates one
	freshChannel := fmt.Sprintf("fresh_%s", t.Name())
	conv, err = resetConversation(
		ctx, writeDB, freshChannel, "", "You are a bot.",
	)
	require.NoError(t, err)
	assert.NotZero(t, conv.ID)
}

func TestConversationLog(t *testing.T) {
	ctx := context.Background()
	db := gormDB(t)
	writeDB := NewDatabase(db, slog.Default(), false)

	channelID := fmt.Sprintf("channel_%s", t.Name())
	conv, err := getOrCreateConversation(
		ctx, writeDB, channelID, "", "You are a bot.",
	)
	require.NoError(t, err)

	messages, err := loadConversationMessages(ctx, writeDB, conv.ID)
	require.NoError(t, err)

	convLog := newConversationLog(conv, messages, 3)
	assert.Equal(t, 1, convLog.Len())

	require.NoError(
		t,
		convLog.Append(ctx, writeDB, chatRoleUser, "hello", "user-id", nil),
	)
	require.NoError(
		t,
		convLog.Append(ctx, writeDB, chatRoleAssistant, "hi!", "", nil),
	)
	assert.Equal(t, 3, convLog.Len())

	// the oldest non-system message is trimmed, never the system prompt
	require.NoError(
		t,
		convLog.Append(ctx, writeDB, chatRoleUser, "how are you", "user-id", nil),
	)
	assert.Equal(t, 3, convLog.Len())

	apiMessages := convLog.APIMessages()
	require.Len(t, apiMessages, 3)
	assert.Equal(
		t,
		[]OllamaMessage{
			{Role: chatRoleSystem, Content: "You are a bot."},
			{Role: chatRoleAssistant, Content: "hi!"},
			{Role: chatRoleUser, Content: "how are you"},
		},
		apiMessages,
	)

	// trimmed messages are deleted from the database too
	persisted, err := loadConversationMessages(ctx, writeDB, conv.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)

	convLog.Reset()
	assert.Equal(t, 1, convLog.Len())
	assert.Equal(t, chatRoleSystem, convLog.messages[0].Role)
}

func TestGetConversationStats(t *testing.T) {
	ctx := context.Background()
	db := gormDB(t)
	writeDB := NewDatabase(db, slog.Default(), false)

	for i := 0; i < 2; i++ {
		conv, err := getOrCreateConversation(
			ctx,
			writeDB,
			fmt.Sprintf("channel_%s_%d", t.Name(), i),
			"guild",
			"You are a bot.",
		)
		require.NoError(t, err)

		for j := 0; j <= i; j++ {
			msg := ConversationMessage{
				ConversationID: conv.ID,
				Role:           chatRoleUser,
				Content:        "hi",
			}
			_, err = writeDB.Create(ctx, &msg)
			require.NoError(t, err)
		}
	}

	stats, err := getConversationStats(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, s := range stats {
		// system prompt plus the user messages
		assert.GreaterOrEqual(t, s.MessageCount, int64(2))
	}
}
