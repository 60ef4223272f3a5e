package ollamacord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBot creates an OllamaCord instance backed by a temporary SQLite
// database and a mock discord session, with the default runtime config
// already persisted. No goroutines are started - tests drive the bot's
// methods directly.
func newTestBot(t testing.TB) *OllamaCord {
	t.Helper()

	cfg := DefaultConfig()
	cfg.HTTPClient = http.DefaultClient

	db := gormDB(t)
	logger := slog.Default().With("test_name", t.Name())

	o := &OllamaCord{
		config:                        cfg,
		db:                            db,
		writeDB:                       NewDatabase(db, logger, false),
		logger:                        logger,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		channelWorkers:                map[string]*channelWorker{},
		triggerRuntimeConfigRefreshCh: make(chan bool, 10),
		triggerUserCacheRefreshCh:     make(chan bool, 10),
		triggerUserUpdatedRefreshCh:   make(chan string, 10),
		triggerConversationResetCh:    make(chan string, 10),
	}

	runtimeConfig := DefaultRuntimeConfig()
	if _, err := o.writeDB.Create(context.Background(), &runtimeConfig); err != nil {
		t.Fatalf("error creating runtime config: %v", err)
	}
	o.runtimeConfig = &runtimeConfig

	o.discord = &Discord{
		config:  cfg.Discord,
		logger:  logger.With(loggerNameKey, "discord"),
		o:       o,
		session: newMockDiscordSession(),
	}
	o.ollama = newOllama(o, cfg.HTTPClient)
	o.requestQueue = NewChatRequestQueue(
		cfg.Queue,
		logger.With(loggerNameKey, "queue"),
	)

	notifier, err := newDBNotifier(o)
	if err != nil {
		t.Fatalf("error creating db notifier: %v", err)
	}
	o.dbNotifier = notifier

	return o
}

// mockSession returns the bot fixture's discord session as its concrete
// mock type.
func mockSession(t testing.TB, o *OllamaCord) *mockDiscordSession {
	t.Helper()
	session, ok := o.discord.session.(*mockDiscordSession)
	if !ok {
		t.Fatalf("expected mock discord session, got %T", o.discord.session)
	}
	return session
}

func TestIsShutdownErr(t *testing.T) {
	ctx := context.Background()

	assert.False(t, isShutdownErr(ctx, nil))
	assert.False(t, isShutdownErr(ctx, errors.New("boom")))
	assert.True(t, isShutdownErr(ctx, NewShutdownError("stopping")))
	assert.True(
		t,
		isShutdownErr(
			ctx,
			fmt.Errorf("wrapped: %w", NewShutdownError("stopping")),
		),
	)

	// the cancelation cause is checked even when the error itself is
	// unrelated
	cancelCtx, cancel := context.WithCancelCause(ctx)
	cancel(NewShutdownError("bot shutting down"))
	assert.True(t, isShutdownErr(cancelCtx, context.Cause(cancelCtx)))
	assert.True(t, isShutdownErr(cancelCtx, errors.New("unrelated")))
}

func TestShutdownErrorMessage(t *testing.T) {
	err := NewShutdownError("goodbye")
	assert.Equal(t, "goodbye", err.Error())
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 16)

	other, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	s, err = generateRandomHexString(64)
	require.NoError(t, err)
	assert.Len(t, s, 64)
}

func TestRuntimeConfigCopy(t *testing.T) {
	bot := newTestBot(t)

	cfg := bot.RuntimeConfig()
	cfg.ChatEnabled = false

	// mutating the copy must not touch the bot's config
	assert.True(t, bot.RuntimeConfig().ChatEnabled)
}

func TestPauseResume(t *testing.T) {
	bot := newTestBot(t)
	ctx := context.Background()
	session := mockSession(t, bot)

	require.True(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())

	// already paused
	assert.False(t, bot.Pause(ctx))

	select {
	case status := <-session.statusUpdates:
		assert.True(t, status.AFK)
		assert.Equal(t, string(discordgo.StatusDoNotDisturb), status.Status)
	default:
		t.Fatal("expected a discord status update")
	}

	var rc RuntimeConfig
	require.NoError(t, bot.db.First(&rc).Error)
	assert.True(t, rc.Paused)

	require.True(t, bot.Resume(ctx))
	assert.False(t, bot.paused.Load())

	// already resumed
	assert.False(t, bot.Resume(ctx))
}

func TestSetChatEnabled(t *testing.T) {
	bot := newTestBot(t)
	ctx := context.Background()

	require.True(t, bot.RuntimeConfig().ChatEnabled)

	require.NoError(t, bot.setChatEnabled(ctx, false))
	assert.False(t, bot.RuntimeConfig().ChatEnabled)

	var rc RuntimeConfig
	require.NoError(t, bot.db.First(&rc).Error)
	assert.False(t, rc.ChatEnabled)

	require.NoError(t, bot.setChatEnabled(ctx, true))
	assert.True(t, bot.RuntimeConfig().ChatEnabled)

	require.NoError(t, bot.db.First(&rc).Error)
	assert.True(t, rc.ChatEnabled)
}

func TestResetChannelWorkerLogNoWorker(t *testing.T) {
	bot := newTestBot(t)

	// no worker registered for the channel - must not panic or block
	bot.resetChannelWorkerLog("no-such-channel")
}

func TestHandleDiscordMessageAttachmentRejected(t *testing.T) {
	bot := newTestBot(t)
	session := mockSession(t, bot)
	ctx := context.Background()

	bot.config.Discord.ApplicationID = "bot-app-id"
	maxDownload := bot.config.Chat.MaxAttachmentDownloadSize

	msg := &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			ChannelID: "channel-id",
			GuildID:   "guild-id",
			Content:   "<@bot-app-id> summarize this log",
			Author:    newDiscordUser(t),
			Mentions:  []*discordgo.User{{ID: "bot-app-id"}},
			Attachments: []*discordgo.MessageAttachment{
				{
					Filename:    "dump.log",
					Size:        maxDownload + 1,
					ContentType: "text/plain",
					URL:         "https://cdn.example.com/dump.log",
				},
			},
		},
	}

	bot.handleDiscordMessage(ctx, msg)

	// the rejection is the only reply, and nothing reaches the queue
	select {
	case reply := <-session.repliesSent:
		assert.Equal(t, "channel-id", reply.ChannelID)
		assert.Equal(
			t,
			fmt.Sprintf("dump.log is too large (max %d bytes).", maxDownload),
			reply.Content,
		)
		require.NotNil(t, reply.MessageReference)
		assert.Equal(t, "message-id", reply.MessageReference.MessageID)
	default:
		t.Fatal("expected a rejection reply")
	}
	assert.Equal(t, 0, bot.requestQueue.Len())

	var rec ChatRequest
	require.NoError(
		t,
		bot.db.Where("message_id = ?", "message-id").First(&rec).Error,
	)
	assert.Equal(t, ChatRequestStateFailed, rec.State)
	require.NotNil(t, rec.Response)
	assert.Equal(
		t,
		fmt.Sprintf("dump.log is too large (max %d bytes).", maxDownload),
		*rec.Response,
	)
	assert.NotEmpty(t, rec.Error.String())
	assert.NotNil(t, rec.FinishedAt)
}

func TestWatchQueueChatDisabled(t *testing.T) {
	bot := newTestBot(t)
	session := mockSession(t, bot)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bot.config.Queue.SleepPaused = 5 * time.Millisecond
	bot.config.Queue.SleepEmpty = 5 * time.Millisecond

	u := NewUser(*newDiscordUser(t))
	_, err := bot.writeDB.Create(ctx, u)
	require.NoError(t, err)

	req := &ChatRequest{
		State:     ChatRequestStateReceived,
		Prompt:    "hello",
		MessageID: "message-id",
		ChannelID: "channel-id",
		UserID:    u.ID,
		User:      u,
	}
	_, err = bot.writeDB.Create(ctx, req)
	require.NoError(t, err)
	require.NoError(t, bot.requestQueue.Push(ctx, req, bot.writeDB))

	// a request queued just before a '/toggle' off must stay queued
	require.NoError(t, bot.setChatEnabled(ctx, false))

	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.watchQueue(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, bot.requestQueue.Len())
	assert.Empty(t, session.repliesSent)
	assert.Empty(t, session.messagesSent)
}

func TestRegisterSlashCommands(t *testing.T) {
	bot := newTestBot(t)

	created, err := bot.RegisterSlashCommands()
	require.NoError(t, err)
	require.Len(t, created, 2)

	names := []string{created[0].Name, created[1].Name}
	assert.Contains(t, names, DiscordSlashCommandReset)
	assert.Contains(t, names, DiscordSlashCommandToggle)
}
