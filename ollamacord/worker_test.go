package ollamacord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLimiter(t *testing.T) {
	limiter := newWorkerLimiter(0)
	assert.Equal(t, DefaultChannelWorkerIdleTimeout, limiter.IdleTimeout)

	limiter = newWorkerLimiter(time.Hour)
	assert.Equal(t, time.Hour, limiter.IdleTimeout)

	// the zero LastRequestAt is long expired
	_, expired := limiter.Expired()
	assert.True(t, expired)

	limiter.SetLastRequest(time.Now())
	expiresAt, expired := limiter.Expired()
	assert.False(t, expired)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)
	assert.Less(t, limiter.TimeSinceLastRequest(), time.Minute)
}

func TestChannelWorkerRunAndStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	bot := newTestBot(t)
	worker := newChannelWorker(
		bot, fmt.Sprintf("channel_%s", t.Name()), "guild-id",
	)

	startCh := make(chan struct{}, 1)
	go worker.Run(ctx, startCh)

	select {
	case <-startCh:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not start in time")
	}

	// the conversation log is loaded on startup, seeded with the
	// system prompt
	require.NotNil(t, worker.convLog)
	assert.Equal(t, 1, worker.convLog.Len())

	worker.signalStop <- struct{}{}
	select {
	case <-worker.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop in time")
	}
}

func TestChannelWorkerReset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	bot := newTestBot(t)
	channelID := fmt.Sprintf("channel_%s", t.Name())

	// seed history before the worker loads the conversation
	systemPrompt := bot.RuntimeConfig().SystemPrompt(
		bot.discord.botDisplayName(),
	)
	conv, err := getOrCreateConversation(
		ctx, bot.writeDB, channelID, "", systemPrompt,
	)
	require.NoError(t, err)
	for n := 0; n < 3; n++ {
		msg := ConversationMessage{
			ConversationID: conv.ID,
			Role:           chatRoleUser,
			Content:        fmt.Sprintf("message %d", n),
		}
		_, err = bot.writeDB.Create(ctx, &msg)
		require.NoError(t, err)
	}

	worker := newChannelWorker(bot, channelID, "")
	startCh := make(chan struct{}, 1)
	go worker.Run(ctx, startCh)
	<-startCh

	require.NotNil(t, worker.convLog)
	assert.Equal(t, 4, worker.convLog.Len())

	worker.resetCh <- struct{}{}
	require.Eventually(
		t,
		func() bool { return len(worker.resetCh) == 0 },
		10*time.Second,
		50*time.Millisecond,
		"expected the reset signal to be consumed",
	)

	worker.signalStop <- struct{}{}
	select {
	case <-worker.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop in time")
	}

	// only the system prompt survives in the in-memory log
	assert.Equal(t, 1, worker.convLog.Len())
	assert.Equal(t, chatRoleSystem, worker.convLog.messages[0].Role)
}

func TestChannelWorkerIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	bot := newTestBot(t)
	bot.config.Chat.WorkerIdleTimeout = 50 * time.Millisecond

	worker := newChannelWorker(
		bot, fmt.Sprintf("channel_%s", t.Name()), "",
	)
	worker.idleTimeoutCheckInterval = 25 * time.Millisecond

	startCh := make(chan struct{}, 1)
	go worker.Run(ctx, startCh)
	<-startCh

	// with no requests, the worker stops itself after the idle timeout
	select {
	case <-worker.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop after idle timeout")
	}
}

func TestChannelWorkerHandlesChatRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	bot := newTestBot(t)
	session := mockSession(t, bot)

	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				rv := OllamaChatResponse{
					Message: OllamaMessage{
						Role:    chatRoleAssistant,
						Content: "hello back!",
					},
					Done: true,
				}
				w.Header().Set("Content-Type", "application/json")
				require.NoError(t, json.NewEncoder(w).Encode(rv))
			},
		),
	)
	t.Cleanup(srv.Close)
	bot.ollama.config.URL = srv.URL
	bot.ollama.httpClient = srv.Client()

	u := NewUser(*newDiscordUser(t))
	_, err := bot.writeDB.Create(ctx, u)
	require.NoError(t, err)

	channelID := fmt.Sprintf("channel_%s", t.Name())
	req := &ChatRequest{
		State:     ChatRequestStateQueued,
		Prompt:    "hello",
		MessageID: fmt.Sprintf("message_%s", t.Name()),
		ChannelID: channelID,
		UserID:    u.ID,
		User:      u,
	}
	_, err = bot.writeDB.Create(ctx, req, "User")
	require.NoError(t, err)

	worker := newChannelWorker(bot, channelID, "")
	startCh := make(chan struct{}, 1)
	go worker.Run(ctx, startCh)
	<-startCh

	select {
	case worker.chatCh <- req:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not accept the request")
	}

	require.Eventually(
		t,
		func() bool { return len(session.repliesSent) > 0 },
		10*time.Second,
		50*time.Millisecond,
		"expected a reply to be sent",
	)
	reply := <-session.repliesSent
	assert.Contains(t, reply.Content, "hello back!")

	worker.signalStop <- struct{}{}
	select {
	case <-worker.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop in time")
	}
}

func TestRunChatRequestIgnoredUser(t *testing.T) {
	ctx := context.Background()
	bot := newTestBot(t)

	u := NewUser(*newDiscordUser(t))
	u.Ignored = true
	_, err := bot.writeDB.Create(ctx, u)
	require.NoError(t, err)

	channelID := fmt.Sprintf("channel_%s", t.Name())
	req := &ChatRequest{
		State:     ChatRequestStateQueued,
		Prompt:    "hello",
		ChannelID: channelID,
		UserID:    u.ID,
		User:      u,
	}
	_, err = bot.writeDB.Create(ctx, req, "User")
	require.NoError(t, err)

	worker := newChannelWorker(bot, channelID, "")
	worker.runChatRequest(ctx, req)

	var rec ChatRequest
	require.NoError(t, bot.db.Where("id = ?", req.ID).First(&rec).Error)
	assert.Equal(t, ChatRequestStateIgnored, rec.State)
}
