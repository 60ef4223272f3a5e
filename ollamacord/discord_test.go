package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessageReply struct {
	ChannelID        string
	Content          string
	MessageReference *discordgo.MessageReference
}

type stubChannelMessageSend struct {
	ChannelID string
	Content   string
}

// mockDiscordSession implements DiscordSessionHandler without talking to
// discord, recording outgoing calls on buffered channels.
type mockDiscordSession struct {
	messagesSent  chan *stubChannelMessageSend
	repliesSent   chan *stubMessageReply
	statusUpdates chan discordgo.UpdateStatusData
	typingSeen    chan string
	errorOnSend   error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		messagesSent:  make(chan *stubChannelMessageSend, 100),
		repliesSent:   make(chan *stubMessageReply, 100),
		statusUpdates: make(chan discordgo.UpdateStatusData, 100),
		typingSeen:    make(chan string, 100),
	}
}

func (mockDiscordSession) Open() error  { return nil }
func (mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.errorOnSend != nil {
		return nil, m.errorOnSend
	}
	m.messagesSent <- &stubChannelMessageSend{
		ChannelID: channelID,
		Content:   message,
	}
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.errorOnSend != nil {
		return nil, m.errorOnSend
	}
	m.repliesSent <- &stubMessageReply{
		ChannelID:        channelID,
		Content:          content,
		MessageReference: reference,
	}
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	m.typingSeen <- channelID
	return nil
}

func (mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (mockDiscordSession) UpdateCustomStatus(string) error { return nil }

func (m *mockDiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	m.statusUpdates <- data
	return nil
}

func (mockDiscordSession) AddHandler(any) func() { return func() {} }

func (mockDiscordSession) InteractionRespond(
	*discordgo.Interaction,
	*discordgo.InteractionResponse,
	...discordgo.RequestOption,
) error {
	return nil
}

func (mockDiscordSession) InteractionResponseEdit(
	*discordgo.Interaction,
	*discordgo.WebhookEdit,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (mockDiscordSession) InteractionResponseDelete(
	*discordgo.Interaction,
	...discordgo.RequestOption,
) error {
	return nil
}

func (mockDiscordSession) SetHTTPClient(*http.Client) {}

func (mockDiscordSession) SetIdentify(discordgo.Identify) {}

func (mockDiscordSession) SetLogLevel(slog.Level) error { return nil }

func (mockDiscordSession) GatewayBot(...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	return &discordgo.GatewayBotResponse{URL: "wss://gateway.discord.gg"}, nil
}

// stubInteractionHandler implements InteractionHandler, recording
// responses and edits on buffered channels.
type stubInteractionHandler struct {
	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *discordgo.WebhookEdit
	callDelete  chan struct{}
	interaction *discordgo.InteractionCreate
	config      CommandOptions
	logger      *slog.Logger
}

func newStubInteractionHandler(t testing.TB) *stubInteractionHandler {
	t.Helper()
	return &stubInteractionHandler{
		callRespond: make(chan *discordgo.InteractionResponse, 100),
		callEdit:    make(chan *discordgo.WebhookEdit, 100),
		callDelete:  make(chan struct{}, 100),
		config:      DefaultRuntimeConfig().CommandOptions,
		logger:      slog.Default().With("test_name", t.Name()),
	}
}

func (s *stubInteractionHandler) Config() CommandOptions { return s.config }

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.callEdit <- e
	return nil, nil
}

func (s *stubInteractionHandler) Delete(
	context.Context,
	...discordgo.RequestOption,
) {
	s.callDelete <- struct{}{}
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (*stubInteractionHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return DiscordInteractionReceiveMethod("testcase")
}

func (s *stubInteractionHandler) Logger() *slog.Logger { return s.logger }

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID, with the user ID also included in the username and
// global name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

// newDiscordInteraction creates an InteractionCreate for the given slash
// command. The options slice is only meaningful for /toggle.
func newDiscordInteraction(
	t testing.TB,
	u *discordgo.User,
	interactionID string,
	commandName string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	if interactionID == "" {
		interactionID = fmt.Sprintf("interaction_%s", t.Name())
	}

	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        interactionID,
			User:      u,
			ChannelID: fmt.Sprintf("channel_%s", t.Name()),
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        commandName,
				Options:     options,
			},
		},
	}
}

func TestMessageMentionsUser(t *testing.T) {
	botID := "bot-user-id"

	assert.False(t, messageMentionsUser(nil, botID))
	assert.False(t, messageMentionsUser(&discordgo.Message{}, botID))
	assert.False(
		t,
		messageMentionsUser(
			&discordgo.Message{
				Mentions: []*discordgo.User{{ID: "someone-else"}},
			},
			botID,
		),
	)
	assert.True(
		t,
		messageMentionsUser(
			&discordgo.Message{
				Mentions: []*discordgo.User{
					{ID: "someone-else"},
					{ID: botID},
				},
			},
			botID,
		),
	)
}

func TestNewDiscordMessage(t *testing.T) {
	msg := &discordgo.Message{
		ID:        "msg-id",
		Content:   "hello there",
		ChannelID: "channel-id",
		GuildID:   "guild-id",
		Author: &discordgo.User{
			ID:         "author-id",
			Username:   "author",
			GlobalName: "Author",
		},
		MessageReference: &discordgo.MessageReference{MessageID: "ref-id"},
	}

	dm := NewDiscordMessage(msg)
	assert.Equal(t, "msg-id", dm.MessageID)
	assert.Equal(t, "hello there", dm.Content)
	assert.Equal(t, "channel-id", dm.ChannelID)
	assert.Equal(t, "guild-id", dm.GuildID)
	assert.Equal(t, "author-id", dm.UserID)
	assert.Equal(t, "author", dm.Username)
	assert.Equal(t, "Author", dm.GlobalName)
	assert.Equal(t, "ref-id", dm.ReferencedMessageID)
	assert.NotEmpty(t, dm.Payload)

	// author falls back to the member user for guild messages
	memberMsg := &discordgo.Message{
		ID:     "msg-id-2",
		Member: &discordgo.Member{User: &discordgo.User{ID: "member-id"}},
		ReferencedMessage: &discordgo.Message{
			ID: "referenced-id",
		},
	}
	dm = NewDiscordMessage(memberMsg)
	assert.Equal(t, "member-id", dm.UserID)
	assert.Equal(t, "referenced-id", dm.ReferencedMessageID)
}

func TestBotDisplayName(t *testing.T) {
	d := &Discord{}
	assert.Equal(t, "OllamaCord", d.botDisplayName())

	d.botUsername.Store("Marvin")
	assert.Equal(t, "Marvin", d.botDisplayName())
}

func TestAckResponse(t *testing.T) {
	d := &Discord{}
	ack := d.ackResponse(DiscordSlashCommandReset)
	require.NotNil(t, ack)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		ack.Type,
	)
	require.NotNil(t, ack.Data)

	// both commands respond publicly - no ephemeral flag
	assert.Equal(t, discordgo.MessageFlags(0), ack.Data.Flags)
}

func TestAppCommandReset(t *testing.T) {
	d := &Discord{}

	cmd := d.appCommandReset(RuntimeConfig{})
	assert.Equal(t, DiscordSlashCommandReset, cmd.Name)
	assert.Equal(t, DefaultDiscordResetDescription, cmd.Description)

	cmd = d.appCommandReset(
		RuntimeConfig{
			CommandOptions: CommandOptions{
				ResetCommandDescription: "forget everything",
			},
		},
	)
	assert.Equal(t, "forget everything", cmd.Description)
}

func TestAppCommandToggle(t *testing.T) {
	d := &Discord{}

	cmd := d.appCommandToggle(RuntimeConfig{})
	assert.Equal(t, DiscordSlashCommandToggle, cmd.Name)
	assert.Equal(t, DefaultDiscordToggleDescription, cmd.Description)

	require.Len(t, cmd.Options, 1)
	opt := cmd.Options[0]
	assert.Equal(t, DiscordToggleOptionEnable, opt.Name)
	assert.Equal(t, discordgo.ApplicationCommandOptionBoolean, opt.Type)
	assert.False(t, opt.Required)
	assert.Equal(t, DefaultToggleOptionDescription, opt.Description)
}

func TestDiscordSessionSetLogLevel(t *testing.T) {
	session := DiscordSession{
		session: &discordgo.Session{},
		logger:  slog.Default(),
	}

	require.NoError(t, session.SetLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogDebug, session.session.LogLevel)

	require.NoError(t, session.SetLogLevel(slog.LevelError))
	assert.Equal(t, discordgo.LogError, session.session.LogLevel)

	assert.Error(t, session.SetLogLevel(slog.Level(-99)))
}

func TestInteractionContextName(t *testing.T) {
	assert.Equal(
		t,
		"guild",
		interactionContextName(discordgo.InteractionContextGuild),
	)
	assert.Equal(
		t,
		"bot_dm",
		interactionContextName(discordgo.InteractionContextBotDM),
	)
	assert.Equal(
		t,
		"private_channel",
		interactionContextName(discordgo.InteractionContextPrivateChannel),
	)

	// unknown contexts fall back to the numeric value
	assert.Equal(
		t,
		"99",
		interactionContextName(discordgo.InteractionContextType(99)),
	)
}

func TestGetDiscordUser(t *testing.T) {
	u := &discordgo.User{ID: "u"}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: u},
	}
	assert.Equal(t, u, getDiscordUser(i))

	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: u},
		},
	}
	assert.Equal(t, u, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}
