package ollamacord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// Version can be set at build time via:
	// -ldflags "-X github.com/LucidPolaris/OllamaCord/ollamacord.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	// WaitForResumeCheckInterval is the duration to sleep between checking
	// whether the bot has been un-paused/resumed (when [RuntimeConfig.Paused]
	// is no longer true).
	WaitForResumeCheckInterval = 5 * time.Second
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// ShutdownError is used as a context cancelation cause when the bot is
// deliberately shutting down, so in-flight request handling can tell a
// graceful stop apart from an unexpected failure.
type ShutdownError struct {
	Message string
}

func (e ShutdownError) Error() string {
	return e.Message
}

func NewShutdownError(msg string) ShutdownError {
	return ShutdownError{Message: msg}
}

// isShutdownErr reports whether the given error (or the context's
// cancelation cause) indicates the bot is shutting down.
func isShutdownErr(ctx context.Context, err error) bool {
	var shutdownErr ShutdownError
	if errors.As(err, &shutdownErr) {
		return true
	}
	cause := context.Cause(ctx)
	return errors.As(cause, &shutdownErr)
}

// generateRandomHexString returns a random hex string of the given length.
func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// OllamaCord is the main application struct. It ties together the Discord
// gateway session, the Ollama client, the database, the request queue and
// the per-channel workers that serialize conversation handling.
type OllamaCord struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [OllamaCord.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [OllamaCord.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles Ollama API integration
	ollama *Ollama

	// Provides the back-end admin API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called, after:
	// - initializing database connections
	// - getting current state from the DB
	// - starting the API
	// - opening a discord session
	// - registering the discord gateway handlers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [OllamaCord.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// Queues and manages priority for mention-triggered ChatRequest records
	requestQueue *ChatRequestMemoryQueue

	// If true, the bot will ignore new mentions from non-priority users,
	// and queue (but not process) mentions from priority users.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// A map of channel IDs to channel workers
	channelWorkers map[string]*channelWorker

	// protecc the map
	channelWorkerMu sync.RWMutex

	// Indicates whether admin credentials have been set. If they
	// haven't, Run will hold just after the init process is done and the
	// API has started, prior to connecting to discord - this ensures the
	// bot doesn't enqueue responding to mentions before it can be
	// configured/stopped via the API.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// chatRequestsInProgress indicates the number of ChatRequest runs
	// actively in progress ([channelWorker.runChatRequest])
	chatRequestsInProgress   atomic.Int64
	resetCommandsInProgress  atomic.Int64
	toggleCommandsInProgress atomic.Int64
	channelWorkersRunning    atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerUserCacheRefreshCh     chan bool
	triggerUserUpdatedRefreshCh   chan string
	triggerConversationResetCh    chan string
}

func (o *OllamaCord) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (o *OllamaCord) RuntimeConfig() RuntimeConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return *o.runtimeConfig
}

// New creates and initializes a new OllamaCord instance.
//
// This sets up the core components of the bot - logging, the Ollama
// client, the Discord integration, the request queue and the admin API.
// Database initialization is deferred until [OllamaCord.Run].
func New(config *Config) (*OllamaCord, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	o := &OllamaCord{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		channelWorkers:                map[string]*channelWorker{},
		channelWorkerMu:               sync.RWMutex{},
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerUserCacheRefreshCh:     make(chan bool, 1),
		triggerUserUpdatedRefreshCh:   make(chan string, 1),
		triggerConversationResetCh:    make(chan string, 1),
	}

	o.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     o.config.LogLevel,
			AddSource: true,
		},
	)

	o.logger = slog.New(o.logHandler)
	slog.SetDefault(o.logger)

	o.ollama = newOllama(o, o.config.HTTPClient)

	o.config.Discord.httpClient = o.config.HTTPClient

	disc, err := newDiscord(o.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     o.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	o.discord = disc
	disc.o = o

	o.requestQueue = NewChatRequestQueue(
		o.config.Queue,
		o.logger.With(loggerNameKey, "queue"),
	)

	api, err := newAPI(o, config.API)
	errs = append(errs, err)
	o.api = api

	return o, errors.Join(errs...)
}

func (o *OllamaCord) ValidateConfig() error {
	return structValidator.Struct(o.config)
}

// RegisterSlashCommands registers the bot's slash commands (/reset and
// /toggle) with Discord, via the bulk overwrite endpoint.
func (o *OllamaCord) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return o.discord.registerCommands(o.RuntimeConfig(), options...)
}

// getChannelWorker retrieves or creates the worker goroutine dedicated
// to the given channel. Requests for the same channel are serialized
// through its worker, which keeps the conversation log ordered.
func (o *OllamaCord) getChannelWorker(
	ctx context.Context,
	channelID string,
	guildID string,
) *channelWorker {
	o.channelWorkerMu.Lock()
	defer o.channelWorkerMu.Unlock()

	worker := o.channelWorkers[channelID]
	if worker != nil {
		return worker
	}

	startSignal := make(chan struct{}, 1)

	worker = newChannelWorker(o, channelID, guildID)

	go func() {
		o.channelWorkersRunning.Add(1)
		defer o.channelWorkersRunning.Add(-1)

		worker.Run(ctx, startSignal)

		o.channelWorkerMu.Lock()
		defer o.channelWorkerMu.Unlock()

		w, ok := o.channelWorkers[channelID]
		if ok && w == worker {
			delete(o.channelWorkers, channelID)
		}
	}()

	o.channelWorkers[channelID] = worker
	<-startSignal
	return worker
}

// resetChannelWorkerLog tells the given channel's worker (if one is
// running) to drop its in-memory conversation log. The next mention in
// the channel starts from the system prompt, re-loaded from the
// already-reset database rows.
func (o *OllamaCord) resetChannelWorkerLog(channelID string) {
	o.channelWorkerMu.RLock()
	defer o.channelWorkerMu.RUnlock()

	worker := o.channelWorkers[channelID]
	if worker == nil {
		return
	}
	select {
	case worker.resetCh <- struct{}{}:
		//
	default:
		// a reset signal is already pending
	}
}

// setChatEnabled persists the /toggle flag and updates the in-memory
// runtime config and discord presence to match.
func (o *OllamaCord) setChatEnabled(ctx context.Context, enabled bool) error {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	if _, err := o.writeDB.Update(
		ctx,
		o.runtimeConfig,
		columnRuntimeConfigChatEnabled,
		enabled,
	); err != nil {
		return err
	}
	o.runtimeConfig.ChatEnabled = enabled

	go func() {
		if statusErr := o.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				Status: getDiscordPresenceStatusUpdate(*o.runtimeConfig).Status,
			},
		); statusErr != nil {
			o.logger.Error("error updating discord status", tint.Err(statusErr))
		}
	}()

	return nil
}

// handleDiscordMessage processes incoming Discord messages, looking for
// @-mentions of the bot user.
//
// This method is typically called as a goroutine for each new message
// received through the Discord gateway.
//
// Messages are ignored when they:
//   - come from a bot (including this one)
//   - start with "!" (the conventional prefix for other bots' commands)
//   - mention @everyone, or don't mention this bot's user at all
//
// Mentions seen while chat replies are toggled off get the configured
// 'disabled' reply instead of being queued.
func (o *OllamaCord) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := o.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	o.discord.metricMessagesHandled.Add(1)

	if m.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	if user.Bot || user.ID == o.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", "user", user)
		return
	}

	if strings.HasPrefix(m.Content, "!") {
		logger.DebugContext(ctx, "ignoring '!'-prefixed message")
		return
	}

	if !messageMentionsUser(m.Message, o.config.Discord.ApplicationID) {
		logger.DebugContext(ctx, "message does not mention bot, ignoring")
		return
	}

	dm := NewDiscordMessage(m.Message)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := o.writeDB.Create(context.TODO(), &dm); err != nil {
			logger.ErrorContext(
				ctx,
				"error creating discord message log",
				tint.Err(err),
				"discord_message", dm,
			)
		}
	}()

	u, _, err := o.GetOrCreateUser(ctx, *user)
	if err != nil {
		logger.ErrorContext(ctx, "error getting or creating user", tint.Err(err))
		return
	}
	if u.Ignored {
		logger.WarnContext(ctx, "ignoring mention from ignored user", "user", u)
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
	ctx = WithLogger(ctx, logger)

	runtimeConfig := o.RuntimeConfig()
	if !runtimeConfig.ChatEnabled {
		logger.InfoContext(ctx, "chat replies disabled, sending disabled message")
		if runtimeConfig.ChatDisabledMessage == "" {
			return
		}
		if sendErr := o.discord.channelMessageSendReply(
			m.ChannelID,
			runtimeConfig.ChatDisabledMessage,
			&discordgo.MessageReference{
				MessageID: m.ID,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
			},
			discordgo.WithContext(ctx),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending disabled message", tint.Err(sendErr))
		}
		return
	}

	req := NewChatRequest(u, m.Message, o.config.Discord.ApplicationID)
	prompt, attachErr := appendTextAttachments(
		ctx,
		o.config.HTTPClient,
		o.config.Chat,
		req.Prompt,
		m.Attachments,
	)
	if attachErr != nil {
		var rejection *attachmentRejectedError
		if errors.As(attachErr, &rejection) {
			o.rejectAttachment(ctx, req, rejection)
		}
		return
	}
	req.Prompt = prompt

	if req.State == ChatRequestStateIgnored {
		if _, createErr := o.writeDB.Create(context.TODO(), req); createErr != nil {
			logger.ErrorContext(ctx, "error saving ignored request", tint.Err(createErr))
		}
		return
	}

	if _, createErr := o.writeDB.Create(context.TODO(), req); createErr != nil {
		logger.ErrorContext(ctx, "error creating chat request", tint.Err(createErr))
		return
	}

	logger = logger.With(
		slog.Group("chat_request", chatRequestLogAttrs(*req)...),
	)
	ctx = WithLogger(ctx, logger)

	if pushErr := o.requestQueue.Push(ctx, req, o.writeDB); pushErr != nil {
		logger.ErrorContext(ctx, "error enqueuing request", tint.Err(pushErr))
	}
}

// rejectAttachment records the mention as failed and tells the channel
// why the attachment couldn't be used. The request is never queued.
func (o *OllamaCord) rejectAttachment(
	ctx context.Context,
	req *ChatRequest,
	rejection *attachmentRejectedError,
) {
	ctx, logger := o.getLogger(ctx)
	logger.WarnContext(ctx, "rejecting message attachment", tint.Err(rejection))

	finishedAt := time.Now()
	req.State = ChatRequestStateFailed
	req.Response = &rejection.UserReply
	req.Error = NullableString(rejection.Error())
	req.FinishedAt = &finishedAt
	if _, err := o.writeDB.Create(context.TODO(), req); err != nil {
		logger.ErrorContext(ctx, "error saving rejected request", tint.Err(err))
	}

	if sendErr := o.discord.channelMessageSendReply(
		req.ChannelID,
		rejection.UserReply,
		&discordgo.MessageReference{
			MessageID: req.MessageID,
			ChannelID: req.ChannelID,
			GuildID:   req.GuildID,
		},
		discordgo.WithContext(ctx),
	); sendErr != nil {
		logger.ErrorContext(ctx, "error sending rejection reply", tint.Err(sendErr))
	}
}

// GetOrCreateUser will retrieve an existing (cached) User to return,
// or will create a new User record if one doesn't already exist for
// the given user's ID.
func (o *OllamaCord) GetOrCreateUser(
	ctx context.Context, u discordgo.User,
) (user *User, isNew bool, err error) {
	return o.writeDB.GetOrCreateUser(ctx, u)
}

// setRuntimeLevels sets the logging levels and the Ollama request limit
// based on the provided runtime configuration.
func (o *OllamaCord) setRuntimeLevels(state RuntimeConfig) {
	o.config.LogLevel.Set(state.LogLevel.Level())
	o.config.Ollama.LogLevel.Set(state.OllamaLogLevel.Level())
	o.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	o.config.API.LogLevel.Set(state.APILogLevel.Level())
	o.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	o.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	if o.ollama.limiter() == nil {
		o.ollama.requestLimiter = rate.NewLimiter(
			rate.Limit(state.OllamaMaxRequestsPerSecond),
			1,
		)
	} else {
		o.ollama.setRequestsPerSecond(state.OllamaMaxRequestsPerSecond)
	}
}

func (o *OllamaCord) initRun(startCtx context.Context, ctx context.Context) error {
	o.logger.Debug("initializing DB...")
	if err := o.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	o.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should enqueue in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := o.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			o.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := o.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		o.pendingSetup.Store(true)
	}
	o.paused.Store(botState.Paused)
	o.setRuntimeLevels(botState)
	o.runtimeConfig = &botState

	o.logger.InfoContext(
		ctx,
		"ollama backend configured",
		"url", o.config.Ollama.URL,
		"model", o.config.Ollama.Model,
	)

	return nil
}

// initDB initializes the database connection, sets up the GORM logger,
// applies SQLite pragmas when applicable, and migrates the schema.
func (o *OllamaCord) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = o.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     o.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, o.config.DatabaseSlowThreshold)
	db, err := getDB(o.config.DatabaseType, o.config.Database, gormLogger)

	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	o.db = db

	o.writeDB = NewDatabase(db, nil, o.config.DatabaseType == dbTypePostgres)
	o.requestQueue.db = o.writeDB

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if o.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&User{},
		&Conversation{},
		&ConversationMessage{},
		&ChatRequest{},
		&ResetCommand{},
		&ToggleCommand{},
		&OllamaChatLog{},
		&RuntimeConfig{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	_ = o.writeDB.LoadUsers()
	return nil
}

// Run starts the main loop of the OllamaCord bot.
//
// It initializes the runtime environment, validates the configuration,
// connects to Discord, and starts the primary application functions:
// serving the admin API and monitoring/handling the ChatRequest queue.
func (o *OllamaCord) Run(ctx context.Context) error {
	// prevents concurrent runs
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.signalStop = make(chan struct{}, 1)

	o.startedAt = time.Now()
	logger := o.logger

	if err := o.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(o)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	o.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", o.config))
	if o.signalReady == nil {
		o.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-o.signalStop:
			o.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			o.logger.Warn("context canceled, sending stop signal")
			o.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := o.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			o.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, o.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- o.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if o.api != nil && o.api.listener != nil {
				go func() {
					if e := o.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := o.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		logger.InfoContext(ctx, "starting queue watcher")
		o.watchQueue(ctx)
		logger.InfoContext(ctx, "queue watcher done")
	}()

	if discErr := o.initDiscordSession(ctx, runtimeWG); discErr != nil {
		o.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := o.discordInit(ctx, o.RuntimeConfig(), logger); err != nil {
		return err
	}

	o.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	o.startUserCacheRefresher(ctx, runtimeWG)
	o.startUserUpdatedListener(ctx, runtimeWG)
	o.startConversationResetListener(ctx, runtimeWG)

	o.signalReady <- struct{}{}
	o.logger.InfoContext(ctx, "sent ready signal")

	notifyChannels := []string{
		o.dbNotifier.RuntimeConfigChannelName(),
		o.dbNotifier.UserCacheChannelName(),
		o.dbNotifier.UserUpdateChannelName(),
		o.dbNotifier.ConversationResetChannelName(),
	}
	for _, channelName := range notifyChannels {
		runtimeWG.Add(1)
		go func(name string) {
			defer runtimeWG.Done()
			if e := o.dbNotifier.Listen(ctx, name); e != nil {
				o.logger.ErrorContext(
					ctx,
					"error listening on notify channel",
					tint.Err(e),
					"channel", name,
				)
			}
		}(channelName)
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return o.shutdown(ctx, runtimeWG)
}

func (o *OllamaCord) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !o.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			o.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := o.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return o.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		o.pendingSetup.Store(false)
	}

	return nil
}

func (o *OllamaCord) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := o.logger.With(loggerNameKey, "discord_session")

	if o.discord.session == nil {
		disc, discErr := o.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		o.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(o.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range o.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: o.config.Discord.GatewayIntents}
	if o.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = getDiscordPresenceStatusUpdate(o.RuntimeConfig())
	}
	o.discord.session.SetIdentify(identify)

	o.discord.discordgoRemoveHandlerFuncs = []func(){
		o.discord.session.AddHandler(o.discord.handlerConnect()),
		o.discord.session.AddHandler(o.discord.handlerDisconnect()),
		o.discord.session.AddHandler(o.discord.handlerReady()),
		o.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := o.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					o.handleInteraction(ctx, handler)
				}()
			},
		),
		o.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					o.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if o.getInteractionHandlerFunc == nil {
		o.getInteractionHandlerFunc = func(
			rctx context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			handler := GatewayHandler{
				session:     o.discord.session,
				interaction: i,
				config:      o.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: o.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
			return handler
		}
	}
	return nil
}

// discordInit opens the discord websocket connection and registers the
// slash commands.
func (o *OllamaCord) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	o.logger.InfoContext(ctx, "connecting to discord")
	if err := o.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := o.RegisterSlashCommands(discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		return fmt.Errorf("error registering commands: %w", err)
	}

	if runtimeCfg.DiscordCustomStatus != "" && !o.paused.Load() {
		go func() {
			if statusErr := o.discord.updateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// Pause 'pauses' the bot. While paused, mentions are queued but not
// processed. Unlike the /toggle flag, this isn't user-facing.
func (o *OllamaCord) Pause(ctx context.Context) bool {
	prev := o.paused.Swap(true)
	if prev {
		return false
	}

	if err := o.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		o.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !o.runtimeConfig.Paused {
		if _, err := o.writeDB.Update(
			ctx,
			o.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			o.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (o *OllamaCord) Resume(ctx context.Context) bool {
	prev := o.paused.Swap(false)
	if !prev {
		o.logger.Warn("bot not paused")
		return false
	}
	o.logger.InfoContext(ctx, "bot resumed")

	if err := o.discord.updateCustomStatus(o.runtimeConfig.DiscordCustomStatus); err != nil {
		o.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if o.runtimeConfig.Paused {
		if _, err := o.writeDB.Update(
			ctx, o.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			o.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

// watchQueue is the main loop for dispatching ChatRequest records to
// their channel workers.
func (o *OllamaCord) watchQueue(ctx context.Context) {
	defer func() {
		o.logger.InfoContext(
			ctx,
			"queue watcher stopped",
			"queue_size",
			o.requestQueue.Len(),
		)
	}()

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	for ctx.Err() == nil {
		// ChatEnabled is re-read on every iteration so requests queued
		// just before a '/toggle' off stay queued instead of getting
		// inference replies after the disable
		if o.paused.Load() || !o.RuntimeConfig().ChatEnabled {
			o.logger.DebugContext(ctx, "paused or chat disabled, sleeping")
			time.Sleep(o.requestQueue.config.SleepPaused)
			continue
		}

		req := o.requestQueue.Pop(ctx)

		if req == nil {
			time.Sleep(o.requestQueue.config.SleepEmpty)
			continue
		}

		logger := o.logger.With(
			slog.Group("chat_request", chatRequestLogAttrs(*req)...),
		)

		startedAt := time.Now()
		req.StartedAt = &startedAt

		worker := o.getChannelWorker(ctx, req.ChannelID, req.GuildID)

		sendTimeout := o.config.Chat.WorkerSendTimeout
		if sendTimeout <= 0 {
			sendTimeout = DefaultChannelWorkerSendTimeout
		}
		sendCtx, sendCancel := context.WithTimeout(ctx, sendTimeout)

		select {
		case worker.chatCh <- req:
			sendCancel()
		case <-sendCtx.Done():
			// If we can't send the request to the channel worker before
			// the timeout, a request is already in progress for that
			// channel. Let the user know we're still working on the
			// previous message.
			sendCancel()
			logger.WarnContext(ctx, "timed out sending request to channel worker")
			wg.Add(1)
			go func(r *ChatRequest) {
				defer wg.Done()
				o.busyChannelReply(ctx, logger, r)
			}(req)
		}
	}
}

// busyChannelReply marks the request rate-limited and posts the busy
// message as a reply to the triggering message.
func (o *OllamaCord) busyChannelReply(
	ctx context.Context,
	logger *slog.Logger,
	r *ChatRequest,
) {
	config := o.RuntimeConfig()
	if config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				o.handleRecover(ctx, rc)
			}
		}()
	}

	responseMsg := config.DiscordBusyMessage
	finishedAt := time.Now()

	logger.WarnContext(ctx, "request already in progress for channel")

	swg := &sync.WaitGroup{}
	defer swg.Wait()

	swg.Add(1)
	go func() {
		defer swg.Done()
		if _, err := o.writeDB.Updates(
			context.TODO(),
			r,
			map[string]any{
				columnChatRequestState:      ChatRequestStateRateLimited,
				columnChatRequestStep:       "",
				columnChatRequestFinishedAt: &finishedAt,
				columnChatRequestStartedAt:  r.StartedAt,
				columnChatRequestResponse:   &responseMsg,
			},
		); err != nil {
			logger.ErrorContext(
				ctx,
				"error saving rate limited request",
				tint.Err(err),
			)
		}
	}()

	if responseMsg == "" {
		return
	}

	swg.Add(1)
	go func() {
		defer swg.Done()
		if sendErr := o.discord.channelMessageSendReply(
			r.ChannelID,
			responseMsg,
			&discordgo.MessageReference{
				MessageID: r.MessageID,
				ChannelID: r.ChannelID,
				GuildID:   r.GuildID,
			},
			discordgo.WithContext(ctx),
		); sendErr != nil {
			logger.WarnContext(ctx, "failed to send busy message", tint.Err(sendErr))
		}
	}()
}

func (o *OllamaCord) startUserCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	userCacheTTL := o.config.UserCacheTTL

	var lastRefresh time.Time

	if userCacheTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(userCacheTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case o.triggerUserCacheRefreshCh <- false:
					//
					case <-time.After(15 * time.Second):
						o.logger.Info("timed out sending user cache refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				o.logger.Info("context canceled, stopping user cache refresher")
				return
			case forceRefresh := <-o.triggerUserCacheRefreshCh:
				if forceRefresh || lastRefresh.IsZero() {
					o.logger.Info("force-reloading cache")
					o.refreshUserCache(ctx)
					lastRefresh = time.Now()
					o.logger.Info("finished reloading")
				} else {
					elapsed := time.Since(lastRefresh)
					if elapsed > userCacheTTL {
						o.logger.Info("reloading cache")
						o.refreshUserCache(ctx)
						lastRefresh = time.Now()
						o.logger.Info("finished reloading")
					} else {
						o.logger.Info("recently refreshed, ignoring")
					}
				}
			}
		}
	}()
}

func (o *OllamaCord) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				o.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-o.triggerUserUpdatedRefreshCh:
				if userID == "" {
					o.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				o.refreshUser(userID)
			}
		}
	}()
}

// startConversationResetListener drains conversation reset notifications
// (from /reset on this or another instance) and tells the affected
// channel's worker to drop its in-memory log.
func (o *OllamaCord) startConversationResetListener(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				o.logger.Info("context canceled, stopping conversation reset listener")
				return
			case channelID := <-o.triggerConversationResetCh:
				if channelID == "" {
					o.logger.Warn("empty channel ID received, skipping reset")
					continue
				}
				o.logger.Info("conversation reset", "channel_id", channelID)
				o.resetChannelWorkerLog(channelID)
			}
		}
	}()
}

func (o *OllamaCord) refreshUser(userID string) {
	o.logger.Info("reloading user", "user_id", userID)
	user := o.writeDB.ReloadUser(userID)
	if user == nil {
		o.logger.Warn("user not found", "user_id", userID)
		return
	}
	o.logger.Info("reloaded user", "user_id", userID)
}

// startRuntimeConfigRefresher starts the cache refresher goroutine. This
// periodically refreshes [RuntimeConfig].
func (o *OllamaCord) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := o.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case o.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent cache refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-o.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					o.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					o.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (o *OllamaCord) refreshRuntimeConfig(ctx context.Context, force bool) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	runtimeConfigTTL := o.config.RuntimeConfigTTL
	rollbackConfig := o.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := o.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		o.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		o.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		o.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		o.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (o *OllamaCord) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	o.logger.Info("refreshing runtime configuration")

	switch {
	case existingConfig.Paused && !rollbackConfig.Paused:
		if discErr := o.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); discErr != nil {
			o.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case existingConfig.ChatEnabled != rollbackConfig.ChatEnabled,
		existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
		if discErr := o.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				Status: getDiscordPresenceStatusUpdate(*existingConfig).Status,
			},
		); discErr != nil {
			o.logger.Error("error updating discord status", tint.Err(discErr))
		}
	}

	o.runtimeConfig = existingConfig
	o.setRuntimeLevels(*existingConfig)

	o.logger.Info("refreshed runtime config")
}

func (o *OllamaCord) refreshUserCache(_ context.Context) {
	o.writeDB.UserCacheLock()
	defer o.writeDB.UserCacheUnlock()
	_ = o.writeDB.LoadUsers()
}

func (o *OllamaCord) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	o.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if o.eventShutdown != nil {
			go func() {
				o.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := o.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		o.logger.Warn("immediate shutdown")
		go func() {
			_ = o.api.httpServer.Close()
		}()
		return fmt.Errorf("request worker did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	o.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", o.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		o.logger.InfoContext(ctx, "runtime processes stopped")

		stopWG := &sync.WaitGroup{}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()

			o.channelWorkerMu.Lock()
			defer o.channelWorkerMu.Unlock()

			if o.channelWorkers != nil {
				for wid, worker := range o.channelWorkers {
					stopWG.Add(1)
					go func(channelID string, w *channelWorker) {
						defer stopWG.Done()
						o.logger.Info(
							fmt.Sprintf(
								"sending stop signal to worker for channel '%s'",
								channelID,
							),
						)
						w.signalStop <- struct{}{}
						<-w.stopped
						o.logger.Info(
							fmt.Sprintf("confirmed worker '%s' stopped", channelID),
						)
					}(wid, worker)
				}
			}
			o.channelWorkers = map[string]*channelWorker{}
		}()

		if o.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				o.logger.InfoContext(ctx, "stopping http server")
				_ = o.api.httpServer.Shutdown(closeCtx)
				o.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if o.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				o.logger.InfoContext(ctx, "closing discord session")
				_ = o.discord.session.Close()
				o.logger.InfoContext(ctx, "discord session closed")
				if len(o.discord.discordgoRemoveHandlerFuncs) > 0 {
					for _, h := range o.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					o.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			o.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			o.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			o.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			o.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force-close everything
			o.logger.Warn("request worker did not stop in time, forcing close")

			go func() {
				_ = o.api.httpServer.Close()
			}()

			return fmt.Errorf("request worker did not stop in time")
		}
	}
}

// handleRecover handles the recovery from a panic in a goroutine. This is
// intended to be used when executing slash commands, and should only
// be used when [RuntimeConfig.RecoverPanic] is enabled.
func (*OllamaCord) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// InteractionHandler defines the interface for handling Discord
// interactions. Implementations are responsible for responding to,
// editing and deleting interaction responses.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (currently always the gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger

	// Config returns the command options for this handler.
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes incoming Discord interactions - the
// /reset and /toggle slash commands.
//
// The interaction is logged to the database, acknowledged with a public
// deferred response, and the matching command record is created and
// executed inline (both commands are quick - there's no queueing here,
// unlike mention handling).
func (o *OllamaCord) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := o.writeDB.Create(context.TODO(), interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		u, _, e := o.GetOrCreateUser(ctx, *discordUser)
		if e != nil {
			logger.ErrorContext(ctx, "error getting user", tint.Err(e))

			wg.Add(1)
			go func() {
				defer wg.Done()
				handler.Delete(ctx)
			}()

			return
		}

		logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
		ctx = WithLogger(ctx, logger)

		// ignore any interactions from ignored users, or from
		// non-priority users while the bot is paused
		if u.Ignored || (o.paused.Load() && !u.Priority) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.handleIgnoredUserCommand(ctx, handler, u, i)
			}()

			return
		}

		switch commandName {
		case DiscordSlashCommandReset:
			resetRec := NewUserResetCommand(o, u, i)
			resetRec.handler = handler
			if ackErr := handler.Respond(ctx, o.discord.ackResponse(commandName)); ackErr != nil {
				logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
				resetRec.State = ResetCommandStateFailed
				if _, dbErr := o.writeDB.Create(context.TODO(), resetRec); dbErr != nil {
					logger.Error("error saving reset command", tint.Err(dbErr))
				}
				return
			}
			resetRec.Acknowledged = true
			if _, dbErr := o.writeDB.Create(context.TODO(), resetRec); dbErr != nil {
				logger.ErrorContext(ctx, "error creating reset command", tint.Err(dbErr))
			}
			_ = resetRec.execute(ctx, o)
		case DiscordSlashCommandToggle:
			toggleRec := NewUserToggleCommand(o, u, i)
			toggleRec.handler = handler
			if ackErr := handler.Respond(ctx, o.discord.ackResponse(commandName)); ackErr != nil {
				logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
				toggleRec.State = ToggleCommandStateFailed
				if _, dbErr := o.writeDB.Create(context.TODO(), toggleRec); dbErr != nil {
					logger.Error("error saving toggle command", tint.Err(dbErr))
				}
				return
			}
			toggleRec.Acknowledged = true
			if _, dbErr := o.writeDB.Create(context.TODO(), toggleRec); dbErr != nil {
				logger.ErrorContext(ctx, "error creating toggle command", tint.Err(dbErr))
			}
			_ = toggleRec.execute(ctx, o)
		default:
			logger.WarnContext(ctx, "unknown command", "command_name", commandName)
		}
	default:
		logger.WarnContext(
			ctx,
			"unsupported interaction type",
			"interaction_type", i.Type.String(),
		)
	}
}

// handleIgnoredUserCommand processes commands from users who are
// marked as ignored (or seen while the bot is paused).
//
// The command record is saved with an 'ignored' state; no response is
// sent.
func (o *OllamaCord) handleIgnoredUserCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"handling ignored user interaction",
		"command_name", commandName,
	)
	switch commandName {
	case DiscordSlashCommandReset:
		resetRec := NewUserResetCommand(o, u, i)
		resetRec.handler = handler
		resetRec.State = ResetCommandStateIgnored
		if _, e := o.writeDB.Create(context.TODO(), resetRec); e != nil {
			logger.ErrorContext(ctx, "error saving reset command", tint.Err(e))
		}
	case DiscordSlashCommandToggle:
		toggleRec := NewUserToggleCommand(o, u, i)
		toggleRec.handler = handler
		toggleRec.State = ToggleCommandStateIgnored
		if _, e := o.writeDB.Create(context.TODO(), toggleRec); e != nil {
			logger.ErrorContext(ctx, "error saving toggle command", tint.Err(e))
		}
	}
}

// DiscordStatus represents the metrics related to Discord interactions.
type DiscordStatus struct {
	MessagesHandled int64 `json:"messages_handled"`
	Connects        int64 `json:"connects"`
	Disconnects     int64 `json:"disconnects"`
}
