package ollamacord

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	apiPrefix               = "/api"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathUpdateUser       = "/user/:id"
	apiPathUsers            = "/users"
	apiPathReloadUsers      = "/users/reload"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiAdminSetup           = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiPathStatus           = "/status"
	apiListChatRequests     = "/chat_requests"
	apiPathChatRequest      = "/chat_request/:id"
	apiPathDiscordMessages  = "/discord_messages"
	apiPathConversations    = "/conversations"
	apiPathOllamaLogs       = "/ollama/logs"

	apiPathDiscordGatewayBot = "/discord/gateway/bot"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the backend admin API for OllamaCord.
//
// It serves the login/session endpoints, runtime configuration,
// user administration, and read-only views of chat requests,
// conversations and Ollama call logs.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct.
//
// This sets up the logger, configures the Gin engine, initializes the
// APIHandlers, sets up the session store, configures TLS, and sets up
// middleware and routes.
func newAPI(o *OllamaCord, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(o)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	// cors.New panics when no origins are allowed at all, so the
	// middleware is only installed when origins are configured
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	r.POST(apiAdminSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(o))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathChatRequest, apiHandlers.getChatRequestDetail)
	protected.GET(apiPathDiscordMessages, apiHandlers.getDiscordMessages)
	protected.GET(apiListChatRequests, apiHandlers.getChatRequests)
	protected.GET(apiPathConversations, apiHandlers.getConversations)
	protected.GET(apiPathOllamaLogs, apiHandlers.getOllamaLogs)

	protected.POST(apiPathReloadUsers, apiHandlers.reloadUsers)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.GET(apiPathStatus, apiHandlers.botStatus)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)
	protected.GET(apiPathDiscordGatewayBot, apiHandlers.getDiscordGatewayBot)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	o      *OllamaCord
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// This sets up the logger, generates a secret key for session management,
// and configures the session store with appropriate options.
func NewAPIHandlers(o *OllamaCord) *APIHandlers {
	logger := o.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := o.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if o.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(o.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{o: o, logger: logger, store: store}
}

// setupStatus handles the HTTP GET request to check the setup status.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.o.pendingSetup.Load()})
}

// adminSetup handles the HTTP POST request for the initial admin setup.
//
// It locks the configuration mutex, validates the setup payload, and
// updates the admin credentials in the database. The setup is only
// performed if it is pending.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.o.cfgMu.Lock()
	defer h.o.cfgMu.Unlock()

	if !h.o.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.o.runtimeConfig

	username := adminSetup.Username

	password, err := hashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.o.writeDB.Updates(
		c.Request.Context(),
		currentState, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.o.runtimeConfig = currentState
	h.o.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler handles the HTTP POST request to log in a user.
//
// It validates the login request, checks the provided credentials
// against the stored admin credentials, and creates a new session if the
// login is successful. Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.o.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.o.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.o.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.o.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.o.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck handles the HTTP GET request for a health check.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.o.paused.Load(),
			QueueSize:               h.o.requestQueue.Len(),
			DiscordGatewayConnected: h.o.discord.connected.Load(),
		},
	)
}

// logoutHandler handles the HTTP POST request to log out a user.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn handles the HTTP GET request to check if a user is logged in.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.o.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands handles the HTTP POST request to register
// the slash commands with Discord.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.o.discord.registerCommands(h.o.RuntimeConfig())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// getDiscordGatewayBot returns the discord gateway bot info, mainly
// useful for checking session start limits.
func (h *APIHandlers) getDiscordGatewayBot(c *gin.Context) {
	log := ginContextLogger(c)
	gatewayBot, err := h.o.discord.session.GatewayBot()
	if err != nil {
		log.Error("error getting gateway bot", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting gateway bot"},
		)
		return
	}
	c.JSON(http.StatusOK, gatewayBot)
}

// botPause handles the HTTP POST request to pause the bot.
//
// While paused, mentions are queued but not processed.
func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	h.o.cfgMu.Lock()
	defer h.o.cfgMu.Unlock()

	if h.o.Pause(context.Background()) {
		log.Info("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		httpError{Error: "bot already paused"},
	)
}

// botResume handles the HTTP POST request to resume the bot.
func (h *APIHandlers) botResume(c *gin.Context) {
	h.o.cfgMu.Lock()
	defer h.o.cfgMu.Unlock()

	ok := h.o.Resume(context.Background())
	if ok {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// reloadUsers handles the HTTP POST request to reload the user cache.
func (h *APIHandlers) reloadUsers(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("sending user cache reload notification")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := h.o.dbNotifier.ReloadUserCache(ctx)
	if sent {
		c.JSON(http.StatusAccepted, httpReply{Message: "Notification sent"})
		return
	}
	c.JSON(http.StatusInternalServerError, httpError{Error: "error sending notification"})
}

// getUsers handles the HTTP GET request to retrieve a list of users.
//
// It supports pagination and sorting of the results, and optionally
// includes per-user usage statistics.
func (h *APIHandlers) getUsers(c *gin.Context) {
	var pagination GetUsersQuery
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var users []User

	var err error
	switch pagination.Order {
	case Descending:
		err = h.o.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id desc").Find(&users).Error
	default:
		err = h.o.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id asc").Find(&users).Error
	}
	if err != nil {
		log.Error("error getting users", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting users"})
		return
	}

	if !pagination.IncludeStats {
		c.JSON(http.StatusOK, users)
		return
	}

	usersWithStats := make([]userWithStats, len(users))

	g, _ := errgroup.WithContext(context.Background())
	for ind, u := range users {
		ind, u := ind, u
		g.Go(
			func() error {
				withStats := userWithStats{User: u}
				stats, e := u.getStats(context.Background(), h.o.db)
				withStats.UserStats = &stats
				if e == nil {
					usersWithStats[ind] = withStats
				}
				return e
			},
		)
	}
	if e := g.Wait(); e != nil {
		log.Error("error getting user stats", tint.Err(e))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting user stats"},
		)
		return
	}

	c.JSON(http.StatusOK, usersWithStats)
}

// getConfig handles the HTTP GET request to retrieve the bot's runtime
// configuration.
func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.o.RuntimeConfig()
	c.JSON(http.StatusOK, botState)
}

// updateRuntimeConfig handles the HTTP PATCH request to update the bot's
// runtime configuration.
//
// It validates the request payload, applies the updates to the runtime
// configuration, and persists the changes to the database. Changes that
// affect the discord presence or the registered slash commands are
// propagated.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	o := h.o
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := o.runtimeConfig
	rollbackConfig := *existingConfig

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "Error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "Error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = o.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		o.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	o.setRuntimeLevels(*existingConfig)

	wasPaused := o.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(o, logger, rollbackConfig, existingConfig)

	if existingConfig.NotificationChannelID != rollbackConfig.NotificationChannelID {
		go sendStartupMessage(o.discord, logger, *existingConfig)
	}

	// any change in slash command parameters means we need to overwrite
	// the commands so the changes take effect
	if e := overwriteDiscordCommands(
		o.discord,
		logger,
		rollbackConfig,
		*existingConfig,
	); e != nil {
		logger.Error("error overwriting commands", tint.Err(e))
	}

	c.JSON(http.StatusAccepted, existingConfig)

	sent := o.dbNotifier.ReloadRuntimeConfig(ctx)
	if !sent {
		logger.Error("error sending config update notification")
	}
}

// updateUser handles the HTTP PATCH request to update a user's record
// (currently the priority/ignored flags).
func (h *APIHandlers) updateUser(c *gin.Context) {
	log := ginContextLogger(c)

	var update apiPatchUser
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	userID := c.Param("id")
	user := h.o.writeDB.GetUser(userID)
	if user == nil {
		log.Warn("User not found", columnUserID, userID)
		c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
		return
	}

	updateContent, err := json.Marshal(update)
	if err != nil {
		log.Error("error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error marshaling update request"})
		return
	}

	var updateData map[string]any
	if err = json.Unmarshal(updateContent, &updateData); err != nil {
		log.Error("error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error unmarshalling update request"},
		)
		return
	}

	if len(updateData) == 0 {
		c.JSON(http.StatusAccepted, user)
		return
	}

	log.Info("updating user", "user", user, "updates", updateData)

	_, err = h.o.writeDB.Updates(c.Request.Context(), user, updateData)
	if err != nil {
		log.Error("error updating user", columnUserID, userID, tint.Err(err))
		_ = h.o.writeDB.ReloadUser(userID)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating User"})
		return
	}
	c.JSON(http.StatusAccepted, h.o.writeDB.ReloadUser(userID))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h.o.dbNotifier.UserUpdated(ctx, userID)
}

// botQuit handles the HTTP POST request to shut down the bot.
//
// It sends a stop signal (to all instances, when using postgres), which
// initiates the shutdown process.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.o.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// botStatus handles the HTTP GET request for the bot's current runtime
// status and metrics.
func (h *APIHandlers) botStatus(c *gin.Context) {
	log := ginContextLogger(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := getChatRequestStats(
		ctx,
		h.o.writeDB,
		time.Now().Add(-24*time.Hour),
	)
	if err != nil {
		log.Error("error getting chat request stats", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting chat request stats"},
		)
		return
	}

	c.JSON(
		http.StatusOK, botStatusResponse{
			StartedAt:   h.o.startedAt,
			Version:     Version,
			Paused:      h.o.paused.Load(),
			ChatEnabled: h.o.RuntimeConfig().ChatEnabled,
			QueueSize:   h.o.requestQueue.Len(),
			Workers:     h.o.channelWorkersRunning.Load(),
			InProgress:  h.o.chatRequestsInProgress.Load(),
			Discord: DiscordStatus{
				MessagesHandled: h.o.discord.metricMessagesHandled.Load(),
				Connects:        h.o.discord.metricConnects.Load(),
				Disconnects:     h.o.discord.metricDisconnects.Load(),
			},
			ChatRequests24h: stats,
		},
	)
}

// getChatRequests handles the HTTP GET request to retrieve a list of
// mention-triggered chat requests.
//
// It supports pagination and filtering by user ID, channel ID, start
// date and end date.
func (h *APIHandlers) getChatRequests(c *gin.Context) {
	var pagination GetChatRequestsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var chatRequests []ChatRequest

	query := h.o.db.Model(&ChatRequest{}).Preload(
		"User",
	).Limit(pagination.Limit).Offset(pagination.Offset)

	if pagination.UserID != "" {
		query = query.Where("user_id = ?", pagination.UserID)
	}

	if pagination.ChannelID != "" {
		query = query.Where("channel_id = ?", pagination.ChannelID)
	}

	if pagination.StartDate != "" {
		startDate, err := time.Parse("2006-01-02", pagination.StartDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid start_date format"},
			)
			return
		}
		query = query.Where("created_at >= ?", startDate.UnixMilli())
	}

	if pagination.EndDate != "" {
		endDate, err := time.Parse("2006-01-02", pagination.EndDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid end_date format"},
			)
			return
		}
		// Add one day to include the entire end date
		endDate = endDate.Add(24 * time.Hour)
		query = query.Where("created_at < ?", endDate.UnixMilli())
	}

	switch pagination.Order {
	case Descending:
		query = query.Order("created_at desc")
	default:
		query = query.Order("created_at asc")
	}

	err := query.Find(&chatRequests).Error
	if err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting chat requests",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting chat requests"},
		)
		return
	}

	c.JSON(http.StatusOK, chatRequests)
}

// ChatRequestDetail is the detailed view of a ChatRequest, including the
// Ollama API calls made while handling it.
type ChatRequestDetail struct {
	ChatRequest ChatRequest     `json:"chat_request"`
	OllamaLogs  []OllamaChatLog `json:"ollama_logs,omitempty"`
}

// getChatRequestDetail handles the HTTP GET request to retrieve the
// details of a specific chat request.
func (h *APIHandlers) getChatRequestDetail(c *gin.Context) {
	logger := ginContextLogger(c)
	id := c.Param("id")
	chatRequestID, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		logger.Error("invalid chat request id", tint.Err(err))
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "invalid chat request id"},
		)
		return
	}
	logger = logger.With(slog.Group("chat_request", "id", id))
	logger.Info("retrieving chat_request")

	var chatRequest ChatRequest
	if err = h.o.db.Preload("User").Take(
		&chatRequest,
		"id = ?", chatRequestID,
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "chat request not found"})
		} else {
			c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching chat request"})
		}
		return
	}

	detail := ChatRequestDetail{ChatRequest: chatRequest}
	h.o.db.Where("chat_request_id = ?", chatRequest.ID).Find(&detail.OllamaLogs)
	c.JSON(http.StatusOK, detail)
}

// getDiscordMessages handles the HTTP GET request to retrieve a list of
// Discord messages seen by the bot.
func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var messages []DiscordMessage
	query := h.o.db.Model(&DiscordMessage{})

	var err error
	switch pagination.Order {
	case Descending:
		err = query.Limit(pagination.Limit).Offset(
			pagination.Offset,
		).Order("id desc").Find(&messages).Error
	default:
		err = query.Limit(pagination.Limit).Offset(
			pagination.Offset,
		).Order("id asc").Find(&messages).Error
	}

	if err != nil {
		log.ErrorContext(
			c,
			"error getting discord messages",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting discord messages"},
		)
		return
	}

	c.JSON(http.StatusOK, messages)
}

// getConversations handles the HTTP GET request to list per-channel
// conversation statistics, most recently active first.
func (h *APIHandlers) getConversations(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stats, err := getConversationStats(ctx, h.o.db, pagination.Limit)
	if err != nil {
		log.Error("error getting conversation stats", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting conversation stats"},
		)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetOllamaLogsQuery represents the query parameters for fetching
// OllamaChatLog records.
type GetOllamaLogsQuery struct {
	Pagination
	ChatRequestID *uint `form:"chat_request_id"`
}

// getOllamaLogs handles the HTTP GET request to retrieve OllamaChatLog
// records, with pagination and optional filtering by chat_request_id.
func (h *APIHandlers) getOllamaLogs(c *gin.Context) {
	var query GetOllamaLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}

	if query.Order == "" {
		query.Order = Descending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)

	db := h.o.db.Model(&OllamaChatLog{})

	if query.ChatRequestID != nil {
		db = db.Where("chat_request_id = ?", query.ChatRequestID)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting ollama logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	var logs []OllamaChatLog

	switch query.Order {
	case Descending:
		db = db.Order("created_at DESC")
	default:
		db = db.Order("created_at ASC")
	}

	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving ollama logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":  totalCount,
			"offset": query.Offset,
			"limit":  query.Limit,
			"logs":   logs,
		},
	)
}

// GetChatRequestsQuery represents the query parameters for fetching
// ChatRequest records.
type GetChatRequestsQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	ChannelID string `form:"channel_id"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetUsersQuery represents the query parameters for fetching User records.
type GetUsersQuery struct {
	Pagination
	IncludeStats bool `form:"include_stats" json:"include_stats"`
}

// Sort represents the sorting order for queries.
type Sort string

// apiPatchUser accepts payload to update specific fields of a User record.
// Any non-nil value will be updated.
type apiPatchUser struct {
	Priority *bool `json:"priority,omitempty" binding:"omitnil"`
	Ignored  *bool `json:"ignored,omitempty" binding:"omitnil"`
}

// userWithStats represents a User along with their usage statistics.
type userWithStats struct {
	User
	UserStats *UserStats `json:"stats,omitempty"`
}

// loggedInResponse represents the response returned when a user is
// successfully logged in.
type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse represents the response structure for the health
// check endpoint.
type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	QueueSize               int  `json:"queue_size"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// botStatusResponse is the payload for the status endpoint.
type botStatusResponse struct {
	StartedAt       time.Time        `json:"started_at"`
	Version         string           `json:"version"`
	Paused          bool             `json:"paused"`
	ChatEnabled     bool             `json:"chat_enabled"`
	QueueSize       int              `json:"queue_size"`
	Workers         int64            `json:"workers"`
	InProgress      int64            `json:"in_progress"`
	Discord         DiscordStatus    `json:"discord"`
	ChatRequests24h chatRequestStats `json:"chat_requests_24h"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status'
// endpoint. If an admin username/password haven't been set yet,
// Required will be true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
//
// It retrieves the session from the request and checks if the user is
// authenticated. If the user is not authenticated, it aborts the request
// with a 401 Unauthorized status.
//
// If the bot is pending setup (no admin credentials have been set),
// it also returns HTTP 401.
func authMiddleware(o *OllamaCord) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := o.api.store
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		if o.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Debug("got session", sessionVarField, username)

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics.
//
// It increments the request count for each unique combination of HTTP
// method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// updateDiscordBotStatus updates the bot's presence when runtime config
// changes affect it.
func updateDiscordBotStatus(
	o *OllamaCord,
	logger *slog.Logger,
	oldState RuntimeConfig,
	currentState *RuntimeConfig,
) {
	if oldState.Paused == currentState.Paused &&
		oldState.ChatEnabled == currentState.ChatEnabled &&
		oldState.DiscordCustomStatus == currentState.DiscordCustomStatus {
		return
	}
	presence := getDiscordPresenceStatusUpdate(*currentState)
	if err := o.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    presence.AFK,
			Status: presence.Status,
		},
	); err != nil {
		logger.Error("error updating discord status", tint.Err(err))
	}
}

// sendStartupMessage sends the configured startup message to the
// notification channel, if both are set.
func sendStartupMessage(d *Discord, logger *slog.Logger, config RuntimeConfig) {
	if config.NotificationChannelID == "" {
		return
	}

	if sendErr := d.channelMessageSend(
		config.NotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// overwriteDiscordCommands re-registers the slash commands when any of
// their user-visible fields changed.
func overwriteDiscordCommands(
	d *Discord,
	logger *slog.Logger,
	oldState RuntimeConfig,
	currentState RuntimeConfig,
) error {
	if currentState.ResetCommandDescription != oldState.ResetCommandDescription ||
		currentState.ToggleCommandDescription != oldState.ToggleCommandDescription ||
		currentState.ToggleOptionDescription != oldState.ToggleOptionDescription {
		logger.Info("app command fields changed, overwriting")
		registered, registerErr := d.registerCommands(currentState)
		if registerErr != nil {
			logger.Error(
				"error registering commands",
				tint.Err(registerErr),
			)
		} else {
			logger.Info("registered commands", "commands", registered)
		}
		return registerErr
	}
	return nil
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"OllamaCord"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateQueueConfig, QueueConfig{})
}
