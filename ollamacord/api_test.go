package ollamacord

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestAPI generates a self-signed cert into a temp dir, creates the
// API from the bot's config and wires it back onto the bot, the same
// way Run does.
func newTestAPI(t testing.TB, bot *OllamaCord) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tmpdir := t.TempDir()
	certFile := filepath.Join(tmpdir, "cert.pem")
	keyFile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certFile, keyFile)
	require.NoError(t, err)

	bot.config.API.SSL.Cert = certFile
	bot.config.API.SSL.Key = keyFile

	api, err := newAPI(bot, bot.config.API)
	require.NoError(t, err)
	bot.api = api
	return api
}

// setAdminCredentials stores hashed admin credentials the way the
// first-time setup endpoint would.
func setAdminCredentials(
	t testing.TB,
	bot *OllamaCord,
	username string,
	password string,
) {
	t.Helper()
	hashed, err := hashPassword(password)
	require.NoError(t, err)
	_, err = bot.writeDB.Updates(
		context.Background(), bot.runtimeConfig, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	require.NoError(t, err)
	bot.runtimeConfig.AdminUsername = username
	bot.runtimeConfig.AdminPassword = hashed
}

// apiLogin logs in via the login endpoint and returns the session
// cookies for use in subsequent requests.
func apiLogin(
	t testing.TB,
	api *API,
	username string,
	password string,
) []*http.Cookie {
	t.Helper()
	body, err := json.Marshal(userLogin{Username: username, Password: password})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(
		http.MethodPost, apiPathLogin, bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return w.Result().Cookies()
}

func TestGenerateSelfSignedCert(t *testing.T) {
	tmpdir := t.TempDir()
	certFile := filepath.Join(tmpdir, "cert.pem")
	keyFile := filepath.Join(tmpdir, "key.pem")

	cert, err := generateSelfSignedCert(certFile, keyFile)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.FileExists(t, certFile)
	assert.FileExists(t, keyFile)

	tlsCfg, err := tlsConfig(certFile, keyFile, tls.VersionTLS12)
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestNewAPIRequiresCerts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bot := newTestBot(t)

	_, err := newAPI(bot, bot.config.API)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading SSL certs")
}

func TestAPIHealthCheck(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.Paused)
	assert.Zero(t, health.QueueSize)
	assert.False(t, health.DiscordGatewayConnected)

	bot.paused.Store(true)
	bot.discord.connected.Store(true)

	w = httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, apiHealthCheck, nil),
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.True(t, health.Paused)
	assert.True(t, health.DiscordGatewayConnected)
}

func TestNewAPICORSConfig(t *testing.T) {
	// the default config allows no origins at all, which must not
	// prevent the API from being constructed or serving requests
	bot := newTestBot(t)
	require.Empty(t, bot.config.API.CORS.AllowOrigins)
	api := newTestAPI(t, bot)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	req.Header.Set("Origin", "https://example.com")
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// configured origins get the CORS headers back
	bot = newTestBot(t)
	bot.config.API.CORS.AllowOrigins = []string{"https://example.com"}
	api = newTestAPI(t, bot)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	req.Header.Set("Origin", "https://example.com")
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		"https://example.com",
		w.Header().Get("Access-Control-Allow-Origin"),
	)
}

func TestAPISetupStatus(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, apiPathSetupStatus, nil),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var setup setupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &setup))
	assert.False(t, setup.Required)

	bot.pendingSetup.Store(true)

	w = httptest.NewRecorder()
	api.engine.ServeHTTP(
		w, httptest.NewRequest(http.MethodGet, apiPathSetupStatus, nil),
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &setup))
	assert.True(t, setup.Required)
}

func TestAPIAdminSetup(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)
	bot.pendingSetup.Store(true)

	// mismatched passwords are rejected
	body, err := json.Marshal(
		adminSetupPayload{
			Username:        "admin",
			Password:        "hunter2",
			ConfirmPassword: "hunter3",
		},
	)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(
		http.MethodPost, apiAdminSetup, bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, bot.pendingSetup.Load())

	body, err = json.Marshal(
		adminSetupPayload{
			Username:        "admin",
			Password:        "hunter2",
			ConfirmPassword: "hunter2",
		},
	)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(
		http.MethodPost, apiAdminSetup, bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, bot.pendingSetup.Load())

	var rec RuntimeConfig
	require.NoError(t, bot.db.Last(&rec).Error)
	assert.Equal(t, "admin", rec.AdminUsername)
	valid, err := verifyPassword(rec.AdminPassword, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	// setup only works once
	w = httptest.NewRecorder()
	req = httptest.NewRequest(
		http.MethodPost, apiAdminSetup, bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPILogin(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	setAdminCredentials(t, bot, "admin", "hunter2")

	body, err := json.Marshal(
		userLogin{Username: "admin", Password: "wrong"},
	)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(
		http.MethodPost, apiPathLogin, bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookies := apiLogin(t, api, "admin", "hunter2")
	require.NotEmpty(t, cookies)

	// the session cookie authenticates requests to protected routes
	w = httptest.NewRecorder()
	req = httptest.NewRequest(
		http.MethodGet, apiPrefix+apiPathLoggedIn, nil,
	)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var loggedIn loggedInResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loggedIn))
	assert.Equal(t, "admin", loggedIn.Username)
}

func TestAPIUnauthorized(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)

	w := httptest.NewRecorder()
	api.engine.ServeHTTP(
		w,
		httptest.NewRequest(http.MethodGet, apiPrefix+apiPathStatus, nil),
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIPauseResume(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	setAdminCredentials(t, bot, "admin", "hunter2")
	cookies := apiLogin(t, api, "admin", "hunter2")

	doPost := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, apiPrefix+path, nil)
		for _, cookie := range cookies {
			req.AddCookie(cookie)
		}
		api.engine.ServeHTTP(w, req)
		return w
	}

	w := doPost(apiPathPause)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, bot.paused.Load())

	// pausing twice is a conflict
	w = doPost(apiPathPause)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doPost(apiPathResume)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, bot.paused.Load())

	w = doPost(apiPathResume)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIBotStatus(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	setAdminCredentials(t, bot, "admin", "hunter2")
	cookies := apiLogin(t, api, "admin", "hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathStatus, nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status botStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, Version, status.Version)
	assert.False(t, status.Paused)
	assert.True(t, status.ChatEnabled)
	assert.Zero(t, status.QueueSize)
}

func TestAPIGetConfig(t *testing.T) {
	bot := newTestBot(t)
	api := newTestAPI(t, bot)
	api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	setAdminCredentials(t, bot, "admin", "hunter2")
	cookies := apiLogin(t, api, "admin", "hunter2")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathConfig, nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	api.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var config RuntimeConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &config))
	assert.True(t, config.ChatEnabled)
	assert.Equal(t, "admin", config.AdminUsername)
}

func TestGinContextLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/anything", nil)

	logger := ginContextLogger(c)
	require.NotNil(t, logger)

	// the logger is cached on the context
	assert.Same(t, logger, ginContextLogger(c))
}
