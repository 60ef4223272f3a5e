package ollamacord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	ollamaChatPath = "/api/chat"

	// ollamaTimeoutMessage is the reply sent when inference exceeds the
	// configured timeout.
	ollamaTimeoutMessage = "AI request timed out."

	// ollamaErrorMessagePrefix prefixes the reply sent for any other
	// inference failure.
	ollamaErrorMessagePrefix = "AI error: "

	// ollamaErrorMessageLimit caps how much of an upstream error is
	// relayed into the channel.
	ollamaErrorMessageLimit = 500
)

var ErrOllamaTimeout = errors.New("ollama request timed out")

// OllamaMessage is a single role/content message in the /api/chat payload.
type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaRequestOptions carries model parameters for a chat request.
type OllamaRequestOptions struct {
	Temperature float32 `json:"temperature"`
}

// OllamaChatRequest is the request body for Ollama's /api/chat endpoint.
type OllamaChatRequest struct {
	Model     string                `json:"model"`
	Messages  []OllamaMessage       `json:"messages"`
	Stream    bool                  `json:"stream"`
	Options   *OllamaRequestOptions `json:"options,omitempty"`
	KeepAlive string                `json:"keep_alive,omitempty"`
}

// OllamaChatResponse is the non-streaming response body from /api/chat.
type OllamaChatResponse struct {
	Model              string        `json:"model"`
	CreatedAt          string        `json:"created_at"`
	Message            OllamaMessage `json:"message"`
	Done               bool          `json:"done"`
	DoneReason         string        `json:"done_reason,omitempty"`
	TotalDuration      int64         `json:"total_duration,omitempty"`
	LoadDuration       int64         `json:"load_duration,omitempty"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64         `json:"prompt_eval_duration,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	EvalDuration       int64         `json:"eval_duration,omitempty"`
}

// ollamaErrorResponse is the error body Ollama returns for failed requests.
type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// OllamaChatLog records a single request/response round-trip with the
// Ollama server, for auditing and debugging.
//
//nolint:lll // struct tags can't be split
type OllamaChatLog struct {
	ModelUintID

	ChatRequestID   *uint  `json:"chat_request_id" gorm:"index"`
	Model           string `json:"model" gorm:"type:string"`
	RequestStarted  int64  `json:"request_started"`
	RequestEnded    int64  `json:"request_ended"`
	RequestBody     string `json:"request_body" gorm:"type:string"`
	ResponseBody    string `json:"response_body" gorm:"type:string"`
	ResponseHeaders string `json:"response_headers" gorm:"type:string"`
	StatusCode      int    `json:"status_code"`
	Error           string `json:"error" gorm:"type:string"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	CreatedAt       int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// Ollama manages requests to the Ollama inference server.
//
// It owns the HTTP client, enforces the request rate limit, and records
// an [OllamaChatLog] row for every round-trip.
type Ollama struct {
	httpClient     *http.Client
	config         *OllamaConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	o              *OllamaCord

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newOllama(
	o *OllamaCord,
	httpClient *http.Client,
) *Ollama {
	config := o.config.Ollama
	c := &Ollama{
		config:     config,
		o:          o,
		mu:         &sync.RWMutex{},
		httpClient: httpClient,
	}
	c.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "ollama")

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.requestLimiter = rate.NewLimiter(
		rate.Limit(config.MaxRequestsPerSecond),
		1,
	)

	return c
}

func (c *Ollama) limiter() *rate.Limiter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestLimiter
}

// setRequestsPerSecond replaces the request limiter. Called when the
// runtime config changes.
func (c *Ollama) setRequestsPerSecond(requestsPerSecond int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

func (c *Ollama) waitOnRequestLimiter(ctx context.Context) error {
	return c.limiter().Wait(ctx)
}

// Chat sends the given conversation to the Ollama server and returns the
// assistant's reply.
//
// [ChatRequest.Step] is updated to [ChatRequestStepInference] before the
// request is sent. The configured timeout bounds the entire round-trip;
// when exceeded, the returned error wraps [ErrOllamaTimeout]. Every
// attempt is recorded as an [OllamaChatLog] row, success or not.
func (c *Ollama) Chat(
	ctx context.Context,
	db DBI,
	req *ChatRequest,
	messages []OllamaMessage,
) (*OllamaChatResponse, error) {
	chatLogger, ok := ContextLogger(ctx)
	if chatLogger == nil || !ok {
		chatLogger = c.logger
		if chatLogger == nil {
			chatLogger = slog.Default()
		}
		ctx = WithLogger(ctx, chatLogger)
	}

	if req != nil {
		if _, err := db.Update(
			context.TODO(),
			req,
			columnChatRequestStep,
			ChatRequestStepInference,
		); err != nil {
			chatLogger.ErrorContext(ctx, "error updating request step", tint.Err(err))
			return nil, err
		}
	}

	payload := OllamaChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   false,
		Options:  &OllamaRequestOptions{Temperature: c.config.Temperature},
	}
	if c.config.KeepAlive > 0 {
		payload.KeepAlive = c.config.KeepAlive.String()
	}

	chatLog := &OllamaChatLog{Model: c.config.Model}
	if req != nil {
		chatLog.ChatRequestID = &req.ID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	chatLog.RequestBody = string(data)

	if err = c.waitOnRequestLimiter(ctx); err != nil {
		chatLog.Error = err.Error()
		if _, e := db.Create(context.TODO(), chatLog); e != nil {
			chatLogger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return nil, err
	}

	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultOllamaTimeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chatLog.RequestStarted = time.Now().UnixMilli()
	response, err := c.post(requestCtx, ollamaChatPath, data, chatLog)
	chatLog.RequestEnded = time.Now().UnixMilli()

	if err != nil {
		if requestCtx.Err() != nil && errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s", ErrOllamaTimeout, err.Error())
		}
		chatLog.Error = err.Error()
		chatLogger.ErrorContext(ctx, "ollama request failed", tint.Err(err))
		if _, e := db.Create(context.TODO(), chatLog); e != nil {
			chatLogger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return nil, err
	}

	chatLog.PromptEvalCount = response.PromptEvalCount
	chatLog.EvalCount = response.EvalCount
	if _, e := db.Create(context.TODO(), chatLog); e != nil {
		chatLogger.ErrorContext(ctx, "error adding record", tint.Err(e))
	}

	chatLogger.InfoContext(
		ctx,
		"ollama chat completed",
		"model", response.Model,
		"done_reason", response.DoneReason,
		"prompt_eval_count", response.PromptEvalCount,
		"eval_count", response.EvalCount,
		"total_duration", time.Duration(response.TotalDuration),
	)

	return response, nil
}

// post executes the HTTP request and decodes the response, filling in
// the audit row as it goes.
func (c *Ollama) post(
	ctx context.Context,
	path string,
	body []byte,
	chatLog *OllamaChatLog,
) (*OllamaChatResponse, error) {
	endpoint := strings.TrimSuffix(c.config.URL, "/") + path
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		endpoint,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rv, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rv.Body.Close()
	}()

	chatLog.StatusCode = rv.StatusCode
	chatLog.ResponseHeaders = dumpHeaders(rv.Header)

	responseBody, err := io.ReadAll(rv.Body)
	if err != nil {
		return nil, err
	}
	chatLog.ResponseBody = string(responseBody)

	if rv.StatusCode < http.StatusOK || rv.StatusCode >= http.StatusMultipleChoices {
		var errResponse ollamaErrorResponse
		if unmarshalErr := json.Unmarshal(responseBody, &errResponse); unmarshalErr == nil &&
			errResponse.Error != "" {
			return nil, fmt.Errorf(
				"ollama returned %d: %s", rv.StatusCode, errResponse.Error,
			)
		}
		return nil, fmt.Errorf(
			"ollama returned %d: %s", rv.StatusCode, string(responseBody),
		)
	}

	var response OllamaChatResponse
	if err = json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("error decoding ollama response: %w", err)
	}
	return &response, nil
}

func dumpHeaders(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	data, err := json.Marshal(h)
	if err != nil {
		return ""
	}
	return string(data)
}

// ollamaUserReply converts an inference error into the message posted
// to the channel.
func ollamaUserReply(err error) string {
	if errors.Is(err, ErrOllamaTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ollamaTimeoutMessage
	}
	return ollamaErrorMessagePrefix + minifyString(
		err.Error(),
		ollamaErrorMessageLimit,
	)
}
