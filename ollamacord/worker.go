package ollamacord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// workerLimiter tracks the idle timeout for channel workers.
//
// It records the last time the worker handled anything, and reports
// whether the worker has been idle long enough to be stopped.
type workerLimiter struct {
	// IdleTimeout is the duration after which a worker is considered 'idle'
	IdleTimeout time.Duration

	// LastRequestAt is the last time this worker handled a request or
	// reset. If LastRequestAt+IdleTimeout is in the past, the worker is
	// considered idle and can be stopped.
	LastRequestAt time.Time

	mu sync.Mutex
}

func newWorkerLimiter(idleTimeout time.Duration) *workerLimiter {
	if idleTimeout <= 0 {
		idleTimeout = DefaultChannelWorkerIdleTimeout
	}
	return &workerLimiter{IdleTimeout: idleTimeout}
}

// Expired checks if the worker has been idle for longer than the IdleTimeout.
func (w *workerLimiter) Expired() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()

	expiresAt := w.LastRequestAt.Add(w.IdleTimeout)

	return expiresAt, now.After(expiresAt)
}

// SetLastRequest updates the LastRequestAt field to the provided timestamp.
func (w *workerLimiter) SetLastRequest(ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastRequestAt = ts
}

// TimeSinceLastRequest returns the duration since the worker last
// handled anything.
func (w *workerLimiter) TimeSinceLastRequest() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.LastRequestAt)
}

// channelWorker serializes ChatRequest execution for a single Discord
// channel. Requests for the same channel always run one at a time and in
// order, so the conversation log alternates user/assistant messages the
// way the model expects.
//
// The worker owns the channel's in-memory conversationLog for its
// lifetime; it's loaded from the database on startup and discarded when
// the worker exits.
type channelWorker struct {
	// channelID this worker is dedicated to
	channelID string

	// guildID of the channel, if known
	guildID string

	// chatCh is the channel for receiving mention-triggered requests
	chatCh chan *ChatRequest

	// resetCh receives a signal when the channel's conversation has been
	// reset (via /reset, or a notification from another instance), telling
	// the worker to drop its in-memory log
	resetCh chan struct{}

	// lastRequestAt is the timestamp of the last request processed by this worker
	lastRequestAt atomic.Int64

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped is a channel for receiving a notification when the worker
	// has stopped, and the time it stopped
	stopped chan time.Time

	// limiter manages the idle timeout for the worker
	limiter *workerLimiter

	// idleTimeoutCheckInterval is the interval at which the worker checks
	// whether it has been idle for longer than the idle timeout
	idleTimeoutCheckInterval time.Duration

	convLog *conversationLog

	o *OllamaCord
}

// newChannelWorker creates a new channelWorker for the given channel.
func newChannelWorker(o *OllamaCord, channelID string, guildID string) *channelWorker {
	return &channelWorker{
		channelID:                channelID,
		guildID:                  guildID,
		chatCh:                   make(chan *ChatRequest),
		resetCh:                  make(chan struct{}, 1),
		o:                        o,
		signalStop:               make(chan struct{}, 1),
		stopped:                  make(chan time.Time, 1),
		limiter:                  newWorkerLimiter(o.config.Chat.WorkerIdleTimeout),
		idleTimeoutCheckInterval: time.Minute,
	}
}

// loadConversation resolves the channel's Conversation row and message
// history into the worker's in-memory log.
func (u *channelWorker) loadConversation(ctx context.Context) error {
	systemPrompt := u.o.RuntimeConfig().SystemPrompt(u.o.discord.botDisplayName())
	conv, err := getOrCreateConversation(
		ctx,
		u.o.writeDB,
		u.channelID,
		u.guildID,
		systemPrompt,
	)
	if err != nil {
		return fmt.Errorf("error loading conversation: %w", err)
	}
	messages, err := loadConversationMessages(ctx, u.o.writeDB, conv.ID)
	if err != nil {
		return fmt.Errorf("error loading conversation messages: %w", err)
	}
	u.convLog = newConversationLog(
		conv,
		messages,
		u.o.config.Chat.MaxConversationLogSize,
	)
	return nil
}

// Run starts the worker, listening on chatCh for ChatRequest dispatches
// and resetCh for conversation resets. To stop the run, cancel the
// provided context or send a signal on channelWorker.signalStop.
// If none of these events are seen, the worker automatically exits after
// the configured idle timeout.
func (u *channelWorker) Run(
	ctx context.Context,
	startCh chan struct{},
) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = slog.Default()
	}
	log = log.With(
		slog.Group(
			"channel_worker",
			slog.String(columnChatRequestChannelID, u.channelID),
		),
	)
	ctx = WithLogger(ctx, log)

	defer func() {
		stopSignalCtx, stopSignalCancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		select {
		case u.stopped <- time.Now():
			log.Info("sent stop notification")
		case <-stopSignalCtx.Done():
			log.Warn("timed out sending stop signal")
		}
		stopSignalCancel()
	}()

	log.InfoContext(ctx, "starting channel worker")
	startedAt := time.Now()
	ticker := time.NewTicker(u.idleTimeoutCheckInterval)

	defer func() {
		log.InfoContext(
			ctx,
			"stopping channel worker",
			"started_at", startedAt,
		)
		ticker.Stop()

		endedAt := time.Now()
		log.InfoContext(
			ctx,
			"stopped channel worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
	}()

	loadErr := u.loadConversation(ctx)

	startCh <- struct{}{}
	close(startCh)

	if loadErr != nil {
		log.ErrorContext(ctx, "unable to load conversation", tint.Err(loadErr))
		return
	}

	u.limiter.SetLastRequest(time.Now())
	for {
		select {
		case <-ctx.Done():
			log.WarnContext(ctx, "context canceled")
			return
		case <-u.signalStop:
			log.WarnContext(ctx, "got stop signal")
			return
		case <-ticker.C:
			expiresAt, isExpired := u.limiter.Expired()
			if isExpired {
				log.InfoContext(
					ctx,
					"no requests seen recently, stopping worker",
					"last_request_at", u.limiter.LastRequestAt,
					"worker_expired", expiresAt,
				)
				return
			}
			log.DebugContext(
				ctx,
				fmt.Sprintf(
					"channel %q: worker expires in: %s",
					u.channelID,
					expiresAt.Round(time.Second).Sub(time.Now().Round(time.Second)).String(),
				),
			)
		case req := <-u.chatCh:
			u.handleChatRequest(ctx, log, req, ticker)
		case <-u.resetCh:
			u.handleReset(ctx, log, ticker)
		}
	}
}

// handleReset drops the in-memory conversation log back to the system
// prompt. The database rows have already been reset by whoever signaled.
func (u *channelWorker) handleReset(
	ctx context.Context,
	log *slog.Logger,
	ticker *time.Ticker,
) {
	log.InfoContext(ctx, "resetting in-memory conversation log")
	u.limiter.SetLastRequest(time.Now())
	u.convLog.Reset()
	ticker.Reset(u.limiter.IdleTimeout)
}

// handleChatRequest processes a ChatRequest dispatched from the queue
// watcher. This updates the workerLimiter with the current time,
// resetting its idle timeout.
func (u *channelWorker) handleChatRequest(
	ctx context.Context,
	log *slog.Logger,
	req *ChatRequest,
	ticker *time.Ticker,
) {
	log.InfoContext(ctx, "got chat request", "chat_request", req)
	u.limiter.SetLastRequest(time.Now())

	u.runChatRequest(ctx, req)

	u.lastRequestAt.Store(time.Now().UnixMilli())
	ticker.Reset(u.limiter.IdleTimeout)
}

// runChatRequest moves ChatRequest processing along after being popped
// from ChatRequestMemoryQueue. Some additional checks are done (such as
// checking if User.Ignored has been set since the request was queued).
func (u *channelWorker) runChatRequest(
	ctx context.Context,
	c *ChatRequest,
) {
	o := u.o
	o.chatRequestsInProgress.Add(1)
	defer o.chatRequestsInProgress.Add(-1)

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}
	logger = logger.With(
		slog.Group("chat_request", chatRequestLogAttrs(*c)...),
	)
	if c.User != nil {
		logger = logger.With(slog.Group("user", userLogAttrs(*c.User)...))
	}
	ctx = WithLogger(ctx, logger)

	if c.User != nil && c.User.Ignored {
		logger.WarnContext(ctx, "user is ignored, ignoring request")
		if c.State != ChatRequestStateIgnored {
			if _, err := o.writeDB.Update(
				context.TODO(),
				c,
				columnChatRequestState,
				ChatRequestStateIgnored,
			); err != nil {
				logger.ErrorContext(ctx, "error updating request state", tint.Err(err))
			}
		}
		return
	}

	if ctx.Err() != nil {
		logger.WarnContext(ctx, "context canceled, stopping request")
		return
	}

	c.execute(ctx, o, u.convLog)
}
