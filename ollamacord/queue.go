package ollamacord

import (
	"container/heap"
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
)

// ChatRequestMemoryQueue is a priority queue for mention-triggered
// ChatRequest records, pending dispatch to a channel worker
type ChatRequestMemoryQueue struct {
	queue  *PriorityQueue
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
	db     DBI
}

func NewChatRequestQueue(
	config *QueueConfig,
	logger *slog.Logger,
) *ChatRequestMemoryQueue {
	q := &ChatRequestMemoryQueue{
		queue:  &PriorityQueue{},
		logger: logger,
		config: config,
	}
	heap.Init(q.queue)
	return q
}

func (u *ChatRequestMemoryQueue) Clear(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queue = &PriorityQueue{}
	heap.Init(u.queue)
	return nil
}

// oldestNonPriority finds the index of the oldest ChatRequest in the
// queue where ChatRequest.Priority is false. If none are
// found, the returned boolean is false.
func (u *ChatRequestMemoryQueue) oldestNonPriority() (int, bool) {
	old := *u.queue
	for i := len(old) - 1; i >= 0; i-- {
		v := old[i]
		if !v.Priority {
			return i, true
		}
	}
	return 0, false
}

func (u *ChatRequestMemoryQueue) popNext() *ChatRequest {
	if u.queue.Len() == 0 {
		return nil
	}
	req := heap.Pop(u.queue).(*ChatRequest)
	return req
}

// Pop returns the next dispatchable ChatRequest, discarding expired
// requests and requests from ignored users along the way. Returns nil
// when the queue is empty.
func (u *ChatRequestMemoryQueue) Pop(ctx context.Context) *ChatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	for {
		req := u.popNext()
		if req == nil {
			return nil
		}

		logger := u.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger = logger.With(
			slog.Group(
				"chat_request",
				chatRequestLogAttrs(*req)...,
			),
		)
		ctx = WithLogger(ctx, logger)
		if u.config.MaxAge > 0 {
			reqAge := req.Age()
			if reqAge > u.config.MaxAge {
				req.State = ChatRequestStateExpired
				logger.WarnContext(
					ctx,
					"discarded old request",
					"chat_request", req,
					"max_age", u.config.MaxAge,
					"request_age", reqAge,
				)
				if u.db != nil {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if _, err := u.db.Update(
							context.TODO(),
							req,
							columnChatRequestState,
							ChatRequestStateExpired,
						); err != nil {
							logger.ErrorContext(
								ctx,
								"failed to update expired request",
								tint.Err(err),
							)
						}
					}()
				}
				continue
			}
		}
		if req.User != nil && req.User.Ignored {
			logger.WarnContext(
				ctx,
				"ignoring blocked User request",
				slog.Group(
					"chat_request",
					columnChatRequestStep,
					req.Step,
					columnChatRequestState,
					req.State,
				),
			)
			if u.db != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := u.db.Update(
						context.TODO(),
						req,
						columnChatRequestState,
						ChatRequestStateIgnored,
					); err != nil {
						logger.ErrorContext(
							ctx,
							"failed to update ignored request",
							tint.Err(err),
						)
					}
				}()
			}
			continue
		}

		if req.State != ChatRequestStateQueued {
			logger.WarnContext(
				ctx,
				fmt.Sprintf(
					"expected state '%s', got: '%s'",
					ChatRequestStateQueued,
					req.State,
				),
				slog.Group(
					"chat_request",
					columnChatRequestStep,
					req.Step,
					columnChatRequestState,
					req.State,
				),
			)
			continue
		}

		logger.InfoContext(
			ctx,
			"popped request",
			"queue_size", u.queue.Len(),
			slog.Group(
				"chat_request",
				columnChatRequestStep,
				req.Step,
				columnChatRequestState,
				req.State,
			),
		)
		return req
	}
}

func (u *ChatRequestMemoryQueue) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.queue.Len()
}

// Push enqueues a ChatRequest. When the queue is full, the oldest
// non-priority request is evicted and marked aborted; if only priority
// requests remain, the oldest of those is evicted instead. Requests
// older than the configured max age are rejected outright.
func (u *ChatRequestMemoryQueue) Push(
	ctx context.Context,
	req *ChatRequest,
	db DBI,
) error {
	u.logger.InfoContext(ctx, "received chat request", "chat_request", req)
	req.Step = ChatRequestStepEnqueue

	u.mu.Lock()
	defer u.mu.Unlock()

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = u.logger
		logger = logger.With("chat_request", req)
		ctx = WithLogger(ctx, logger)
	}

	if u.config.Size > 0 && u.queue.Len() >= u.config.Size {
		var oldestReq *ChatRequest

		oldestInd, found := u.oldestNonPriority()
		switch {
		case found:
			oldestReq = heap.Remove(u.queue, oldestInd).(*ChatRequest)
			logger.WarnContext(
				ctx,
				"removed oldest non-priority request",
				"removed_request",
				oldestReq,
				"removed_index",
				oldestInd,
			)
		default:
			oldestReq = heap.Pop(u.queue).(*ChatRequest)
			logger.WarnContext(
				ctx,
				"no non-priority requests, removing oldest overall request",
				"dropped_request", oldestReq,
				"max_size", u.config.Size,
				"current_size", u.queue.Len(),
			)
		}
		if oldestReq != nil {
			if oldestReq.Priority {
				logger.Warn("discarding/aborting priority chat request", "chat_request", oldestReq)
			} else {
				logger.Info("discarding/aborting chat request", "chat_request", oldestReq)
			}
			if _, err := db.Update(
				context.TODO(),
				oldestReq,
				columnChatRequestState,
				ChatRequestStateAborted,
			); err != nil {
				logger.Error("failed to update request", tint.Err(err))
			}
		}
	}

	// using Save() instead of Update() here because the update will fail
	// in the test suite given a zero value primary key
	req.State = ChatRequestStateQueued
	if _, err := db.Save(context.TODO(), req); err != nil {
		logger.Error(
			"failed to update request state",
			"state", ChatRequestStateQueued.String(),
			tint.Err(err),
		)
		return err
	}

	reqAge := req.Age()
	if u.config.MaxAge > 0 && reqAge > u.config.MaxAge {
		req.State = ChatRequestStateExpired
		logger.Warn(
			"discarding old request",
			"max_age", u.config.MaxAge,
			"request_age", reqAge,
		)
		if _, err := db.Update(
			context.TODO(),
			req,
			columnChatRequestState,
			ChatRequestStateExpired,
		); err != nil {
			logger.Error("failed to update expired request", tint.Err(err))
		}
		return fmt.Errorf("%w: (age: %s)", ErrChatRequestTooOld, reqAge)
	}

	heap.Push(u.queue, req)
	logger.Info(
		"queued chat request",
		"chat_request", req,
		"prompt", req.Prompt,
	)
	return nil
}

type PriorityQueue []*ChatRequest

func (pq PriorityQueue) Len() int {
	return len(pq)
}

func (pq PriorityQueue) Less(i, j int) bool {
	leftRequest := pq[i]
	rightRequest := pq[j]
	if leftRequest.Priority && !rightRequest.Priority {
		return true
	}

	if rightRequest.Priority && !leftRequest.Priority {
		return false
	}

	return leftRequest.CreatedAt < rightRequest.CreatedAt
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*ChatRequest)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
