package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	queueBaseDelay = 10 * time.Second
	queueMaxDelay  = 5 * time.Minute
)

// QueuedRequest is a chat request parked for later retry after every
// provider failed with a queueable error.
type QueuedRequest struct {
	ID          string         `json:"id"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Options     *ChatOptions   `json:"options,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	NextAttempt time.Time      `json:"next_attempt"`
	LastError   string         `json:"last_error,omitempty"`
}

// retryQueue is an in-memory FIFO of queued requests. The gateway's
// background processor drains due entries every tick in insertion order.
type retryQueue struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []*QueuedRequest
	dropped int64
	now     func() time.Time
}

func newRetryQueue(logger *zap.Logger) *retryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryQueue{
		logger: logger.With(zap.String("component", "retry_queue")),
		now:    time.Now,
	}
}

// enqueue appends a new request with its first backoff delay.
func (q *retryQueue) enqueue(message string, reqContext map[string]any, opts *ChatOptions, maxRetries int, cause error) *QueuedRequest {
	now := q.now()
	req := &QueuedRequest{
		ID:          uuid.NewString(),
		Message:     message,
		Context:     reqContext,
		Options:     opts,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		NextAttempt: now.Add(queueBackoff(0)),
	}
	if cause != nil {
		req.LastError = cause.Error()
	}

	q.mu.Lock()
	q.entries = append(q.entries, req)
	depth := len(q.entries)
	q.mu.Unlock()

	q.logger.Info("chat request queued for retry",
		zap.String("id", req.ID),
		zap.Int("queue_depth", depth),
		zap.Time("next_attempt", req.NextAttempt),
	)
	return req
}

// due removes and returns every entry whose next attempt has arrived,
// preserving insertion order.
func (q *retryQueue) due() []*QueuedRequest {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*QueuedRequest
	remaining := q.entries[:0]
	for _, req := range q.entries {
		if !now.Before(req.NextAttempt) {
			ready = append(ready, req)
		} else {
			remaining = append(remaining, req)
		}
	}
	q.entries = remaining
	return ready
}

// requeue puts a failed entry back with the next backoff step, or drops it
// once retries are exhausted. Returns false when dropped.
func (q *retryQueue) requeue(req *QueuedRequest, cause error) bool {
	req.RetryCount++
	if cause != nil {
		req.LastError = cause.Error()
	}
	if req.RetryCount >= req.MaxRetries {
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("queued chat request dropped after max retries",
			zap.String("id", req.ID),
			zap.Int("retries", req.RetryCount),
			zap.String("last_error", req.LastError),
		)
		return false
	}

	req.NextAttempt = q.now().Add(queueBackoff(req.RetryCount))
	q.mu.Lock()
	q.entries = append(q.entries, req)
	q.mu.Unlock()
	return true
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *retryQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// queueBackoff returns min(5min, 10s·2ⁿ) for the nth retry.
func queueBackoff(retryCount int) time.Duration {
	d := queueBaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= queueMaxDelay {
			return queueMaxDelay
		}
	}
	if d > queueMaxDelay {
		return queueMaxDelay
	}
	return d
}
