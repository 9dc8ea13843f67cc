package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sigrelay/internal/domain"
	"sigrelay/internal/metrics"
)

const (
	defaultQueueSize = 100
	enqueueTimeout   = 10 * time.Second
)

var (
	ErrQueueClosed = errors.New("request queue closed")
	ErrQueueFull   = errors.New("request queue full")
)

// RequestQueue is the FIFO of outbound requests between the submitters and
// the single consumer that processes them.
type RequestQueue struct {
	requests chan domain.OutboundRequest
	mu       sync.RWMutex
	closed   bool
	// done is closed first by Close so that blocked Enqueue calls give up
	// their read lock.
	done      chan struct{}
	closeOnce sync.Once
	timeout   time.Duration
	logger    *slog.Logger
}

// NewRequestQueue creates a queue holding up to size requests. A full queue
// makes Enqueue wait up to timeout before giving up.
func NewRequestQueue(size int, timeout time.Duration, logger *slog.Logger) *RequestQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if timeout <= 0 {
		timeout = enqueueTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestQueue{
		requests: make(chan domain.OutboundRequest, size),
		done:     make(chan struct{}),
		timeout:  timeout,
		logger:   logger,
	}
}

// Enqueue appends req. It only waits when the queue is at capacity.
func (q *RequestQueue) Enqueue(ctx context.Context, req domain.OutboundRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RequestsRejected.Inc()
		return ErrQueueClosed
	}

	select {
	case q.requests <- req:
	default:
		q.logger.Warn("request queue full, waiting...", "destination", req.Destination)
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		select {
		case q.requests <- req:
			q.logger.Info("request queued after wait", "destination", req.Destination)
		case <-timer.C:
			metrics.RequestsRejected.Inc()
			q.logger.Error("request dropped: queue full", "destination", req.Destination, "timeout", q.timeout)
			return ErrQueueFull
		case <-q.done:
			metrics.RequestsRejected.Inc()
			return ErrQueueClosed
		case <-ctx.Done():
			metrics.RequestsRejected.Inc()
			return ctx.Err()
		}
	}

	metrics.RequestsQueued.Inc()
	metrics.QueueDepth.Set(int64(len(q.requests)))
	return nil
}

// Dequeue waits for the next request. ok is false once the queue is closed
// and empty.
func (q *RequestQueue) Dequeue(ctx context.Context) (req domain.OutboundRequest, ok bool, err error) {
	select {
	case req, ok = <-q.requests:
		metrics.QueueDepth.Set(int64(len(q.requests)))
		return req, ok, nil
	case <-ctx.Done():
		return domain.OutboundRequest{}, false, ctx.Err()
	}
}

// Len reports how many requests are waiting.
func (q *RequestQueue) Len() int {
	return len(q.requests)
}

func (q *RequestQueue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Close stops accepting requests. Requests already queued are still delivered.
func (q *RequestQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.requests)
	}
}
