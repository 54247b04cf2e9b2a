package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/config"
	"github.com/festnoze/voice-gateway/internal/metrics"
)

// New selects the backend named by cfg.Persistence.
func New(cfg config.Config) (ConversationStore, error) {
	switch cfg.Persistence {
	case "local":
		return OpenSQLite(cfg.SQLitePath)
	case "remote":
		if cfg.RAGBaseURL == "" {
			return nil, fmt.Errorf("store: remote persistence requires RAG_BASE_URL")
		}
		return NewRemote(cfg.RAGBaseURL), nil
	case "fake":
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("store: unknown persistence %q", cfg.Persistence)
	}
}

// WriteOp is one deferred persistence write.
type WriteOp struct {
	// Describe names the op for logs (e.g. "append user message").
	Describe string
	// Do performs the write.
	Do func(ctx context.Context) error

	attempts int
}

// DropFunc receives ops that exhausted their retries.
type DropFunc func(op WriteOp, err error)

// RetryQueue retries failed persistence writes off the call path. It
// outlives individual calls; Stop is called once at process shutdown.
type RetryQueue struct {
	store   ConversationStore
	log     zerolog.Logger
	met     *metrics.Metrics
	onDrop  DropFunc
	ops     chan WriteOp
	stopped chan struct{}
	done    chan struct{}

	maxAttempts int
	baseBackoff time.Duration
}

// NewRetryQueue starts the background worker. capacity bounds pending
// ops; a full queue drops the newest op straight to onDrop.
func NewRetryQueue(store ConversationStore, capacity int, log zerolog.Logger, met *metrics.Metrics, onDrop DropFunc) *RetryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &RetryQueue{
		store:       store,
		log:         log.With().Str("component", "store-retry-queue").Logger(),
		met:         met,
		onDrop:      onDrop,
		ops:         make(chan WriteOp, capacity),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		maxAttempts: 5,
		baseBackoff: 200 * time.Millisecond,
	}
	go q.run()
	return q
}

// Enqueue schedules a failed write for retry. It never blocks.
func (q *RetryQueue) Enqueue(op WriteOp) {
	select {
	case <-q.stopped:
		q.drop(op, fmt.Errorf("store: retry queue stopped"))
		return
	default:
	}
	select {
	case q.ops <- op:
		if q.met != nil {
			q.met.StoreQueueDepth.Set(float64(len(q.ops)))
		}
	default:
		q.drop(op, fmt.Errorf("store: retry queue full"))
	}
}

// Stop drains outstanding ops with one final attempt each, bounded by
// ctx, then stops the worker.
func (q *RetryQueue) Stop(ctx context.Context) {
	close(q.stopped)
	select {
	case <-q.done:
	case <-ctx.Done():
	}
}

func (q *RetryQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopped:
			for {
				select {
				case op := <-q.ops:
					q.attempt(op)
				default:
					return
				}
			}
		case op := <-q.ops:
			q.attempt(op)
			if q.met != nil {
				q.met.StoreQueueDepth.Set(float64(len(q.ops)))
			}
		}
	}
}

func (q *RetryQueue) attempt(op WriteOp) {
	backoff := q.baseBackoff
	for op.attempts < q.maxAttempts {
		op.attempts++
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := op.Do(ctx)
		cancel()
		if err == nil {
			if q.met != nil {
				q.met.StoreRetries.Inc()
			}
			q.log.Debug().Str("op", op.Describe).Int("attempts", op.attempts).Msg("deferred write succeeded")
			return
		}
		q.log.Warn().Err(err).Str("op", op.Describe).Int("attempt", op.attempts).Msg("deferred write failed")
		if op.attempts >= q.maxAttempts {
			q.drop(op, err)
			return
		}
		select {
		case <-q.stopped:
			// Shutdown: no more waiting between attempts.
			q.drop(op, err)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (q *RetryQueue) drop(op WriteOp, err error) {
	q.log.Error().Err(err).Str("op", op.Describe).Msg("persistence write lost")
	if q.onDrop != nil {
		q.onDrop(op, err)
	}
}
