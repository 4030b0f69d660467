package telegram

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker/v2"

	"github.com/xiy/autodelete/internal/metrics"
)

// MessageDeleter removes a message from a chat.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// BreakerSettings configure the circuit breaker guarding deletions.
type BreakerSettings struct {
	MaxHalfOpenRequests uint32
	Interval            time.Duration
	Timeout             time.Duration
	MinRequests         uint32
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings opens the breaker after five consecutive failures
// and probes again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxHalfOpenRequests: 1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		MinRequests:         5,
		ConsecutiveFailures: 5,
	}
}

type deletion struct {
	chatID    int64
	messageID int64
}

// Deleter is a fire-and-forget deletion sink. Delete enqueues without
// blocking; Run drains the queue with a fixed pool of workers.
type Deleter struct {
	api     MessageDeleter
	queue   chan deletion
	workers int
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[struct{}]
	logger  *log.Logger
	metrics *metrics.Prometheus
}

// NewDeleter creates a sink with the given worker count and queue capacity.
func NewDeleter(api MessageDeleter, workers, queueSize int, bs BreakerSettings, logger *log.Logger, m *metrics.Prometheus) *Deleter {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "telegram-delete",
		MaxRequests: bs.MaxHalfOpenRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= bs.MinRequests && counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		// Permanent refusals (message already gone, too old, no rights) say
		// nothing about the API's health.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Temporary()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Deleter{
		api:     api,
		queue:   make(chan deletion, queueSize),
		workers: workers,
		timeout: 30 * time.Second,
		cb:      cb,
		logger:  logger,
		metrics: m,
	}
}

// Delete requests deletion of one message. It never blocks; when the queue
// is full the request is dropped and logged.
func (d *Deleter) Delete(_ context.Context, originID, recordID int64) {
	select {
	case d.queue <- deletion{chatID: originID, messageID: recordID}:
	default:
		d.metrics.ObserveDelete(metrics.DeleteDropped)
		d.logger.Warn("deletion queue full, dropping request", "chat_id", originID, "message_id", recordID)
	}
}

// Run processes queued deletions until ctx is cancelled.
func (d *Deleter) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (d *Deleter) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deleteOne(ctx, job)
		}
	}
}

func (d *Deleter) deleteOne(ctx context.Context, job deletion) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.cb.Execute(func() (struct{}, error) {
		return struct{}{}, d.api.DeleteMessage(callCtx, job.chatID, job.messageID)
	})
	if err != nil {
		d.metrics.ObserveDelete(metrics.DeleteError)
		d.logger.Warn("failed to delete message", "chat_id", job.chatID, "message_id", job.messageID, "error", err)
		return
	}
	d.metrics.ObserveDelete(metrics.DeleteOK)
	d.logger.Debug("deleted message", "chat_id", job.chatID, "message_id", job.messageID)
}
