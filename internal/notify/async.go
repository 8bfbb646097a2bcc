package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shop-checkout/internal/domain/order"
)

var (
	// ErrQueueFull is returned when the dispatch queue has no room.
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notification dispatcher closed")
)

// AsyncConfig sizes the dispatcher.
type AsyncConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

type job struct {
	ctx     context.Context
	to      string
	subject string
	body    string
}

var _ order.Notifier = (*Async)(nil)

// Async hands notifications to a fixed pool of workers so the caller never
// waits on delivery. Close drains the queue.
type Async struct {
	next    order.Notifier
	timeout time.Duration
	queue   chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts cfg.Workers workers delivering through next.
func NewAsync(next order.Notifier, cfg AsyncConfig) *Async {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 128
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	a := &Async{
		next:    next,
		timeout: cfg.SendTimeout,
		queue:   make(chan job, cfg.QueueSize),
	}
	a.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go a.work()
	}
	return a
}

// Send enqueues a notification. It fails only when the queue is full or the
// dispatcher is closed. Request cancellation does not abort delivery.
func (a *Async) Send(ctx context.Context, to, subject, body string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- job{ctx: context.WithoutCancel(ctx), to: to, subject: subject, body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) work() {
	defer a.wg.Done()
	for j := range a.queue {
		ctx, cancel := context.WithTimeout(j.ctx, a.timeout)
		if err := a.next.Send(ctx, j.to, j.subject, j.body); err != nil {
			zctx.From(ctx).Warn("Notification delivery failed",
				zap.String("to", j.to),
				zap.String("subject", j.subject),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain notifications")
	}
}
