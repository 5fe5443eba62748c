package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"bulkjob/pkg/backoff"
	"bulkjob/pkg/circuitbreaker"
	"bulkjob/pkg/cloudevent"
)

// MetricsRecorder receives delivery observations.
type MetricsRecorder interface {
	RecordEventDelivered(ctx context.Context, d time.Duration)
	RecordEventFailed(ctx context.Context)
	RecordEventDropped(ctx context.Context)
	RecordEventQueueLength(ctx context.Context, n int64)
}

// Memory delivers events from a bounded channel with a fixed worker pool.
// Each destination host has its own circuit breaker; while it is open,
// events for that host are dropped rather than held.
type Memory struct {
	cfg      MemoryConfig
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	mu     sync.RWMutex // guards closed against concurrent Dispatch
	closed bool
	wg     sync.WaitGroup
}

var _ Dispatcher = (*Memory)(nil)

// NewMemory starts the worker pool. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()
	d := &Memory{
		cfg:      cfg,
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		metrics:  metrics,
		logger:   slog.With("component", "dispatcher"),
	}
	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *Memory) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- event:
		d.queued.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventQueueLength(context.Background(), int64(len(d.queue)))
		}
		return nil
	default:
		d.drop(event, "queue full")
		return ErrQueueFull
	}
}

func (d *Memory) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Retries:      d.retries.Load(),
		BreakersOpen: d.breakers.OpenCount(),
	}
}

// Close stops intake and waits for the workers to drain the queue.
func (d *Memory) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("Dispatcher stopped", "delivered", d.delivered.Load(), "failed", d.failed.Load(), "dropped", d.dropped.Load())
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Memory) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Memory) deliver(event *Event) {
	host := hostOf(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.drop(event, "circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HTTPTimeout*time.Duration(d.cfg.Retry.Attempts()+1))
	defer cancel()

	start := time.Now()
	attempt := 0
	err := backoff.Retry(ctx, d.cfg.Retry, func(err error) bool { return !cloudevent.IsClientError(err) },
		func(ctx context.Context) error {
			if attempt++; attempt > 1 {
				d.retries.Add(1)
			}
			return d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		})
	if err != nil {
		if !cloudevent.IsClientError(err) {
			breaker.Failure()
		} else {
			breaker.Success()
		}
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventFailed(ctx)
		}
		d.logger.Warn("Event delivery failed", "destination", host, "type", event.Payload.Type, "attempts", attempt, "error", err)
		return
	}

	breaker.Success()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventDelivered(ctx, time.Since(start))
	}
}

func (d *Memory) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventDropped(context.Background())
	}
	d.logger.Warn("Event dropped", "reason", reason, "destination", hostOf(event.Destination), "type", event.Payload.Type)
}

// hostOf keys circuit breakers by destination host.
func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
