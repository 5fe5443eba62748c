// Package dispatcher delivers job lifecycle events to an operator webhook
// asynchronously, so a slow or failing webhook never blocks setup or commit.
package dispatcher

import (
	"context"
	"errors"

	"bulkjob/pkg/cloudevent"
)

var (
	// ErrQueueFull is returned when an event cannot be queued and is dropped.
	ErrQueueFull = errors.New("dispatcher queue full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues events for delivery.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and delivers what is queued until ctx is done.
	Close(ctx context.Context) error
}

// Event is one delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string
}

// Stats are cumulative delivery counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Retries      int64
	BreakersOpen int
}
