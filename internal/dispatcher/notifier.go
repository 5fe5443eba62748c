package dispatcher

import (
	"context"
	"log/slog"

	"bulkjob/pkg/cloudevent"
)

// Notifier sends every lifecycle event to one webhook through a Dispatcher.
type Notifier struct {
	Dispatcher Dispatcher
	URL        string
	SigningKey string
}

// Notify queues ev. Queueing failures are logged; lifecycle progress never
// waits on the webhook.
func (n *Notifier) Notify(_ context.Context, ev *cloudevent.CloudEvent) {
	if n == nil || n.Dispatcher == nil || n.URL == "" {
		return
	}
	err := n.Dispatcher.Dispatch(&Event{Payload: ev, Destination: n.URL, SigningKey: n.SigningKey})
	if err != nil {
		slog.Warn("Lifecycle event not queued", "type", ev.Type, "subject", ev.Subject, "error", err)
	}
}
