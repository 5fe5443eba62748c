package job

import "bulkjob/pkg/cloudevent"

// Lifecycle event types delivered to the operator callback.
const (
	EventTypeOpen        = "bulkjob.job.open"
	EventTypeClosed      = "bulkjob.job.closed"
	EventTypeLeftOpen    = "bulkjob.job.left_open"
	EventTypeAborted     = "bulkjob.job.aborted"
	EventTypeSetupFailed = "bulkjob.job.setup_failed"
)

// EventBuilder builds lifecycle CloudEvents for one logical write operation.
type EventBuilder struct {
	source      string
	operationID string
}

// NewEventBuilder creates an EventBuilder. The operation id is the event subject.
func NewEventBuilder(operationID, source string) *EventBuilder {
	return &EventBuilder{source: source, operationID: operationID}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["operationId"] = b.operationID
	return cloudevent.New(eventType, b.source, b.operationID, data)
}

func handleData(h *Handle) map[string]any {
	data := map[string]any{
		"jobId":     h.ID,
		"object":    h.Parameters.Object,
		"operation": string(h.Parameters.Operation),
		"state":     string(h.State()),
	}
	if h.Parameters.ExternalIDField != "" {
		data["externalIdField"] = h.Parameters.ExternalIDField
	}
	return data
}

// Open reports a freshly created job.
func (b *EventBuilder) Open(h *Handle) *cloudevent.CloudEvent {
	return b.build(EventTypeOpen, handleData(h))
}

// Closed reports a committed job.
func (b *EventBuilder) Closed(h *Handle, records int64) *cloudevent.CloudEvent {
	data := handleData(h)
	data["recordsWritten"] = records
	return b.build(EventTypeClosed, data)
}

// LeftOpen reports a job that will never be committed and needs manual cleanup.
func (b *EventBuilder) LeftOpen(h *Handle, cause error) *cloudevent.CloudEvent {
	data := handleData(h)
	if cause != nil {
		data["error"] = cause.Error()
	}
	return b.build(EventTypeLeftOpen, data)
}

// Aborted reports a job discarded by an operator.
func (b *EventBuilder) Aborted(h *Handle) *cloudevent.CloudEvent {
	return b.build(EventTypeAborted, handleData(h))
}

// SetupFailed reports a setup that never created a job.
func (b *EventBuilder) SetupFailed(params Parameters, cause error) *cloudevent.CloudEvent {
	data := map[string]any{
		"object":    params.Object,
		"operation": string(params.Operation),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	return b.build(EventTypeSetupFailed, data)
}
