package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics covers the service's HTTP surface, the job lifecycle, batch
// submission by task writers, and lifecycle event delivery.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	SetupsTotal      metric.Int64Counter
	CommitsTotal     metric.Int64Counter
	JobsOpen         metric.Int64UpDownCounter
	JobsLeftOpen     metric.Int64Counter
	PhaseDuration    metric.Float64Histogram
	TasksTotal       metric.Int64Counter
	RecordsWritten   metric.Int64Counter
	BatchesTotal     metric.Int64Counter
	BatchRecords     metric.Int64Histogram
	BatchBytes       metric.Int64Histogram
	BatchDuration    metric.Float64Histogram
	EventsDelivered  metric.Int64Counter
	EventsFailed     metric.Int64Counter
	EventsDropped    metric.Int64Counter
	EventDuration    metric.Float64Histogram
	EventQueueLength metric.Int64Gauge
}

// NewMetrics registers every instrument with a Prometheus exporter backed by
// its own registry and returns the scrape handler for it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("bulkjob")}
	b := &builder{meter: m.meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds", "s",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP responses with status >= 400")

	m.SetupsTotal = b.counter("bulkjob_setups_total", "Job setups by result")
	m.CommitsTotal = b.counter("bulkjob_commits_total", "Job commits by result")
	m.JobsOpen = b.upDown("bulkjob_jobs_open", "Jobs created and not yet closed or abandoned")
	m.JobsLeftOpen = b.counter("bulkjob_jobs_left_open_total", "Jobs left open on the remote service, needing manual abort")
	m.PhaseDuration = b.histogram("bulkjob_phase_duration_seconds", "Duration of setup and commit phases", "s",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)
	m.TasksTotal = b.counter("bulkjob_tasks_total", "Finished tasks by success")
	m.RecordsWritten = b.counter("bulkjob_records_written_total", "Records accepted into a job")

	m.BatchesTotal = b.counter("bulkjob_batches_total", "Submitted batches by success")
	m.BatchRecords = b.intHistogram("bulkjob_batch_records", "Records per submitted batch", "",
		1, 10, 100, 500, 1000, 2500, 5000, 10000)
	m.BatchBytes = b.intHistogram("bulkjob_batch_bytes", "Bytes per submitted batch", "By",
		1e3, 1e4, 1e5, 1e6, 2.5e6, 5e6, 1e7)
	m.BatchDuration = b.histogram("bulkjob_batch_duration_seconds", "Batch submission latency in seconds", "s",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)

	m.EventsDelivered = b.counter("bulkjob_events_delivered_total", "Lifecycle events delivered")
	m.EventsFailed = b.counter("bulkjob_events_failed_total", "Lifecycle events that failed after retries")
	m.EventsDropped = b.counter("bulkjob_events_dropped_total", "Lifecycle events dropped (queue full or circuit open)")
	m.EventDuration = b.histogram("bulkjob_event_duration_seconds", "Lifecycle event delivery latency", "s",
		0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10)
	m.EventQueueLength = b.gauge("bulkjob_event_queue_length", "Lifecycle events waiting for delivery")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// builder keeps the first instrument error so construction reads linearly.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) intHistogram(name, desc, unit string, bounds ...float64) metric.Int64Histogram {
	opts := []metric.Int64HistogramOption{
		metric.WithDescription(desc),
		metric.WithExplicitBucketBoundaries(bounds...),
	}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	h, err := b.meter.Int64Histogram(name, opts...)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(methodAttr(method), pathAttr(path), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSetup records a setup attempt. result is one of created, invalid,
// refused, remote_error or publish_error.
func (m *Metrics) RecordSetup(ctx context.Context, object, result string, d time.Duration) {
	m.SetupsTotal.Add(ctx, 1, metric.WithAttributes(objectAttr(object), resultAttr(result)))
	m.PhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(phaseAttr("setup"), resultAttr(result)))
	if result == ResultCreated {
		m.JobsOpen.Add(ctx, 1, metric.WithAttributes(objectAttr(object)))
	}
}

// RecordCommit records a commit attempt. result is closed, refused or remote_error.
func (m *Metrics) RecordCommit(ctx context.Context, object, result string, d time.Duration) {
	m.CommitsTotal.Add(ctx, 1, metric.WithAttributes(objectAttr(object), resultAttr(result)))
	m.PhaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(phaseAttr("commit"), resultAttr(result)))
	if result == ResultClosed {
		m.JobsOpen.Add(ctx, -1, metric.WithAttributes(objectAttr(object)))
	}
}

// RecordLeftOpen records a job that will not be committed.
func (m *Metrics) RecordLeftOpen(ctx context.Context, object string) {
	m.JobsLeftOpen.Add(ctx, 1, metric.WithAttributes(objectAttr(object)))
	m.JobsOpen.Add(ctx, -1, metric.WithAttributes(objectAttr(object)))
}

// RecordTask records a finished task.
func (m *Metrics) RecordTask(ctx context.Context, success bool, records int64) {
	m.TasksTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
	if records > 0 {
		m.RecordsWritten.Add(ctx, records)
	}
}

// RecordBatch records one batch submission. It satisfies writer.Recorder.
func (m *Metrics) RecordBatch(ctx context.Context, records, bytes int, d time.Duration, err error) {
	attrs := metric.WithAttributes(successAttr(err == nil))
	m.BatchesTotal.Add(ctx, 1, attrs)
	m.BatchDuration.Record(ctx, d.Seconds(), attrs)
	if err == nil {
		m.BatchRecords.Record(ctx, int64(records))
		m.BatchBytes.Record(ctx, int64(bytes))
	}
}

// RecordEventDelivered records a delivered lifecycle event.
func (m *Metrics) RecordEventDelivered(ctx context.Context, d time.Duration) {
	m.EventsDelivered.Add(ctx, 1)
	m.EventDuration.Record(ctx, d.Seconds())
}

// RecordEventFailed records an event that exhausted its retries.
func (m *Metrics) RecordEventFailed(ctx context.Context) {
	m.EventsFailed.Add(ctx, 1)
}

// RecordEventDropped records an event that was never attempted.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	m.EventsDropped.Add(ctx, 1)
}

// RecordEventQueueLength records the current queue length.
func (m *Metrics) RecordEventQueueLength(ctx context.Context, n int64) {
	m.EventQueueLength.Record(ctx, n)
}
