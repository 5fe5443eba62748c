// Package writer implements the per-task bulk writer. A Writer buffers
// encoded records and submits them as batches into the job whose id was
// published on the shared configuration channel.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
)

// Recorder receives one observation per submitted batch.
type Recorder interface {
	RecordBatch(ctx context.Context, records, bytes int, duration time.Duration, err error)
}

// Option customises a Writer.
type Option func(*Writer)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Writer) { w.recorder = r }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// Writer is owned by exactly one task and is not safe for concurrent use.
type Writer struct {
	taskID   string
	jobID    string
	client   job.Client
	cfg      Config
	recorder Recorder
	logger   *slog.Logger

	buf     [][]byte
	bufSize int

	written int64
	batches int
	err     error // first fatal error, returned by every later call
	closed  bool
}

// New resolves the job id from ch and returns a Writer bound to it. A missing
// job id is a configuration error; the writer never invents one.
func New(ctx context.Context, taskID string, ch sharedconf.Channel, client job.Client, cfg Config, opts ...Option) (*Writer, error) {
	jobID, err := sharedconf.ReadJobID(ctx, ch)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		taskID: taskID,
		jobID:  jobID,
		client: client,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.With("component", "writer", "taskId", taskID, "jobId", jobID)
	}
	w.bufSize = w.headerSize()
	return w, nil
}

// JobID returns the job this writer submits into.
func (w *Writer) JobID() string {
	return w.jobID
}

func (w *Writer) headerSize() int {
	if len(w.cfg.Header) == 0 {
		return 0
	}
	return len(w.cfg.Header) + 1
}

// Write appends one encoded record. It submits a batch when the buffer
// reaches either bound. A record never spans two batches.
func (w *Writer) Write(ctx context.Context, record []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return apperrors.Protocol("write on closed writer")
	}

	size := len(record) + 1
	if w.headerSize()+size > w.cfg.MaxBytes {
		w.err = apperrors.Validation("record", fmt.Sprintf("record of %d bytes exceeds batch limit of %d bytes", len(record), w.cfg.MaxBytes))
		return w.err
	}
	if len(w.buf) > 0 && w.bufSize+size > w.cfg.MaxBytes {
		if err := w.flush(ctx); err != nil {
			return err
		}
	}

	w.buf = append(w.buf, record)
	w.bufSize += size

	if len(w.buf) >= w.cfg.MaxRecords || w.bufSize >= w.cfg.MaxBytes {
		return w.flush(ctx)
	}
	return nil
}

// Buffered returns the number of records not yet submitted.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	batch := job.Batch{Header: w.cfg.Header, Records: w.buf}
	size := w.bufSize

	start := time.Now()
	batchID, err := w.client.SubmitBatch(ctx, w.jobID, batch)
	if w.recorder != nil {
		w.recorder.RecordBatch(ctx, batch.Len(), size, time.Since(start), err)
	}
	if err != nil {
		w.err = apperrors.Remote("writer.submitBatch", err)
		w.logger.Error("Batch submission failed", "records", batch.Len(), "error", err)
		return w.err
	}

	w.written += int64(batch.Len())
	w.batches++
	w.logger.Debug("Batch submitted", "batchId", batchID, "records", batch.Len(), "bytes", size)

	w.buf = nil
	w.bufSize = w.headerSize()
	return nil
}

// Close submits what is left in the buffer and releases the client. An
// empty buffer submits nothing. The client is released even when the final
// submission fails. Close is idempotent.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return w.err
	}
	w.closed = true

	if w.err == nil {
		_ = w.flush(ctx)
	}
	w.buf = nil

	release(w.client, w.logger)
	return w.err
}

// Outcome reports what this writer did so far.
func (w *Writer) Outcome() job.TaskOutcome {
	return job.TaskOutcome{
		TaskID:           w.taskID,
		RecordsWritten:   w.written,
		BatchesSubmitted: w.batches,
		Failed:           w.err != nil,
		Err:              w.err,
	}
}
