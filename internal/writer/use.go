package writer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
)

// Use builds a Writer, hands it to fn and always closes it, even when fn
// returns an error or panics. The returned outcome is failed if construction,
// fn or the final flush failed.
func Use(ctx context.Context, taskID string, ch sharedconf.Channel, client job.Client, cfg Config,
	fn func(ctx context.Context, w *Writer) error, opts ...Option) (outcome job.TaskOutcome) {

	w, err := New(ctx, taskID, ch, client, cfg, opts...)
	if err != nil {
		release(client, optionLogger(taskID, opts))
		return job.TaskOutcome{TaskID: taskID, Failed: true, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			_ = w.Close(ctx)
			outcome = w.Outcome()
			outcome.Failed = true
			outcome.Err = apperrors.Internal("writer.task", fmt.Errorf("panic: %v", r))
		}
	}()

	fnErr := fn(ctx, w)
	closeErr := w.Close(ctx)

	outcome = w.Outcome()
	switch {
	case fnErr != nil:
		outcome.Failed = true
		outcome.Err = fnErr
	case closeErr != nil:
		outcome.Failed = true
		outcome.Err = closeErr
	}
	return outcome
}

// release closes client when it holds resources. Clients without Close are
// left alone.
func release(client job.Client, logger *slog.Logger) {
	if c, ok := client.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("Releasing bulk client failed", "error", err)
		}
	}
}

// optionLogger is the logger a Writer built with opts would use, for paths
// where construction failed.
func optionLogger(taskID string, opts []Option) *slog.Logger {
	scratch := &Writer{}
	for _, opt := range opts {
		opt(scratch)
	}
	if scratch.logger != nil {
		return scratch.logger
	}
	return slog.With("component", "writer", "taskId", taskID)
}
