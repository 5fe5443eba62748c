// bulkjob-task writes one partition of a CSV input into an open bulk job.
// It reads the job configuration from BULKJOB_* variables, logs to stderr
// and prints its outcome as the last line on stdout.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/bulkapi"
	"bulkjob/internal/config"
	"bulkjob/internal/job"
	"bulkjob/internal/record"
	"bulkjob/internal/sharedconf"
	"bulkjob/internal/writer"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	outcome := run(ctx)
	stop()

	if err := json.NewEncoder(os.Stdout).Encode(outcome); err != nil {
		slog.Error("Failed to report outcome", "error", err)
		os.Exit(1)
	}
	if outcome.Failed {
		os.Exit(1)
	}
}

func run(ctx context.Context) job.TaskOutcome {
	taskID := config.GetEnv("TASK_ID", "")
	index := config.GetIntEnv("TASK_INDEX", 0)
	count := config.GetIntEnv("TASK_COUNT", 1)
	input := config.GetEnv("INPUT_PATH", "")
	logger := slog.With("taskId", taskID)

	fail := func(err error) job.TaskOutcome {
		logger.Error("Task failed", "error", err)
		return job.TaskOutcome{TaskID: taskID, Failed: true, Err: err}
	}
	if taskID == "" {
		return fail(apperrors.ConfigurationMissing("TASK_ID"))
	}
	if input == "" {
		return fail(apperrors.ConfigurationMissing("INPUT_PATH"))
	}

	wcfg := writer.LoadConfigFromEnv()
	header, err := record.ReadHeader(input)
	if err != nil {
		return fail(err)
	}
	wcfg.Header = header

	client, err := bulkapi.NewHTTPClient(bulkapi.LoadConfigFromEnv())
	if err != nil {
		return fail(err)
	}

	logger.Info("Writing partition", "index", index, "count", count, "input", input)
	outcome := writer.Use(ctx, taskID, sharedconf.NewEnv(), client, wcfg, func(ctx context.Context, w *writer.Writer) error {
		_, err := record.CopyFile(ctx, input, index, count, w)
		return err
	}, writer.WithLogger(logger))

	if outcome.Failed {
		logger.Error("Task failed", "error", outcome.Err, "records", outcome.RecordsWritten)
	} else {
		logger.Info("Task finished", "records", outcome.RecordsWritten, "batches", outcome.BatchesSubmitted)
	}
	return outcome
}
