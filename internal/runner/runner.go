// Package runner orders the phases of one logical bulk write: setup before
// any task starts, commit after every task has finished.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bulkjob/internal/coordinator"
	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
)

// Task identifies one parallel unit of work.
type Task struct {
	ID    string
	Index int
	Count int
}

// Tasks returns count tasks named <prefix>-<index>.
func Tasks(prefix string, count int) []Task {
	tasks := make([]Task, count)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprintf("%s-%d", prefix, i), Index: i, Count: count}
	}
	return tasks
}

// Executor runs tasks in parallel and returns one outcome per task, in task
// order. Tasks read the job id from ch. Execute returns only after every task
// has finished.
type Executor interface {
	Execute(ctx context.Context, ch sharedconf.Channel, tasks []Task) []job.TaskOutcome
}

// Result summarises a run.
type Result struct {
	Handle   *job.Handle
	Phase    coordinator.Phase
	Outcomes []job.TaskOutcome
	Records  int64
	Duration time.Duration
}

// Run performs setup, executes the tasks and commits. If any task failed or
// ctx was cancelled during execution, the job is abandoned (left open) and
// the error returned. The returned Result is never nil.
func Run(ctx context.Context, coord *coordinator.Coordinator, ch sharedconf.Channel, exec Executor,
	params job.Parameters, tasks []Task) (*Result, error) {

	start := time.Now()
	res := &Result{}
	finish := func(err error) (*Result, error) {
		res.Phase = coord.Phase()
		res.Duration = time.Since(start)
		return res, err
	}

	handle, err := coord.Setup(ctx, params)
	if err != nil {
		return finish(err)
	}
	res.Handle = handle
	logger := slog.With("component", "runner", "jobId", handle.ID, "tasks", len(tasks))
	logger.Info("Dispatching tasks")

	res.Outcomes = exec.Execute(ctx, ch, tasks)
	res.Records = job.TotalRecords(res.Outcomes)

	if err := ctx.Err(); err != nil {
		coord.Abandon(ctx, fmt.Errorf("cancelled during task execution: %w", err))
		return finish(coord.Failure())
	}
	if failed := job.FirstFailure(res.Outcomes); failed != nil {
		cause := fmt.Errorf("task %s failed: %w", failed.TaskID, failed.Err)
		coord.Abandon(ctx, cause)
		return finish(cause)
	}

	if err := coord.Commit(ctx, handle, res.Outcomes); err != nil {
		return finish(err)
	}
	logger.Info("Bulk write committed", "records", res.Records)
	return finish(nil)
}
