package runner

import (
	"context"
	"sync"

	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
	"bulkjob/internal/writer"
)

// TaskFunc produces the records of one task into w.
type TaskFunc func(ctx context.Context, task Task, w *writer.Writer) error

// TaskRecorder observes finished tasks.
type TaskRecorder interface {
	RecordTask(ctx context.Context, success bool, records int64)
}

// Local runs each task in its own goroutine within this process.
type Local struct {
	// NewClient returns a client owned by a single task. The writer releases
	// it when the task ends.
	NewClient func() (job.Client, error)
	Writer    writer.Config
	Work      TaskFunc
	// Parallelism bounds concurrent tasks; zero runs all at once.
	Parallelism int
	Options     []writer.Option
	Metrics     TaskRecorder
}

var _ Executor = (*Local)(nil)

func (l *Local) Execute(ctx context.Context, ch sharedconf.Channel, tasks []Task) []job.TaskOutcome {
	outcomes := make([]job.TaskOutcome, len(tasks))

	limit := l.Parallelism
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}
	sem := make(chan struct{}, max(limit, 1))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.record(ctx, &outcomes[i])
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = job.TaskOutcome{TaskID: task.ID, Failed: true, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			outcomes[i] = l.runTask(ctx, ch, task)
		}()
	}
	wg.Wait()
	return outcomes
}

// record counts every outcome, including tasks that never got a client or
// were cancelled before they started.
func (l *Local) record(ctx context.Context, outcome *job.TaskOutcome) {
	if l.Metrics != nil {
		l.Metrics.RecordTask(ctx, !outcome.Failed, outcome.RecordsWritten)
	}
}

func (l *Local) runTask(ctx context.Context, ch sharedconf.Channel, task Task) job.TaskOutcome {
	client, err := l.NewClient()
	if err != nil {
		return job.TaskOutcome{TaskID: task.ID, Failed: true, Err: err}
	}
	return writer.Use(ctx, task.ID, ch, client, l.Writer, func(ctx context.Context, w *writer.Writer) error {
		return l.Work(ctx, task, w)
	}, l.Options...)
}
