// Package coordinator drives one logical bulk write: it creates the remote
// job before any task runs and closes it once after every task succeeded.
//
// Tasks have no lifecycle hooks here. Each task writer flushes and releases
// its own connection; the coordinator only sees their outcomes at commit.
// When anything goes wrong after the job exists, the coordinator leaves the
// job open and reports it. It never aborts a job on its own.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/internal/observability"
	"bulkjob/internal/sharedconf"
	"bulkjob/pkg/cloudevent"
)

// Recorder receives lifecycle observations.
type Recorder interface {
	RecordSetup(ctx context.Context, object, result string, d time.Duration)
	RecordCommit(ctx context.Context, object, result string, d time.Duration)
	RecordLeftOpen(ctx context.Context, object string)
}

// Notifier delivers lifecycle events to the operator.
type Notifier interface {
	Notify(ctx context.Context, event *cloudevent.CloudEvent)
}

// Config wires optional collaborators.
type Config struct {
	OperationID string
	Source      string // CloudEvent source, default "bulkjob/coordinator"
	Metrics     Recorder
	Notifier    Notifier
}

// Coordinator is safe for concurrent use, but its lifecycle calls are
// serialised: setup and commit each run exactly once.
type Coordinator struct {
	client  job.Client
	channel sharedconf.Channel
	cfg     Config
	events  *job.EventBuilder
	logger  *slog.Logger

	mu      sync.Mutex
	phase   Phase
	handle  *job.Handle
	failure error
}

// New returns a coordinator in the not_started phase.
func New(client job.Client, channel sharedconf.Channel, cfg Config) *Coordinator {
	if cfg.Source == "" {
		cfg.Source = "bulkjob/coordinator"
	}
	return &Coordinator{
		client:  client,
		channel: channel,
		cfg:     cfg,
		events:  job.NewEventBuilder(cfg.OperationID, cfg.Source),
		logger:  slog.With("component", "coordinator", "operationId", cfg.OperationID),
		phase:   PhaseNotStarted,
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Handle returns the created job, or nil before a successful setup.
func (c *Coordinator) Handle() *job.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Failure returns the error that moved the coordinator into an aborted phase.
func (c *Coordinator) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Setup validates params, creates the remote job and publishes its id and
// parameters on the shared channel. Invalid parameters, or a channel that
// already holds a job id, never reach the remote service.
func (c *Coordinator) Setup(ctx context.Context, params job.Parameters) (*job.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseNotStarted {
		return nil, apperrors.Protocol(fmt.Sprintf("setup called in phase %s", c.phase))
	}
	start := time.Now()
	logger := c.logger.With("object", params.Object, "operation", params.Operation)

	if err := params.Validate(); err != nil {
		c.abortNeverCreated(ctx, params, err, observability.ResultInvalid, start)
		logger.Warn("Job parameters rejected", "error", err)
		return nil, err
	}

	// A job id left in the channel belongs to an earlier run of this
	// operation. Creating another job could never be published.
	existing, found, err := c.channel.Read(ctx, sharedconf.KeyJobID)
	if err != nil {
		c.abortNeverCreated(ctx, params, err, observability.ResultRefused, start)
		logger.Error("Reading shared configuration failed", "error", err)
		return nil, err
	}
	if found {
		err := apperrors.Conflict("operation", c.cfg.OperationID,
			fmt.Sprintf("job %s was already published for it", existing))
		c.abortNeverCreated(ctx, params, err, observability.ResultRefused, start)
		logger.Error("Job id already published; refusing to create another job", "publishedJobId", existing)
		return nil, err
	}

	jobID, err := c.client.CreateJob(ctx, params)
	if err != nil {
		err = apperrors.Remote("coordinator.setup", err)
		c.abortNeverCreated(ctx, params, err, observability.ResultRemoteError, start)
		logger.Error("Bulk job creation failed", "error", err)
		return nil, err
	}

	handle := job.NewHandle(jobID, params)
	logger = logger.With("jobId", jobID)

	if err := sharedconf.PublishHandle(ctx, c.channel, handle); err != nil {
		c.phase = PhaseAbortedJobLeftOpen
		c.handle = handle
		c.failure = err
		c.record(func(r Recorder) {
			r.RecordSetup(ctx, params.Object, observability.ResultPublishError, time.Since(start))
		})
		logger.Error("Publishing job id failed; job left open, abort it manually", "error", err)
		c.notify(ctx, c.events.LeftOpen(handle, err))
		return nil, err
	}

	c.phase = PhaseJobOpen
	c.handle = handle
	c.record(func(r Recorder) {
		r.RecordSetup(ctx, params.Object, observability.ResultCreated, time.Since(start))
	})
	logger.Info("Bulk job created")
	c.notify(ctx, c.events.Open(handle))
	return handle, nil
}

func (c *Coordinator) abortNeverCreated(ctx context.Context, params job.Parameters, err error, result string, start time.Time) {
	c.phase = PhaseAbortedNeverCreated
	c.failure = err
	c.record(func(r Recorder) { r.RecordSetup(ctx, params.Object, result, time.Since(start)) })
	c.notify(ctx, c.events.SetupFailed(params, err))
}

// Commit closes the job after every task succeeded. It refuses when any
// outcome failed, when ctx is already cancelled, when the handle is not the
// one this coordinator created, or when called twice. A refused or failed
// commit leaves the job open on the remote service.
func (c *Coordinator) Commit(ctx context.Context, handle *job.Handle, outcomes []job.TaskOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseJobOpen {
		return apperrors.Protocol(fmt.Sprintf("commit called in phase %s", c.phase))
	}
	if handle == nil || handle != c.handle {
		return apperrors.Protocol("commit called with a handle this coordinator did not create")
	}
	if handle.State() != job.StateCreated {
		return apperrors.Protocol(fmt.Sprintf("job %s is already %s", handle.ID, handle.State()))
	}

	start := time.Now()
	object := handle.Parameters.Object
	logger := c.logger.With("jobId", handle.ID, "object", object)

	if err := ctx.Err(); err != nil {
		refusal := apperrors.Protocol(fmt.Sprintf("commit refused: cancelled before commit: %v", err))
		c.leaveOpen(ctx, handle, refusal, observability.ResultRefused, start)
		logger.Error("Commit refused after cancellation; job left open, abort it manually")
		return refusal
	}
	if failed := job.FirstFailure(outcomes); failed != nil {
		refusal := apperrors.Protocol(fmt.Sprintf("commit refused: task %s failed: %v", failed.TaskID, failed.Err))
		c.leaveOpen(ctx, handle, refusal, observability.ResultRefused, start)
		logger.Error("Commit refused after task failure; job left open, abort it manually",
			"taskId", failed.TaskID, "error", failed.Err)
		return refusal
	}

	published, err := sharedconf.ReadJobID(ctx, c.channel)
	if err != nil {
		c.leaveOpen(ctx, handle, err, observability.ResultRefused, start)
		logger.Error("Reading job id for commit failed; job left open, abort it manually", "error", err)
		return err
	}
	if published != handle.ID {
		refusal := apperrors.Protocol(fmt.Sprintf("published job id %s does not match handle %s", published, handle.ID))
		c.leaveOpen(ctx, handle, refusal, observability.ResultRefused, start)
		logger.Error("Job id mismatch at commit; job left open, abort it manually", "publishedJobId", published)
		return refusal
	}

	if err := c.client.CloseJob(ctx, handle.ID); err != nil {
		err = apperrors.Remote("coordinator.commit", err)
		c.leaveOpen(ctx, handle, err, observability.ResultRemoteError, start)
		logger.Error("Closing bulk job failed; job left open, abort it manually", "error", err)
		return err
	}

	if err := handle.MarkClosed(); err != nil {
		return err
	}
	c.phase = PhaseJobClosed
	records := job.TotalRecords(outcomes)
	c.record(func(r Recorder) { r.RecordCommit(ctx, object, observability.ResultClosed, time.Since(start)) })
	logger.Info("Bulk job closed", "tasks", len(outcomes), "records", records)
	c.notify(ctx, c.events.Closed(handle, records))
	return nil
}

func (c *Coordinator) leaveOpen(ctx context.Context, handle *job.Handle, cause error, result string, start time.Time) {
	c.phase = PhaseAbortedJobLeftOpen
	c.failure = cause
	object := handle.Parameters.Object
	c.record(func(r Recorder) {
		r.RecordCommit(ctx, object, result, time.Since(start))
		r.RecordLeftOpen(ctx, object)
	})
	c.notify(context.WithoutCancel(ctx), c.events.LeftOpen(handle, cause))
}

// Abandon records that the parallel phase failed or was cancelled, so the job
// will not be committed. No remote call is made. Abandon is a no-op outside
// job_open.
func (c *Coordinator) Abandon(ctx context.Context, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseJobOpen {
		return
	}
	if cause == nil {
		cause = errors.New("abandoned")
	}
	c.phase = PhaseAbortedJobLeftOpen
	c.failure = cause
	object := c.handle.Parameters.Object
	c.record(func(r Recorder) { r.RecordLeftOpen(ctx, object) })
	c.logger.Error("Bulk job abandoned; job left open, abort it manually",
		"jobId", c.handle.ID, "error", cause)
	c.notify(context.WithoutCancel(ctx), c.events.LeftOpen(c.handle, cause))
}

// Abort discards the remote job. It is an operator action for a job that is
// open or was left open, and is never called by the lifecycle itself.
func (c *Coordinator) Abort(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == nil {
		return apperrors.Protocol(fmt.Sprintf("abort called in phase %s: no job was created", c.phase))
	}
	if c.handle.State() != job.StateCreated {
		return apperrors.Protocol(fmt.Sprintf("job %s is already %s", c.handle.ID, c.handle.State()))
	}
	logger := c.logger.With("jobId", c.handle.ID)

	if err := c.client.AbortJob(ctx, c.handle.ID); err != nil {
		err = apperrors.Remote("coordinator.abort", err)
		logger.Error("Aborting bulk job failed", "error", err)
		return err
	}
	if err := c.handle.MarkAborted(); err != nil {
		return err
	}
	if c.phase == PhaseJobOpen {
		c.phase = PhaseAbortedJobLeftOpen
		c.failure = errors.New("aborted by operator")
		object := c.handle.Parameters.Object
		c.record(func(r Recorder) { r.RecordLeftOpen(ctx, object) })
	}
	logger.Info("Bulk job aborted by operator")
	c.notify(ctx, c.events.Aborted(c.handle))
	return nil
}

func (c *Coordinator) record(fn func(Recorder)) {
	if c.cfg.Metrics != nil {
		fn(c.cfg.Metrics)
	}
}

func (c *Coordinator) notify(ctx context.Context, ev *cloudevent.CloudEvent) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.Notify(ctx, ev)
	}
}
