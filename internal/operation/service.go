package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/coordinator"
	"bulkjob/internal/job"
	"bulkjob/internal/sharedconf"
)

// ChannelFactory returns the shared configuration scope for one operation.
type ChannelFactory func(operationID string) sharedconf.Channel

// MemoryChannels gives every operation its own in-process channel.
func MemoryChannels(string) sharedconf.Channel { return sharedconf.NewMemory() }

// StartRequest asks for a new logical write. ID is generated when empty.
type StartRequest struct {
	ID              string `json:"id,omitempty"`
	Object          string `json:"object"`
	Operation       string `json:"operation"`
	ExternalIDField string `json:"externalIdField,omitempty"`
}

// Parameters converts the request.
func (r StartRequest) Parameters() job.Parameters {
	return job.NewParameters(r.Object, r.Operation, r.ExternalIDField)
}

// Config wires the collaborators handed to every coordinator.
type Config struct {
	Source   string
	Metrics  coordinator.Recorder
	Notifier coordinator.Notifier
}

// Service drives operations for the HTTP API.
type Service struct {
	client   job.Client
	channels ChannelFactory
	cfg      Config
	ops      *registry
	logger   *slog.Logger
}

// NewService creates a service. channels defaults to MemoryChannels.
func NewService(client job.Client, channels ChannelFactory, cfg Config) *Service {
	if channels == nil {
		channels = MemoryChannels
	}
	return &Service{
		client:   client,
		channels: channels,
		cfg:      cfg,
		ops:      newRegistry(),
		logger:   slog.With("component", "operation"),
	}
}

// Start runs setup for a new operation. When setup fails before a job was
// created the id is released so the caller may retry with it. When the job
// exists but setup could not finish, the operation stays registered so an
// operator can abort it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*View, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.ops.reserve(id); err != nil {
		return nil, err
	}

	channel := s.channels(id)
	op := &Operation{
		ID:         id,
		Parameters: req.Parameters(),
		CreatedAt:  time.Now().UTC(),
		channel:    channel,
		coord: coordinator.New(s.client, channel, coordinator.Config{
			OperationID: id,
			Source:      s.cfg.Source,
			Metrics:     s.cfg.Metrics,
			Notifier:    s.cfg.Notifier,
		}),
	}
	op.updatedAt = op.CreatedAt

	_, err := op.coord.Setup(ctx, op.Parameters)
	if err != nil && op.coord.Phase() == coordinator.PhaseAbortedNeverCreated {
		s.ops.release(id)
		return nil, err
	}
	s.ops.commit(id, op)
	op.touch(nil)
	v := op.view(ctx)
	if err != nil {
		return &v, err
	}
	s.logger.Info("Operation started", "operationId", id, "jobId", v.JobID)
	return &v, nil
}

// Commit closes the operation's job given every task outcome. An open job is
// never closed on an empty outcome list.
func (s *Service) Commit(ctx context.Context, id string, outcomes []job.TaskOutcome) (*View, error) {
	op, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(outcomes) == 0 && op.coord.Phase() == coordinator.PhaseJobOpen {
		return nil, apperrors.Validation("outcomes", "at least one task outcome is required")
	}
	err = op.coord.Commit(ctx, op.coord.Handle(), outcomes)
	op.touch(outcomes)
	v := op.view(ctx)
	return &v, err
}

// Abandon records that the scheduler gave up on the tasks. The job is left
// open for a manual abort.
func (s *Service) Abandon(ctx context.Context, id, reason string) (*View, error) {
	op, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if phase := op.coord.Phase(); phase != coordinator.PhaseJobOpen {
		return nil, apperrors.Protocol(fmt.Sprintf("abandon called in phase %s", phase))
	}
	if reason == "" {
		reason = "abandoned by scheduler"
	}
	op.coord.Abandon(ctx, errors.New(reason))
	op.touch(nil)
	v := op.view(ctx)
	return &v, nil
}

// Abort discards the operation's remote job. Operator action only.
func (s *Service) Abort(ctx context.Context, id string) (*View, error) {
	op, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	err = op.coord.Abort(ctx)
	op.touch(nil)
	v := op.view(ctx)
	return &v, err
}

// Get returns one operation.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	op, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	v := op.view(ctx)
	return &v, nil
}

// List returns every operation, oldest first.
func (s *Service) List(ctx context.Context) []View {
	ops := s.ops.list()
	views := make([]View, len(ops))
	for i, op := range ops {
		views[i] = op.view(ctx)
	}
	return views
}

// Forget drops a finished operation from the registry and clears its shared
// configuration, so the id can start a new job. Operations whose job is
// still open on the remote service cannot be forgotten.
func (s *Service) Forget(ctx context.Context, id string) error {
	op, err := s.lookup(id)
	if err != nil {
		return err
	}
	if h := op.coord.Handle(); h != nil && h.State() == job.StateCreated {
		return apperrors.Conflict("operation", id, fmt.Sprintf("job %s is still open", h.ID))
	}
	if c, ok := op.channel.(sharedconf.Clearer); ok {
		if err := c.Clear(ctx); err != nil {
			return err
		}
	}
	s.ops.release(id)
	s.logger.Info("Operation forgotten", "operationId", id)
	return nil
}

// Shutdown abandons every operation still in job_open. Nothing is resumed
// after a restart, so those jobs must be aborted manually.
func (s *Service) Shutdown(ctx context.Context) {
	for _, op := range s.ops.list() {
		if op.coord.Phase() != coordinator.PhaseJobOpen {
			continue
		}
		op.coord.Abandon(ctx, errors.New("service shutting down"))
		op.touch(nil)
	}
}

func (s *Service) lookup(id string) (*Operation, error) {
	op, ok := s.ops.get(id)
	if !ok {
		return nil, apperrors.NotFound("operation", id)
	}
	return op, nil
}
