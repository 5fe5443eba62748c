// Package docker runs bulk write tasks as containers on the host Docker
// daemon. Each task container receives the published job configuration as
// environment variables, writes its partition through a task writer and
// prints its outcome as the last line on stdout.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
	"bulkjob/internal/runner"
	"bulkjob/internal/sharedconf"
)

const managedBy = "bulkjob"

// dockerAPI is the part of the Docker client the executor drives.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// Executor implements runner.Executor with one container per task.
type Executor struct {
	cli     dockerAPI
	cfg     Config
	state   *stateRepo
	metrics runner.TaskRecorder
	logger  *slog.Logger

	ping        func(ctx context.Context) error
	ensureImage func(ctx context.Context, ref string) error
}

var _ runner.Executor = (*Executor)(nil)

// New connects to the daemon configured by the DOCKER_* environment.
// metrics may be nil.
func New(cfg Config, metrics runner.TaskRecorder) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	e := newExecutor(cli, cfg, metrics)
	e.ping = func(ctx context.Context) error {
		_, err := cli.Ping(ctx)
		return err
	}
	e.ensureImage = func(ctx context.Context, ref string) error {
		return pullImageIfNeeded(ctx, cli, ref)
	}
	return e, nil
}

func newExecutor(cli dockerAPI, cfg Config, metrics runner.TaskRecorder) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cli:         cli,
		cfg:         cfg,
		state:       newStateRepo(),
		metrics:     metrics,
		logger:      slog.With("component", "docker", "operationId", cfg.OperationID),
		ping:        func(context.Context) error { return nil },
		ensureImage: func(context.Context, string) error { return nil },
	}
}

// Execute runs every task container and waits for all of them. Outcomes are
// returned in task order.
func (e *Executor) Execute(ctx context.Context, ch sharedconf.Channel, tasks []runner.Task) []job.TaskOutcome {
	outcomes := make([]job.TaskOutcome, len(tasks))
	failAll := func(err error) []job.TaskOutcome {
		for i, t := range tasks {
			outcomes[i] = failed(t.ID, err)
		}
		return outcomes
	}

	if _, err := sharedconf.ReadJobID(ctx, ch); err != nil {
		return failAll(err)
	}
	snapshot, err := sharedconf.Snapshot(ctx, ch)
	if err != nil {
		return failAll(err)
	}
	if err := e.ensureImage(ctx, e.cfg.Image); err != nil {
		return failAll(apperrors.Internal("docker.pullImage", err))
	}
	base := append(sharedconf.EnvVars(snapshot), e.cfg.Env...)

	limit := e.cfg.Parallelism
	if limit <= 0 || limit > len(tasks) {
		limit = len(tasks)
	}
	sem := make(chan struct{}, max(limit, 1))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				outcomes[i] = failed(task.ID, ctx.Err())
				return
			}
			defer func() { <-sem }()
			outcomes[i] = e.runTask(ctx, task, base)
			if e.metrics != nil {
				e.metrics.RecordTask(ctx, !outcomes[i].Failed, outcomes[i].RecordsWritten)
			}
		}()
	}
	wg.Wait()
	return outcomes
}

func (e *Executor) runTask(ctx context.Context, task runner.Task, base []string) job.TaskOutcome {
	logger := e.logger.With("taskId", task.ID)
	if err := e.state.reserve(task.ID); err != nil {
		return failed(task.ID, err)
	}
	defer func() {
		if id, _ := e.state.release(task.ID); id != "" && !e.cfg.Keep {
			e.remove(id)
		}
	}()

	id, err := e.create(ctx, task, base)
	if err != nil {
		logger.Error("Failed to create task container", "error", err)
		return failed(task.ID, apperrors.Internal("docker.create", err))
	}
	e.state.commit(task.ID, id)

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		logger.Error("Failed to start task container", "error", err)
		return failed(task.ID, apperrors.Internal("docker.start", err))
	}
	logger.Debug("Task container started", "containerId", shortID(id))

	exitCode, err := e.waitForExit(ctx, id)
	if err != nil {
		e.stop(id)
		logger.Warn("Task container interrupted", "error", err)
		return failed(task.ID, err)
	}

	stdout, stderr, err := e.collectLogs(ctx, id)
	if err != nil {
		logger.Warn("Failed to read task container logs", "error", err)
	}
	for _, line := range splitLines(stderr) {
		logger.Debug("Task output", "line", line)
	}

	outcome := outcomeFromLogs(task.ID, exitCode, stdout, stderr)
	if outcome.Failed {
		logger.Error("Task container failed", "exitCode", exitCode, "error", outcome.Err, "duration", time.Since(start))
	} else {
		logger.Info("Task container finished", "records", outcome.RecordsWritten, "batches", outcome.BatchesSubmitted,
			"duration", time.Since(start))
	}
	return outcome
}

func (e *Executor) create(ctx context.Context, task runner.Task, base []string) (string, error) {
	env := taskEnv(base, task, e.cfg.InputFile)

	hostConfig := &container.HostConfig{
		ExtraHosts: e.cfg.ExtraHosts,
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.CPU * 1e9),
			Memory:   int64(e.cfg.MemoryMB) * 1024 * 1024,
		},
	}
	if e.cfg.InputDir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   e.cfg.InputDir,
			Target:   InputMount,
			ReadOnly: true,
		}}
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:  e.cfg.Image,
		Cmd:    e.cfg.Command,
		Env:    env,
		Labels: labels(e.cfg.OperationID, task.ID),
	}, hostConfig, nil, nil, containerName(e.cfg.OperationID, task.ID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *Executor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectLogs reads the whole demultiplexed output of an exited container.
func (e *Executor) collectLogs(ctx context.Context, containerID string) ([]byte, []byte, error) {
	rc, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(&stdout, &stderr, rc)
	return stdout.Bytes(), stderr.Bytes(), err
}

// stop is used after cancellation, so it does not inherit the run context.
func (e *Executor) stop(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout+5*time.Second)
	defer cancel()
	timeout := int(e.cfg.StopTimeout.Seconds())
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		e.logger.Debug("Failed to stop container", "containerId", shortID(containerID), "error", err)
	}
}

func (e *Executor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("Failed to remove container", "containerId", shortID(containerID), "error", err)
	}
}

// RemoveStale removes exited task containers left by earlier runs. Running
// containers are left alone: nothing is resumed across restarts.
func (e *Executor) RemoveStale(ctx context.Context) (int, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+managedBy)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	tracked := make(map[string]bool)
	for _, id := range e.state.containerIDs() {
		tracked[id] = true
	}
	removed := 0
	for _, c := range containers {
		if c.State == "running" || tracked[c.ID] {
			continue
		}
		e.remove(c.ID)
		removed++
	}
	if removed > 0 {
		e.logger.Info("Removed stale task containers", "count", removed)
	}
	return removed, nil
}

// Ready checks that the daemon answers.
func (e *Executor) Ready(ctx context.Context) error {
	return e.ping(ctx)
}

// Close stops containers still running and closes the client.
func (e *Executor) Close() error {
	for _, id := range e.state.containerIDs() {
		e.stop(id)
	}
	return e.cli.Close()
}

func pullImageIfNeeded(ctx context.Context, cli *client.Client, ref string) error {
	if _, err := cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func failed(taskID string, err error) job.TaskOutcome {
	return job.TaskOutcome{TaskID: taskID, Failed: true, Err: err}
}

// taskEnv adds the task identity and input path to the shared environment.
func taskEnv(base []string, task runner.Task, inputFile string) []string {
	env := make([]string, 0, len(base)+4)
	env = append(env, base...)
	env = append(env,
		"TASK_ID="+task.ID,
		"TASK_INDEX="+strconv.Itoa(task.Index),
		"TASK_COUNT="+strconv.Itoa(task.Count),
	)
	if inputFile != "" {
		env = append(env, "INPUT_PATH="+path.Join(InputMount, inputFile))
	}
	return env
}

func labels(operationID, taskID string) map[string]string {
	return map[string]string{
		"managed-by":        managedBy,
		"bulkjob.operation": operationID,
		"bulkjob.task":      taskID,
	}
}

// containerName builds a daemon-safe name from the operation and task ids.
func containerName(operationID, taskID string) string {
	parts := []string{managedBy}
	if operationID != "" {
		parts = append(parts, sanitize(operationID))
	}
	parts = append(parts, sanitize(taskID))
	return strings.Join(parts, "-")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

// outcomeFromLogs takes the last JSON line on stdout carrying a taskId as
// the task's report. A non-zero exit always fails the task, even when the
// report claims success.
func outcomeFromLogs(taskID string, exitCode int, stdout, stderr []byte) job.TaskOutcome {
	if outcome, ok := lastOutcome(stdout); ok {
		if outcome.TaskID == "" {
			outcome.TaskID = taskID
		}
		if exitCode != 0 {
			outcome.Failed = true
			if outcome.Err == nil {
				outcome.Err = fmt.Errorf("task container exited with code %d", exitCode)
			}
		}
		return outcome
	}

	msg := "task container exited without reporting an outcome"
	if exitCode != 0 {
		msg = fmt.Sprintf("task container exited with code %d", exitCode)
	}
	if lines := splitLines(stderr); len(lines) > 0 {
		msg += ": " + lines[len(lines)-1]
	}
	return failed(taskID, errors.New(msg))
}

func lastOutcome(stdout []byte) (job.TaskOutcome, bool) {
	lines := splitLines(stdout)
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var marker struct {
			TaskID *string `json:"taskId"`
		}
		if json.Unmarshal([]byte(line), &marker) != nil || marker.TaskID == nil {
			continue
		}
		var outcome job.TaskOutcome
		if err := json.Unmarshal([]byte(line), &outcome); err != nil {
			continue
		}
		return outcome, true
	}
	return job.TaskOutcome{}, false
}

func splitLines(b []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
