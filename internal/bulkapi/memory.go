package bulkapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bulkjob/internal/apperrors"
	"bulkjob/internal/job"
)

// Call is one request received by Memory.
type Call struct {
	Op      string // createJob, submitBatch, closeJob, abortJob
	JobID   string
	Records int
}

// RemoteJob is the fake service's view of a job.
type RemoteJob struct {
	ID         string
	Parameters job.Parameters
	State      string // Open, Closed, Aborted
	Batches    []job.Batch
}

// Memory is an in-process bulk service. It records every call in order and
// lets tests inject failures. Safe for concurrent use by many task writers.
type Memory struct {
	// JobIDs are handed out in order before falling back to random ids.
	JobIDs []string
	// FailCreate, when set, is returned by CreateJob.
	FailCreate error
	// FailSubmit decides per call whether SubmitBatch fails; n counts the
	// batches already accepted for that job.
	FailSubmit func(jobID string, n int) error
	// FailClose, when set, is returned by CloseJob.
	FailClose error

	mu       sync.Mutex
	calls    []Call
	jobs     map[string]*RemoteJob
	released int
}

var _ job.Client = (*Memory)(nil)

// NewMemory returns a fake service with no jobs.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*RemoteJob)}
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

func (m *Memory) CreateJob(_ context.Context, params job.Parameters) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "createJob"})
	if m.FailCreate != nil {
		return "", apperrors.Remote("bulkapi.createJob", m.FailCreate)
	}

	id := uuid.NewString()
	if len(m.JobIDs) > 0 {
		id, m.JobIDs = m.JobIDs[0], m.JobIDs[1:]
	}
	m.jobs[id] = &RemoteJob{ID: id, Parameters: params, State: "Open"}
	return id, nil
}

func (m *Memory) SubmitBatch(_ context.Context, jobID string, batch job.Batch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "submitBatch", JobID: jobID, Records: batch.Len()})

	j, ok := m.jobs[jobID]
	if !ok {
		return "", apperrors.Remote("bulkapi.submitBatch", &HTTPError{StatusCode: 404, Body: "job not found"})
	}
	if j.State != "Open" {
		return "", apperrors.Remote("bulkapi.submitBatch", &HTTPError{StatusCode: 409, Body: "job is " + j.State})
	}
	if m.FailSubmit != nil {
		if err := m.FailSubmit(jobID, len(j.Batches)); err != nil {
			return "", apperrors.Remote("bulkapi.submitBatch", err)
		}
	}
	records := make([][]byte, len(batch.Records))
	copy(records, batch.Records)
	j.Batches = append(j.Batches, job.Batch{Header: batch.Header, Records: records})
	return fmt.Sprintf("%s-b%d", jobID, len(j.Batches)), nil
}

func (m *Memory) CloseJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "closeJob", JobID: jobID})
	if m.FailClose != nil {
		return apperrors.Remote("bulkapi.closeJob", m.FailClose)
	}
	return m.setState(jobID, "Closed", "bulkapi.closeJob")
}

func (m *Memory) AbortJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(Call{Op: "abortJob", JobID: jobID})
	return m.setState(jobID, "Aborted", "bulkapi.abortJob")
}

func (m *Memory) setState(jobID, state, op string) error {
	j, ok := m.jobs[jobID]
	if !ok {
		return apperrors.Remote(op, &HTTPError{StatusCode: 404, Body: "job not found"})
	}
	if j.State != "Open" {
		return apperrors.Remote(op, &HTTPError{StatusCode: 409, Body: "job is " + j.State})
	}
	j.State = state
	return nil
}

// Ready always succeeds.
func (m *Memory) Ready(context.Context) error { return nil }

// Close counts a released connection. The fake stays usable afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
	return nil
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Ops returns the operation names of the call log in order.
func (m *Memory) Ops() []string {
	calls := m.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// Job returns a copy of a job's state.
func (m *Memory) Job(id string) (RemoteJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return RemoteJob{}, false
	}
	cp := *j
	cp.Batches = append([]job.Batch(nil), j.Batches...)
	return cp, true
}

// Released returns how many times Close was called.
func (m *Memory) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
