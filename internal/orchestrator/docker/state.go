package docker

import (
	"sync"

	"bulkjob/internal/apperrors"
)

// stateRepo tracks the container of every task in flight so a cancelled
// run or Close can stop them.
type stateRepo struct {
	mu         sync.RWMutex
	containers map[string]string // task id -> container id, "" while creating
}

func newStateRepo() *stateRepo {
	return &stateRepo{containers: make(map[string]string)}
}

// reserve claims a task id before its container exists.
func (r *stateRepo) reserve(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.containers[taskID]; exists {
		return apperrors.Conflict("task", taskID, "task is already running")
	}
	r.containers[taskID] = ""
	return nil
}

// commit records the container created for a reserved task.
func (r *stateRepo) commit(taskID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[taskID] = containerID
}

// release forgets a task and returns its container id, if any.
func (r *stateRepo) release(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, exists := r.containers[taskID]
	if exists {
		delete(r.containers, taskID)
	}
	return id, exists
}

// containerIDs lists created containers.
func (r *stateRepo) containerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.containers))
	for _, id := range r.containers {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
