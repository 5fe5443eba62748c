package operation

import (
	"slices"
	"sync"

	"bulkjob/internal/apperrors"
)

// registry holds operations by id. An id is reserved before setup runs so
// two concurrent starts with the same id cannot both reach the remote
// service; the slot is filled once setup returns.
type registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

func newRegistry() *registry {
	return &registry{ops: make(map[string]*Operation)}
}

// reserve claims id. A reserved slot holds nil until commit.
func (r *registry) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[id]; exists {
		return apperrors.Conflict("operation", id, "operation already exists")
	}
	r.ops[id] = nil
	return nil
}

func (r *registry) commit(id string, op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[id] = op
}

func (r *registry) release(id string) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, exists := r.ops[id]
	if exists {
		delete(r.ops, id)
	}
	return op, exists
}

// get returns a committed operation. Reserved slots read as not found.
func (r *registry) get(id string) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op := r.ops[id]
	return op, op != nil
}

// list returns committed operations, oldest first.
func (r *registry) list() []*Operation {
	r.mu.RLock()
	ops := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		if op != nil {
			ops = append(ops, op)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(ops, func(a, b *Operation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return ops
}
