// Package job defines the bulk job domain: parameters, the job handle and its
// lifecycle states, batches, task outcomes and the remote job client contract.
package job

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"bulkjob/internal/apperrors"
)

// Operation is the write operation applied to every record of a job.
type Operation string

const (
	OperationInsert     Operation = "insert"
	OperationUpdate     Operation = "update"
	OperationUpsert     Operation = "upsert"
	OperationDelete     Operation = "delete"
	OperationHardDelete Operation = "hardDelete"
)

var operations = []Operation{
	OperationInsert,
	OperationUpdate,
	OperationUpsert,
	OperationDelete,
	OperationHardDelete,
}

// ParseOperation matches an operation name case-insensitively.
func ParseOperation(s string) (Operation, error) {
	for _, op := range operations {
		if strings.EqualFold(s, string(op)) {
			return op, nil
		}
	}
	return "", apperrors.Validation("operation", fmt.Sprintf("unknown operation %q", s))
}

// Valid reports whether op is one of the supported operations.
func (op Operation) Valid() bool {
	for _, known := range operations {
		if op == known {
			return true
		}
	}
	return false
}

// Parameters describe what a job writes. They are fixed once the job exists.
type Parameters struct {
	Object          string    `json:"object"`
	Operation       Operation `json:"operation"`
	ExternalIDField string    `json:"externalIdField,omitempty"`
}

// NewParameters builds parameters from loosely typed input. The operation
// name matches case-insensitively; an unknown name is kept so Validate
// reports it.
func NewParameters(object, operation, externalIDField string) Parameters {
	op, err := ParseOperation(operation)
	if err != nil {
		op = Operation(operation)
	}
	return Parameters{
		Object:          strings.TrimSpace(object),
		Operation:       op,
		ExternalIDField: strings.TrimSpace(externalIDField),
	}
}

// Validate checks the parameters without contacting the remote service.
func (p Parameters) Validate() error {
	if strings.TrimSpace(p.Object) == "" {
		return apperrors.Validation("object", "target object is required")
	}
	if p.Operation == "" {
		return apperrors.Validation("operation", "operation is required")
	}
	if !p.Operation.Valid() {
		return apperrors.Validation("operation", fmt.Sprintf("unknown operation %q", p.Operation))
	}
	if p.Operation == OperationUpsert && strings.TrimSpace(p.ExternalIDField) == "" {
		return apperrors.Validation("externalIdField", "external id field is required for upsert")
	}
	return nil
}

// State is the remote lifecycle state of a job as known locally.
type State string

const (
	StateCreated State = "created"
	StateClosed  State = "closed"
	StateAborted State = "aborted"
)

// Handle refers to one created remote job.
type Handle struct {
	ID         string
	Parameters Parameters
	CreatedAt  time.Time

	mu    sync.RWMutex
	state State
}

// NewHandle returns a handle in the created state.
func NewHandle(id string, params Parameters) *Handle {
	return &Handle{
		ID:         id,
		Parameters: params,
		CreatedAt:  time.Now().UTC(),
		state:      StateCreated,
	}
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// MarkClosed moves the handle from created to closed.
func (h *Handle) MarkClosed() error {
	return h.transition(StateClosed)
}

// MarkAborted moves the handle from created to aborted.
func (h *Handle) MarkAborted() error {
	return h.transition(StateAborted)
}

func (h *Handle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateCreated {
		return apperrors.Protocol(fmt.Sprintf("job %s is %s, cannot move to %s", h.ID, h.state, to))
	}
	h.state = to
	return nil
}
