package sharedconf

import (
	"context"
	"sync"

	"bulkjob/internal/apperrors"
)

// Memory is an in-process channel shared by the coordinator and task goroutines.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty channel.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Publish(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.values[key]; ok {
		if current == value {
			return nil
		}
		return apperrors.Conflict("configuration key", key, "already published with a different value")
	}
	m.values[key] = value
	return nil
}

// Clear drops every published value.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.values)
	return nil
}

func (m *Memory) Read(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok, nil
}
