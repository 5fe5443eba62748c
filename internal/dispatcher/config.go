package dispatcher

import (
	"time"

	"bulkjob/internal/config"
	"bulkjob/pkg/backoff"
	"bulkjob/pkg/circuitbreaker"
)

// MemoryConfig configures the in-memory dispatcher. Zero values use defaults.
type MemoryConfig struct {
	BufferSize  int           // default 1000
	Workers     int           // default 4
	HTTPTimeout time.Duration // per delivery attempt, default 10s
	Retry       backoff.Policy
	Breaker     circuitbreaker.Config
}

// LoadConfigFromEnv reads DISPATCHER_* variables.
func LoadConfigFromEnv() MemoryConfig {
	return MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		Retry: backoff.Policy{
			MaxAttempts: config.GetIntEnv("DISPATCHER_MAX_ATTEMPTS", 4),
		},
	}.withDefaults()
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	return c
}
