package writer

import (
	"strconv"

	"bulkjob/internal/config"
)

// Default batch bounds. The remote service accepts at most 10,000 records
// or 10 MB per batch.
const (
	DefaultMaxRecords = 10000
	DefaultMaxBytes   = 10_000_000
)

// Config bounds each submitted batch. Whichever bound is reached first
// triggers a flush.
type Config struct {
	MaxRecords int
	MaxBytes   int
	Header     []byte // header line prepended to every batch, may be empty
}

// LoadConfigFromEnv reads BATCH_MAX_RECORDS and BATCH_MAX_BYTES.
func LoadConfigFromEnv() Config {
	return Config{
		MaxRecords: config.GetIntEnv("BATCH_MAX_RECORDS", DefaultMaxRecords),
		MaxBytes:   config.GetIntEnv("BATCH_MAX_BYTES", DefaultMaxBytes),
	}
}

// Env renders the bounds for a task process that calls LoadConfigFromEnv.
func (c Config) Env() []string {
	c = c.withDefaults()
	return []string{
		"BATCH_MAX_RECORDS=" + strconv.Itoa(c.MaxRecords),
		"BATCH_MAX_BYTES=" + strconv.Itoa(c.MaxBytes),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	return c
}
