package sharedconf

import (
	"context"
	"os"
	"strings"

	"bulkjob/internal/apperrors"
)

// Env is the read-only channel seen by a task process whose configuration was
// handed over as environment variables.
type Env struct {
	lookup func(string) (string, bool)
}

// NewEnv reads from the process environment.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// NewEnvFromMap reads from a fixed map, for tests and dry runs.
func NewEnvFromMap(vars map[string]string) *Env {
	return &Env{lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

// EnvName maps a key to its variable name: bulkjob.job_id becomes BULKJOB_JOB_ID.
func EnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// EnvVars renders a snapshot as KEY=value entries in stable order.
func EnvVars(snapshot map[string]string) []string {
	vars := make([]string, 0, len(snapshot))
	for _, k := range SortedKeys(snapshot) {
		vars = append(vars, EnvName(k)+"="+snapshot[k])
	}
	return vars
}

func (e *Env) Publish(_ context.Context, key, _ string) error {
	return apperrors.Protocol("environment configuration is read-only, cannot publish " + key)
}

func (e *Env) Read(_ context.Context, key string) (string, bool, error) {
	v, ok := e.lookup(EnvName(key))
	return v, ok, nil
}
